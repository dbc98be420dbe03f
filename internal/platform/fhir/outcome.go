package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Issue severities.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// Issue types used by the sync engine.
const (
	IssueTypeProcessing   = "processing"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeInvalid      = "invalid"
	IssueTypeSecurity     = "security"
	IssueTypeTransient    = "transient"
	IssueTypeNotSupported = "not-supported"
)

// SuccessOutcome creates a success OperationOutcome with severity=information.
func SuccessOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, message)
}

// ConflictOutcome creates a 409-style OperationOutcome.
func ConflictOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, message)
}

// SecurityOutcome creates a 401/403-style OperationOutcome.
func SecurityOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeSecurity, message)
}

// InvalidOutcome creates a 400-style OperationOutcome.
func InvalidOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, message)
}

// OutcomeMessage extracts a readable message from an error response body
// returned by a remote FHIR server. When the body is an OperationOutcome the
// diagnostics (or details text) of each issue are joined; otherwise the body is
// returned trimmed.
func OutcomeMessage(body []byte) string {
	var oo OperationOutcome
	if err := json.Unmarshal(body, &oo); err == nil && oo.ResourceType == "OperationOutcome" && len(oo.Issue) > 0 {
		parts := make([]string, 0, len(oo.Issue))
		for _, iss := range oo.Issue {
			msg := iss.Diagnostics
			if msg == "" && iss.Details != nil {
				msg = iss.Details.Text
			}
			if msg == "" {
				msg = iss.Code
			}
			parts = append(parts, fmt.Sprintf("%s: %s", iss.Severity, msg))
		}
		return strings.Join(parts, "; ")
	}
	return strings.TrimSpace(string(body))
}
