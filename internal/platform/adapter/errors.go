package adapter

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/ehrsync/internal/platform/fhir"
)

var (
	// ErrUnknownSystem is returned by New for a vendor it has no adapter for.
	ErrUnknownSystem = errors.New("unknown ehr system")
	// ErrPatientNotFound is returned when an identifier lookup matches nothing.
	ErrPatientNotFound = errors.New("patient not found")
)

// HTTPError is a non-2xx answer from the remote server. It is retried.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, fhir.OutcomeMessage([]byte(e.Body)))
}

// SemanticError is a response the adapter could not make sense of, such as a
// malformed body or a resource of the wrong type. It is never retried.
type SemanticError struct {
	Op  string
	Err error
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SemanticError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 or 410 from the remote server.
func IsNotFound(err error) bool {
	code := StatusCode(err)
	return code == http.StatusNotFound || code == http.StatusGone
}
