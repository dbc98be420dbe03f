package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// Store is the record-store RPC surface the sync engine consumes. The store
// owns deduplication of ingested resources: re-ingesting the same bundle
// never duplicates anything.
type Store interface {
	IngestBundle(ctx context.Context, b *fhir.Bundle, source string) (*IngestReport, error)
	GetPatientFHIRMappings(ctx context.Context, patientHash, system string) ([]Mapping, error)
	GetPatient(ctx context.Context, patientHash string) (*Patient, error)
	GetPatientObservations(ctx context.Context, patientHash string) ([]Observation, error)
	GetPatientConditions(ctx context.Context, patientHash string) ([]Condition, error)
	GetPatientMedications(ctx context.Context, patientHash string) ([]Medication, error)
	UpdateFHIRMapping(ctx context.Context, m Mapping) error
}

// ingestEntry is one bundle entry ready to be upserted.
type ingestEntry struct {
	resourceType string
	externalID   string
	versionID    string
	patientRef   string
	payload      json.RawMessage
}

// classify splits bundle entries into ingestable ones and records unknown
// types and parse failures on the report.
func classify(b *fhir.Bundle, report *IngestReport) []ingestEntry {
	if b == nil {
		return nil
	}
	var out []ingestEntry
	for i, raw := range b.Resources() {
		rt, _, err := fhir.PeekType(raw)
		if err != nil {
			report.ParseErrors = append(report.ParseErrors, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		if rt == "" {
			report.ParseErrors = append(report.ParseErrors, fmt.Sprintf("entry %d: %v", i, fhir.ErrMissingResourceType))
			continue
		}
		if !fhirmodels.IsClinicalResourceType(rt) {
			report.unrecognized(rt)
			continue
		}
		res, err := fhir.Normalize(raw)
		if err != nil {
			report.ParseErrors = append(report.ParseErrors, fmt.Sprintf("entry %d: %v", i, err))
			continue
		}
		if res.ResourceID() == "" {
			report.ParseErrors = append(report.ParseErrors, fmt.Sprintf("entry %d: %s has no id", i, rt))
			continue
		}
		out = append(out, ingestEntry{
			resourceType: rt,
			externalID:   res.ResourceID(),
			versionID:    res.VersionID(),
			patientRef:   res.PatientRef(),
			payload:      compact(raw),
		})
	}
	return out
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

var errNoSource = errors.New("source system is required")
