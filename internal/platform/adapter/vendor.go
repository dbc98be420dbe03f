package adapter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sourcegraph/conc/pool"

	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// VendorAdapter adds identifier-aware lookups and the wider resource
// vocabulary on top of GenericAdapter. EpicAdapter and CernerAdapter embed it.
type VendorAdapter struct {
	*GenericAdapter
	identifierSystem string
}

var (
	_ ResourceAdapter = (*VendorAdapter)(nil)
	_ Summarizer      = (*VendorAdapter)(nil)
)

func newVendorAdapter(cfg Config, identifierSystem string, opts ...Option) *VendorAdapter {
	if cfg.IdentifierSystem != "" {
		identifierSystem = cfg.IdentifierSystem
	}
	return &VendorAdapter{
		GenericAdapter:   NewGenericAdapter(cfg, opts...),
		identifierSystem: identifierSystem,
	}
}

// IdentifierSystem is the URI used by FindPatientByIdentifier.
func (v *VendorAdapter) IdentifierSystem() string { return v.identifierSystem }

// FindPatientByIdentifier resolves a patient by a value in the vendor's
// identifier system.
func (v *VendorAdapter) FindPatientByIdentifier(ctx context.Context, tok *auth.TokenInfo, value string) (*fhir.Patient, error) {
	patients, err := v.SearchPatients(ctx, tok, url.Values{
		"identifier": {v.identifierSystem + "|" + value},
	})
	if err != nil {
		return nil, err
	}
	if len(patients) == 0 {
		return nil, fmt.Errorf("identifier %s|%s: %w", v.identifierSystem, value, ErrPatientNotFound)
	}
	return patients[0], nil
}

func (v *VendorAdapter) GetAllergies(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceAllergyIntolerance, patientID)
}

func (v *VendorAdapter) GetImmunizations(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceImmunization, patientID)
}

func (v *VendorAdapter) GetAppointments(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceAppointment, patientID)
}

func (v *VendorAdapter) GetEncounters(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceEncounter, patientID)
}

func (v *VendorAdapter) GetCarePlans(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceCarePlan, patientID)
}

func (v *VendorAdapter) GetDocuments(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceDocumentReference, patientID)
}

func (v *VendorAdapter) GetProcedures(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceProcedure, patientID)
}

func (v *VendorAdapter) GetDiagnosticReports(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceDiagnosticReport, patientID)
}

func (v *VendorAdapter) GetCoverage(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]fhir.ClinicalResource, error) {
	return v.SearchByPatient(ctx, tok, fhirmodels.ResourceCoverage, patientID)
}

// ---------------------------------------------------------------------------
// Patient summary
// ---------------------------------------------------------------------------

// PatientSummary is a one-call overview of a patient's chart. A part that
// could not be fetched is left empty and named in Failed.
type PatientSummary struct {
	Patient       *fhir.Patient             `json:"patient,omitempty"`
	Conditions    []*fhir.Condition         `json:"conditions"`
	Medications   []*fhir.MedicationRequest `json:"medications"`
	Observations  []*fhir.Observation       `json:"observations"`
	Allergies     []fhir.ClinicalResource   `json:"allergies"`
	Immunizations []fhir.ClinicalResource   `json:"immunizations"`
	Failed        map[string]string         `json:"failed,omitempty"`
}

type summaryPart struct {
	name  string
	apply func(*PatientSummary)
	err   error
}

// GetPatientSummary fetches the patient and five chart sections
// concurrently. Individual failures do not fail the summary.
func (v *VendorAdapter) GetPatientSummary(ctx context.Context, tok *auth.TokenInfo, patientID string) (*PatientSummary, error) {
	p := pool.NewWithResults[summaryPart]()

	p.Go(func() summaryPart {
		pt, err := v.GetPatient(ctx, tok, patientID)
		return summaryPart{name: fhirmodels.ResourcePatient, err: err, apply: func(s *PatientSummary) { s.Patient = pt }}
	})
	p.Go(func() summaryPart {
		res, err := v.GetConditions(ctx, tok, patientID)
		return summaryPart{name: fhirmodels.ResourceCondition, err: err, apply: func(s *PatientSummary) { s.Conditions = res }}
	})
	p.Go(func() summaryPart {
		res, err := v.GetMedicationRequests(ctx, tok, patientID)
		return summaryPart{name: fhirmodels.ResourceMedicationRequest, err: err, apply: func(s *PatientSummary) { s.Medications = res }}
	})
	p.Go(func() summaryPart {
		res, err := v.GetObservations(ctx, tok, patientID, url.Values{"category": {fhirmodels.ObsCategoryVitalSigns}})
		return summaryPart{name: fhirmodels.ResourceObservation, err: err, apply: func(s *PatientSummary) { s.Observations = res }}
	})
	p.Go(func() summaryPart {
		res, err := v.GetAllergies(ctx, tok, patientID)
		return summaryPart{name: fhirmodels.ResourceAllergyIntolerance, err: err, apply: func(s *PatientSummary) { s.Allergies = res }}
	})
	p.Go(func() summaryPart {
		res, err := v.GetImmunizations(ctx, tok, patientID)
		return summaryPart{name: fhirmodels.ResourceImmunization, err: err, apply: func(s *PatientSummary) { s.Immunizations = res }}
	})

	s := &PatientSummary{
		Conditions:    []*fhir.Condition{},
		Medications:   []*fhir.MedicationRequest{},
		Observations:  []*fhir.Observation{},
		Allergies:     []fhir.ClinicalResource{},
		Immunizations: []fhir.ClinicalResource{},
	}
	for _, part := range p.Wait() {
		if part.err != nil {
			if s.Failed == nil {
				s.Failed = make(map[string]string)
			}
			s.Failed[part.name] = part.err.Error()
			v.logger.Warn().Err(part.err).
				Str("resource_type", part.name).
				Str("patient", patientID).
				Msg("patient summary section failed")
			continue
		}
		part.apply(s)
	}
	return s, nil
}
