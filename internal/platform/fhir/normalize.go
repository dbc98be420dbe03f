package fhir

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// ErrMissingResourceType is returned when a payload has no resourceType.
var ErrMissingResourceType = errors.New("resource has no resourceType")

// ClinicalResource is the normalized view of a vendor payload. Every kind the
// sync engine understands has its own concrete type; anything else decodes to
// *Unknown. The set is closed: only this package implements it.
type ClinicalResource interface {
	Kind() string
	ResourceID() string
	VersionID() string
	LastUpdated() string
	// PatientRef is the reference to the patient the resource belongs to, or
	// "" when the payload carries none.
	PatientRef() string
	Raw() json.RawMessage
	setRaw(json.RawMessage)
}

type base struct {
	Resource
	raw json.RawMessage
}

func (b *base) Kind() string               { return b.ResourceType }
func (b *base) ResourceID() string         { return b.ID }
func (b *base) Raw() json.RawMessage       { return b.raw }
func (b *base) setRaw(raw json.RawMessage) { b.raw = raw }

func (b *base) VersionID() string {
	if b.Meta == nil {
		return ""
	}
	return b.Meta.VersionID
}

func (b *base) LastUpdated() string {
	if b.Meta == nil {
		return ""
	}
	return b.Meta.LastUpdated
}

type Patient struct {
	base
	Identifier []Identifier `json:"identifier,omitempty"`
	Active     *bool        `json:"active,omitempty"`
	Name       []HumanName  `json:"name,omitempty"`
	Gender     string       `json:"gender,omitempty"`
	BirthDate  string       `json:"birthDate,omitempty"`
}

func (p *Patient) PatientRef() string { return "Patient/" + p.ID }

// IdentifierValue returns the value of the first identifier in system.
func (p *Patient) IdentifierValue(system string) string {
	for _, id := range p.Identifier {
		if id.System == system {
			return id.Value
		}
	}
	return ""
}

type Observation struct {
	base
	Status            string            `json:"status,omitempty"`
	Category          []CodeableConcept `json:"category,omitempty"`
	Code              CodeableConcept   `json:"code"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
	ValueString       string            `json:"valueString,omitempty"`
}

func (o *Observation) PatientRef() string { return refOf(o.Subject) }

type Condition struct {
	base
	ClinicalStatus *CodeableConcept  `json:"clinicalStatus,omitempty"`
	Category       []CodeableConcept `json:"category,omitempty"`
	Code           CodeableConcept   `json:"code"`
	Subject        *Reference        `json:"subject,omitempty"`
	OnsetDateTime  string            `json:"onsetDateTime,omitempty"`
	RecordedDate   string            `json:"recordedDate,omitempty"`
}

func (c *Condition) PatientRef() string { return refOf(c.Subject) }

type MedicationRequest struct {
	base
	Status                    string           `json:"status,omitempty"`
	Intent                    string           `json:"intent,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	Subject                   *Reference       `json:"subject,omitempty"`
	AuthoredOn                string           `json:"authoredOn,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
}

func (m *MedicationRequest) PatientRef() string { return refOf(m.Subject) }

// PatientScoped covers the remaining clinical kinds whose only field the sync
// engine reads is the owning patient. Vendors use "patient", "subject" or
// "beneficiary" for it depending on the kind.
type PatientScoped struct {
	base
	Patient     *Reference `json:"patient,omitempty"`
	Subject     *Reference `json:"subject,omitempty"`
	Beneficiary *Reference `json:"beneficiary,omitempty"`
	Status      string     `json:"status,omitempty"`
}

func (p *PatientScoped) PatientRef() string {
	switch {
	case p.Patient != nil:
		return p.Patient.Reference
	case p.Subject != nil:
		return p.Subject.Reference
	case p.Beneficiary != nil:
		return p.Beneficiary.Reference
	}
	return ""
}

// Appointment references its patient through participant.actor.
type Appointment struct {
	base
	Status      string                   `json:"status,omitempty"`
	Start       string                   `json:"start,omitempty"`
	End         string                   `json:"end,omitempty"`
	Participant []AppointmentParticipant `json:"participant,omitempty"`
}

type AppointmentParticipant struct {
	Actor  *Reference `json:"actor,omitempty"`
	Status string     `json:"status,omitempty"`
}

func (a *Appointment) PatientRef() string {
	for _, p := range a.Participant {
		if p.Actor != nil && strings.HasPrefix(p.Actor.Reference, "Patient/") {
			return p.Actor.Reference
		}
	}
	return ""
}

// Unknown is any resource kind outside the clinical vocabulary.
type Unknown struct {
	base
}

func (u *Unknown) PatientRef() string { return "" }

// Normalize decodes a vendor payload into its ClinicalResource kind.
func Normalize(raw json.RawMessage) (ClinicalResource, error) {
	rt, _, err := PeekType(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	if rt == "" {
		return nil, ErrMissingResourceType
	}

	var res ClinicalResource
	switch rt {
	case fhirmodels.ResourcePatient:
		res = &Patient{}
	case fhirmodels.ResourceObservation:
		res = &Observation{}
	case fhirmodels.ResourceCondition:
		res = &Condition{}
	case fhirmodels.ResourceMedicationRequest:
		res = &MedicationRequest{}
	case fhirmodels.ResourceAppointment:
		res = &Appointment{}
	case fhirmodels.ResourceAllergyIntolerance,
		fhirmodels.ResourceImmunization,
		fhirmodels.ResourceProcedure,
		fhirmodels.ResourceEncounter,
		fhirmodels.ResourceDiagnosticReport,
		fhirmodels.ResourceCarePlan,
		fhirmodels.ResourceCoverage,
		fhirmodels.ResourceDocumentReference:
		res = &PatientScoped{}
	default:
		res = &Unknown{}
	}

	if err := json.Unmarshal(raw, res); err != nil {
		return nil, fmt.Errorf("normalize %s: %w", rt, err)
	}
	res.setRaw(raw)
	return res, nil
}

// NormalizeBundle normalizes every entry resource of a Bundle. Entries that
// fail to decode are returned as errors alongside the successful ones.
func NormalizeBundle(b *Bundle) ([]ClinicalResource, []error) {
	var (
		out  []ClinicalResource
		errs []error
	)
	for i, raw := range b.Resources() {
		r, err := Normalize(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		out = append(out, r)
	}
	return out, errs
}

func refOf(r *Reference) string {
	if r == nil {
		return ""
	}
	return r.Reference
}
