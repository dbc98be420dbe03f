package ehrsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// localResource is one record-store entity rendered for a remote server.
type localResource struct {
	ResourceType string
	InternalID   string
	Version      int64
	Payload      json.RawMessage
}

// localSnapshot is everything stored locally for one patient.
type localSnapshot struct {
	patientHash string
	patient     *recordstore.Patient
	obs         []recordstore.Observation
	conds       []recordstore.Condition
	meds        []recordstore.Medication
	mappings    map[mappingKey]recordstore.Mapping
}

type mappingKey struct {
	resourceType string
	internalID   string
}

func (s *localSnapshot) mapping(resourceType, internalID string) (recordstore.Mapping, bool) {
	m, ok := s.mappings[mappingKey{resourceType, internalID}]
	return m, ok
}

// patientReference is the reference local clinical resources use for their
// subject: the remote patient id when one is known, the local id otherwise.
func (s *localSnapshot) patientReference() string {
	if m, ok := s.mapping(fhirmodels.ResourcePatient, s.patient.ID); ok && m.ExternalID != "" {
		return "Patient/" + m.ExternalID
	}
	return "Patient/" + s.patient.ID
}

// resources renders every entity, patient first. The id of each payload is
// the mapped external id when one exists.
func (s *localSnapshot) resources() ([]localResource, error) {
	subject := &fhir.Reference{Reference: s.patientReference()}
	out := make([]localResource, 0, 1+len(s.obs)+len(s.conds)+len(s.meds))

	add := func(rt, internalID string, version int64, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", rt, internalID, err)
		}
		out = append(out, localResource{ResourceType: rt, InternalID: internalID, Version: version, Payload: raw})
		return nil
	}

	if err := add(fhirmodels.ResourcePatient, s.patient.ID, s.patient.Version, s.toPatient()); err != nil {
		return nil, err
	}
	for _, o := range s.obs {
		if err := add(fhirmodels.ResourceObservation, o.ID, o.Version, s.toObservation(o, subject)); err != nil {
			return nil, err
		}
	}
	for _, c := range s.conds {
		if err := add(fhirmodels.ResourceCondition, c.ID, c.Version, s.toCondition(c, subject)); err != nil {
			return nil, err
		}
	}
	for _, m := range s.meds {
		if err := add(fhirmodels.ResourceMedicationRequest, m.ID, m.Version, s.toMedicationRequest(m, subject)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *localSnapshot) remoteID(rt, internalID string) string {
	if m, ok := s.mapping(rt, internalID); ok {
		return m.ExternalID
	}
	return ""
}

func (s *localSnapshot) toPatient() *fhir.Patient {
	p := s.patient
	out := &fhir.Patient{Gender: p.Gender, BirthDate: p.BirthDate}
	out.ResourceType = fhirmodels.ResourcePatient
	out.ID = s.remoteID(fhirmodels.ResourcePatient, p.ID)
	if p.MRN != "" {
		out.Identifier = []fhir.Identifier{{
			Use:   "usual",
			Type:  &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://terminology.hl7.org/CodeSystem/v2-0203", Code: "MR"}}},
			Value: p.MRN,
		}}
	}
	if p.FamilyName != "" || p.GivenName != "" {
		name := fhir.HumanName{Use: "official", Family: p.FamilyName}
		if p.GivenName != "" {
			name.Given = []string{p.GivenName}
		}
		out.Name = []fhir.HumanName{name}
	}
	return out
}

func (s *localSnapshot) toObservation(o recordstore.Observation, subject *fhir.Reference) *fhir.Observation {
	out := &fhir.Observation{
		Status:            o.Status,
		Code:              codeable(o.CodeSystem, o.Code, o.Display),
		Subject:           subject,
		EffectiveDateTime: o.EffectiveAt,
		ValueString:       o.ValueString,
	}
	out.ResourceType = fhirmodels.ResourceObservation
	out.ID = s.remoteID(fhirmodels.ResourceObservation, o.ID)
	if out.Status == "" {
		out.Status = "final"
	}
	if o.Category != "" {
		out.Category = []fhir.CodeableConcept{codeable(fhirmodels.SystemObsCategoryCS, o.Category, "")}
	}
	if o.Value != nil {
		v := *o.Value
		out.ValueQuantity = &fhir.Quantity{Value: &v, Unit: o.Unit, System: "http://unitsofmeasure.org", Code: o.Unit}
	}
	return out
}

func (s *localSnapshot) toCondition(c recordstore.Condition, subject *fhir.Reference) *fhir.Condition {
	out := &fhir.Condition{
		Code:          codeable(c.CodeSystem, c.Code, c.Display),
		Subject:       subject,
		OnsetDateTime: c.OnsetDate,
		RecordedDate:  c.RecordedDate,
	}
	out.ResourceType = fhirmodels.ResourceCondition
	out.ID = s.remoteID(fhirmodels.ResourceCondition, c.ID)
	if c.ClinicalStatus != "" {
		cs := codeable(fhirmodels.SystemConditionCS, c.ClinicalStatus, "")
		out.ClinicalStatus = &cs
	}
	return out
}

func (s *localSnapshot) toMedicationRequest(m recordstore.Medication, subject *fhir.Reference) *fhir.MedicationRequest {
	med := codeable(fhirmodels.SystemRxNorm, m.RxNormCode, m.Display)
	out := &fhir.MedicationRequest{
		Status:                    m.Status,
		Intent:                    m.Intent,
		MedicationCodeableConcept: &med,
		Subject:                   subject,
		AuthoredOn:                m.AuthoredOn,
	}
	out.ResourceType = fhirmodels.ResourceMedicationRequest
	out.ID = s.remoteID(fhirmodels.ResourceMedicationRequest, m.ID)
	if out.Status == "" {
		out.Status = fhirmodels.MedicationRequestActive
	}
	if out.Intent == "" {
		out.Intent = "order"
	}
	if m.Dosage != "" {
		out.DosageInstruction = []fhir.Dosage{{Text: m.Dosage}}
	}
	return out
}

func codeable(system, code, display string) fhir.CodeableConcept {
	cc := fhir.CodeableConcept{Text: display}
	if code != "" {
		cc.Coding = []fhir.Coding{{System: system, Code: code, Display: display}}
	}
	return cc
}

// remoteMeta reads the id and version a server assigned to a written
// resource.
func remoteMeta(raw json.RawMessage) (id, version string) {
	var r fhir.Resource
	if len(raw) == 0 || json.Unmarshal(raw, &r) != nil {
		return "", ""
	}
	if r.Meta != nil {
		version = r.Meta.VersionID
	}
	return r.ID, version
}

// withID returns raw with its top-level id replaced.
func withID(raw json.RawMessage, id string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	idJSON, _ := json.Marshal(id)
	obj["id"] = idJSON
	return json.Marshal(obj)
}

func result(dir Direction, rt, id string, at time.Time, err error) SyncResult {
	r := SyncResult{
		Success:      err == nil,
		ResourceType: rt,
		ResourceID:   id,
		Direction:    dir,
		Timestamp:    at,
	}
	if err != nil {
		r.Errors = []string{err.Error()}
	}
	return r
}
