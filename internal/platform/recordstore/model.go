// Package recordstore is the boundary to the internal clinical record store.
// The sync engine reads internal entities and their external-id mappings
// through Store and hands pulled data back as one Bundle per pull.
package recordstore

import (
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when an internal entity does not exist.
var ErrNotFound = errors.New("record not found")

// Patient is the internal demographic record. Hash is the pseudonymous key
// the sync engine addresses patients by.
type Patient struct {
	ID         string    `json:"id"`
	Hash       string    `json:"patient_hash"`
	MRN        string    `json:"mrn,omitempty"`
	GivenName  string    `json:"given_name,omitempty"`
	FamilyName string    `json:"family_name,omitempty"`
	BirthDate  string    `json:"birth_date,omitempty"`
	Gender     string    `json:"gender,omitempty"`
	Version    int64     `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Observation struct {
	ID          string    `json:"id"`
	PatientHash string    `json:"patient_hash"`
	Status      string    `json:"status,omitempty"`
	Category    string    `json:"category,omitempty"`
	Code        string    `json:"code"`
	CodeSystem  string    `json:"code_system,omitempty"`
	Display     string    `json:"display,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	ValueString string    `json:"value_string,omitempty"`
	EffectiveAt string    `json:"effective_at,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Condition struct {
	ID             string    `json:"id"`
	PatientHash    string    `json:"patient_hash"`
	Code           string    `json:"code"`
	CodeSystem     string    `json:"code_system,omitempty"`
	Display        string    `json:"display,omitempty"`
	ClinicalStatus string    `json:"clinical_status,omitempty"`
	OnsetDate      string    `json:"onset_date,omitempty"`
	RecordedDate   string    `json:"recorded_date,omitempty"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Medication struct {
	ID          string    `json:"id"`
	PatientHash string    `json:"patient_hash"`
	RxNormCode  string    `json:"rxnorm_code,omitempty"`
	Display     string    `json:"display,omitempty"`
	Status      string    `json:"status,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	Dosage      string    `json:"dosage,omitempty"`
	AuthoredOn  string    `json:"authored_on,omitempty"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Mapping links one internal entity to its copy on one external system.
// LocalVersion is the entity version last synced; a higher entity version
// means the entity changed locally since then.
type Mapping struct {
	InternalID    string    `json:"internal_id"`
	ResourceType  string    `json:"resource_type"`
	System        string    `json:"system"`
	PatientHash   string    `json:"patient_hash"`
	ExternalID    string    `json:"external_id"`
	LocalVersion  int64     `json:"local_version"`
	RemoteVersion string    `json:"remote_version,omitempty"`
	LastSyncedAt  time.Time `json:"last_synced_at"`
}

// IngestReport summarizes one IngestBundle call.
type IngestReport struct {
	Source       string         `json:"source"`
	Created      map[string]int `json:"created"`
	Updated      map[string]int `json:"updated"`
	Skipped      map[string]int `json:"skipped"`
	Unrecognized []string       `json:"unrecognized,omitempty"`
	ParseErrors  []string       `json:"parse_errors,omitempty"`
}

func newIngestReport(source string) *IngestReport {
	return &IngestReport{
		Source:  source,
		Created: map[string]int{},
		Updated: map[string]int{},
		Skipped: map[string]int{},
	}
}

// Total returns the number of entries that were created, updated or skipped.
func (r *IngestReport) Total() int {
	n := 0
	for _, m := range []map[string]int{r.Created, r.Updated, r.Skipped} {
		for _, c := range m {
			n += c
		}
	}
	return n
}

func (r *IngestReport) unrecognized(rt string) {
	for _, u := range r.Unrecognized {
		if u == rt {
			return
		}
	}
	r.Unrecognized = append(r.Unrecognized, rt)
	sort.Strings(r.Unrecognized)
}
