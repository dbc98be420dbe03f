package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ehr/ehrsync/internal/platform/fhir"
)

type ingestKey struct {
	source, resourceType, externalID string
}

type ingested struct {
	versionID  string
	patientRef string
	payload    json.RawMessage
	updatedAt  time.Time
}

type mappingKey struct {
	system, resourceType, internalID string
}

// MemoryStore is an in-process Store. Entities are seeded with the Put
// methods; ingested resources are deduplicated by source, type and external
// id.
type MemoryStore struct {
	mu           sync.RWMutex
	patients     map[string]*Patient // by hash
	observations map[string]Observation
	conditions   map[string]Condition
	medications  map[string]Medication
	mappings     map[mappingKey]Mapping
	ingested     map[ingestKey]*ingested
	now          func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients:     make(map[string]*Patient),
		observations: make(map[string]Observation),
		conditions:   make(map[string]Condition),
		medications:  make(map[string]Medication),
		mappings:     make(map[mappingKey]Mapping),
		ingested:     make(map[ingestKey]*ingested),
		now:          time.Now,
	}
}

// ---------------------------------------------------------------------------
// Ingest
// ---------------------------------------------------------------------------

func (s *MemoryStore) IngestBundle(_ context.Context, b *fhir.Bundle, source string) (*IngestReport, error) {
	if source == "" {
		return nil, errNoSource
	}
	report := newIngestReport(source)
	entries := classify(b, report)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, e := range entries {
		key := ingestKey{source: source, resourceType: e.resourceType, externalID: e.externalID}
		cur, ok := s.ingested[key]
		switch {
		case !ok:
			report.Created[e.resourceType]++
		case bytes.Equal(cur.payload, e.payload):
			report.Skipped[e.resourceType]++
			continue
		default:
			report.Updated[e.resourceType]++
		}
		s.ingested[key] = &ingested{
			versionID:  e.versionID,
			patientRef: e.patientRef,
			payload:    e.payload,
			updatedAt:  now,
		}
	}
	return report, nil
}

// Ingested returns the stored payload for one ingested resource.
func (s *MemoryStore) Ingested(source, resourceType, externalID string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ingested[ingestKey{source: source, resourceType: resourceType, externalID: externalID}]
	if !ok {
		return nil, false
	}
	return rec.payload, true
}

// IngestedCount returns the number of distinct ingested resources.
func (s *MemoryStore) IngestedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ingested)
}

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

// PutPatient stores p. A zero Version starts at 1.
func (s *MemoryStore) PutPatient(p Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.patients[p.Hash] = &p
}

func (s *MemoryStore) PutObservation(o Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Version == 0 {
		o.Version = 1
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = s.now()
	}
	s.observations[o.ID] = o
}

func (s *MemoryStore) PutCondition(c Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Version == 0 {
		c.Version = 1
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = s.now()
	}
	s.conditions[c.ID] = c
}

func (s *MemoryStore) PutMedication(m Medication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Version == 0 {
		m.Version = 1
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.now()
	}
	s.medications[m.ID] = m
}

func (s *MemoryStore) GetPatient(_ context.Context, patientHash string) (*Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[patientHash]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", patientHash, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPatientObservations(_ context.Context, patientHash string) ([]Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Observation{}
	for _, o := range s.observations {
		if o.PatientHash == patientHash {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPatientConditions(_ context.Context, patientHash string) ([]Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Condition{}
	for _, c := range s.conditions {
		if c.PatientHash == patientHash {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetPatientMedications(_ context.Context, patientHash string) ([]Medication, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Medication{}
	for _, m := range s.medications {
		if m.PatientHash == patientHash {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Mappings
// ---------------------------------------------------------------------------

func (s *MemoryStore) GetPatientFHIRMappings(_ context.Context, patientHash, system string) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Mapping{}
	for _, m := range s.mappings {
		if m.PatientHash == patientHash && m.System == system {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ResourceType != out[j].ResourceType {
			return out[i].ResourceType < out[j].ResourceType
		}
		return out[i].InternalID < out[j].InternalID
	})
	return out, nil
}

func (s *MemoryStore) UpdateFHIRMapping(_ context.Context, m Mapping) error {
	if m.InternalID == "" || m.ResourceType == "" || m.System == "" {
		return fmt.Errorf("update mapping: internal id, resource type and system are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = s.now()
	}
	s.mappings[mappingKey{system: m.System, resourceType: m.ResourceType, internalID: m.InternalID}] = m
	return nil
}
