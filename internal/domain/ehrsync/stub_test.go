package ehrsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/ehr/ehrsync/internal/platform/adapter"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
)

var errNotStubbed = errors.New("not stubbed")

type writeCall struct {
	resourceType string
	id           string
	body         json.RawMessage
}

// stubAdapter serves canned payloads per resource type and records writes.
type stubAdapter struct {
	mu       sync.Mutex
	patients map[string]string
	byType   map[string][]string
	failures map[string]error
	creates  []writeCall
	updates  []writeCall
	createID func(rt string, n int) string
}

var _ adapter.ResourceAdapter = (*stubAdapter)(nil)

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		patients: make(map[string]string),
		byType:   make(map[string][]string),
		failures: make(map[string]error),
		createID: func(rt string, n int) string { return fmt.Sprintf("new-%s-%d", rt, n) },
	}
}

func (s *stubAdapter) System() string  { return "stub" }
func (s *stubAdapter) BaseURL() string { return "http://stub.test/fhir" }

func (s *stubAdapter) GetPatient(_ context.Context, _ *auth.TokenInfo, id string) (*fhir.Patient, error) {
	if err := s.failures["Patient"]; err != nil {
		return nil, err
	}
	raw, ok := s.patients[id]
	if !ok {
		return nil, &adapter.HTTPError{Method: "GET", URL: "Patient/" + id, StatusCode: 404}
	}
	res, err := fhir.Normalize(json.RawMessage(raw))
	if err != nil {
		return nil, err
	}
	return res.(*fhir.Patient), nil
}

func (s *stubAdapter) SearchByPatient(_ context.Context, _ *auth.TokenInfo, rt, _ string) ([]fhir.ClinicalResource, error) {
	if err := s.failures[rt]; err != nil {
		return nil, err
	}
	out := make([]fhir.ClinicalResource, 0, len(s.byType[rt]))
	for _, raw := range s.byType[rt] {
		r, err := fhir.Normalize(json.RawMessage(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *stubAdapter) Create(_ context.Context, _ *auth.TokenInfo, rt string, body json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates = append(s.creates, writeCall{resourceType: rt, body: body})
	id := s.createID(rt, len(s.creates))
	return json.RawMessage(fmt.Sprintf(`{"resourceType":%q,"id":%q,"meta":{"versionId":"1"}}`, rt, id)), nil
}

func (s *stubAdapter) Update(_ context.Context, _ *auth.TokenInfo, rt, id string, body json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, writeCall{resourceType: rt, id: id, body: body})
	return json.RawMessage(fmt.Sprintf(`{"resourceType":%q,"id":%q,"meta":{"versionId":"7"}}`, rt, id)), nil
}

func (s *stubAdapter) Read(context.Context, *auth.TokenInfo, string, string) (json.RawMessage, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) Search(context.Context, *auth.TokenInfo, string, url.Values) (*fhir.Bundle, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) SearchAll(context.Context, *auth.TokenInfo, string, url.Values) ([]json.RawMessage, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) Delete(context.Context, *auth.TokenInfo, string, string) error {
	return errNotStubbed
}

func (s *stubAdapter) PatientEverything(context.Context, *auth.TokenInfo, string) (*fhir.Bundle, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) Capabilities(context.Context, *auth.TokenInfo) (*fhir.CapabilityStatement, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) SearchPatients(context.Context, *auth.TokenInfo, url.Values) ([]*fhir.Patient, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) GetObservations(context.Context, *auth.TokenInfo, string, url.Values) ([]*fhir.Observation, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) GetConditions(context.Context, *auth.TokenInfo, string) ([]*fhir.Condition, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) GetMedicationRequests(context.Context, *auth.TokenInfo, string) ([]*fhir.MedicationRequest, error) {
	return nil, errNotStubbed
}

func (s *stubAdapter) updatesOf(rt string) []writeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []writeCall
	for _, c := range s.updates {
		if c.resourceType == rt {
			out = append(out, c)
		}
	}
	return out
}

func (s *stubAdapter) createsOf(rt string) []writeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []writeCall
	for _, c := range s.creates {
		if c.resourceType == rt {
			out = append(out, c)
		}
	}
	return out
}

// countingStore counts IngestBundle calls.
type countingStore struct {
	*recordstore.MemoryStore
	mu      sync.Mutex
	ingests int
}

func (c *countingStore) IngestBundle(ctx context.Context, b *fhir.Bundle, source string) (*recordstore.IngestReport, error) {
	c.mu.Lock()
	c.ingests++
	c.mu.Unlock()
	return c.MemoryStore.IngestBundle(ctx, b, source)
}

func subjectOf(t interface{ Fatalf(string, ...any) }, body json.RawMessage) string {
	var r struct {
		Subject *fhir.Reference `json:"subject"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if r.Subject == nil {
		return ""
	}
	return r.Subject.Reference
}
