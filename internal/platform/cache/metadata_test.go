package cache

import (
	"testing"
	"time"

	"github.com/ehr/ehrsync/internal/platform/fhir"
)

func testStatement() *fhir.CapabilityStatement {
	return &fhir.CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Rest: []fhir.CapabilityRest{{
			Mode: "server",
			Resource: []fhir.CapabilityResource{
				{Type: "Patient", Interaction: []fhir.CapabilityInteraction{{Code: "read"}, {Code: "search-type"}}},
			},
		}},
	}
}

func TestMetadataCache_Queries(t *testing.T) {
	m := NewMetadataCache(0)
	base := "https://ehr.example/fhir"

	if m.SupportsResource(base, "Patient") {
		t.Error("expected false before anything is cached")
	}
	if m.Interactions(base, "Patient") != nil {
		t.Error("expected nil interactions before anything is cached")
	}

	m.Set(base, testStatement())
	if !m.SupportsResource(base, "Patient") {
		t.Error("expected Patient support")
	}
	if m.SupportsResource(base, "Observation") {
		t.Error("did not expect Observation support")
	}
	if got := m.Interactions(base, "Patient"); len(got) != 2 || got[1] != "search-type" {
		t.Errorf("unexpected interactions %v", got)
	}

	m.Invalidate(base)
	if _, ok := m.Get(base); ok {
		t.Error("expected invalidated statement to be gone")
	}
}

func TestMetadataCache_DefaultTTL(t *testing.T) {
	clock := newFakeClock()
	m := NewMetadataCache(0, WithClock(clock.Now))
	base := "https://ehr.example/fhir"

	m.Set(base, testStatement())
	clock.Advance(DefaultMetadataTTL - time.Second)
	if _, ok := m.Get(base); !ok {
		t.Fatal("expected statement to be cached within an hour")
	}
	clock.Advance(time.Second)
	if _, ok := m.Get(base); ok {
		t.Fatal("expected statement to expire after an hour")
	}
}
