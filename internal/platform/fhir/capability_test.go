package fhir

import "testing"

const testCapability = `{
	"resourceType": "CapabilityStatement",
	"status": "active",
	"fhirVersion": "4.0.1",
	"rest": [{
		"mode": "server",
		"security": {
			"extension": [{
				"url": "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris",
				"extension": [
					{"url": "authorize", "valueUri": "https://ehr.example/oauth/authorize"},
					{"url": "token", "valueUri": "https://ehr.example/oauth/token"},
					{"url": "revoke", "valueUri": "https://ehr.example/oauth/revoke"}
				]
			}]
		},
		"resource": [
			{"type": "Patient", "interaction": [{"code": "read"}, {"code": "search-type"}]},
			{"type": "Observation", "interaction": [{"code": "read"}, {"code": "create"}, {"code": "update"}]}
		]
	}]
}`

func TestParseCapabilityStatement(t *testing.T) {
	cs, err := ParseCapabilityStatement([]byte(testCapability))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cs.FHIRVersion != "4.0.1" {
		t.Errorf("expected fhirVersion 4.0.1, got %q", cs.FHIRVersion)
	}

	uris := cs.OAuthURIs()
	if uris["authorize"] != "https://ehr.example/oauth/authorize" {
		t.Errorf("unexpected authorize uri %q", uris["authorize"])
	}
	if uris["token"] != "https://ehr.example/oauth/token" {
		t.Errorf("unexpected token uri %q", uris["token"])
	}
	if uris["revoke"] != "https://ehr.example/oauth/revoke" {
		t.Errorf("unexpected revoke uri %q", uris["revoke"])
	}
	if _, ok := uris["introspect"]; ok {
		t.Error("introspect was not declared")
	}
}

func TestParseCapabilityStatement_WrongType(t *testing.T) {
	if _, err := ParseCapabilityStatement([]byte(`{"resourceType":"Patient"}`)); err == nil {
		t.Fatal("expected error for non-capability resource")
	}
	if _, err := ParseCapabilityStatement([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestCapabilityStatement_ResourceQueries(t *testing.T) {
	cs, err := ParseCapabilityStatement([]byte(testCapability))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !cs.SupportsResource("Patient") {
		t.Error("expected Patient to be supported")
	}
	if cs.SupportsResource("Coverage") {
		t.Error("did not expect Coverage to be supported")
	}

	got := cs.Interactions("Observation")
	want := []string{"read", "create", "update"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("interaction %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if cs.Interactions("Coverage") != nil {
		t.Error("expected nil interactions for undeclared type")
	}
	if !cs.SupportsInteraction("Patient", "search-type") {
		t.Error("expected Patient search-type")
	}
	if cs.SupportsInteraction("Patient", "delete") {
		t.Error("did not expect Patient delete")
	}
}

func TestCapabilityStatement_NoSecurity(t *testing.T) {
	cs := &CapabilityStatement{ResourceType: "CapabilityStatement", Rest: []CapabilityRest{{Mode: "server"}}}
	if len(cs.OAuthURIs()) != 0 {
		t.Error("expected no oauth uris")
	}
	var nilCS *CapabilityStatement
	if nilCS.SupportsResource("Patient") {
		t.Error("nil statement supports nothing")
	}
}
