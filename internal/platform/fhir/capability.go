package fhir

import (
	"encoding/json"
	"fmt"
)

// OAuthURIsExtension is the SMART extension that carries OAuth endpoints on
// CapabilityStatement.rest.security.
const OAuthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

// CapabilityStatement is the subset of a remote server's conformance document
// that the sync engine reads.
type CapabilityStatement struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Status       string           `json:"status,omitempty"`
	Date         string           `json:"date,omitempty"`
	Kind         string           `json:"kind,omitempty"`
	FHIRVersion  string           `json:"fhirVersion,omitempty"`
	Format       []string         `json:"format,omitempty"`
	Software     *CapabilityName  `json:"software,omitempty"`
	Rest         []CapabilityRest `json:"rest,omitempty"`
}

type CapabilityName struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

type CapabilityRest struct {
	Mode     string               `json:"mode"`
	Security *CapabilitySecurity  `json:"security,omitempty"`
	Resource []CapabilityResource `json:"resource,omitempty"`
}

type CapabilitySecurity struct {
	Extension []Extension       `json:"extension,omitempty"`
	Service   []CodeableConcept `json:"service,omitempty"`
	CORS      bool              `json:"cors,omitempty"`
}

type CapabilityResource struct {
	Type        string                  `json:"type"`
	Profile     string                  `json:"profile,omitempty"`
	Interaction []CapabilityInteraction `json:"interaction,omitempty"`
	SearchParam []CapabilitySearchParam `json:"searchParam,omitempty"`
}

type CapabilityInteraction struct {
	Code string `json:"code"`
}

type CapabilitySearchParam struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ParseCapabilityStatement decodes a conformance document and checks its
// resourceType.
func ParseCapabilityStatement(data []byte) (*CapabilityStatement, error) {
	var cs CapabilityStatement
	if err := json.Unmarshal(data, &cs); err != nil {
		return nil, fmt.Errorf("decode capability statement: %w", err)
	}
	if cs.ResourceType != "CapabilityStatement" && cs.ResourceType != "Conformance" {
		return nil, fmt.Errorf("unexpected resourceType %q for capability statement", cs.ResourceType)
	}
	return &cs, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// OAuthURIs returns the endpoints declared by the oauth-uris extension keyed
// by their sub-extension url (authorize, token, revoke, introspect, register,
// manage). The first server-mode rest entry that declares the extension wins.
func (cs *CapabilityStatement) OAuthURIs() map[string]string {
	out := map[string]string{}
	if cs == nil {
		return out
	}
	for _, rest := range cs.Rest {
		if rest.Security == nil {
			continue
		}
		for _, ext := range rest.Security.Extension {
			if ext.URL != OAuthURIsExtension {
				continue
			}
			for _, sub := range ext.Extension {
				if sub.ValueURI != "" {
					out[sub.URL] = sub.ValueURI
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	return out
}

// FindResource returns the server-mode capability entry for resourceType.
func (cs *CapabilityStatement) FindResource(resourceType string) *CapabilityResource {
	if cs == nil {
		return nil
	}
	for i := range cs.Rest {
		if cs.Rest[i].Mode != "" && cs.Rest[i].Mode != "server" {
			continue
		}
		for j := range cs.Rest[i].Resource {
			if cs.Rest[i].Resource[j].Type == resourceType {
				return &cs.Rest[i].Resource[j]
			}
		}
	}
	return nil
}

// SupportsResource reports whether the server declares resourceType.
func (cs *CapabilityStatement) SupportsResource(resourceType string) bool {
	return cs.FindResource(resourceType) != nil
}

// Interactions lists the interaction codes declared for resourceType.
func (cs *CapabilityStatement) Interactions(resourceType string) []string {
	r := cs.FindResource(resourceType)
	if r == nil {
		return nil
	}
	codes := make([]string, 0, len(r.Interaction))
	for _, in := range r.Interaction {
		codes = append(codes, in.Code)
	}
	return codes
}

// SupportsInteraction reports whether code is declared for resourceType.
func (cs *CapabilityStatement) SupportsInteraction(resourceType, code string) bool {
	for _, c := range cs.Interactions(resourceType) {
		if c == code {
			return true
		}
	}
	return false
}
