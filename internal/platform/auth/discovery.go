package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ehr/ehrsync/internal/platform/fhir"
)

// SMARTConfiguration is the subset of a SMART discovery document the client
// needs. When discovery falls back to the capability statement only the
// endpoint fields are populated.
type SMARTConfiguration struct {
	Issuer                            string   `json:"issuer,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ManagementEndpoint                string   `json:"management_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	Capabilities                      []string `json:"capabilities,omitempty"`
}

func (c *SMARTConfiguration) complete() bool {
	return c.AuthorizationEndpoint != "" && c.TokenEndpoint != ""
}

// DiscoverMetadata resolves the OAuth endpoints of baseURL. The
// .well-known/smart-configuration document is tried first; on any failure the
// oauth-uris extension of the capability statement is used. Results are
// cached per base URL.
func (c *AuthorizationClient) DiscoverMetadata(ctx context.Context, baseURL string) (*SMARTConfiguration, error) {
	c.sweepPending()
	baseURL = strings.TrimRight(baseURL, "/")

	if cfg, ok := c.discovery.Get(baseURL); ok {
		return cfg, nil
	}

	cfg, wkErr := c.fetchWellKnown(ctx, baseURL)
	if wkErr != nil {
		c.logger.Debug().Err(wkErr).Str("base_url", baseURL).
			Msg("smart-configuration unavailable, falling back to capability statement")
		var err error
		cfg, err = c.fetchFromCapability(ctx, baseURL)
		if err != nil {
			return nil, fmt.Errorf("%w: discovering oauth endpoints for %s: %v", ErrConfiguration, baseURL, err)
		}
	}

	c.discovery.Set(baseURL, cfg)
	return cfg, nil
}

// InvalidateMetadata drops the cached endpoints for baseURL so the next call
// rediscovers them.
func (c *AuthorizationClient) InvalidateMetadata(baseURL string) {
	c.discovery.Delete(strings.TrimRight(baseURL, "/"))
}

func (c *AuthorizationClient) fetchWellKnown(ctx context.Context, baseURL string) (*SMARTConfiguration, error) {
	body, err := c.getJSON(ctx, baseURL+"/.well-known/smart-configuration", "application/json")
	if err != nil {
		return nil, err
	}
	var cfg SMARTConfiguration
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decoding smart-configuration: %w", err)
	}
	if !cfg.complete() {
		return nil, fmt.Errorf("smart-configuration missing authorization or token endpoint")
	}
	return &cfg, nil
}

func (c *AuthorizationClient) fetchFromCapability(ctx context.Context, baseURL string) (*SMARTConfiguration, error) {
	body, err := c.getJSON(ctx, baseURL+"/metadata", "application/fhir+json")
	if err != nil {
		return nil, err
	}
	cs, err := fhir.ParseCapabilityStatement(body)
	if err != nil {
		return nil, err
	}
	uris := cs.OAuthURIs()
	cfg := &SMARTConfiguration{
		AuthorizationEndpoint: uris["authorize"],
		TokenEndpoint:         uris["token"],
		RevocationEndpoint:    uris["revoke"],
		IntrospectionEndpoint: uris["introspect"],
		RegistrationEndpoint:  uris["register"],
		ManagementEndpoint:    uris["manage"],
	}
	if !cfg.complete() {
		return nil, fmt.Errorf("capability statement declares no authorize and token endpoints")
	}
	return cfg, nil
}

func (c *AuthorizationClient) getJSON(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return body, nil
}
