// Package adapter talks to remote EHR FHIR servers. A GenericAdapter covers
// the plain REST interactions; vendor adapters compose it with the headers
// and identifier schemes their servers expect.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/fhir"
)

// Supported vendor identifiers.
const (
	SystemGeneric = "generic"
	SystemEpic    = "epic"
	SystemCerner  = "cerner"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
	DefaultTimeout     = 30 * time.Second
	DefaultMaxPages    = 10
)

// ResourceAdapter is the set of interactions the sync engine performs
// against one remote FHIR server.
type ResourceAdapter interface {
	System() string
	BaseURL() string

	Read(ctx context.Context, tok *auth.TokenInfo, resourceType, id string) (json.RawMessage, error)
	Search(ctx context.Context, tok *auth.TokenInfo, resourceType string, params url.Values) (*fhir.Bundle, error)
	SearchAll(ctx context.Context, tok *auth.TokenInfo, resourceType string, params url.Values) ([]json.RawMessage, error)
	Create(ctx context.Context, tok *auth.TokenInfo, resourceType string, body json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, tok *auth.TokenInfo, resourceType, id string, body json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, tok *auth.TokenInfo, resourceType, id string) error
	PatientEverything(ctx context.Context, tok *auth.TokenInfo, patientID string) (*fhir.Bundle, error)
	// Capabilities fetches the server's capability statement. tok may be nil.
	Capabilities(ctx context.Context, tok *auth.TokenInfo) (*fhir.CapabilityStatement, error)

	GetPatient(ctx context.Context, tok *auth.TokenInfo, id string) (*fhir.Patient, error)
	SearchPatients(ctx context.Context, tok *auth.TokenInfo, params url.Values) ([]*fhir.Patient, error)
	GetObservations(ctx context.Context, tok *auth.TokenInfo, patientID string, params url.Values) ([]*fhir.Observation, error)
	GetConditions(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]*fhir.Condition, error)
	GetMedicationRequests(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]*fhir.MedicationRequest, error)
	// SearchByPatient returns the first page of resourceType for a patient,
	// normalized.
	SearchByPatient(ctx context.Context, tok *auth.TokenInfo, resourceType, patientID string) ([]fhir.ClinicalResource, error)
}

// Summarizer is implemented by adapters that can assemble a patient summary.
type Summarizer interface {
	GetPatientSummary(ctx context.Context, tok *auth.TokenInfo, patientID string) (*PatientSummary, error)
}

// Config holds the per-connection adapter settings.
type Config struct {
	System      string
	BaseURL     string
	MaxAttempts int
	RetryDelay  time.Duration
	// Timeout bounds a single attempt. Zero disables it.
	Timeout  time.Duration
	MaxPages int

	// Vendor settings. Empty values use the vendor defaults.
	ClientID         string
	IdentifierSystem string
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	return c
}

// Option configures a GenericAdapter.
type Option func(*GenericAdapter)

func WithHTTPClient(c *http.Client) Option {
	return func(g *GenericAdapter) {
		if c != nil {
			g.client = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *GenericAdapter) { g.logger = l }
}

// WithResourceCache routes reads through rc.
func WithResourceCache(rc *cache.ResourceCache) Option {
	return func(g *GenericAdapter) { g.resources = rc }
}

// WithMetadataCache keeps capability statements in mc.
func WithMetadataCache(mc *cache.MetadataCache) Option {
	return func(g *GenericAdapter) { g.metadata = mc }
}

// WithRequestHook registers a function that decorates every outgoing request
// after the standard headers are set.
func WithRequestHook(h func(*http.Request)) Option {
	return func(g *GenericAdapter) {
		if h != nil {
			g.hooks = append(g.hooks, h)
		}
	}
}

// New builds the adapter for cfg.System.
func New(cfg Config, opts ...Option) (ResourceAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("adapter: base url is required")
	}
	switch strings.ToLower(cfg.System) {
	case SystemEpic:
		return NewEpicAdapter(cfg, opts...), nil
	case SystemCerner:
		return NewCernerAdapter(cfg, opts...), nil
	case SystemGeneric, "":
		return NewGenericAdapter(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("adapter %q: %w", cfg.System, ErrUnknownSystem)
	}
}
