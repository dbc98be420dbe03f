// Package ehrsync moves patient data between the local record store and
// external EHR FHIR servers: pull, push, and bidirectional sync with conflict
// handling, behind a Gateway that manages one connection per EHR.
package ehrsync

import (
	"errors"
	"sort"
	"time"

	"github.com/ehr/ehrsync/internal/domain/conflict"
	"github.com/ehr/ehrsync/internal/platform/adapter"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnectionExists  = errors.New("connection already exists")
	ErrNoValidToken      = errors.New("no valid token for connection")
	ErrUnsupported       = errors.New("operation not supported by this connection")
)

// DefaultPullTypes are fetched when PullOptions.ResourceTypes is empty.
var DefaultPullTypes = []string{
	fhirmodels.ResourcePatient,
	fhirmodels.ResourceObservation,
	fhirmodels.ResourceCondition,
	fhirmodels.ResourceMedicationRequest,
	fhirmodels.ResourceAllergyIntolerance,
	fhirmodels.ResourceImmunization,
	fhirmodels.ResourceProcedure,
}

type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// SyncResult is the outcome of one fetch or one write.
type SyncResult struct {
	Success      bool      `json:"success"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id,omitempty"`
	Direction    Direction `json:"direction"`
	Timestamp    time.Time `json:"timestamp"`
	Errors       []string  `json:"errors,omitempty"`
	// Count is the number of resources a pull fetch returned.
	Count int `json:"count,omitempty"`
}

type TypeSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BatchSummary aggregates results by resource type.
type BatchSummary struct {
	Total     int                     `json:"total"`
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	ByType    map[string]*TypeSummary `json:"by_type"`
}

// Summarize groups results by resource type.
func Summarize(results []SyncResult) BatchSummary {
	s := BatchSummary{ByType: make(map[string]*TypeSummary)}
	for _, r := range results {
		ts, ok := s.ByType[r.ResourceType]
		if !ok {
			ts = &TypeSummary{}
			s.ByType[r.ResourceType] = ts
		}
		ts.Total++
		s.Total++
		if r.Success {
			ts.Succeeded++
			s.Succeeded++
		} else {
			ts.Failed++
			s.Failed++
		}
	}
	return s
}

// Failures returns the failed results.
func Failures(results []SyncResult) []SyncResult {
	var out []SyncResult
	for _, r := range results {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// -- Pull --

type PullOptions struct {
	ResourceTypes []string `json:"resource_types,omitempty"`
	// SkipIngest returns the assembled bundle without writing it.
	SkipIngest bool `json:"skip_ingest,omitempty"`
}

type PullResult struct {
	Results []SyncResult              `json:"results"`
	Summary BatchSummary              `json:"summary"`
	Bundle  *fhir.Bundle              `json:"bundle,omitempty"`
	Ingest  *recordstore.IngestReport `json:"ingest,omitempty"`
}

// -- Push --

type PushOptions struct {
	// DryRun produces results without writing to the remote server.
	DryRun bool `json:"dry_run,omitempty"`
	// Exclude lists internal ids that must not be pushed.
	Exclude []string `json:"exclude,omitempty"`
}

type PushResult struct {
	Results []SyncResult `json:"results"`
	Summary BatchSummary `json:"summary"`
}

// -- Sync --

type SyncOptions struct {
	ResourceTypes []string `json:"resource_types,omitempty"`
	DryRun        bool     `json:"dry_run,omitempty"`
}

// SyncReport is the outcome of a bidirectional sync.
type SyncReport struct {
	Pull         *PullResult        `json:"pull"`
	Push         *PushResult        `json:"push"`
	Conflicts    []*conflict.Record `json:"conflicts,omitempty"`
	AutoResolved int                `json:"auto_resolved"`

	// Applied counts operator resolutions written during this sync.
	Applied int `json:"applied"`
}

// -- Connections --

// ConnectionConfig registers one external EHR.
type ConnectionConfig struct {
	ID           string   `json:"id" mapstructure:"id"`
	System       string   `json:"system" mapstructure:"system"`
	BaseURL      string   `json:"base_url" mapstructure:"base_url"`
	ClientID     string   `json:"client_id" mapstructure:"client_id"`
	ClientSecret string   `json:"client_secret,omitempty" mapstructure:"client_secret"`
	RedirectURI  string   `json:"redirect_uri" mapstructure:"redirect_uri"`
	Scopes       []string `json:"scopes,omitempty" mapstructure:"scopes"`
	UsePKCE      bool     `json:"use_pkce" mapstructure:"use_pkce"`
	// PrivateKeyPEM selects signed-assertion client authentication.
	PrivateKeyPEM    string `json:"private_key_pem,omitempty" mapstructure:"private_key_pem"`
	KeyID            string `json:"key_id,omitempty" mapstructure:"key_id"`
	IdentifierSystem string `json:"identifier_system,omitempty" mapstructure:"identifier_system"`
}

// ActiveConnection is a live connection created by Gateway.Connect.
type ActiveConnection struct {
	ID           string
	System       string
	Endpoint     string
	Adapter      adapter.ResourceAdapter
	AuthClient   *auth.AuthorizationClient
	TokenManager *auth.TokenManager
	Pull         *PullService
	Push         *PushService
	Sync         *SyncService
	CreatedAt    time.Time
}

// ConnectionView is the operator-facing description of a connection.
type ConnectionView struct {
	ID                    string    `json:"id"`
	System                string    `json:"system"`
	Endpoint              string    `json:"endpoint"`
	CreatedAt             time.Time `json:"created_at"`
	Authorized            bool      `json:"authorized"`
	TokenExpiresAt        time.Time `json:"token_expires_at,omitempty"`
	PendingAuthorizations int       `json:"pending_authorizations"`
}

// Stats is a point-in-time snapshot of the gateway.
type Stats struct {
	Connections           int            `json:"connections"`
	PendingAuthorizations int            `json:"pending_authorizations"`
	Conflicts             conflict.Stats `json:"conflicts"`
	ResourceCache         cache.Stats    `json:"resource_cache"`
	MetadataCache         cache.Stats    `json:"metadata_cache"`
}

func sortedConnections(m map[string]*ActiveConnection) []*ActiveConnection {
	out := make([]*ActiveConnection, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
