package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/cache"
	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// GenericAdapter implements ResourceAdapter over plain FHIR REST.
type GenericAdapter struct {
	cfg       Config
	client    *http.Client
	logger    zerolog.Logger
	resources *cache.ResourceCache
	metadata  *cache.MetadataCache
	hooks     []func(*http.Request)
}

var _ ResourceAdapter = (*GenericAdapter)(nil)

// NewGenericAdapter creates an adapter for cfg.BaseURL.
func NewGenericAdapter(cfg Config, opts ...Option) *GenericAdapter {
	g := &GenericAdapter{
		cfg:    cfg.withDefaults(),
		client: http.DefaultClient,
		logger: zerolog.Nop(),
	}
	if g.cfg.System == "" {
		g.cfg.System = SystemGeneric
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *GenericAdapter) System() string  { return g.cfg.System }
func (g *GenericAdapter) BaseURL() string { return g.cfg.BaseURL }

func (g *GenericAdapter) url(segments ...string) string {
	var b strings.Builder
	b.WriteString(g.cfg.BaseURL)
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// CRUD
// ---------------------------------------------------------------------------

func (g *GenericAdapter) Read(ctx context.Context, tok *auth.TokenInfo, resourceType, id string) (json.RawMessage, error) {
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		res, err := g.do(ctx, tok, http.MethodGet, g.url(resourceType, id), nil)
		if err != nil {
			return nil, err
		}
		if !json.Valid(res.body) {
			return nil, &SemanticError{Op: "read " + resourceType + "/" + id, Err: errors.New("response is not valid JSON")}
		}
		return json.RawMessage(res.body), nil
	}
	if g.resources == nil {
		return fetch(ctx)
	}
	return g.resources.GetOrFetch(ctx, g.cfg.BaseURL, resourceType, id, fetch)
}

func (g *GenericAdapter) Search(ctx context.Context, tok *auth.TokenInfo, resourceType string, params url.Values) (*fhir.Bundle, error) {
	target := g.url(resourceType)
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return g.getBundle(ctx, tok, "search "+resourceType, target)
}

// SearchAll follows next links until the server stops returning them or the
// page cap is reached.
func (g *GenericAdapter) SearchAll(ctx context.Context, tok *auth.TokenInfo, resourceType string, params url.Values) ([]json.RawMessage, error) {
	b, err := g.Search(ctx, tok, resourceType, params)
	if err != nil {
		return nil, err
	}
	out := b.Resources()
	for page := 1; page < g.cfg.MaxPages; page++ {
		next := b.NextLink()
		if next == "" {
			return out, nil
		}
		b, err = g.getBundle(ctx, tok, "search "+resourceType, next)
		if err != nil {
			return nil, err
		}
		out = append(out, b.Resources()...)
	}
	if b.NextLink() != "" {
		g.logger.Warn().
			Str("resource_type", resourceType).
			Int("max_pages", g.cfg.MaxPages).
			Msg("search truncated at page cap")
	}
	return out, nil
}

func (g *GenericAdapter) Create(ctx context.Context, tok *auth.TokenInfo, resourceType string, body json.RawMessage) (json.RawMessage, error) {
	res, err := g.do(ctx, tok, http.MethodPost, g.url(resourceType), body)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(res.body))) > 0 {
		if !json.Valid(res.body) {
			return nil, &SemanticError{Op: "create " + resourceType, Err: errors.New("response is not valid JSON")}
		}
		return json.RawMessage(res.body), nil
	}
	// Servers answering return=minimal only send a Location header.
	id, version := parseLocation(res.header.Get("Location"), resourceType)
	if id == "" {
		return nil, &SemanticError{Op: "create " + resourceType, Err: errors.New("response has neither body nor Location")}
	}
	return stubResource(resourceType, id, version), nil
}

func (g *GenericAdapter) Update(ctx context.Context, tok *auth.TokenInfo, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	res, err := g.do(ctx, tok, http.MethodPut, g.url(resourceType, id), body)
	if g.resources != nil {
		g.resources.Invalidate(g.cfg.BaseURL, resourceType, id)
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(res.body))) == 0 {
		_, version := parseLocation(res.header.Get("Location"), resourceType)
		return stubResource(resourceType, id, version), nil
	}
	if !json.Valid(res.body) {
		return nil, &SemanticError{Op: "update " + resourceType + "/" + id, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(res.body), nil
}

func (g *GenericAdapter) Delete(ctx context.Context, tok *auth.TokenInfo, resourceType, id string) error {
	_, err := g.do(ctx, tok, http.MethodDelete, g.url(resourceType, id), nil)
	if g.resources != nil {
		g.resources.Invalidate(g.cfg.BaseURL, resourceType, id)
	}
	return err
}

// PatientEverything runs Patient/{id}/$everything and returns the first page.
func (g *GenericAdapter) PatientEverything(ctx context.Context, tok *auth.TokenInfo, patientID string) (*fhir.Bundle, error) {
	return g.getBundle(ctx, tok, "everything", g.url(fhirmodels.ResourcePatient, patientID, "$everything"))
}

// Capabilities returns the server's capability statement, from the metadata
// cache when one is configured.
func (g *GenericAdapter) Capabilities(ctx context.Context, tok *auth.TokenInfo) (*fhir.CapabilityStatement, error) {
	if g.metadata != nil {
		if cs, ok := g.metadata.Get(g.cfg.BaseURL); ok {
			return cs, nil
		}
	}
	res, err := g.do(ctx, tok, http.MethodGet, g.url("metadata"), nil)
	if err != nil {
		return nil, err
	}
	cs, err := fhir.ParseCapabilityStatement(res.body)
	if err != nil {
		return nil, &SemanticError{Op: "capabilities", Err: err}
	}
	if g.metadata != nil {
		g.metadata.Set(g.cfg.BaseURL, cs)
	}
	return cs, nil
}

func (g *GenericAdapter) getBundle(ctx context.Context, tok *auth.TokenInfo, op, target string) (*fhir.Bundle, error) {
	res, err := g.do(ctx, tok, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	var b fhir.Bundle
	if err := json.Unmarshal(res.body, &b); err != nil {
		return nil, &SemanticError{Op: op, Err: err}
	}
	if b.ResourceType != fhirmodels.ResourceBundle {
		return nil, &SemanticError{Op: op, Err: fmt.Errorf("expected Bundle, got %q", b.ResourceType)}
	}
	return &b, nil
}

// ---------------------------------------------------------------------------
// Typed accessors
// ---------------------------------------------------------------------------

func (g *GenericAdapter) GetPatient(ctx context.Context, tok *auth.TokenInfo, id string) (*fhir.Patient, error) {
	raw, err := g.Read(ctx, tok, fhirmodels.ResourcePatient, id)
	if err != nil {
		return nil, err
	}
	res, err := fhir.Normalize(raw)
	if err != nil {
		return nil, &SemanticError{Op: "read Patient/" + id, Err: err}
	}
	p, ok := res.(*fhir.Patient)
	if !ok {
		return nil, &SemanticError{Op: "read Patient/" + id, Err: fmt.Errorf("got %s", res.Kind())}
	}
	return p, nil
}

func (g *GenericAdapter) SearchPatients(ctx context.Context, tok *auth.TokenInfo, params url.Values) ([]*fhir.Patient, error) {
	res, err := g.searchNormalized(ctx, tok, fhirmodels.ResourcePatient, params)
	if err != nil {
		return nil, err
	}
	return collect[*fhir.Patient](res), nil
}

func (g *GenericAdapter) GetObservations(ctx context.Context, tok *auth.TokenInfo, patientID string, params url.Values) ([]*fhir.Observation, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}
	q.Set("patient", patientID)
	res, err := g.searchNormalized(ctx, tok, fhirmodels.ResourceObservation, q)
	if err != nil {
		return nil, err
	}
	return collect[*fhir.Observation](res), nil
}

func (g *GenericAdapter) GetConditions(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]*fhir.Condition, error) {
	res, err := g.SearchByPatient(ctx, tok, fhirmodels.ResourceCondition, patientID)
	if err != nil {
		return nil, err
	}
	return collect[*fhir.Condition](res), nil
}

func (g *GenericAdapter) GetMedicationRequests(ctx context.Context, tok *auth.TokenInfo, patientID string) ([]*fhir.MedicationRequest, error) {
	res, err := g.SearchByPatient(ctx, tok, fhirmodels.ResourceMedicationRequest, patientID)
	if err != nil {
		return nil, err
	}
	return collect[*fhir.MedicationRequest](res), nil
}

func (g *GenericAdapter) SearchByPatient(ctx context.Context, tok *auth.TokenInfo, resourceType, patientID string) ([]fhir.ClinicalResource, error) {
	return g.searchNormalized(ctx, tok, resourceType, url.Values{"patient": {patientID}})
}

// searchNormalized runs a first-page search and keeps only entries of the
// searched type. Included resources and OperationOutcome entries are dropped.
func (g *GenericAdapter) searchNormalized(ctx context.Context, tok *auth.TokenInfo, resourceType string, params url.Values) ([]fhir.ClinicalResource, error) {
	b, err := g.Search(ctx, tok, resourceType, params)
	if err != nil {
		return nil, err
	}
	out := make([]fhir.ClinicalResource, 0, len(b.Entry))
	var errs []error
	for _, raw := range b.ResourcesOfType(resourceType) {
		r, err := fhir.Normalize(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, r)
	}
	if len(errs) > 0 {
		return nil, &SemanticError{Op: "search " + resourceType, Err: errors.Join(errs...)}
	}
	return out, nil
}

func collect[T fhir.ClinicalResource](in []fhir.ClinicalResource) []T {
	out := make([]T, 0, len(in))
	for _, r := range in {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// parseLocation extracts id and version from "…/Type/id/_history/vid".
func parseLocation(loc, resourceType string) (id, version string) {
	if loc == "" {
		return "", ""
	}
	if u, err := url.Parse(loc); err == nil {
		loc = u.Path
	}
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	for i := len(parts) - 2; i >= 0; i-- {
		if parts[i] != resourceType {
			continue
		}
		id = parts[i+1]
		if i+3 < len(parts) && parts[i+2] == "_history" {
			version = parts[i+3]
		}
		return id, version
	}
	return "", ""
}

func stubResource(resourceType, id, version string) json.RawMessage {
	r := fhir.Resource{ResourceType: resourceType, ID: id}
	if version != "" {
		r.Meta = &fhir.Meta{VersionID: version}
	}
	data, _ := json.Marshal(r)
	return data
}
