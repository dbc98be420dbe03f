package ehrsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/ehr/ehrsync/internal/platform/adapter"
	"github.com/ehr/ehrsync/internal/platform/auth"
	"github.com/ehr/ehrsync/internal/platform/fhir"
	"github.com/ehr/ehrsync/internal/platform/recordstore"
	"github.com/ehr/ehrsync/pkg/fhirmodels"
)

// ServiceOption configures the pull, push and sync services.
type ServiceOption func(*serviceSettings)

type serviceSettings struct {
	concurrency int
	source      string
	now         func() time.Time
	logger      zerolog.Logger
}

func newServiceSettings(opts []ServiceOption) serviceSettings {
	s := serviceSettings{now: time.Now, logger: zerolog.Nop()}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// WithConcurrency bounds the number of concurrent fetches in a pull. Zero
// runs one worker per resource type.
func WithConcurrency(n int) ServiceOption {
	return func(s *serviceSettings) {
		if n >= 0 {
			s.concurrency = n
		}
	}
}

// WithSource names the namespace used for ingested records, FHIR mappings
// and conflicts. The adapter's system is used when unset.
func WithSource(name string) ServiceOption {
	return func(s *serviceSettings) { s.source = name }
}

func (s serviceSettings) sourceFor(a adapter.ResourceAdapter) string {
	if s.source != "" {
		return s.source
	}
	return a.System()
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *serviceSettings) { s.now = now }
}

func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *serviceSettings) { s.logger = l }
}

// PullService fetches a patient's chart from one remote server and ingests
// it into the record store.
type PullService struct {
	adapter adapter.ResourceAdapter
	store   recordstore.Store
	serviceSettings
}

func NewPullService(a adapter.ResourceAdapter, store recordstore.Store, opts ...ServiceOption) *PullService {
	return &PullService{adapter: a, store: store, serviceSettings: newServiceSettings(opts)}
}

type fetchOutcome struct {
	index  int
	result SyncResult
	raws   []json.RawMessage
}

// PullPatientData fetches every requested resource type concurrently. Each
// fetch yields one result; a failed fetch does not stop the others. The
// payloads of successful fetches are assembled into one collection bundle
// and ingested in a single call unless opts.SkipIngest is set.
func (s *PullService) PullPatientData(ctx context.Context, patientID string, tok *auth.TokenInfo, opts PullOptions) (*PullResult, error) {
	types := opts.ResourceTypes
	if len(types) == 0 {
		types = DefaultPullTypes
	}
	workers := s.concurrency
	if workers <= 0 || workers > len(types) {
		workers = len(types)
	}

	p := pool.NewWithResults[fetchOutcome]().WithMaxGoroutines(workers)
	for i, rt := range types {
		p.Go(func() fetchOutcome {
			return s.fetch(ctx, i, rt, patientID, tok)
		})
	}
	outcomes := p.Wait()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].index < outcomes[j].index })

	res := &PullResult{Results: make([]SyncResult, 0, len(outcomes))}
	var raws []json.RawMessage
	for _, o := range outcomes {
		res.Results = append(res.Results, o.result)
		raws = append(raws, o.raws...)
	}
	res.Summary = Summarize(res.Results)
	res.Bundle = fhir.NewCollectionBundle(raws)

	s.logger.Info().
		Str("ehr_system", s.adapter.System()).
		Str("patient", patientID).
		Int("succeeded", res.Summary.Succeeded).
		Int("failed", res.Summary.Failed).
		Int("entries", len(raws)).
		Msg("pull completed")

	if opts.SkipIngest {
		return res, nil
	}
	report, err := s.IngestBundle(ctx, res.Bundle)
	if err != nil {
		return res, err
	}
	res.Ingest = report
	return res, nil
}

// IngestBundle hands b to the record store tagged with this service's
// source.
func (s *PullService) IngestBundle(ctx context.Context, b *fhir.Bundle) (*recordstore.IngestReport, error) {
	report, err := s.store.IngestBundle(ctx, b, s.sourceFor(s.adapter))
	if err != nil {
		return nil, fmt.Errorf("ingest bundle: %w", err)
	}
	return report, nil
}

func (s *PullService) fetch(ctx context.Context, index int, rt, patientID string, tok *auth.TokenInfo) fetchOutcome {
	out := fetchOutcome{index: index}
	var err error
	if rt == fhirmodels.ResourcePatient {
		var pt *fhir.Patient
		pt, err = s.adapter.GetPatient(ctx, tok, patientID)
		if err == nil {
			out.raws = []json.RawMessage{pt.Raw()}
		}
	} else {
		var found []fhir.ClinicalResource
		found, err = s.adapter.SearchByPatient(ctx, tok, rt, patientID)
		for _, r := range found {
			out.raws = append(out.raws, r.Raw())
		}
	}
	if err != nil {
		out.raws = nil
		s.logger.Warn().Err(err).Str("resource_type", rt).Str("patient", patientID).Msg("pull fetch failed")
	}
	out.result = result(DirectionPull, rt, patientID, s.now(), err)
	out.result.Count = len(out.raws)
	return out
}
