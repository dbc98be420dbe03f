package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultThreshold = 0.1
	DefaultStrategy  = Merge

	maxIDAttempts = 3
)

// Resolve applies strategy to a conflict and returns the winning payload.
// Manual requires non-empty manual data.
func Resolve(info *Info, strategy Strategy, manual json.RawMessage, rules MergeRules) (json.RawMessage, error) {
	switch strategy {
	case LocalWins:
		return info.LocalData, nil
	case RemoteWins:
		return info.RemoteData, nil
	case MostRecent:
		return mostRecent(info), nil
	case Merge:
		return MergeJSON(info.LocalData, info.RemoteData, rules)
	case Manual:
		if absent(manual) {
			return nil, ErrManualDataRequired
		}
		return manual, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// CanAutoResolve reports whether a conflict is safe to resolve without an
// operator. Delete conflicts never are; others need the two payloads to be at
// least 1-threshold similar.
func CanAutoResolve(info *Info, threshold float64) bool {
	if info.Type == TypeDelete {
		return false
	}
	return Similarity(info.LocalData, info.RemoteData) >= 1-threshold
}

// Resolver tracks conflicts through their lifecycle. Lifecycle transitions
// are serialized so that lookups and writes of one record do not interleave.
type Resolver struct {
	mu        sync.Mutex
	store     Store
	genID     func(Info, time.Time) string
	threshold float64
	strategy  Strategy
	rules     MergeRules
	now       func() time.Time
	logger    zerolog.Logger
}

type Option func(*Resolver)

func WithStore(s Store) Option {
	return func(r *Resolver) { r.store = s }
}

// WithThreshold sets the auto-resolve threshold. Values outside [0,1] are
// ignored.
func WithThreshold(t float64) Option {
	return func(r *Resolver) {
		if t >= 0 && t <= 1 {
			r.threshold = t
		}
	}
}

// WithDefaultStrategy sets the strategy used by AutoResolvePending. Manual
// and unknown strategies are ignored.
func WithDefaultStrategy(s Strategy) Option {
	return func(r *Resolver) {
		if s.Valid() && s != Manual {
			r.strategy = s
		}
	}
}

func WithMergeRules(rules MergeRules) Option {
	return func(r *Resolver) { r.rules = rules }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		threshold: DefaultThreshold,
		strategy:  DefaultStrategy,
		genID:     newRecordID,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore()
	}
	return r
}

// Strategy returns the strategy applied to auto-resolvable conflicts.
func (r *Resolver) Strategy() Strategy { return r.strategy }

// DetectConflict is the package-level DetectConflict.
func (r *Resolver) DetectConflict(resourceType, id string, local, remote json.RawMessage, localVersion, remoteVersion string) *Info {
	return DetectConflict(resourceType, id, local, remote, localVersion, remoteVersion)
}

// CanAutoResolve applies the configured threshold.
func (r *Resolver) CanAutoResolve(info *Info) bool {
	return CanAutoResolve(info, r.threshold)
}

// Apply resolves info with strategy and the configured merge rules without
// touching any record.
func (r *Resolver) Apply(info *Info, strategy Strategy, manual json.RawMessage) (json.RawMessage, error) {
	return Resolve(info, strategy, manual, r.rules)
}

// -- Lifecycle --

// Register records a detected conflict. When the same resource already has
// an open record, that record takes the new detection and keeps its id and
// status; otherwise a new pending record is created.
func (r *Resolver) Register(ctx context.Context, info Info) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	open, err := r.find(ctx, info, (*Record).Open)
	if err != nil {
		return nil, err
	}
	if open != nil {
		open.Conflict = info
		if err := r.store.Put(ctx, open); err != nil {
			return nil, fmt.Errorf("store conflict: %w", err)
		}
		r.logger.Debug().Str("conflict_id", open.ID).Msg("conflict refreshed")
		return open.clone(), nil
	}

	now := r.now()
	id, err := r.newID(ctx, info, now)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:        id,
		Conflict:  info,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store conflict: %w", err)
	}
	r.logger.Info().
		Str("conflict_id", rec.ID).
		Str("resource_type", info.ResourceType).
		Str("resource_id", info.ResourceID).
		Str("conflict_type", string(info.Type)).
		Msg("conflict registered")
	return rec.clone(), nil
}

// newID returns an id not yet present in the store.
func (r *Resolver) newID(ctx context.Context, info Info, at time.Time) (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := r.genID(info, at)
		_, err := r.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("check conflict id: %w", err)
		}
	}
	return "", ErrDuplicateID
}

// find returns the newest record for the resource described by info that
// satisfies match, or nil.
func (r *Resolver) find(ctx context.Context, info Info, match func(*Record) bool) (*Record, error) {
	all, err := r.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Conflict.sameResource(info) && match(all[i]) {
			return all[i], nil
		}
	}
	return nil, nil
}

func newRecordID(info Info, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	return fmt.Sprintf("%s-%s-%d-%s", info.ResourceType, info.ResourceID, at.UnixMilli(), suffix)
}

// Unapplied returns the resolved record for a resource whose data has not
// been written to the remote server yet, or nil.
func (r *Resolver) Unapplied(ctx context.Context, system, resourceType, resourceID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.find(ctx, Info{System: system, ResourceType: resourceType, ResourceID: resourceID}, (*Record).Unapplied)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.clone(), nil
}

// MarkApplied records that the resolution of id reached the remote server.
func (r *Resolver) MarkApplied(ctx context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusResolved || rec.Resolution == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotResolved, id)
	}
	at := r.now()
	rec.Resolution.AppliedAt = &at
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store conflict: %w", err)
	}
	return rec.clone(), nil
}

// Resolve settles a pending or deferred record. The strategy and manual data
// are validated before the record is looked up.
func (r *Resolver) Resolve(ctx context.Context, id string, strategy Strategy, manual json.RawMessage) (*Record, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if strategy == Manual && absent(manual) {
		return nil, ErrManualDataRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	data, err := Resolve(&rec.Conflict, strategy, manual, r.rules)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", id, err)
	}

	rec.Status = StatusResolved
	rec.Resolution = &Resolution{Strategy: strategy, Data: data, ResolvedAt: r.now()}
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store conflict: %w", err)
	}
	r.logger.Info().Str("conflict_id", id).Str("strategy", string(strategy)).Msg("conflict resolved")
	return rec.clone(), nil
}

// Defer parks a pending record for later review.
func (r *Resolver) Defer(ctx context.Context, id string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	rec.Status = StatusDeferred
	if err := r.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("store conflict: %w", err)
	}
	return rec.clone(), nil
}

// AutoResolvePending resolves every pending record that passes
// CanAutoResolve using the default strategy. Failures leave the record
// pending.
func (r *Resolver) AutoResolvePending(ctx context.Context) (int, error) {
	pending, err := r.store.List(ctx, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	resolved := 0
	for _, rec := range pending {
		if !r.CanAutoResolve(&rec.Conflict) {
			continue
		}
		if _, err := r.Resolve(ctx, rec.ID, r.strategy, nil); err != nil {
			r.logger.Debug().Err(err).Str("conflict_id", rec.ID).Msg("auto-resolve skipped")
			continue
		}
		resolved++
	}
	return resolved, nil
}

// PurgeResolved deletes resolved records whose resolution is older than
// olderThan and returns how many were removed.
func (r *Resolver) PurgeResolved(ctx context.Context, olderThan time.Duration) (int, error) {
	resolved, err := r.store.List(ctx, StatusResolved)
	if err != nil {
		return 0, fmt.Errorf("list resolved: %w", err)
	}
	cutoff := r.now().Add(-olderThan)
	purged := 0
	for _, rec := range resolved {
		if rec.Resolution == nil || !rec.Resolution.ResolvedAt.Before(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			return purged, fmt.Errorf("delete %s: %w", rec.ID, err)
		}
		purged++
	}
	return purged, nil
}

func (r *Resolver) Get(ctx context.Context, id string) (*Record, error) {
	return r.store.Get(ctx, id)
}

// List returns records in the given status; empty status lists all.
func (r *Resolver) List(ctx context.Context, status Status) ([]*Record, error) {
	return r.store.List(ctx, status)
}

func (r *Resolver) Stats(ctx context.Context) (Stats, error) {
	all, err := r.store.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, rec := range all {
		switch rec.Status {
		case StatusPending:
			st.Pending++
		case StatusDeferred:
			st.Deferred++
		case StatusResolved:
			st.Resolved++
		}
	}
	st.Total = len(all)
	return st, nil
}
