// Package scheduling runs the periodic housekeeping of the sync engine on a
// cron schedule.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Maintainer is the housekeeping surface of the sync gateway.
type Maintainer interface {
	SweepPendingAuthorizations() int
	ClearExpiredTokens(ctx context.Context) (int, error)
	SweepCaches() int
	AutoResolveConflicts(ctx context.Context) (int, error)
	PurgeResolvedConflicts(ctx context.Context, olderThan time.Duration) (int, error)
}

// Report counts what one maintenance run removed or resolved.
type Report struct {
	PendingAuthorizations int           `json:"pending_authorizations"`
	ExpiredTokens         int           `json:"expired_tokens"`
	CacheEntries          int           `json:"cache_entries"`
	AutoResolved          int           `json:"auto_resolved"`
	PurgedConflicts       int           `json:"purged_conflicts"`
	Errors                []string      `json:"errors,omitempty"`
	Duration              time.Duration `json:"duration"`
}

// Maintenance runs a Maintainer on a cron schedule. A run that is still
// going when the next tick fires causes that tick to be skipped.
type Maintenance struct {
	target    Maintainer
	schedule  string
	retention time.Duration
	autoRes   bool
	timeout   time.Duration
	cron      *cron.Cron
	entryID   cron.EntryID
	logger    zerolog.Logger
}

type Option func(*Maintenance)

// WithRetention sets how long resolved conflicts are kept. Zero disables
// purging.
func WithRetention(d time.Duration) Option {
	return func(m *Maintenance) { m.retention = d }
}

// WithAutoResolve toggles auto-resolution of pending conflicts.
func WithAutoResolve(on bool) Option {
	return func(m *Maintenance) { m.autoRes = on }
}

// WithRunTimeout bounds a single run.
func WithRunTimeout(d time.Duration) Option {
	return func(m *Maintenance) { m.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Maintenance) { m.logger = l }
}

// New validates schedule (standard five-field cron or a descriptor such as
// "@every 1m") and returns a stopped Maintenance.
func New(target Maintainer, schedule string, opts ...Option) (*Maintenance, error) {
	m := &Maintenance{
		target:    target,
		schedule:  schedule,
		retention: 24 * time.Hour,
		autoRes:   true,
		timeout:   time.Minute,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	cl := cronLogger{m.logger}
	m.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// Start registers the job and starts the scheduler. Runs derive their
// context from ctx.
func (m *Maintenance) Start(ctx context.Context) error {
	id, err := m.cron.AddFunc(m.schedule, func() {
		m.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	m.entryID = id
	m.cron.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running job to finish or ctx to
// end.
func (m *Maintenance) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	m.logger.Info().Msg("maintenance scheduler stopped")
}

// Next returns the next scheduled run, zero before Start.
func (m *Maintenance) Next() time.Time {
	if m.entryID == 0 {
		return time.Time{}
	}
	return m.cron.Entry(m.entryID).Next
}

// RunOnce performs every housekeeping step. A failing step is recorded and
// the remaining steps still run.
func (m *Maintenance) RunOnce(ctx context.Context) Report {
	start := time.Now()
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var r Report
	fail := func(step string, err error) {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
		m.logger.Warn().Err(err).Str("step", step).Msg("maintenance step failed")
	}

	r.PendingAuthorizations = m.target.SweepPendingAuthorizations()
	if n, err := m.target.ClearExpiredTokens(ctx); err != nil {
		fail("clear expired tokens", err)
	} else {
		r.ExpiredTokens = n
	}
	r.CacheEntries = m.target.SweepCaches()
	if m.autoRes {
		if n, err := m.target.AutoResolveConflicts(ctx); err != nil {
			fail("auto-resolve conflicts", err)
		} else {
			r.AutoResolved = n
		}
	}
	if m.retention > 0 {
		if n, err := m.target.PurgeResolvedConflicts(ctx, m.retention); err != nil {
			fail("purge resolved conflicts", err)
		} else {
			r.PurgedConflicts = n
		}
	}
	r.Duration = time.Since(start)

	m.logger.Debug().
		Int("pending_authorizations", r.PendingAuthorizations).
		Int("expired_tokens", r.ExpiredTokens).
		Int("cache_entries", r.CacheEntries).
		Int("auto_resolved", r.AutoResolved).
		Int("purged_conflicts", r.PurgedConflicts).
		Dur("duration", r.Duration).
		Msg("maintenance run completed")
	return r
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
