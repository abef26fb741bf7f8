// Package scheduler runs the periodic maintenance jobs of the agent service:
// warm pool eviction and reaping of sandboxes idle past their keep-alive.
//
// Jobs are driven by robfig/cron using standard five-field specs or
// descriptors such as "@every 1m".
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
	"github.com/vitalii-dynamiq/agent007/internal/storage"
)

const (
	JobEviction = "pool_eviction"
	JobReaper   = "sandbox_reaper"

	reaperTimeout = 2 * time.Minute
)

// Evictor drops expired warm pool entries. *pool.Pool implements it.
type Evictor interface {
	EvictExpired(now time.Time) int
}

// SandboxLister lists sandbox records idle since before a cutoff.
type SandboxLister interface {
	ListIdleSandboxes(ctx context.Context, before time.Time) ([]storage.SandboxRecord, error)
	DeleteSandbox(ctx context.Context, id string) error
}

// Pruner forgets idle rate limit buckets. *ratelimit.Limiter implements it.
type Pruner interface {
	Prune() int
}

// Destroyer destroys a sandbox by ID. *sandbox.Provisioner implements it.
type Destroyer interface {
	Destroy(ctx context.Context, id string) error
}

// Scheduler owns the cron runner and the maintenance jobs.
type Scheduler struct {
	pool      Evictor
	store     SandboxLister
	destroyer Destroyer
	limiter   Pruner
	reserve   ReserveFunc
	keepAlive time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time

	evictSpec cron.Schedule
	reapSpec  cron.Schedule
	specs     [2]string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// ReserveFunc marks a sandbox in use for the duration of a destroy. ok is
// false when a run holds it.
type ReserveFunc func(id string) (release func(), ok bool)

// WithReaper enables the idle sandbox reaper. Records last used more than
// keepAlive ago are destroyed unless reserve reports them in use. reserve
// may be nil.
func WithReaper(store SandboxLister, destroyer Destroyer, keepAlive time.Duration, reserve ReserveFunc) Option {
	return func(s *Scheduler) {
		s.store = store
		s.destroyer = destroyer
		s.keepAlive = keepAlive
		s.reserve = reserve
	}
}

// WithLimiter prunes idle rate limit buckets alongside pool eviction.
func WithLimiter(l Pruner) Option {
	return func(s *Scheduler) { s.limiter = l }
}

// WithMetrics records job outcomes.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New parses both schedules and returns a Scheduler that is not yet running.
func New(pool Evictor, evictionSpec, reaperSpec string, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	evict, err := cron.ParseStandard(evictionSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid eviction schedule %q: %w", evictionSpec, err)
	}
	reap, err := cron.ParseStandard(reaperSpec)
	if err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", reaperSpec, err)
	}

	s := &Scheduler{
		pool:      pool,
		logger:    logger,
		now:       time.Now,
		evictSpec: evict,
		reapSpec:  reap,
		specs:     [2]string{evictionSpec, reaperSpec},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start schedules the jobs in the background. The returned function stops
// the cron runner and waits for running jobs to finish.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New()
	if s.pool != nil {
		c.Schedule(s.evictSpec, cron.FuncJob(func() { s.RunEviction(ctx) }))
	}
	if s.store != nil && s.destroyer != nil {
		c.Schedule(s.reapSpec, cron.FuncJob(func() { s.RunReaper(ctx) }))
	}
	c.Start()

	s.logger.InfoContext(ctx, "maintenance scheduler started",
		slog.String("eviction_schedule", s.specs[0]),
		slog.String("reaper_schedule", s.specs[1]),
		slog.Bool("reaper_enabled", s.store != nil && s.destroyer != nil),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		s.logger.Info("maintenance scheduler stopped")
	}
}

// RunEviction drops expired warm pool entries and returns how many were
// removed. Idle rate limit buckets are pruned in the same pass.
func (s *Scheduler) RunEviction(ctx context.Context) int {
	start := time.Now()
	n := s.pool.EvictExpired(s.now())
	if n > 0 {
		s.logger.InfoContext(ctx, "evicted warm sandboxes", slog.Int("count", n))
	}
	if s.limiter != nil {
		if pruned := s.limiter.Prune(); pruned > 0 {
			s.logger.DebugContext(ctx, "pruned rate limit buckets", slog.Int("count", pruned))
		}
	}
	s.metrics.observe(JobEviction, start, nil)
	s.metrics.evicted(n)
	return n
}

// destroyIdle destroys id while holding its run reservation. skipped is true
// when a run is using the sandbox.
func (s *Scheduler) destroyIdle(ctx context.Context, id string) (skipped bool, err error) {
	if s.reserve != nil {
		release, ok := s.reserve(id)
		if !ok {
			return true, nil
		}
		defer release()
	}
	return false, s.destroyer.Destroy(ctx, id)
}

// RunReaper destroys sandboxes idle past the keep-alive window and returns
// how many were destroyed. Per-sandbox failures are logged and skipped.
func (s *Scheduler) RunReaper(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, reaperTimeout)
	defer cancel()

	cutoff := s.now().Add(-s.keepAlive)
	records, err := s.store.ListIdleSandboxes(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "listing idle sandboxes failed", slog.String("error", err.Error()))
		s.metrics.observe(JobReaper, start, err)
		return 0
	}

	reaped := 0
	var failed error
	for _, rec := range records {
		skipped, err := s.destroyIdle(ctx, rec.ID)
		if skipped {
			continue
		}
		switch {
		case err == nil:
			reaped++
			s.logger.InfoContext(ctx, "reaped idle sandbox",
				slog.String("sandbox_id", rec.ID),
				slog.String("owner_id", rec.OwnerID),
				slog.Time("last_used_at", rec.LastUsedAt),
			)
		case errors.Is(err, sandbox.ErrNotFound):
			// Already gone on the backend; drop the stale record.
			if err := s.store.DeleteSandbox(ctx, rec.ID); err != nil {
				s.logger.WarnContext(ctx, "failed to delete stale sandbox record",
					slog.String("sandbox_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}
		default:
			failed = err
			s.logger.WarnContext(ctx, "failed to reap sandbox",
				slog.String("sandbox_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.metrics.observe(JobReaper, start, failed)
	s.metrics.reaped(reaped)
	return reaped
}
