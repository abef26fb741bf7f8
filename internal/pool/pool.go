// Package pool keeps pre-provisioned sandboxes ("warm" entries) keyed by the
// user that asked for them, so the first real run does not wait for setup.
//
// Every entry is absent, warming (provisioning in the background) or ready.
// A ready entry is handed out exactly once by Claim; entries older than the
// TTL are evicted and their sandboxes torn down.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

const (
	// DefaultTTL is the maximum age of an entry, warming or ready.
	DefaultTTL = 25 * time.Minute

	defaultProvisionTimeout = 10 * time.Minute
	teardownTimeout         = 30 * time.Second
)

// State is the observable state of an owner's entry.
type State string

const (
	StateNone    State = "none"
	StateWarming State = "warming"
	StateReady   State = "ready"
)

// Status reports an owner's entry.
type Status struct {
	State     State
	SandboxID string
	Ready     bool
}

// Provisioner builds and destroys sandboxes for the pool.
type Provisioner interface {
	Create(ctx context.Context, creds sandbox.Credentials) (*sandbox.Handle, error)
	Teardown(ctx context.Context, h *sandbox.Handle) error
}

type entry struct {
	owner     string
	handle    *sandbox.Handle
	createdAt time.Time
	ready     bool
}

func (e *entry) status() Status {
	if e.ready {
		return Status{State: StateReady, SandboxID: e.handle.ID(), Ready: true}
	}
	return Status{State: StateWarming}
}

// Pool owns the warm entries. All access to the map goes through mu;
// provisioning and teardown run outside it.
type Pool struct {
	provisioner      Provisioner
	ttl              time.Duration
	provisionTimeout time.Duration
	logger           *slog.Logger
	metrics          *Metrics
	now              func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithTTL sets the maximum entry age.
func WithTTL(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithProvisionTimeout bounds a single background provisioning task.
func WithProvisionTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.provisionTimeout = d
		}
	}
}

// WithClock overrides the time source used for entry ages.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithMetrics enables Prometheus instrumentation. Nil is allowed.
func WithMetrics(m *Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// New creates an empty pool.
func New(provisioner Provisioner, logger *slog.Logger, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		provisioner:      provisioner,
		ttl:              DefaultTTL,
		provisionTimeout: defaultProvisionTimeout,
		logger:           logger,
		now:              time.Now,
		entries:          make(map[string]*entry),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TTL returns the configured maximum entry age.
func (p *Pool) TTL() time.Duration { return p.ttl }

// RequestWarm starts provisioning a sandbox for owner unless an entry already
// exists, in which case its current state is reported. Concurrent calls for
// the same owner start exactly one provisioning task.
func (p *Pool) RequestWarm(owner string, creds sandbox.Credentials) Status {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.logger.Warn("warm request on closed pool", slog.String("user_id", owner))
		return Status{State: StateNone}
	}
	if e, ok := p.entries[owner]; ok {
		st := e.status()
		p.mu.Unlock()
		p.metrics.warmRequest("existing")
		return st
	}

	e := &entry{owner: owner, createdAt: p.now()}
	p.entries[owner] = e
	p.wg.Add(1)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.metrics.warmRequest("started")
	p.logger.Info("warming sandbox", slog.String("user_id", owner))

	go p.provision(e, creds)
	return Status{State: StateWarming}
}

// provision builds the sandbox for e and publishes it if e is still the
// owner's entry. Otherwise the new sandbox is torn down.
func (p *Pool) provision(e *entry, creds sandbox.Credentials) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.provisionTimeout)
	defer cancel()

	start := time.Now()
	h, err := p.provisioner.Create(ctx, creds)
	p.metrics.observeProvision(time.Since(start), err)

	p.mu.Lock()
	current := p.entries[e.owner]
	if err != nil {
		if current == e {
			delete(p.entries, e.owner)
			p.updateGaugesLocked()
		}
		p.mu.Unlock()
		p.logger.Error("warm sandbox provisioning failed",
			slog.String("user_id", e.owner),
			slog.String("error", err.Error()),
		)
		return
	}
	if current != e {
		p.mu.Unlock()
		p.logger.Info("warm entry gone before provisioning finished, tearing down sandbox",
			slog.String("user_id", e.owner),
			slog.String("sandbox_id", h.ID()),
		)
		p.teardown(h)
		return
	}
	e.handle = h
	e.ready = true
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.logger.Info("warm sandbox ready",
		slog.String("user_id", e.owner),
		slog.String("sandbox_id", h.ID()),
		slog.Duration("duration", time.Since(start)),
	)
}

// PollStatus reports the owner's entry without side effects.
func (p *Pool) PollStatus(owner string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[owner]
	if !ok {
		return Status{State: StateNone}
	}
	return e.status()
}

// Claim removes the owner's ready entry and returns its sandbox. The caller
// becomes its only user. A warming or missing entry yields false and is left
// untouched.
func (p *Pool) Claim(owner string) (*sandbox.Handle, bool) {
	p.mu.Lock()
	e, ok := p.entries[owner]
	if !ok || !e.ready {
		p.mu.Unlock()
		p.metrics.claim("miss")
		return nil, false
	}
	delete(p.entries, owner)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.metrics.claim("hit")
	p.logger.Info("warm sandbox claimed",
		slog.String("user_id", owner),
		slog.String("sandbox_id", e.handle.ID()),
	)
	return e.handle, true
}

// EvictExpired removes every entry older than the TTL and tears down the
// sandboxes of ready ones. Warming entries are dropped and their sandbox is
// torn down when provisioning completes. Returns the number of entries removed.
func (p *Pool) EvictExpired(now time.Time) int {
	var expired []*entry

	p.mu.Lock()
	for owner, e := range p.entries {
		if now.Sub(e.createdAt) > p.ttl {
			delete(p.entries, owner)
			expired = append(expired, e)
		}
	}
	if len(expired) > 0 {
		p.updateGaugesLocked()
	}
	p.mu.Unlock()

	for _, e := range expired {
		p.logger.Info("evicting expired warm entry",
			slog.String("user_id", e.owner),
			slog.Bool("ready", e.ready),
			slog.Duration("age", now.Sub(e.createdAt)),
		)
		if e.ready {
			p.teardown(e.handle)
		}
	}
	p.metrics.evicted(len(expired))
	return len(expired)
}

// Forget removes the ready entry holding sandboxID without tearing it down,
// so a sandbox destroyed elsewhere is never handed out by Claim. It reports
// whether an entry was removed.
func (p *Pool) Forget(sandboxID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for owner, e := range p.entries {
		if e.ready && e.handle.ID() == sandboxID {
			delete(p.entries, owner)
			p.updateGaugesLocked()
			p.logger.Info("warm entry dropped",
				slog.String("user_id", owner),
				slog.String("sandbox_id", sandboxID),
			)
			return true
		}
	}
	return false
}

// Len returns the number of entries, warming or ready.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops accepting warm requests, cancels in-flight provisioning, waits
// for it to finish and tears down every ready sandbox.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var ready []*sandbox.Handle
	for _, e := range p.entries {
		if e.ready {
			ready = append(ready, e.handle)
		}
	}
	clear(p.entries)
	p.updateGaugesLocked()
	p.mu.Unlock()

	p.cancel()

	// Ready sandboxes are torn down even when ctx runs out while waiting.
	for _, h := range ready {
		p.teardown(h)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) teardown(h *sandbox.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := p.provisioner.Teardown(ctx, h); err != nil {
		p.logger.Warn("failed to tear down warm sandbox",
			slog.String("sandbox_id", h.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) updateGaugesLocked() {
	if p.metrics == nil {
		return
	}
	var warming, ready int
	for _, e := range p.entries {
		if e.ready {
			ready++
		} else {
			warming++
		}
	}
	p.metrics.Entries.WithLabelValues(string(StateWarming)).Set(float64(warming))
	p.metrics.Entries.WithLabelValues(string(StateReady)).Set(float64(ready))
}
