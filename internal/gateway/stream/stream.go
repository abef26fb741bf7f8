// Package stream turns one run request into an ordered sequence of agent
// events ending with Done. It resolves the sandbox (warm pool, reconnect or
// fresh), runs the agent session in its own goroutine and relays the events
// through a bounded channel with an idle timeout.
//
// Transports (SSE, buffered JSON, WebSocket) only decide how an event is
// written; the ordering and termination rules live here.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/observability"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
	"github.com/vitalii-dynamiq/agent007/internal/tools"
	"github.com/vitalii-dynamiq/agent007/internal/tools/mcp"
)

const (
	// DefaultIdleTimeout bounds the wait for the next event of a run.
	DefaultIdleTimeout = 300 * time.Second
	// DefaultBuffer is the capacity of the channel between the run and the listener.
	DefaultBuffer = 64

	// TimeoutMessage is the Error event text sent when a run goes idle.
	TimeoutMessage = "Agent timeout"

	releaseTimeout = 30 * time.Second
)

var (
	// ErrSandboxBusy is returned when another run is using the requested sandbox.
	ErrSandboxBusy = errors.New("sandbox is busy with another run")
	// ErrEmptyMessage is returned for a request without a message.
	ErrEmptyMessage = errors.New("message is required")
)

// Request is a run request as received from a client.
type Request struct {
	Message        string                 `json:"message"`
	Messages       []agent.HistoryMessage `json:"messages,omitempty"`
	UserID         string                 `json:"userId"`
	SessionToken   string                 `json:"sessionToken"`
	ConversationID string                 `json:"conversationId,omitempty"`
	SandboxID      string                 `json:"sandboxId,omitempty"`
	ProxyURL       string                 `json:"proxyUrl,omitempty"`
	Files          []sandbox.Upload       `json:"files,omitempty"`
}

// Validate checks the fields every transport requires.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Credentials returns the values exported into the sandbox for this request.
func (r *Request) Credentials() sandbox.Credentials {
	return sandbox.Credentials{
		UserID:         r.UserID,
		SessionToken:   r.SessionToken,
		ProxyURL:       r.ProxyURL,
		ConversationID: r.ConversationID,
	}
}

// Result is the outcome of a completed stream.
type Result struct {
	Response  string
	SandboxID string
	TimedOut  bool
}

// Warmer hands out pre-provisioned sandboxes. *pool.Pool implements it.
type Warmer interface {
	Claim(owner string) (*sandbox.Handle, bool)
}

// Provisioner resolves and releases run sandboxes. *sandbox.Provisioner implements it.
type Provisioner interface {
	Resolve(ctx context.Context, id string, creds sandbox.Credentials) (*sandbox.Resolution, error)
	Refresh(ctx context.Context, h *sandbox.Handle, creds sandbox.Credentials) error
	Upload(ctx context.Context, h *sandbox.Handle, files []sandbox.Upload) []string
	Release(ctx context.Context, h *sandbox.Handle)
	Teardown(ctx context.Context, h *sandbox.Handle) error
}

var _ Provisioner = (*sandbox.Provisioner)(nil)

// Streamer runs agent sessions for requests. Safe for concurrent use.
type Streamer struct {
	agent       *agent.Agent
	provisioner Provisioner
	warm        Warmer
	bridge      *mcp.Bridge
	idleTimeout time.Duration
	buffer      int
	metrics     *observability.MetricsCollector
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]struct{} // sandbox ids with a run in flight
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithWarmPool claims warm sandboxes for requests without a sandbox id.
func WithWarmPool(w Warmer) Option {
	return func(s *Streamer) { s.warm = w }
}

// WithMCPBridge exposes the proxy tools of requests that carry a proxy URL.
func WithMCPBridge(b *mcp.Bridge) Option {
	return func(s *Streamer) { s.bridge = b }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Streamer) {
		if d > 0 {
			s.idleTimeout = d
		}
	}
}

// WithBuffer overrides DefaultBuffer.
func WithBuffer(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithMetrics counts relayed events. Nil is allowed.
func WithMetrics(m *observability.MetricsCollector) Option {
	return func(s *Streamer) { s.metrics = m }
}

// New creates a Streamer.
func New(a *agent.Agent, provisioner Provisioner, logger *slog.Logger, opts ...Option) *Streamer {
	s := &Streamer{
		agent:       a,
		provisioner: provisioner,
		idleTimeout: DefaultIdleTimeout,
		buffer:      DefaultBuffer,
		logger:      logger,
		active:      make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stream runs req and passes every event to emit, in order, ending with Done.
//
// Validation and busy errors are returned before any event is emitted. Once
// streaming has started every outcome is reported as events: a sandbox that
// cannot be prepared yields Error and Done and the error is also returned;
// a failing emit cancels the run and its error is returned.
func (s *Streamer) Stream(ctx context.Context, req *Request, emit func(agent.Event) error) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.SandboxID != "" {
		if !s.acquire(req.SandboxID) {
			return nil, ErrSandboxBusy
		}
		defer s.release(req.SandboxID)
	}

	logger := s.logger.With(
		slog.String("user_id", req.UserID),
		slog.String("conversation_id", req.ConversationID),
	)
	send := func(e agent.Event) error {
		s.metrics.RecordEvent(e.Type())
		return emit(e)
	}

	h, err := s.resolve(ctx, req, send, logger)
	if err != nil {
		logger.ErrorContext(ctx, "sandbox preparation failed",
			slog.String("sandbox_id", req.SandboxID),
			slog.String("error", err.Error()),
		)
		_ = send(agent.Error{Message: "Failed to prepare sandbox: " + err.Error()})
		_ = send(agent.Done{})
		return nil, fmt.Errorf("resolving sandbox: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		s.provisioner.Release(rctx, h)
	}()

	if h.ID() != req.SandboxID {
		if !s.acquire(h.ID()) {
			_ = send(agent.Error{Message: ErrSandboxBusy.Error()})
			_ = send(agent.Done{})
			return nil, ErrSandboxBusy
		}
		defer s.release(h.ID())
	}
	logger = logger.With(slog.String("sandbox_id", h.ID()))

	if len(req.Files) > 0 {
		written := s.provisioner.Upload(ctx, h, req.Files)
		logger.InfoContext(ctx, "files uploaded",
			slog.Int("requested", len(req.Files)),
			slog.Int("written", len(written)),
		)
	}

	reg, closeTools := s.registryFor(ctx, req, logger)
	defer closeTools()

	res, err := s.relay(ctx, h, req, reg, send, logger)
	if res != nil {
		res.SandboxID = h.ID()
	}
	return res, err
}

// relay runs the session and forwards its events until the run ends, the
// idle timeout fires or the listener fails.
func (s *Streamer) relay(ctx context.Context, h *sandbox.Handle, req *Request, reg *tools.Registry, send func(agent.Event) error, logger *slog.Logger) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan agent.Event, s.buffer)
	final := make(chan string, 1)
	session := s.agent.NewSession(h, agent.WithRegistry(reg), agent.WithLogger(logger))

	go func() {
		defer close(events)
		final <- session.Run(runCtx, req.Message, req.Messages, func(e agent.Event) {
			select {
			case events <- e:
			case <-runCtx.Done():
			}
		})
	}()

	var (
		terminal bool // a message or error event reached the listener
		timedOut bool
		sendErr  error
	)
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

loop:
	for {
		select {
		case e, ok := <-events:
			if !ok {
				break loop
			}
			if t := e.Type(); t == agent.EventMessage || t == agent.EventError {
				terminal = true
			}
			if err := send(e); err != nil {
				sendErr = err
				break loop
			}
			idle.Reset(s.idleTimeout)
		case <-idle.C:
			timedOut = true
			logger.WarnContext(ctx, "agent run idle timeout", slog.Duration("timeout", s.idleTimeout))
			sendErr = send(agent.Error{Message: TimeoutMessage})
			break loop
		}
	}

	// Stop the run and wait for it, dropping whatever it still produces.
	cancel()
	for range events {
	}
	text := <-final

	if sendErr != nil {
		logger.WarnContext(ctx, "listener write failed, run cancelled", slog.String("error", sendErr.Error()))
		return &Result{Response: text, TimedOut: timedOut}, sendErr
	}
	if timedOut {
		return &Result{Response: TimeoutMessage, TimedOut: true}, send(agent.Done{})
	}
	if !terminal {
		if err := send(agent.Message{Content: text}); err != nil {
			return &Result{Response: text}, err
		}
	}
	return &Result{Response: text}, send(agent.Done{})
}

// resolve claims a warm sandbox when possible and otherwise reconnects to or
// creates one, reporting progress as Status events.
func (s *Streamer) resolve(ctx context.Context, req *Request, send func(agent.Event) error, logger *slog.Logger) (*sandbox.Handle, error) {
	creds := req.Credentials()

	if req.SandboxID == "" && s.warm != nil {
		if h, ok := s.warm.Claim(req.UserID); ok {
			_ = send(agent.Status{Message: "Connecting to warm sandbox...", SandboxID: h.ID()})
			err := s.provisioner.Refresh(ctx, h, creds)
			if err == nil {
				_ = send(agent.Status{
					Message:   "Sandbox ready",
					SandboxID: h.ID(),
					Reused:    agent.Bool(true),
					Warm:      agent.Bool(true),
				})
				return h, nil
			}
			logger.WarnContext(ctx, "warm sandbox refresh failed, creating a new one",
				slog.String("sandbox_id", h.ID()),
				slog.String("error", err.Error()),
			)
			if err := s.provisioner.Teardown(ctx, h); err != nil {
				logger.WarnContext(ctx, "tearing down warm sandbox",
					slog.String("sandbox_id", h.ID()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	msg := "Creating sandbox..."
	if req.SandboxID != "" {
		msg = "Reconnecting to sandbox..."
	}
	_ = send(agent.Status{Message: msg, SandboxID: req.SandboxID})

	res, err := s.provisioner.Resolve(ctx, req.SandboxID, creds)
	if err != nil {
		return nil, err
	}
	if res.StateDiscarded {
		logger.WarnContext(ctx, "previous sandbox state discarded",
			slog.String("previous_sandbox_id", res.PreviousID),
			slog.String("sandbox_id", res.Handle.ID()),
		)
	}
	_ = send(agent.Status{
		Message:           "Sandbox ready",
		SandboxID:         res.Handle.ID(),
		Reused:            agent.Bool(res.Reused),
		Warm:              agent.Bool(false),
		StateDiscarded:    res.StateDiscarded,
		PreviousSandboxID: res.PreviousID,
	})
	return res.Handle, nil
}

// registryFor extends the built-in tools with the request's proxy tools and
// returns a func closing the proxy session. A proxy that cannot be reached
// leaves the built-in tools in place.
func (s *Streamer) registryFor(ctx context.Context, req *Request, logger *slog.Logger) (*tools.Registry, func()) {
	base := s.agent.Registry()
	if s.bridge == nil || req.ProxyURL == "" {
		return base, func() {}
	}
	conn, err := s.bridge.Connect(ctx, req.ProxyURL, req.SessionToken)
	if err != nil {
		logger.WarnContext(ctx, "MCP proxy unavailable, continuing with built-in tools",
			slog.String("proxy_url", req.ProxyURL),
			slog.String("error", err.Error()),
		)
		return base, func() {}
	}
	return conn.Extend(base), conn.Close
}

func (s *Streamer) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[id]; busy {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Streamer) release(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Reserve marks the sandbox busy until release is called, so no run can
// start on it. ok is false when a run already holds it.
func (s *Streamer) Reserve(id string) (release func(), ok bool) {
	if !s.acquire(id) {
		return nil, false
	}
	return func() { s.release(id) }, true
}

// Busy reports whether a run is using the sandbox.
func (s *Streamer) Busy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.active[id]
	return busy
}
