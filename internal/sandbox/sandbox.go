// Package sandbox provides isolated, long-lived execution environments that the
// agent drives through shell commands and file operations. A Backend hosts the
// environments; a Handle addresses one of them; the Provisioner creates,
// reconnects and prepares them.
package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Connect when the backend no longer knows the sandbox.
var ErrNotFound = errors.New("sandbox not found")

// HomeDir is the sandbox user's home directory as seen by commands and tools.
const HomeDir = "/home/user"

// UploadsDir receives files attached to a run request.
const UploadsDir = HomeDir + "/uploads"

// Status is the connection state of a Handle.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
)

// Backend hosts sandboxes. Implementations must be safe for concurrent use
// across different sandbox IDs.
type Backend interface {
	// Create starts a new sandbox and returns its identifier.
	Create(ctx context.Context, opts CreateOptions) (string, error)
	// Connect verifies the sandbox still exists and is running.
	// Returns ErrNotFound (possibly wrapped) when it is gone.
	Connect(ctx context.Context, id string) error
	// Run executes a shell script inside the sandbox.
	Run(ctx context.Context, id string, cmd Command) (*CommandResult, error)
	WriteFile(ctx context.Context, id, path string, data []byte) error
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	// Destroy removes the sandbox and everything in it.
	Destroy(ctx context.Context, id string) error
	// KeepAlive extends the sandbox lifetime by ttl from now.
	KeepAlive(ctx context.Context, id string, ttl time.Duration) error
	// Name returns the backend identifier (e.g. "process", "docker").
	Name() string
}

// Pinger is implemented by backends that can report whether they are usable.
// It backs the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	// Env is exported to every command run in the sandbox.
	Env map[string]string
	// Timeout is the sandbox lifetime before it may be reclaimed.
	Timeout time.Duration
	// Labels are backend metadata (owner, conversation).
	Labels map[string]string
}

// Command is a shell script to run inside a sandbox.
type Command struct {
	// Script is passed to /bin/sh -c.
	Script string
	// Dir is the working directory. Empty = HomeDir.
	Dir string
	// Env adds variables for this command only.
	Env map[string]string
	// Timeout overrides the backend default. Zero = use default.
	Timeout time.Duration
}

// CommandResult captures the outcome of a command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Handle identifies one live sandbox and tracks its connection state.
// Operations are forwarded to the backend. A Handle is used by one run at a
// time; the mutex only protects the state fields read by the pool, the
// gateway and the reaper.
type Handle struct {
	id        string
	backend   Backend
	createdAt time.Time

	mu             sync.Mutex
	status         Status
	lastUsed       time.Time
	owner          string
	conversationID string
	now            func() time.Time
}

// NewHandle wraps a backend sandbox ID.
func NewHandle(backend Backend, id string, createdAt time.Time) *Handle {
	return &Handle{
		id:        id,
		backend:   backend,
		createdAt: createdAt,
		status:    StatusDisconnected,
		lastUsed:  createdAt,
		now:       time.Now,
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Backend() string { return h.backend.Name() }

func (h *Handle) CreatedAt() time.Time { return h.createdAt }

func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handle) SetStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

// Owner returns the user the sandbox was provisioned for.
func (h *Handle) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

func (h *Handle) assign(creds Credentials) {
	h.mu.Lock()
	h.owner = creds.UserID
	if creds.ConversationID != "" {
		h.conversationID = creds.ConversationID
	}
	h.mu.Unlock()
}

func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastUsed = h.now()
	h.mu.Unlock()
}

// Run executes a command in the sandbox.
func (h *Handle) Run(ctx context.Context, cmd Command) (*CommandResult, error) {
	defer h.touch()
	return h.backend.Run(ctx, h.id, cmd)
}

// WriteFile writes data to path inside the sandbox, creating parent directories.
func (h *Handle) WriteFile(ctx context.Context, path string, data []byte) error {
	defer h.touch()
	return h.backend.WriteFile(ctx, h.id, path, data)
}

// ReadFile reads a file from the sandbox.
func (h *Handle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	defer h.touch()
	return h.backend.ReadFile(ctx, h.id, path)
}
