package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/storage"
)

const (
	envSessionPath       = HomeDir + "/.env_session"
	defaultStepTimeout   = 5 * time.Minute
	prepareScriptTimeout = 30 * time.Second

	// prepareScript makes interactive shells pick up the session file and
	// creates the uploads directory. $HOME is used so the script works on
	// backends that map HomeDir elsewhere.
	prepareScript = `mkdir -p "$HOME/uploads"
touch "$HOME/.bashrc"
grep -q '.env_session' "$HOME/.bashrc" || echo '[ -f ~/.env_session ] && . ~/.env_session' >> "$HOME/.bashrc"`
)

// Credentials are the opaque per-user values exported into a sandbox.
type Credentials struct {
	UserID         string
	SessionToken   string
	ProxyURL       string
	ConversationID string
}

// Env returns the MCP_* variables for the non-empty credential fields.
func (c Credentials) Env() map[string]string {
	env := make(map[string]string, 3)
	if c.ProxyURL != "" {
		env["MCP_PROXY_URL"] = c.ProxyURL
	}
	if c.SessionToken != "" {
		env["MCP_SESSION_TOKEN"] = c.SessionToken
	}
	if c.UserID != "" {
		env["MCP_USER_ID"] = c.UserID
	}
	return env
}

// SetupStep is an opaque provisioning script (package installs, CLI setup,
// cloud credentials). Optional steps log failures and continue.
type SetupStep struct {
	Name        string
	Script      string
	Timeout     time.Duration
	Required    bool
	OnReconnect bool // also run when reconnecting to an existing sandbox
}

// Upload is a file attached to a run request. Data is base64.
type Upload struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
	Data string `json:"data"`
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Handle *Handle
	// Reused is true when an existing sandbox was reconnected.
	Reused bool
	// StateDiscarded is true when a sandbox ID was requested but could not be
	// reconnected, so a fresh sandbox replaced it and its files are gone.
	StateDiscarded bool
	PreviousID     string
}

// Provisioner creates, reconnects and prepares sandboxes on a Backend.
type Provisioner struct {
	backend  Backend
	store    storage.Store
	steps    []SetupStep
	lifetime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// ProvisionerOption configures a Provisioner.
type ProvisionerOption func(*Provisioner)

// WithStore persists sandbox records for reconnects and reaping.
func WithStore(s storage.Store) ProvisionerOption {
	return func(p *Provisioner) { p.store = s }
}

// WithSetupSteps sets the scripts run on fresh sandboxes.
func WithSetupSteps(steps ...SetupStep) ProvisionerOption {
	return func(p *Provisioner) { p.steps = steps }
}

// WithLifetime sets how long a sandbox stays alive after its last release.
func WithLifetime(d time.Duration) ProvisionerOption {
	return func(p *Provisioner) {
		if d > 0 {
			p.lifetime = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ProvisionerOption {
	return func(p *Provisioner) { p.now = now }
}

// NewProvisioner creates a Provisioner for the backend.
func NewProvisioner(backend Backend, logger *slog.Logger, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		backend:  backend,
		lifetime: defaultLifetime,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backend returns the underlying backend.
func (p *Provisioner) Backend() Backend { return p.backend }

// Lifetime returns the keep-alive duration applied on release.
func (p *Provisioner) Lifetime() time.Duration { return p.lifetime }

// Create provisions a fresh sandbox and runs every setup step.
func (p *Provisioner) Create(ctx context.Context, creds Credentials) (*Handle, error) {
	start := p.now()
	id, err := p.backend.Create(ctx, CreateOptions{
		Env:     creds.Env(),
		Timeout: p.lifetime,
		Labels:  map[string]string{"owner": creds.UserID},
	})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	h := p.newHandle(id, start, creds)
	h.SetStatus(StatusConnecting)

	if err := p.prepare(ctx, h, creds, false); err != nil {
		h.SetStatus(StatusDisconnected)
		if derr := p.backend.Destroy(context.WithoutCancel(ctx), id); derr != nil {
			p.logger.WarnContext(ctx, "failed to destroy sandbox after setup failure",
				slog.String("sandbox_id", id),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("preparing sandbox %s: %w", id, err)
	}

	h.SetStatus(StatusReady)
	p.save(ctx, h)

	p.logger.InfoContext(ctx, "sandbox provisioned",
		slog.String("sandbox_id", id),
		slog.String("backend", p.backend.Name()),
		slog.String("user_id", creds.UserID),
		slog.Duration("duration", p.now().Sub(start)),
	)
	return h, nil
}

// Reconnect attaches to an existing sandbox and refreshes its credentials.
func (p *Provisioner) Reconnect(ctx context.Context, id string, creds Credentials) (*Handle, error) {
	if err := p.backend.Connect(ctx, id); err != nil {
		return nil, fmt.Errorf("connecting to sandbox %s: %w", id, err)
	}

	createdAt := p.now()
	if p.store != nil {
		if rec, err := p.store.GetSandbox(ctx, id); err == nil {
			createdAt = rec.CreatedAt
		}
	}

	h := p.newHandle(id, createdAt, creds)
	h.SetStatus(StatusConnecting)
	if err := p.prepare(ctx, h, creds, true); err != nil {
		h.SetStatus(StatusDisconnected)
		return nil, fmt.Errorf("refreshing sandbox %s: %w", id, err)
	}
	h.SetStatus(StatusReady)
	p.save(ctx, h)

	p.logger.InfoContext(ctx, "sandbox reconnected",
		slog.String("sandbox_id", id),
		slog.String("user_id", creds.UserID),
	)
	return h, nil
}

// Resolve reconnects to id when given and falls back to a fresh sandbox.
// A failed fresh creation is fatal.
func (p *Provisioner) Resolve(ctx context.Context, id string, creds Credentials) (*Resolution, error) {
	if id != "" {
		h, err := p.Reconnect(ctx, id, creds)
		if err == nil {
			return &Resolution{Handle: h, Reused: true}, nil
		}
		p.logger.WarnContext(ctx, "sandbox reconnect failed, creating a new one; previous sandbox state is discarded",
			slog.String("sandbox_id", id),
			slog.String("user_id", creds.UserID),
			slog.String("error", err.Error()),
		)
		h, cerr := p.Create(ctx, creds)
		if cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return &Resolution{Handle: h, StateDiscarded: true, PreviousID: id}, nil
	}

	h, err := p.Create(ctx, creds)
	if err != nil {
		return nil, err
	}
	return &Resolution{Handle: h}, nil
}

// Refresh rewrites the credentials of a sandbox that was provisioned for an
// earlier request, such as a claimed warm sandbox.
func (p *Provisioner) Refresh(ctx context.Context, h *Handle, creds Credentials) error {
	h.assign(creds)
	if err := p.writeEnvSession(ctx, h, creds); err != nil {
		return err
	}
	p.save(ctx, h)
	return nil
}

// Upload decodes base64 files into UploadsDir and returns the paths written.
// Files that fail to decode or write are skipped.
func (p *Provisioner) Upload(ctx context.Context, h *Handle, files []Upload) []string {
	var written []string
	for _, f := range files {
		name := path.Base(strings.ReplaceAll(f.Name, "\\", "/"))
		if name == "" || name == "." || name == "/" || name == ".." {
			p.logger.WarnContext(ctx, "skipping upload with invalid name", slog.String("name", f.Name))
			continue
		}
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			p.logger.WarnContext(ctx, "skipping upload that is not valid base64",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		target := UploadsDir + "/" + name
		if err := h.WriteFile(ctx, target, data); err != nil {
			p.logger.WarnContext(ctx, "failed to upload file",
				slog.String("sandbox_id", h.ID()),
				slog.String("path", target),
				slog.String("error", err.Error()),
			)
			continue
		}
		written = append(written, target)
	}
	return written
}

// Release keeps the sandbox alive for a follow-up request and marks it idle.
// It is not destroyed and not returned to the warm pool.
func (p *Provisioner) Release(ctx context.Context, h *Handle) {
	if err := p.backend.KeepAlive(ctx, h.ID(), p.lifetime); err != nil {
		p.logger.WarnContext(ctx, "sandbox keep-alive failed",
			slog.String("sandbox_id", h.ID()),
			slog.String("error", err.Error()),
		)
	}
	h.SetStatus(StatusDisconnected)
	p.save(ctx, h)
}

// Teardown destroys the sandbox and forgets its record.
func (p *Provisioner) Teardown(ctx context.Context, h *Handle) error {
	h.SetStatus(StatusDisconnected)
	return p.Destroy(ctx, h.ID())
}

// Destroy removes a sandbox by ID.
func (p *Provisioner) Destroy(ctx context.Context, id string) error {
	if err := p.backend.Destroy(ctx, id); err != nil {
		return fmt.Errorf("destroying sandbox %s: %w", id, err)
	}
	if p.store != nil {
		if err := p.store.DeleteSandbox(ctx, id); err != nil {
			p.logger.WarnContext(ctx, "failed to delete sandbox record",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (p *Provisioner) newHandle(id string, createdAt time.Time, creds Credentials) *Handle {
	h := NewHandle(p.backend, id, createdAt)
	h.now = p.now
	h.assign(creds)
	return h
}

// prepare writes the session file, ensures the uploads directory and runs
// the setup steps that apply.
func (p *Provisioner) prepare(ctx context.Context, h *Handle, creds Credentials, reconnect bool) error {
	if err := p.writeEnvSession(ctx, h, creds); err != nil {
		return err
	}

	res, err := h.Run(ctx, Command{Script: prepareScript, Timeout: prepareScriptTimeout})
	if err != nil {
		return fmt.Errorf("preparing home directory: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("preparing home directory: exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	for _, step := range p.steps {
		if reconnect && !step.OnReconnect {
			continue
		}
		if err := p.runStep(ctx, h, step); err != nil {
			if step.Required {
				return err
			}
			p.logger.WarnContext(ctx, "optional setup step failed",
				slog.String("sandbox_id", h.ID()),
				slog.String("step", step.Name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (p *Provisioner) runStep(ctx context.Context, h *Handle, step SetupStep) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	start := p.now()
	res, err := h.Run(ctx, Command{Script: envSessionPrelude + step.Script, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("setup step %q: %w", step.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("setup step %q: exit code %d: %s", step.Name, res.ExitCode, lastLine(res.Stderr))
	}
	p.logger.DebugContext(ctx, "setup step completed",
		slog.String("sandbox_id", h.ID()),
		slog.String("step", step.Name),
		slog.Duration("duration", p.now().Sub(start)),
	)
	return nil
}

// writeEnvSession rewrites ~/.env_session with fresh MCP_* exports while
// keeping any other lines a setup step added.
func (p *Provisioner) writeEnvSession(ctx context.Context, h *Handle, creds Credentials) error {
	existing, err := h.ReadFile(ctx, envSessionPath)
	if err != nil {
		existing = nil
	}
	content := mergeEnvSession(string(existing), creds)
	if err := h.WriteFile(ctx, envSessionPath, []byte(content)); err != nil {
		return fmt.Errorf("writing env session: %w", err)
	}
	return nil
}

func (p *Provisioner) save(ctx context.Context, h *Handle) {
	if p.store == nil {
		return
	}
	h.mu.Lock()
	rec := &storage.SandboxRecord{
		ID:             h.id,
		Backend:        p.backend.Name(),
		OwnerID:        h.owner,
		ConversationID: h.conversationID,
		Status:         string(h.status),
		CreatedAt:      h.createdAt,
		LastUsedAt:     h.lastUsed,
	}
	h.mu.Unlock()

	if err := p.store.SaveSandbox(ctx, rec); err != nil {
		p.logger.WarnContext(ctx, "failed to persist sandbox record",
			slog.String("sandbox_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}

// envSessionPrelude loads the session file before a script runs.
const envSessionPrelude = "[ -f \"$HOME/.env_session\" ] && . \"$HOME/.env_session\"\n"

// mergeEnvSession drops previous MCP_* exports and appends the current ones.
func mergeEnvSession(existing string, creds Credentials) string {
	var lines []string
	for _, line := range strings.Split(existing, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "export MCP_") {
			continue
		}
		lines = append(lines, line)
	}

	env := creds.Env()
	for _, k := range sortedKeys(env) {
		lines = append(lines, "export "+k+"="+shellQuote(env[k]))
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
