package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout     = 120 * time.Second
	defaultLifetime    = 30 * time.Minute
	defaultCPUSeconds  = 120
	defaultMemoryMB    = 1024
	processMetaFile    = "sandbox.json"
	processHomeSubdir  = "home"
	sandboxIDPrefix    = "sbx-"
	processBackendName = "process"
)

var (
	sandboxIDPattern = regexp.MustCompile(`^sbx-[0-9a-f]{16}$`)

	// homeRefPattern matches HomeDir as a whole path component.
	homeRefPattern = regexp.MustCompile(regexp.QuoteMeta(HomeDir) + `(?:$|[^A-Za-z0-9_.\-])`)
)

// ResourceLimits constrains each sandboxed command.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ProcessConfig configures the process-based backend.
type ProcessConfig struct {
	// Root holds one directory per sandbox.
	Root           string
	DefaultTimeout time.Duration
	Limits         ResourceLimits
}

// ProcessBackend hosts sandboxes as directories on the local machine.
// Each sandbox gets its own home directory; commands run as OS processes
// with that directory as HOME.
//
// Isolation properties:
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the server, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
//   - File operations confined to the sandbox home
//
// Commands still see the host filesystem. References to HomeDir in a script
// are rewritten to the sandbox home and the home path is mapped back to
// HomeDir in the output, so commands and file operations agree on paths.
// Paths assembled at run time (e.g. "/home/$USER") are not rewritten; $HOME
// and ~ point at the sandbox home. Use the docker backend where untrusted
// code runs.
type ProcessBackend struct {
	root           string
	defaultTimeout time.Duration
	limits         ResourceLimits
	logger         *slog.Logger

	mu  sync.Mutex // guards metadata files
	now func() time.Time
}

// processMeta is persisted next to the sandbox home so Connect works after a restart.
type processMeta struct {
	ID        string            `json:"id"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// NewProcessBackend creates a process-based backend rooted at cfg.Root.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) (*ProcessBackend, error) {
	root := cfg.Root
	if root == "" {
		root = filepath.Join(os.TempDir(), "agent007-sandboxes")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", root, err)
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.Limits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}

	return &ProcessBackend{
		root:           root,
		defaultTimeout: timeout,
		limits:         limits,
		logger:         logger,
		now:            time.Now,
	}, nil
}

func (b *ProcessBackend) Name() string { return processBackendName }

// Ping checks that the sandbox root is still a directory.
func (b *ProcessBackend) Ping(context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("sandbox root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sandbox root %s is not a directory", b.root)
	}
	return nil
}

// Create makes a new sandbox directory with its home and metadata.
func (b *ProcessBackend) Create(_ context.Context, opts CreateOptions) (string, error) {
	id, err := generateSandboxID()
	if err != nil {
		return "", fmt.Errorf("generating sandbox id: %w", err)
	}

	home := b.homeDir(id)
	if err := os.MkdirAll(home, 0o750); err != nil {
		return "", fmt.Errorf("creating sandbox home: %w", err)
	}

	lifetime := opts.Timeout
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	now := b.now().UTC()
	meta := &processMeta{
		ID:        id,
		Env:       opts.Env,
		Labels:    opts.Labels,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeMeta(meta); err != nil {
		_ = os.RemoveAll(b.dir(id))
		return "", err
	}

	b.logger.Info("process sandbox created",
		slog.String("sandbox_id", id),
		slog.String("home", home),
		slog.Duration("lifetime", lifetime),
	)
	return id, nil
}

// Connect fails with ErrNotFound when the sandbox is gone or past its lifetime.
// Expired sandboxes are removed on the way out.
func (b *ProcessBackend) Connect(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, err := b.readMeta(id)
	if err != nil {
		return err
	}
	if b.now().After(meta.ExpiresAt) {
		_ = os.RemoveAll(b.dir(id))
		return fmt.Errorf("sandbox %s expired at %s: %w", id, meta.ExpiresAt.Format(time.RFC3339), ErrNotFound)
	}
	return nil
}

// KeepAlive pushes the expiry to now + ttl.
func (b *ProcessBackend) KeepAlive(_ context.Context, id string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	meta, err := b.readMeta(id)
	if err != nil {
		return err
	}
	meta.ExpiresAt = b.now().UTC().Add(ttl)
	return b.writeMeta(meta)
}

// Destroy removes the sandbox directory.
func (b *ProcessBackend) Destroy(_ context.Context, id string) error {
	if !sandboxIDPattern.MatchString(id) {
		return fmt.Errorf("invalid sandbox id %q: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(b.dir(id)); err != nil {
		return fmt.Errorf("removing sandbox %s: %w", id, err)
	}
	b.logger.Info("process sandbox destroyed", slog.String("sandbox_id", id))
	return nil
}

// Run executes the script with /bin/sh in the sandbox home.
func (b *ProcessBackend) Run(ctx context.Context, id string, req Command) (*CommandResult, error) {
	b.mu.Lock()
	meta, err := b.readMeta(id)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	home := b.homeDir(id)
	dir, err := resolveInHome(home, req.Dir)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The script is passed as a positional parameter so it is never
	// interpolated into the wrapper that applies the limits.
	memKB := b.limits.MaxMemoryMB * 1024
	wrapper := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		memKB, b.limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", wrapper, "_", toLocalPaths(req.Script, home))
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildEnv(home, meta.Env, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	b.logger.DebugContext(ctx, "sandbox command starting",
		slog.String("sandbox_id", id),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.WarnContext(ctx, "sandbox command timed out",
				slog.String("sandbox_id", id),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running command: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	b.logger.DebugContext(ctx, "sandbox command completed",
		slog.String("sandbox_id", id),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &CommandResult{
		Stdout:   toSandboxPaths(stdoutBuf.String(), home),
		Stderr:   toSandboxPaths(stderrBuf.String(), home),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// WriteFile writes into the sandbox home, creating parent directories.
func (b *ProcessBackend) WriteFile(_ context.Context, id, path string, data []byte) error {
	if err := b.exists(id); err != nil {
		return err
	}
	target, err := resolveInHome(b.homeDir(id), path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	return os.WriteFile(target, data, 0o644)
}

// ReadFile reads from the sandbox home.
func (b *ProcessBackend) ReadFile(_ context.Context, id, path string) ([]byte, error) {
	if err := b.exists(id); err != nil {
		return nil, err
	}
	target, err := resolveInHome(b.homeDir(id), path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

func (b *ProcessBackend) dir(id string) string { return filepath.Join(b.root, id) }

func (b *ProcessBackend) homeDir(id string) string {
	return filepath.Join(b.root, id, processHomeSubdir)
}

func (b *ProcessBackend) exists(id string) error {
	if !sandboxIDPattern.MatchString(id) {
		return fmt.Errorf("invalid sandbox id %q: %w", id, ErrNotFound)
	}
	if _, err := os.Stat(b.homeDir(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

func (b *ProcessBackend) readMeta(id string) (*processMeta, error) {
	if err := b.exists(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(b.dir(id), processMetaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("sandbox %s metadata: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("reading sandbox metadata: %w", err)
	}
	var meta processMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parsing sandbox metadata: %w", err)
	}
	return &meta, nil
}

func (b *ProcessBackend) writeMeta(meta *processMeta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sandbox metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(b.dir(meta.ID), processMetaFile), raw, 0o600); err != nil {
		return fmt.Errorf("writing sandbox metadata: %w", err)
	}
	return nil
}

// resolveInHome maps a sandbox path onto the local home directory.
// HomeDir-prefixed and ~/ paths are rebased; relative paths are joined;
// anything that would leave home is rejected.
func resolveInHome(home, p string) (string, error) {
	switch {
	case p == "" || p == HomeDir || p == "~":
		return home, nil
	case strings.HasPrefix(p, HomeDir+"/"):
		p = strings.TrimPrefix(p, HomeDir+"/")
	case strings.HasPrefix(p, "~/"):
		p = strings.TrimPrefix(p, "~/")
	case filepath.IsAbs(p):
		return "", fmt.Errorf("path %q is outside the sandbox home %s", p, HomeDir)
	}

	target := filepath.Join(home, p)
	if target != home && !strings.HasPrefix(target, home+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox home", p)
	}
	return target, nil
}

// toLocalPaths rewrites HomeDir references in a script to the local home.
func toLocalPaths(script, home string) string {
	return homeRefPattern.ReplaceAllStringFunc(script, func(m string) string {
		return home + strings.TrimPrefix(m, HomeDir)
	})
}

// toSandboxPaths maps the local home back to HomeDir in command output.
func toSandboxPaths(out, home string) string {
	return strings.ReplaceAll(out, home, HomeDir)
}

// buildEnv constructs a minimal environment. The server's own environment is
// never inherited, so API keys do not leak into sandboxed commands.
func buildEnv(home string, sandboxEnv, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range sandboxEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// generateSandboxID returns sbx-<16 hex chars>.
func generateSandboxID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return sandboxIDPrefix + hex.EncodeToString(buf), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

var (
	_ Backend = (*ProcessBackend)(nil)
	_ Pinger  = (*ProcessBackend)(nil)
)
