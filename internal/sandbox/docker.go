package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "agent007-runtime:latest"
	dockerLabel            = "agent007.sandbox"
	dockerExpiresLabel     = "agent007.expires"
	dockerBackendName      = "docker"
)

// DockerConfig configures the Docker-based backend.
type DockerConfig struct {
	Image          string        // Container image.
	DefaultTimeout time.Duration // Wall-clock timeout per command.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none.
}

// DockerBackend hosts each sandbox as a long-lived container. Commands run
// through docker exec, so files and installed tools persist between runs of
// the same conversation.
//
// Hardening:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Network disabled unless NetworkAllowed
//   - No host mounts, no docker socket, no privileged mode
//   - stdout/stderr capped on the host side
type DockerBackend struct {
	config DockerConfig
	logger *slog.Logger
	docker string // docker CLI path, overridable in tests
}

// NewDockerBackend creates a Docker-based backend.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) *DockerBackend {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerBackend{config: cfg, logger: logger, docker: "docker"}
}

func (b *DockerBackend) Name() string { return dockerBackendName }

// Create starts a detached container that idles until destroyed.
func (b *DockerBackend) Create(ctx context.Context, opts CreateOptions) (string, error) {
	id, err := generateSandboxID()
	if err != nil {
		return "", fmt.Errorf("generating sandbox id: %w", err)
	}

	lifetime := opts.Timeout
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	expires := time.Now().Add(lifetime).Unix()

	args := b.buildRunArgs(id, expires, opts)
	if out, err := b.run(ctx, nil, args...); err != nil {
		b.forceRemove(id)
		return "", fmt.Errorf("starting container: %w: %s", err, strings.TrimSpace(out))
	}

	b.logger.InfoContext(ctx, "docker sandbox created",
		slog.String("sandbox_id", id),
		slog.String("image", b.config.Image),
		slog.Duration("lifetime", lifetime),
	)
	return id, nil
}

// buildRunArgs constructs the docker run argument list with all hardening flags.
func (b *DockerBackend) buildRunArgs(id string, expires int64, opts CreateOptions) []string {
	memoryFlag := strconv.Itoa(b.config.MemoryMB) + "m"

	args := []string{
		"run", "-d",
		"--name", id,
		"--label", dockerLabel + "=1",
		"--label", dockerExpiresLabel + "=" + strconv.FormatInt(expires, 10),

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(b.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(b.config.PIDsLimit),

		"--workdir", HomeDir,
		"--env", "HOME=" + HomeDir,
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if b.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", "agent007."+k+"="+opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "--env", k+"="+opts.Env[k])
	}

	return append(args, b.config.Image, "sleep", "infinity")
}

// Connect checks the container exists and starts it when stopped.
func (b *DockerBackend) Connect(ctx context.Context, id string) error {
	out, err := b.run(ctx, nil, "inspect", "-f", "{{.State.Running}}", id)
	if err != nil {
		if strings.Contains(out, "No such") {
			return fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("inspecting container %s: %w", id, err)
	}
	if strings.TrimSpace(out) == "true" {
		return nil
	}
	if out, err := b.run(ctx, nil, "start", id); err != nil {
		return fmt.Errorf("starting container %s: %w: %s", id, err, strings.TrimSpace(out))
	}
	return nil
}

// KeepAlive records the new expiry in a file inside the container; the
// reaper compares it with the persisted last-used time.
func (b *DockerBackend) KeepAlive(ctx context.Context, id string, ttl time.Duration) error {
	expires := strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	return b.WriteFile(ctx, id, "/tmp/.agent007-expires", []byte(expires))
}

// Destroy force-removes the container.
func (b *DockerBackend) Destroy(ctx context.Context, id string) error {
	out, err := b.run(ctx, nil, "rm", "-f", id)
	if err != nil && !strings.Contains(out, "No such container") {
		return fmt.Errorf("removing container %s: %w: %s", id, err, strings.TrimSpace(out))
	}
	b.logger.InfoContext(ctx, "docker sandbox destroyed", slog.String("sandbox_id", id))
	return nil
}

// Run executes the script through docker exec.
func (b *DockerBackend) Run(ctx context.Context, id string, req Command) (*CommandResult, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = b.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := req.Dir
	if dir == "" {
		dir = HomeDir
	}
	args := []string{"exec", "--workdir", dir}
	for _, k := range sortedKeys(req.Env) {
		args = append(args, "--env", k+"="+req.Env[k])
	}
	args = append(args, id, "/bin/sh", "-c", req.Script)

	cmd := exec.CommandContext(ctx, b.docker, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			b.logger.WarnContext(ctx, "docker command timed out",
				slog.String("sandbox_id", id),
				slog.Duration("timeout", timeout),
			)
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
		// docker exec itself reports a missing container with exit code 1
		// and a daemon message on stderr.
		if strings.Contains(stderrBuf.String(), "No such container") {
			return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
	}

	return &CommandResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// WriteFile streams data into the container through stdin.
func (b *DockerBackend) WriteFile(ctx context.Context, id, p string, data []byte) error {
	script := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(path.Dir(p)), shellQuote(p))
	if out, err := b.run(ctx, data, "exec", "-i", id, "/bin/sh", "-c", script); err != nil {
		return fmt.Errorf("writing %s: %w: %s", p, err, strings.TrimSpace(out))
	}
	return nil
}

// ReadFile returns the file contents via cat.
func (b *DockerBackend) ReadFile(ctx context.Context, id, p string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.docker, "exec", id, "cat", p)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("reading %s: %w: %s", p, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Ping checks that the docker daemon answers.
func (b *DockerBackend) Ping(ctx context.Context) error {
	out, err := b.run(ctx, nil, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return fmt.Errorf("docker daemon unavailable: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// run executes a docker CLI command and returns its combined output.
func (b *DockerBackend) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.docker, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// forceRemove is best-effort cleanup after a failed create.
func (b *DockerBackend) forceRemove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := b.run(ctx, nil, "rm", "-f", id)
	if err != nil && !strings.Contains(out, "No such container") {
		b.logger.Warn("docker rm -f failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
			slog.String("output", out),
		)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	_ Backend = (*DockerBackend)(nil)
	_ Pinger  = (*DockerBackend)(nil)
)
