package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"
)

// testImage is the Docker image used for integration tests.
const testImage = "agent007-runtime:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runtime image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (build with: docker build -t %s -f docker/Dockerfile.runtime .)", testImage, testImage)
	}
}

func newTestDockerBackend(t *testing.T) *DockerBackend {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerBackend(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 30 * time.Second,
		MemoryMB:       256,
		CPUCores:       0.5,
	}, logger)
}

func TestDockerBackend_BuildRunArgs(t *testing.T) {
	b := NewDockerBackend(DockerConfig{}, discardLogger())
	args := b.buildRunArgs("sbx-0123456789abcdef", 1700000000, CreateOptions{
		Env:    map[string]string{"MCP_USER_ID": "u1"},
		Labels: map[string]string{"owner": "u1"},
	})

	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--network=none",
		"--memory=1024m",
		"--pids-limit=256",
		"MCP_USER_ID=u1",
		"agent007.owner=u1",
		"agent007.expires=1700000000",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("run args missing %q: %v", want, args)
		}
	}
	tail := args[len(args)-3:]
	if !slices.Equal(tail, []string{defaultDockerImage, "sleep", "infinity"}) {
		t.Errorf("args should end with image and idle command, got %v", tail)
	}
}

func TestDockerBackend_NetworkAllowed(t *testing.T) {
	b := NewDockerBackend(DockerConfig{NetworkAllowed: true}, discardLogger())
	args := b.buildRunArgs("sbx-0123456789abcdef", 0, CreateOptions{})
	if !slices.Contains(args, "--network=bridge") || slices.Contains(args, "--network=none") {
		t.Errorf("expected bridge network, got %v", args)
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("shellQuote = %s", got)
	}
}

func TestDockerBackend_Lifecycle(t *testing.T) {
	b := newTestDockerBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, CreateOptions{Env: map[string]string{"MCP_USER_ID": "u1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { _ = b.Destroy(context.Background(), id) })

	if err := b.WriteFile(ctx, id, HomeDir+"/data/x.txt", []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := b.ReadFile(ctx, id, HomeDir+"/data/x.txt")
	if err != nil || string(data) != "payload" {
		t.Fatalf("read = %q, %v", data, err)
	}

	res, err := b.Run(ctx, id, Command{Script: "echo $MCP_USER_ID; exit 3"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "u1" || res.ExitCode != 3 {
		t.Errorf("run = %+v", res)
	}

	if err := b.Connect(ctx, id); err != nil {
		t.Errorf("connect: %v", err)
	}
	if err := b.Destroy(ctx, id); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := b.Connect(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("connect after destroy = %v, want ErrNotFound", err)
	}
}
