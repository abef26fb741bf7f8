package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

type fakeSandbox struct {
	result *sandbox.CommandResult
	err    error
	got    sandbox.Command
}

func (f *fakeSandbox) ID() string { return "sbx-test" }
func (f *fakeSandbox) Run(_ context.Context, cmd sandbox.Command) (*sandbox.CommandResult, error) {
	f.got = cmd
	return f.result, f.err
}
func (f *fakeSandbox) WriteFile(context.Context, string, []byte) error { return nil }
func (f *fakeSandbox) ReadFile(context.Context, string) ([]byte, error) { return nil, nil }

func newTool() *Tool {
	return NewTool(0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecute_FormatsOutput(t *testing.T) {
	tests := []struct {
		name   string
		result sandbox.CommandResult
		want   string
	}{
		{"stdout only", sandbox.CommandResult{Stdout: "a.txt\nb.txt\n"}, "a.txt\nb.txt"},
		{"stdout and stderr", sandbox.CommandResult{Stdout: "out\n", Stderr: "warn\n"}, "out\n\nwarn"},
		{"empty", sandbox.CommandResult{}, "(command completed with no output)"},
		{"failure", sandbox.CommandResult{Stderr: "not found", ExitCode: 127}, "[Exit code 127]\nnot found"},
		{"silent failure", sandbox.CommandResult{ExitCode: 1}, "[Exit code 1]\n(command completed with no output)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sbx := &fakeSandbox{result: &tt.result}
			res, err := newTool().Execute(context.Background(), sbx, map[string]any{"command": "ls"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Output != tt.want {
				t.Errorf("output = %q, want %q", res.Output, tt.want)
			}
		})
	}
}

func TestExecute_CommandSetup(t *testing.T) {
	sbx := &fakeSandbox{result: &sandbox.CommandResult{}}
	_, err := newTool().Execute(context.Background(), sbx, map[string]any{"command": "python3 x.py", "cwd": "/home/user/proj"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sbx.got.Dir != "/home/user/proj" {
		t.Errorf("dir = %q", sbx.got.Dir)
	}
	if !strings.HasPrefix(sbx.got.Script, prelude) || !strings.HasSuffix(sbx.got.Script, "python3 x.py") {
		t.Errorf("script = %q", sbx.got.Script)
	}
	if !strings.Contains(sbx.got.Script, ".env_session") || !strings.Contains(sbx.got.Script, ".local/bin") {
		t.Errorf("prelude missing session or PATH setup: %q", sbx.got.Script)
	}
}

func TestExecute_DefaultCwd(t *testing.T) {
	sbx := &fakeSandbox{result: &sandbox.CommandResult{}}
	if _, err := newTool().Execute(context.Background(), sbx, map[string]any{"command": "pwd"}); err != nil {
		t.Fatal(err)
	}
	if sbx.got.Dir != sandbox.HomeDir {
		t.Errorf("dir = %q, want %s", sbx.got.Dir, sandbox.HomeDir)
	}
}

func TestExecute_Errors(t *testing.T) {
	if _, err := newTool().Execute(context.Background(), &fakeSandbox{}, map[string]any{}); err == nil {
		t.Error("expected error for missing command")
	}
	sbx := &fakeSandbox{err: errors.New("connection reset")}
	_, err := newTool().Execute(context.Background(), sbx, map[string]any{"command": "ls"})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("err = %v", err)
	}
}
