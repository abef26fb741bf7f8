// Package shell implements the execute_command tool.
// All commands run inside the run's sandbox, never on the host.
package shell

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
	"github.com/vitalii-dynamiq/agent007/internal/tools"
)

const (
	// ToolName is the name the model calls the tool by.
	ToolName = "execute_command"

	noOutput = "(command completed with no output)"

	// prelude loads the session credentials and user-installed CLIs.
	prelude = "[ -f \"$HOME/.env_session\" ] && . \"$HOME/.env_session\"\nexport PATH=\"$HOME/.local/bin:$PATH\"\n"
)

// Tool executes shell commands inside a sandbox.
type Tool struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewTool creates the shell tool. A zero timeout uses the backend default.
func NewTool(timeout time.Duration, logger *slog.Logger) *Tool {
	return &Tool{timeout: timeout, logger: logger}
}

func (t *Tool) Name() string { return ToolName }
func (t *Tool) Description() string {
	return "Execute a shell command in the sandbox. The session environment (MCP_* credentials) is loaded " +
		"and ~/.local/bin is on PATH. Returns stdout and stderr; a non-zero exit code is reported as [Exit code N]."
}
func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to execute"},
			"cwd":     map[string]any{"type": "string", "description": "Working directory (default /home/user)"},
		},
		"required": []string{"command"},
	}
}

// Execute runs the command through the sandbox.
//
// Required params:
//
//	"command" (string): the shell command to execute
//
// Optional params:
//
//	"cwd" (string): working directory, default /home/user
func (t *Tool) Execute(ctx context.Context, sbx tools.Sandbox, params map[string]any) (*tools.Result, error) {
	command, err := tools.RequireString(params, "command")
	if err != nil {
		return nil, err
	}
	cwd := tools.OptionalString(params, "cwd", sandbox.HomeDir)

	t.logger.InfoContext(ctx, "shell tool executing",
		slog.String("sandbox_id", sbx.ID()),
		slog.String("command", command),
		slog.String("cwd", cwd),
	)

	result, err := sbx.Run(ctx, sandbox.Command{
		Script:  prelude + command,
		Dir:     cwd,
		Timeout: t.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}

	return &tools.Result{Output: FormatOutput(result)}, nil
}

// FormatOutput renders a command result the way the model sees it:
// stdout and stderr joined by a newline and trimmed, a placeholder when both
// are empty, and an exit code prefix on failure.
func FormatOutput(res *sandbox.CommandResult) string {
	output := strings.TrimSpace(res.Stdout + "\n" + res.Stderr)
	if output == "" {
		output = noOutput
	}
	if res.ExitCode != 0 {
		output = fmt.Sprintf("[Exit code %d]\n%s", res.ExitCode, output)
	}
	return output
}

var _ tools.Tool = (*Tool)(nil)
