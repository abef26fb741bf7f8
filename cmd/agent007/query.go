package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/client"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

// Exit codes for the query and warm commands.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitRejected    = 2
	ExitUnavailable = 3
)

const toolResultPreview = 200

var (
	queryMessage   string
	queryServerURL string
	queryAPIKey    string
	queryStream    bool
	queryTimeout   int
	queryUserID    string
	querySession   string
	queryConvID    string
	querySandboxID string
	queryProxyURL  string
	queryFiles     []string
	querySaveDir   string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send a one-shot request to a running agent007 server",
	Long: `Send a message to an agent007 server and print the answer.

With --stream the run is rendered event by event: status and tool activity
go to stderr, the final answer to stdout. Files returned by the agent are
saved under --save-dir.

Examples:
  agent007 query -m "list the files in my home directory"
  agent007 query -m "summarise data.csv" --file ./data.csv --stream
  agent007 query -m "continue" --sandbox-id sbx-1a2b --stream

Exit codes:
  0  success
  1  run failed
  2  request rejected (unauthorized, rate limited, sandbox busy)
  3  server unavailable`,
	RunE: runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.StringVarP(&queryMessage, "message", "m", "", "message to send (required)")
	f.StringVar(&queryServerURL, "server-url", "http://localhost:8000", "agent007 server URL (or AGENT007_URL env)")
	f.StringVar(&queryAPIKey, "api-key", "", "API key (or AGENT007_API_KEY env)")
	f.BoolVar(&queryStream, "stream", false, "stream events via SSE")
	f.IntVar(&queryTimeout, "timeout", 600, "timeout in seconds")
	f.StringVar(&queryUserID, "user-id", "", "user ID the sandbox belongs to")
	f.StringVar(&querySession, "session-token", "", "session token exported into the sandbox")
	f.StringVar(&queryConvID, "conversation-id", "", "conversation ID")
	f.StringVar(&querySandboxID, "sandbox-id", "", "reconnect to an existing sandbox")
	f.StringVar(&queryProxyURL, "proxy-url", "", "MCP proxy URL for per-user tools")
	f.StringArrayVar(&queryFiles, "file", nil, "local file to upload into the sandbox (repeatable)")
	f.StringVar(&querySaveDir, "save-dir", ".", "directory for files returned by the agent")

	_ = queryCmd.MarkFlagRequired("message")
}

func runQuery(_ *cobra.Command, _ []string) error {
	if strings.TrimSpace(queryMessage) == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	req := &stream.Request{
		Message:        queryMessage,
		UserID:         queryUserID,
		SessionToken:   querySession,
		ConversationID: queryConvID,
		SandboxID:      querySandboxID,
		ProxyURL:       queryProxyURL,
	}
	for _, path := range queryFiles {
		up, err := loadUpload(path)
		if err != nil {
			return err
		}
		req.Files = append(req.Files, up)
	}

	c := newAPIClient(queryServerURL, queryAPIKey, time.Duration(queryTimeout)*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	if !queryStream {
		resp, err := c.Run(ctx, req)
		if err != nil {
			exitOnError(err)
		}
		fmt.Println(resp.Response)
		if resp.SandboxID != "" {
			fmt.Fprintf(os.Stderr, "\n[sandbox_id=%s]\n", resp.SandboxID)
		}
		return nil
	}

	r := &renderer{out: os.Stdout, errOut: os.Stderr, saveDir: querySaveDir}
	if err := c.RunStream(ctx, req, r.render); err != nil {
		exitOnError(err)
	}
	if r.failed {
		os.Exit(ExitFailure)
	}
	return nil
}

func newAPIClient(serverURL, apiKey string, timeout time.Duration) *client.Client {
	return client.New(
		goutils.Env("AGENT007_URL", serverURL),
		client.WithAPIKey(goutils.Env("AGENT007_API_KEY", apiKey)),
		client.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
}

// loadUpload reads a local file into a run attachment.
func loadUpload(path string) (sandbox.Upload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sandbox.Upload{}, fmt.Errorf("reading %s: %w", path, err)
	}
	name := filepath.Base(path)
	typ := mime.TypeByExtension(filepath.Ext(name))
	if typ == "" {
		typ = "application/octet-stream"
	}
	return sandbox.Upload{
		Name: name,
		Size: int64(len(data)),
		Type: typ,
		Data: base64.StdEncoding.EncodeToString(data),
	}, nil
}

// exitOnError maps client errors to the command's exit codes.
func exitOnError(err error) {
	var se *client.StatusError
	switch {
	case errors.As(err, &se):
		fmt.Fprintf(os.Stderr, "Error: %s\n", se.Message)
		switch se.Code {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusConflict, http.StatusBadRequest:
			os.Exit(ExitRejected)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			os.Exit(ExitUnavailable)
		}
		os.Exit(ExitFailure)
	case errors.Is(err, io.ErrUnexpectedEOF):
		fmt.Fprintln(os.Stderr, "Error: stream ended before the run finished")
		os.Exit(ExitFailure)
	default:
		fmt.Fprintf(os.Stderr, "Error: cannot reach server: %v\n", err)
		os.Exit(ExitUnavailable)
	}
}

// renderer prints a run's events for a terminal.
type renderer struct {
	out     io.Writer
	errOut  io.Writer
	saveDir string
	failed  bool
}

func (r *renderer) render(e client.Event) error {
	switch e.Type {
	case agent.EventStatus:
		var s agent.Status
		if err := e.Decode(&s); err != nil {
			return err
		}
		line := s.Message
		if s.SandboxID != "" {
			line += " (" + s.SandboxID + ")"
		}
		if s.StateDiscarded {
			line += fmt.Sprintf(" [previous sandbox %s expired, state discarded]", s.PreviousSandboxID)
		}
		fmt.Fprintf(r.errOut, "[status] %s\n", line)
	case agent.EventThinking:
		var t agent.Thinking
		if err := e.Decode(&t); err != nil {
			return err
		}
		fmt.Fprintf(r.errOut, "[thinking] iteration %d\n", t.Iteration)
	case agent.EventToolCall:
		var tc agent.ToolCall
		if err := e.Decode(&tc); err != nil {
			return err
		}
		fmt.Fprintf(r.errOut, "[tool: %s] %s\n", tc.Name, tc.Arguments)
	case agent.EventToolResult:
		var tr agent.ToolResult
		if err := e.Decode(&tr); err != nil {
			return err
		}
		fmt.Fprintf(r.errOut, "[result: %s] %s\n", tr.Name, preview(tr.Result, toolResultPreview))
	case agent.EventFile:
		var f agent.File
		if err := e.Decode(&f); err != nil {
			return err
		}
		path, err := r.saveFile(f)
		if err != nil {
			fmt.Fprintf(r.errOut, "[file] %s: %v\n", f.Filename, err)
			return nil
		}
		fmt.Fprintf(r.errOut, "[file] %s saved to %s (%d bytes)\n", f.Filename, path, f.Size)
	case agent.EventMessage:
		var m agent.Message
		if err := e.Decode(&m); err != nil {
			return err
		}
		fmt.Fprintln(r.out, m.Content)
	case agent.EventError:
		var er agent.Error
		if err := e.Decode(&er); err != nil {
			return err
		}
		fmt.Fprintf(r.errOut, "Error: %s\n", er.Message)
		r.failed = true
	}
	return nil
}

func (r *renderer) saveFile(f agent.File) (string, error) {
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return "", fmt.Errorf("decoding: %w", err)
	}
	if err := os.MkdirAll(r.saveDir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(r.saveDir, filepath.Base(f.Filename))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
