// Package file implements the sandbox file tools:
//   - write_file: create or overwrite a file
//   - read_file: return a file's text
//   - return_file: hand a file to the user as a downloadable artifact
//
// Paths are interpreted inside the sandbox; the backend confines them.
package file

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/vitalii-dynamiq/agent007/internal/tools"
)

// Config configures the file tools.
type Config struct {
	MaxFileSizeBytes int64 // Maximum size returned by read_file and return_file. 0 = 10 MB default.
}

const defaultMaxFileSize = 10 << 20 // 10 MB

func maxSize(cfg Config) int64 {
	if cfg.MaxFileSizeBytes > 0 {
		return cfg.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// --- write_file ---

// WriteTool writes content to a sandbox file.
type WriteTool struct {
	logger *slog.Logger
}

func NewWriteTool(logger *slog.Logger) *WriteTool { return &WriteTool{logger: logger} }

func (t *WriteTool) Name() string { return "write_file" }
func (t *WriteTool) Description() string {
	return "Write content to a file in the sandbox, creating parent directories as needed."
}
func (t *WriteTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path, e.g. /home/user/report.md"},
			"content": map[string]any{"type": "string", "description": "Content to write"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, sbx tools.Sandbox, params map[string]any) (*tools.Result, error) {
	p, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, fmt.Errorf("parameter content must be a string, got %T", params["content"])
	}

	if err := sbx.WriteFile(ctx, p, []byte(content)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", p, err)
	}
	t.logger.InfoContext(ctx, "file written",
		slog.String("sandbox_id", sbx.ID()),
		slog.String("path", p),
		slog.Int("bytes", len(content)),
	)
	return &tools.Result{Output: fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), p)}, nil
}

// --- read_file ---

// ReadTool returns the text of a sandbox file.
type ReadTool struct {
	config Config
}

func NewReadTool(cfg Config) *ReadTool { return &ReadTool{config: cfg} }

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read the contents of a file in the sandbox." }
func (t *ReadTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, sbx tools.Sandbox, params map[string]any) (*tools.Result, error) {
	p, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	data, err := sbx.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	if int64(len(data)) > maxSize(t.config) {
		return nil, fmt.Errorf("file %s is %d bytes, exceeds limit of %d bytes", p, len(data), maxSize(t.config))
	}
	return &tools.Result{Output: string(data)}, nil
}

// --- return_file ---

// ReturnTool sends a sandbox file to the user.
type ReturnTool struct {
	config Config
	logger *slog.Logger
}

func NewReturnTool(cfg Config, logger *slog.Logger) *ReturnTool {
	return &ReturnTool{config: cfg, logger: logger}
}

func (t *ReturnTool) Name() string { return "return_file" }
func (t *ReturnTool) Description() string {
	return "Send a file from the sandbox to the user for download (reports, charts, exports). " +
		"Use this after creating the file."
}
func (t *ReturnTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string", "description": "Path of the file to send"},
			"description": map[string]any{"type": "string", "description": "Short description shown to the user"},
		},
		"required": []string{"path"},
	}
}

func (t *ReturnTool) Execute(ctx context.Context, sbx tools.Sandbox, params map[string]any) (*tools.Result, error) {
	p, err := tools.RequireString(params, "path")
	if err != nil {
		return nil, err
	}
	data, err := sbx.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	if int64(len(data)) > maxSize(t.config) {
		return nil, fmt.Errorf("file %s is %d bytes, exceeds limit of %d bytes", p, len(data), maxSize(t.config))
	}

	name := path.Base(p)
	description := tools.OptionalString(params, "description", "File: "+name)

	t.logger.InfoContext(ctx, "file returned to user",
		slog.String("sandbox_id", sbx.ID()),
		slog.String("path", p),
		slog.Int("bytes", len(data)),
	)

	return &tools.Result{
		Output: fmt.Sprintf("File '%s' (%d bytes) has been sent to the user for download.", name, len(data)),
		Artifact: &tools.Artifact{
			Filename:    name,
			MimeType:    MimeType(name),
			Description: description,
			Data:        data,
		},
	}, nil
}

var mimeTypes = map[string]string{
	"csv":  "text/csv",
	"json": "application/json",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"html": "text/html",
	"png":  "image/png",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"pdf":  "application/pdf",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"xls":  "application/vnd.ms-excel",
	"zip":  "application/zip",
}

// MimeType maps a filename extension to a MIME type,
// defaulting to application/octet-stream.
func MimeType(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if m, ok := mimeTypes[ext]; ok {
		return m
	}
	return "application/octet-stream"
}

var (
	_ tools.Tool = (*WriteTool)(nil)
	_ tools.Tool = (*ReadTool)(nil)
	_ tools.Tool = (*ReturnTool)(nil)
)
