// Package mcp bridges the per-user MCP proxy into the agent's tool registry.
// A run that carries a proxy URL connects to it with the session token,
// discovers its tools and exposes them next to the built-in sandbox tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/vitalii-dynamiq/agent007/internal/tools"
)

// namePrefix keeps proxy tools from colliding with built-in ones.
const namePrefix = "mcp__"

const defaultConnectTimeout = 15 * time.Second

// --- Tool: adapts a single MCP tool into tools.Tool ---

// Tool wraps a tool discovered on the proxy. The sandbox argument is unused;
// proxy tools run remotely on behalf of the user.
type Tool struct {
	name         string
	originalName string
	description  string
	inputSchema  map[string]any
	client       mcpclient.MCPClient
	logger       *slog.Logger
}

func (t *Tool) Name() string                { return t.name }
func (t *Tool) Description() string         { return t.description }
func (t *Tool) InputSchema() map[string]any { return t.inputSchema }

func (t *Tool) Execute(ctx context.Context, _ tools.Sandbox, params map[string]any) (*tools.Result, error) {
	t.logger.InfoContext(ctx, "mcp tool executing", slog.String("tool", t.originalName))

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.originalName
	callReq.Params.Arguments = params

	callResult, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		return nil, fmt.Errorf("MCP call to %s failed: %w", t.originalName, err)
	}

	output := formatContent(callResult.Content)
	if callResult.IsError {
		return nil, fmt.Errorf("%s", output)
	}
	return &tools.Result{Output: output}, nil
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// Non-text content (image, audio, resource) is passed on as JSON.
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

// --- Bridge: per-run proxy connections ---

// Bridge opens proxy connections for runs.
type Bridge struct {
	clientName     string
	clientVersion  string
	connectTimeout time.Duration
	logger         *slog.Logger
}

// NewBridge creates a bridge. version is reported in the MCP handshake.
func NewBridge(version string, connectTimeout time.Duration, logger *slog.Logger) *Bridge {
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	return &Bridge{
		clientName:     "agent007",
		clientVersion:  version,
		connectTimeout: connectTimeout,
		logger:         logger,
	}
}

// Connection is one proxy session and the tools discovered on it.
type Connection struct {
	client *mcpclient.Client
	tools  []*Tool
	logger *slog.Logger
}

// Connect performs the MCP handshake against proxyURL using the session
// token as a bearer credential and lists the proxy's tools.
func (b *Bridge) Connect(ctx context.Context, proxyURL, sessionToken string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	var opts []transport.StreamableHTTPCOption
	if sessionToken != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + sessionToken,
		}))
	}
	c, err := mcpclient.NewStreamableHttpClient(proxyURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    b.clientName,
		Version: b.clientVersion,
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP list tools: %w", err)
	}

	conn := &Connection{client: c, logger: b.logger}
	for _, t := range listResp.Tools {
		conn.tools = append(conn.tools, &Tool{
			name:         namePrefix + t.Name,
			originalName: t.Name,
			description:  "[MCP] " + t.Description,
			inputSchema:  convertInputSchema(t.InputSchema),
			client:       c,
			logger:       b.logger,
		})
	}

	b.logger.InfoContext(ctx, "MCP proxy connected",
		slog.String("url", proxyURL),
		slog.Int("tools_discovered", len(conn.tools)),
	)
	return conn, nil
}

// Extend returns a clone of base with the connection's tools added.
// Tools whose names are already taken are skipped.
func (c *Connection) Extend(base *tools.Registry) *tools.Registry {
	reg := base.Clone()
	for _, t := range c.tools {
		if err := reg.Add(t); err != nil {
			c.logger.Warn("skipping MCP tool", slog.String("tool", t.originalName), slog.String("error", err.Error()))
		}
	}
	return reg
}

// Tools returns the discovered tools.
func (c *Connection) Tools() []*Tool { return c.tools }

// Close shuts down the proxy session.
func (c *Connection) Close() {
	if err := c.client.Close(); err != nil {
		c.logger.Error("closing MCP client", slog.String("error", err.Error()))
	}
}

// convertInputSchema converts the MCP ToolInputSchema to the map form the
// registry sends to the model.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	typ := schema.Type
	if typ == "" {
		typ = "object"
	}
	result := map[string]any{"type": typ}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	} else {
		result["properties"] = map[string]any{}
	}
	if len(schema.Required) > 0 {
		req := make([]any, len(schema.Required))
		for i, r := range schema.Required {
			req[i] = r
		}
		result["required"] = req
	}
	return result
}

var _ tools.Tool = (*Tool)(nil)
