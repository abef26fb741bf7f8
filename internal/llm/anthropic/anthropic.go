// Package anthropic implements llm.Provider on the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	messagesPath    = "/v1/messages"
	apiVersion      = "2023-06-01"
	defaultMaxToken = 4096
)

// Client implements llm.Provider using the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Anthropic provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "anthropic" }

// SendMessage sends the conversation to the Messages API.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := toResponse(&apiResp)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "anthropic"),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

// buildRequest lifts system messages into the top-level system field and folds
// each run of tool messages into a single user turn of tool_result blocks, which
// is the shape the Messages API requires.
func (c *Client) buildRequest(req *llm.Request) apiRequest {
	var system []string
	var messages []apiMessage

	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.TextContent())
		case llm.RoleTool:
			blocks := make([]apiContentBlock, 0, len(m.ContentBlocks))
			for _, b := range m.ContentBlocks {
				blocks = append(blocks, toAPIContentBlock(b))
			}
			if n := len(messages); n > 0 && messages[n-1].toolResults {
				prev := messages[n-1].Content.([]apiContentBlock)
				messages[n-1].Content = append(prev, blocks...)
				continue
			}
			messages = append(messages, apiMessage{Role: "user", Content: blocks, toolResults: true})
		default:
			if len(m.ContentBlocks) == 0 {
				messages = append(messages, apiMessage{Role: string(m.Role), Content: m.Content})
				continue
			}
			blocks := make([]apiContentBlock, 0, len(m.ContentBlocks))
			for _, b := range m.ContentBlocks {
				if b.Type == "text" && b.Text == "" {
					continue
				}
				blocks = append(blocks, toAPIContentBlock(b))
			}
			messages = append(messages, apiMessage{Role: string(m.Role), Content: blocks})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}

	apiReq := apiRequest{
		Model:     c.model,
		System:    strings.Join(system, "\n\n"),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	return apiReq
}

func toResponse(apiResp *apiResponse) *llm.Response {
	var text strings.Builder
	var blocks []llm.ContentBlock

	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			blocks = append(blocks, llm.TextBlock(block.Text))
		case "tool_use":
			input, _ := block.Input.(map[string]any)
			blocks = append(blocks, llm.ToolUseBlock(block.ID, block.Name, input))
		}
	}

	return &llm.Response{
		Content:       text.String(),
		ContentBlocks: blocks,
		StopReason:    apiResp.StopReason,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
}

func toAPIContentBlock(b llm.ContentBlock) apiContentBlock {
	block := apiContentBlock{Type: b.Type}
	switch b.Type {
	case "text":
		block.Text = b.Text
	case "tool_use":
		block.ID = b.ID
		block.Name = b.Name
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		block.Input = input
	case "tool_result":
		block.ToolUseID = b.ToolUseID
		block.Content = b.Text
		block.IsError = b.IsError
	}
	return block
}

// --- Anthropic API wire types (unexported) ---

type apiRequest struct {
	Model     string       `json:"model"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
	Tools     []apiTool    `json:"tools,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// apiMessage content is either a string or []apiContentBlock.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`

	toolResults bool
}

type apiContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type apiResponse struct {
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      apiUsage          `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
