// Package openai implements llm.Provider on the OpenAI Chat Completions API.
// Ollama and other OpenAI-compatible servers work through WithBaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
)

// Client implements llm.Provider using the OpenAI Chat Completions API.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	name        string
	temperature *float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// NewClient creates an OpenAI-compatible provider.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// SendMessage sends the conversation to the Chat Completions endpoint.
func (c *Client) SendMessage(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

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
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Int("tool_calls", len(resp.ToolUseBlocks())),
		slog.String("stop_reason", resp.StopReason),
	)

	return resp, nil
}

func (c *Client) buildRequest(req *llm.Request) apiRequest {
	messages := make([]apiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m)...)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiReq := apiRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: c.temperature,
	}

	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Type: "function",
			Function: apiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return apiReq
}

// convertMessage maps one neutral message onto Chat Completions messages.
// Assistant tool_use blocks become tool_calls; every tool_result block becomes
// its own "tool" message.
func convertMessage(m llm.Message) []apiMessage {
	if len(m.ContentBlocks) == 0 {
		return []apiMessage{{Role: string(m.Role), Content: m.Content}}
	}

	if m.Role == llm.RoleAssistant {
		msg := apiMessage{Role: "assistant", Content: m.TextContent()}
		for _, b := range m.ToolUses() {
			args, _ := json.Marshal(b.Input)
			msg.ToolCalls = append(msg.ToolCalls, apiToolCall{
				ID:   b.ID,
				Type: "function",
				Function: apiToolCallFunction{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		}
		return []apiMessage{msg}
	}

	var msgs []apiMessage
	var text string
	for _, b := range m.ContentBlocks {
		switch b.Type {
		case "text":
			text += b.Text
		case "tool_result":
			msgs = append(msgs, apiMessage{
				Role:       "tool",
				Content:    b.Text,
				ToolCallID: b.ToolUseID,
			})
		}
	}
	if text != "" {
		msgs = append([]apiMessage{{Role: string(m.Role), Content: text}}, msgs...)
	}
	return msgs
}

func toResponse(apiResp *apiResponse) *llm.Response {
	usage := llm.Usage{
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}
	if len(apiResp.Choices) == 0 {
		return &llm.Response{Usage: usage}
	}

	choice := apiResp.Choices[0]
	var blocks []llm.ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, llm.TextBlock(choice.Message.Content))
	}

	for _, tc := range choice.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		blocks = append(blocks, llm.ToolUseBlock(id, tc.Function.Name, llm.ParseArguments(tc.Function.Arguments)))
	}

	return &llm.Response{
		Content:       choice.Message.Content,
		ContentBlocks: blocks,
		StopReason:    normalizeFinishReason(choice.FinishReason),
		Usage:         usage,
	}
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "tool_calls":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// --- OpenAI API wire types (unexported) ---

type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	Tools       []apiTool    `json:"tools,omitempty"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiTool struct {
	Type     string      `json:"type"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type apiToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function apiToolCallFunction `json:"function"`
}

type apiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type apiResponse struct {
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
