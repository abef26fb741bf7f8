// Package llm defines the provider-agnostic interface for chat completions with tool use.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Provider is the abstraction over any completion backend (OpenAI, Anthropic, Ollama).
type Provider interface {
	// SendMessage sends a conversation to the model and returns its response.
	SendMessage(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Request represents a full conversation sent to the model.
type Request struct {
	Messages  []Message
	MaxTokens int
	Tools     []ToolDefinition // nil = no tool use
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Role identifies who sent a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in the conversation.
// Either Content (plain text) or ContentBlocks (structured) should be set, not both.
// A tool message carries exactly one tool_result block.
type Message struct {
	Role          Role
	Content       string
	ContentBlocks []ContentBlock
}

// TextContent returns the concatenated text from all text blocks,
// or the plain Content field if no blocks are present.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, b := range m.ContentBlocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the message in declaration order.
func (m *Message) ToolUses() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range m.ContentBlocks {
		if b.Type == "tool_use" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text block fields
	Text string `json:"text,omitempty"`

	// tool_use block fields
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolUseBlock creates a tool_use content block. A nil input is stored as an empty object.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	if input == nil {
		input = map[string]any{}
	}
	return ContentBlock{Type: "tool_use", ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: "tool_result", ToolUseID: toolUseID, Text: content, IsError: isError}
}

// SystemMessage returns a system-role message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage returns a plain user-role message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// ToolMessage returns a tool-role message answering the tool call with the given id.
func ToolMessage(toolUseID, content string) Message {
	return Message{
		Role:          RoleTool,
		ContentBlocks: []ContentBlock{ToolResultBlock(toolUseID, content, false)},
	}
}

// ParseArguments decodes raw tool-call arguments.
// Malformed or non-object JSON yields an empty map.
func ParseArguments(raw string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

// Response is what the model returns.
type Response struct {
	Content       string         // Concatenated text content.
	ContentBlocks []ContentBlock // Full structured response including tool_use blocks.
	Usage         Usage
	StopReason    string // "end_turn", "tool_use", "max_tokens"
}

// HasToolUse reports whether the model requested at least one tool invocation.
// Some providers report "end_turn" alongside tool calls, so the blocks decide.
func (r *Response) HasToolUse() bool {
	return len(r.ToolUseBlocks()) > 0
}

// ToolUseBlocks returns only the tool_use content blocks from the response.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == "tool_use" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
