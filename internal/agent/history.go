package agent

import (
	"encoding/json"
	"strings"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
)

// noResult stands in for a tool call whose result was never recorded.
const noResult = "(no result)"

// HistoryMessage is one persisted conversation turn supplied by the caller.
type HistoryMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// ToolCallRecord is a tool invocation recorded on an assistant turn.
// Arguments is accepted either as a JSON-encoded string or as an object.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
}

// Input decodes Arguments into a map. Anything that is not a JSON object,
// directly or inside a string, decodes to an empty map.
func (r ToolCallRecord) Input() map[string]any {
	raw := strings.TrimSpace(string(r.Arguments))
	if raw == "" || raw == "null" {
		return map[string]any{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return map[string]any{}
		}
		return llm.ParseArguments(s)
	}
	return llm.ParseArguments(raw)
}

// BuildMessages assembles the conversation sent to the model: the system
// prompt, the replayed history and the new user message.
//
// Every tool call on a replayed assistant turn is immediately followed by one
// tool message with the same id, in declaration order, carrying the recorded
// result or a placeholder. Tool-role items in history are dropped because the
// pairing is rebuilt from the assistant turns.
func BuildMessages(systemPrompt string, history []HistoryMessage, userMessage string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.SystemMessage(systemPrompt))

	for _, h := range history {
		switch llm.Role(h.Role) {
		case llm.RoleAssistant:
			msgs = appendAssistant(msgs, h)
		case llm.RoleTool:
			// rebuilt from the assistant turn's tool calls
		case llm.RoleSystem:
			msgs = append(msgs, llm.SystemMessage(h.Content))
		default:
			msgs = append(msgs, llm.UserMessage(h.Content))
		}
	}

	return append(msgs, llm.UserMessage(userMessage))
}

func appendAssistant(msgs []llm.Message, h HistoryMessage) []llm.Message {
	if len(h.ToolCalls) == 0 {
		return append(msgs, llm.Message{Role: llm.RoleAssistant, Content: h.Content})
	}

	blocks := make([]llm.ContentBlock, 0, len(h.ToolCalls)+1)
	if h.Content != "" {
		blocks = append(blocks, llm.TextBlock(h.Content))
	}
	for _, tc := range h.ToolCalls {
		blocks = append(blocks, llm.ToolUseBlock(tc.ID, tc.Name, tc.Input()))
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ContentBlocks: blocks})

	for _, tc := range h.ToolCalls {
		result := tc.Result
		if result == "" {
			result = noResult
		}
		msgs = append(msgs, llm.ToolMessage(tc.ID, result))
	}
	return msgs
}
