package agent

import "encoding/json"

// Event types as they appear on the wire.
const (
	EventStatus     = "status"
	EventThinking   = "thinking"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventMessage    = "message"
	EventFile       = "file"
	EventError      = "error"
	EventDone       = "done"
)

// Event is one step of a run reported to the listener. The set of
// implementations is closed; consumers switch on the concrete type or Type().
type Event interface {
	Type() string
	isEvent()
}

// Emitter receives run events in the order they are produced.
type Emitter func(Event)

// Status reports sandbox resolution progress.
type Status struct {
	Message           string `json:"message"`
	SandboxID         string `json:"sandboxId,omitempty"`
	Reused            *bool  `json:"reused,omitempty"`
	Warm              *bool  `json:"warm,omitempty"`
	StateDiscarded    bool   `json:"stateDiscarded,omitempty"`
	PreviousSandboxID string `json:"previousSandboxId,omitempty"`
}

// Thinking marks the start of a model round trip. Iteration is 1-based.
type Thinking struct {
	Iteration int `json:"iteration"`
}

// ToolCall announces a tool invocation requested by the model.
// Arguments is the invocation input re-encoded as a JSON object string.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult carries the (shortened) output of a tool invocation.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Message is the model's final answer.
type Message struct {
	Content string `json:"content"`
}

// File is an artifact the agent returned to the user. Data is base64.
type File struct {
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	Size        int    `json:"size"`
	Data        string `json:"data"`
	Description string `json:"description"`
}

// Error reports a failure that ends the run.
type Error struct {
	Message string `json:"message"`
}

// Done is always the last event of a stream.
type Done struct{}

func (Status) Type() string     { return EventStatus }
func (Thinking) Type() string   { return EventThinking }
func (ToolCall) Type() string   { return EventToolCall }
func (ToolResult) Type() string { return EventToolResult }
func (Message) Type() string    { return EventMessage }
func (File) Type() string       { return EventFile }
func (Error) Type() string      { return EventError }
func (Done) Type() string       { return EventDone }

func (Status) isEvent()     {}
func (Thinking) isEvent()   {}
func (ToolCall) isEvent()   {}
func (ToolResult) isEvent() {}
func (Message) isEvent()    {}
func (File) isEvent()       {}
func (Error) isEvent()      {}
func (Done) isEvent()       {}

// Payload returns the JSON encoding of the event data.
func Payload(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Bool returns a pointer to v, for the optional Status flags.
func Bool(v bool) *bool { return &v }
