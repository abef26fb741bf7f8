// Package tools defines the tool interface and registry the agent loop
// dispatches model tool calls through. Tools act on the run's sandbox.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

// Sandbox is the part of a sandbox handle tools operate on.
// *sandbox.Handle implements it.
type Sandbox interface {
	ID() string
	Run(ctx context.Context, cmd sandbox.Command) (*sandbox.CommandResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

var _ Sandbox = (*sandbox.Handle)(nil)

// Tool is the interface all agent tools implement.
type Tool interface {
	// Name returns the identifier the model calls the tool by (e.g. "execute_command").
	Name() string

	// Description returns a human-readable description sent to the model.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Execute runs the tool against the sandbox. A returned error is turned
	// into the tool's result text by the caller, it never ends the run.
	Execute(ctx context.Context, sbx Sandbox, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output string
	// Artifact is set when the tool hands a file to the user.
	Artifact *Artifact
}

// Artifact is a file delivered to the user alongside the conversation.
type Artifact struct {
	Filename    string
	MimeType    string
	Description string
	Data        []byte
}

// Registry holds available tools keyed by name.
// Thread-safe for concurrent reads; writes happen at startup or on a
// per-run clone.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	if err := r.Add(t); err != nil {
		panic(err.Error())
	}
}

// Add adds a tool, failing on a duplicate name. Used for tools discovered at
// run time.
func (r *Registry) Add(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("duplicate tool registration: %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// All returns all registered tools sorted by name, so the schema sent to the
// model is stable between calls.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns an independent registry with the same tools.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{tools: make(map[string]Tool, len(r.tools))}
	for name, t := range r.tools {
		c.tools[name] = t
	}
	return c
}

// ToLLMDefinitions converts all registered tools into LLM tool definitions.
func ToLLMDefinitions(reg *Registry) []llm.ToolDefinition {
	all := reg.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}

// RequireString extracts a required, non-empty string parameter.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// OptionalString returns params[key] when it is a non-empty string, else def.
func OptionalString(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}
