// Package agent runs the bounded tool-calling loop: it replays the
// conversation to the model, executes the tools the model requests against
// one sandbox and reports every step as an Event.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vitalii-dynamiq/agent007/internal/llm"
	"github.com/vitalii-dynamiq/agent007/internal/observability"
	"github.com/vitalii-dynamiq/agent007/internal/tools"
)

const (
	// DefaultMaxIterations bounds the number of model round trips per run.
	DefaultMaxIterations = 15
	// DefaultContextResultChars caps a tool result folded back into the conversation.
	DefaultContextResultChars = 8000
	// DefaultEventResultChars caps a tool result carried by a ToolResult event.
	DefaultEventResultChars = 1000

	// MaxIterationsMessage is returned when the loop exhausts its budget.
	MaxIterationsMessage = "Maximum iterations reached. Please try a simpler request."

	contextTruncationMarker = "\n\n... (output truncated)"
	eventTruncationMarker   = "..."
)

// Run outcomes recorded in metrics and spans.
const (
	outcomeCompleted     = "completed"
	outcomeLLMError      = "llm_error"
	outcomeMaxIterations = "max_iterations"
	outcomeCancelled     = "cancelled"
)

// Agent holds the configuration shared by all sessions.
type Agent struct {
	provider      llm.Provider
	registry      *tools.Registry
	systemPrompt  string
	maxIterations int
	contextChars  int
	eventChars    int
	obs           *observability.Observability // nil = observability disabled
	logger        *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithSystemPrompt replaces DefaultSystemPrompt. An empty prompt is ignored.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		if prompt != "" {
			a.systemPrompt = prompt
		}
	}
}

// WithMaxIterations sets the loop budget. Non-positive values keep the default.
func WithMaxIterations(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithResultLimits sets the character caps for tool results in the
// conversation and in events. Non-positive values keep the defaults.
func WithResultLimits(contextChars, eventChars int) Option {
	return func(a *Agent) {
		if contextChars > 0 {
			a.contextChars = contextChars
		}
		if eventChars > 0 {
			a.eventChars = eventChars
		}
	}
}

// WithObservability attaches metrics and tracing.
func WithObservability(obs *observability.Observability) Option {
	return func(a *Agent) { a.obs = obs }
}

// New creates an Agent backed by provider with the built-in tools in registry.
func New(provider llm.Provider, registry *tools.Registry, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		provider:      provider,
		registry:      registry,
		systemPrompt:  DefaultSystemPrompt,
		maxIterations: DefaultMaxIterations,
		contextChars:  DefaultContextResultChars,
		eventChars:    DefaultEventResultChars,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = tools.NewRegistry()
	}
	return a
}

// Registry returns the agent's built-in tool registry.
func (a *Agent) Registry() *tools.Registry { return a.registry }

// Session is one run against one sandbox. It is not safe for concurrent use;
// the sandbox must not be driven by another session at the same time.
type Session struct {
	agent    *Agent
	sandbox  tools.Sandbox
	registry *tools.Registry
	logger   *slog.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRegistry replaces the tool registry for this session only, e.g. with a
// clone extended by proxy tools.
func WithRegistry(reg *tools.Registry) SessionOption {
	return func(s *Session) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithLogger sets the session logger, typically one carrying request attributes.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSession binds the agent to a sandbox for one run.
func (a *Agent) NewSession(sbx tools.Sandbox, opts ...SessionOption) *Session {
	s := &Session{
		agent:    a,
		sandbox:  sbx,
		registry: a.registry,
		logger:   a.logger.With(slog.String("sandbox_id", sbx.ID())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the tool-calling loop for userMessage on top of history and
// returns the final text. Events are passed to emit in the order they occur.
//
// A completion failure ends the run with an Error event and an error text.
// Tool failures become the tool's result and the loop continues. When the
// iteration budget is exhausted MaxIterationsMessage is returned without a
// Message event. A cancelled ctx ends the run before the next iteration.
func (s *Session) Run(ctx context.Context, userMessage string, history []HistoryMessage, emit Emitter) string {
	if emit == nil {
		emit = func(Event) {}
	}
	a := s.agent

	ctx, span := observability.StartSpan(ctx, a.obs.SpanTracer(), "agent.run",
		attribute.String("sandbox.id", s.sandbox.ID()),
		attribute.Int("history.messages", len(history)),
	)
	finish := a.obs.MetricsOrNil().RunStarted()
	outcome, iterations := outcomeCompleted, 0
	defer func() {
		span.SetAttributes(
			attribute.String("agent.outcome", outcome),
			attribute.Int("agent.iterations", iterations),
		)
		span.End()
		finish(outcome, iterations)
	}()

	messages := BuildMessages(a.systemPrompt, history, userMessage)
	defs := tools.ToLLMDefinitions(s.registry)

	for iter := 1; iter <= a.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			outcome = outcomeCancelled
			s.logger.WarnContext(ctx, "agent run cancelled",
				slog.Int("iteration", iter),
				slog.String("error", err.Error()),
			)
			return "Run cancelled: " + err.Error()
		}

		iterations = iter
		emit(Thinking{Iteration: iter})

		resp, err := a.provider.SendMessage(ctx, &llm.Request{Messages: messages, Tools: defs})
		if err != nil {
			outcome = outcomeLLMError
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.ErrorContext(ctx, "completion failed",
				slog.Int("iteration", iter),
				slog.String("error", err.Error()),
			)
			emit(Error{Message: "LLM error: " + err.Error()})
			return "Error calling LLM: " + err.Error()
		}

		if !resp.HasToolUse() {
			emit(Message{Content: resp.Content})
			return resp.Content
		}

		blocks := ensureToolCallIDs(resp.ContentBlocks)
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, ContentBlocks: blocks})

		for _, call := range blocks {
			if call.Type != "tool_use" {
				continue
			}
			emit(ToolCall{ID: call.ID, Name: call.Name, Arguments: encodeArguments(call.Input)})

			result := truncate(s.execute(ctx, call, emit), a.contextChars, contextTruncationMarker)

			emit(ToolResult{ID: call.ID, Name: call.Name, Result: truncate(result, a.eventChars, eventTruncationMarker)})
			messages = append(messages, llm.ToolMessage(call.ID, result))
		}
	}

	outcome = outcomeMaxIterations
	s.logger.WarnContext(ctx, "max iterations reached", slog.Int("max_iterations", a.maxIterations))
	return MaxIterationsMessage
}

// execute runs one tool call and returns its textual result. Artifacts are
// emitted as File events before the result.
func (s *Session) execute(ctx context.Context, call llm.ContentBlock, emit Emitter) string {
	tool := s.registry.Get(call.Name)
	if tool == nil {
		s.logger.WarnContext(ctx, "model requested unknown tool", slog.String("tool", call.Name))
		return "Unknown tool: " + call.Name
	}

	ctx, span := observability.StartSpan(ctx, s.agent.obs.SpanTracer(), "agent.execute_tool",
		attribute.String("tool", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	start := time.Now()
	res, err := tool.Execute(ctx, s.sandbox, call.Input)
	observability.EndSpan(span, err)
	s.agent.obs.MetricsOrNil().RecordToolExecution(call.Name, err, time.Since(start))

	if err != nil {
		s.logger.InfoContext(ctx, "tool failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		return "Error: " + err.Error()
	}
	if res == nil {
		return ""
	}

	if art := res.Artifact; art != nil {
		emit(File{
			Filename:    art.Filename,
			MimeType:    art.MimeType,
			Size:        len(art.Data),
			Data:        base64.StdEncoding.EncodeToString(art.Data),
			Description: art.Description,
		})
	}
	return res.Output
}

// ensureToolCallIDs fills in ids some models omit, so every tool message
// can be matched to its call.
func ensureToolCallIDs(blocks []llm.ContentBlock) []llm.ContentBlock {
	out := make([]llm.ContentBlock, len(blocks))
	copy(out, blocks)
	for i := range out {
		if out[i].Type == "tool_use" && out[i].ID == "" {
			out[i].ID = "call_" + uuid.NewString()
		}
	}
	return out
}

// encodeArguments renders tool input as a JSON object string.
func encodeArguments(input map[string]any) string {
	if input == nil {
		return "{}"
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// truncate cuts s to limit characters and appends marker when it was cut.
func truncate(s string, limit int, marker string) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + marker
}
