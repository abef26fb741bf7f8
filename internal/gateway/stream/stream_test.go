package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/llm"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
	"github.com/vitalii-dynamiq/agent007/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- fakes ---

type stubBackend struct {
	sandbox.Backend
}

func (stubBackend) Name() string { return "stub" }

type fakeProvisioner struct {
	mu         sync.Mutex
	resolution *sandbox.Resolution
	resolveErr error
	resolved   []string
	refreshed  []string
	refreshErr error
	uploaded   int
	released   []string
	torndown   []string
}

func (f *fakeProvisioner) Resolve(_ context.Context, id string, _ sandbox.Credentials) (*sandbox.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, id)
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	if f.resolution != nil {
		return f.resolution, nil
	}
	if id != "" {
		return &sandbox.Resolution{Handle: newHandle(id), Reused: true}, nil
	}
	return &sandbox.Resolution{Handle: newHandle("sbx-new")}, nil
}

func (f *fakeProvisioner) Refresh(_ context.Context, h *sandbox.Handle, _ sandbox.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, h.ID())
	return f.refreshErr
}

func (f *fakeProvisioner) Upload(_ context.Context, _ *sandbox.Handle, files []sandbox.Upload) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded += len(files)
	return nil
}

func (f *fakeProvisioner) Release(_ context.Context, h *sandbox.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h.ID())
}

func (f *fakeProvisioner) Teardown(_ context.Context, h *sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.torndown = append(f.torndown, h.ID())
	return nil
}

func newHandle(id string) *sandbox.Handle {
	return sandbox.NewHandle(stubBackend{}, id, time.Now())
}

type fakeWarmer struct {
	mu      sync.Mutex
	handles map[string]*sandbox.Handle
}

func (w *fakeWarmer) Claim(owner string) (*sandbox.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[owner]
	delete(w.handles, owner)
	return h, ok
}

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) SendMessage(context.Context, *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	i := min(p.calls-1, len(p.responses)-1)
	return p.responses[i], nil
}

// blockingProvider waits for cancellation.
type blockingProvider struct {
	cancelled chan struct{}
}

func (p *blockingProvider) Name() string { return "blocking" }

func (p *blockingProvider) SendMessage(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	close(p.cancelled)
	return nil, ctx.Err()
}

type echoTool struct{ output string }

func (echoTool) Name() string                { return "execute_command" }
func (echoTool) Description() string         { return "run" }
func (echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (e echoTool) Execute(context.Context, tools.Sandbox, map[string]any) (*tools.Result, error) {
	return &tools.Result{Output: e.output}, nil
}

func newAgent(p llm.Provider, opts ...agent.Option) *agent.Agent {
	reg := tools.NewRegistry()
	reg.Register(echoTool{output: "a.txt\nb.txt"})
	return agent.New(p, reg, discardLogger(), opts...)
}

type collector struct {
	events []agent.Event
}

func (c *collector) emit(e agent.Event) error {
	c.events = append(c.events, e)
	return nil
}

func (c *collector) types() string {
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type()
	}
	return strings.Join(out, ",")
}

func textResponse(s string) *llm.Response {
	return &llm.Response{Content: s, ContentBlocks: []llm.ContentBlock{llm.TextBlock(s)}}
}

func toolResponse() *llm.Response {
	return &llm.Response{ContentBlocks: []llm.ContentBlock{
		llm.ToolUseBlock("call_1", "execute_command", map[string]any{"command": "ls"}),
	}}
}

// --- tests ---

func TestStream_EventOrder(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{toolResponse(), textResponse("Found 2 files: a.txt, b.txt")}}
	prov := &fakeProvisioner{}
	s := New(newAgent(p), prov, discardLogger())
	col := &collector{}

	res, err := s.Stream(context.Background(), &Request{Message: "list files", UserID: "u1"}, col.emit)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	want := "status,status,thinking,tool_call,tool_result,thinking,message,done"
	if col.types() != want {
		t.Errorf("events = %s\nwant     %s", col.types(), want)
	}
	if res.Response != "Found 2 files: a.txt, b.txt" || res.SandboxID != "sbx-new" {
		t.Errorf("result = %+v", res)
	}
	if got := col.events[0].(agent.Status).Message; got != "Creating sandbox..." {
		t.Errorf("first status = %q", got)
	}
	ready := col.events[1].(agent.Status)
	if ready.Message != "Sandbox ready" || *ready.Reused || *ready.Warm {
		t.Errorf("ready status = %+v", ready)
	}
	if len(prov.released) != 1 || prov.released[0] != "sbx-new" {
		t.Errorf("released = %v", prov.released)
	}
	if s.Busy("sbx-new") {
		t.Error("sandbox still marked busy after the run")
	}
}

func TestStream_ClaimsWarmSandbox(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	prov := &fakeProvisioner{}
	warm := &fakeWarmer{handles: map[string]*sandbox.Handle{"u1": newHandle("warm-1")}}
	s := New(newAgent(p), prov, discardLogger(), WithWarmPool(warm))
	col := &collector{}

	res, err := s.Stream(context.Background(), &Request{Message: "hello", UserID: "u1"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}

	if got := col.events[0].(agent.Status).Message; got != "Connecting to warm sandbox..." {
		t.Errorf("first status = %q", got)
	}
	ready := col.events[1].(agent.Status)
	if ready.SandboxID != "warm-1" || ready.Warm == nil || !*ready.Warm || !*ready.Reused {
		t.Errorf("ready status = %+v", ready)
	}
	if res.SandboxID != "warm-1" {
		t.Errorf("sandbox = %s, want warm-1", res.SandboxID)
	}
	if len(prov.resolved) != 0 {
		t.Errorf("Resolve called for a warm claim: %v", prov.resolved)
	}
	if len(prov.refreshed) != 1 {
		t.Errorf("refreshed = %v", prov.refreshed)
	}
}

func TestStream_WarmRefreshFailureCreatesFresh(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	prov := &fakeProvisioner{refreshErr: errors.New("exec failed")}
	warm := &fakeWarmer{handles: map[string]*sandbox.Handle{"u1": newHandle("warm-1")}}
	s := New(newAgent(p), prov, discardLogger(), WithWarmPool(warm))
	col := &collector{}

	res, err := s.Stream(context.Background(), &Request{Message: "hello", UserID: "u1"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}

	if len(prov.torndown) != 1 || prov.torndown[0] != "warm-1" {
		t.Errorf("torn down = %v, want [warm-1]", prov.torndown)
	}
	if len(prov.resolved) != 1 || prov.resolved[0] != "" {
		t.Errorf("resolved = %q, want one fresh resolve", prov.resolved)
	}
	for _, id := range prov.released {
		if id == "warm-1" {
			t.Error("failed warm sandbox was released instead of torn down")
		}
	}
	if res.SandboxID != "sbx-new" {
		t.Errorf("sandbox = %s, want sbx-new", res.SandboxID)
	}
	var ready *agent.Status
	for _, e := range col.events {
		if st, ok := e.(agent.Status); ok && st.Message == "Sandbox ready" {
			ready = &st
		}
	}
	if ready == nil || ready.SandboxID != "sbx-new" || ready.Warm == nil || *ready.Warm {
		t.Errorf("ready status = %+v", ready)
	}
}

func TestStream_ExplicitSandboxSkipsPool(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	prov := &fakeProvisioner{}
	warm := &fakeWarmer{handles: map[string]*sandbox.Handle{"u1": newHandle("warm-1")}}
	s := New(newAgent(p), prov, discardLogger(), WithWarmPool(warm))
	col := &collector{}

	res, err := s.Stream(context.Background(), &Request{Message: "again", UserID: "u1", SandboxID: "sbx-9"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}
	if got := col.events[0].(agent.Status); got.Message != "Reconnecting to sandbox..." || got.SandboxID != "sbx-9" {
		t.Errorf("first status = %+v", got)
	}
	if ready := col.events[1].(agent.Status); !*ready.Reused || *ready.Warm {
		t.Errorf("ready status = %+v", ready)
	}
	if res.SandboxID != "sbx-9" {
		t.Errorf("sandbox = %s", res.SandboxID)
	}
	if _, ok := warm.handles["u1"]; !ok {
		t.Error("warm entry claimed although a sandbox id was given")
	}
}

func TestStream_StateDiscardedIsReported(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	prov := &fakeProvisioner{resolution: &sandbox.Resolution{
		Handle:         newHandle("sbx-fresh"),
		StateDiscarded: true,
		PreviousID:     "sbx-gone",
	}}
	col := &collector{}

	_, err := New(newAgent(p), prov, discardLogger()).Stream(context.Background(),
		&Request{Message: "hi", SandboxID: "sbx-gone"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}
	ready := col.events[1].(agent.Status)
	if !ready.StateDiscarded || ready.PreviousSandboxID != "sbx-gone" || ready.SandboxID != "sbx-fresh" || *ready.Reused {
		t.Errorf("ready status = %+v", ready)
	}
}

func TestStream_IdleTimeout(t *testing.T) {
	p := &blockingProvider{cancelled: make(chan struct{})}
	prov := &fakeProvisioner{}
	s := New(newAgent(p), prov, discardLogger(), WithIdleTimeout(50*time.Millisecond))
	col := &collector{}

	res, err := s.Stream(context.Background(), &Request{Message: "slow"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}

	if col.types() != "status,status,thinking,error,done" {
		t.Fatalf("events = %s", col.types())
	}
	if msg := col.events[3].(agent.Error).Message; msg != "Agent timeout" {
		t.Errorf("error = %q", msg)
	}
	if !res.TimedOut || res.Response != TimeoutMessage {
		t.Errorf("result = %+v", res)
	}
	select {
	case <-p.cancelled:
	case <-time.After(time.Second):
		t.Error("run was not cancelled after the timeout")
	}
	if len(prov.released) != 1 {
		t.Error("sandbox not released after timeout")
	}
}

func TestStream_FinalTextWithoutMessageEvent(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{toolResponse()}}
	col := &collector{}
	a := newAgent(p, agent.WithMaxIterations(2))

	res, err := New(a, &fakeProvisioner{}, discardLogger()).Stream(context.Background(), &Request{Message: "loop"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}
	n := len(col.events)
	msg, ok := col.events[n-2].(agent.Message)
	if !ok || msg.Content != agent.MaxIterationsMessage {
		t.Fatalf("second to last event = %#v", col.events[n-2])
	}
	if col.events[n-1].Type() != agent.EventDone || res.Response != agent.MaxIterationsMessage {
		t.Errorf("events = %s, result = %q", col.types(), res.Response)
	}
}

func TestStream_LLMErrorHasNoExtraMessage(t *testing.T) {
	p := &scriptedProvider{err: errors.New("boom")}
	col := &collector{}

	res, err := New(newAgent(p), &fakeProvisioner{}, discardLogger()).Stream(context.Background(), &Request{Message: "hi"}, col.emit)
	if err != nil {
		t.Fatal(err)
	}
	if col.types() != "status,status,thinking,error,done" {
		t.Errorf("events = %s", col.types())
	}
	if res.Response != "Error calling LLM: boom" {
		t.Errorf("response = %q", res.Response)
	}
}

func TestStream_BusySandbox(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	s := New(newAgent(p), &fakeProvisioner{}, discardLogger())
	s.acquire("sbx-1")
	col := &collector{}

	_, err := s.Stream(context.Background(), &Request{Message: "hi", SandboxID: "sbx-1"}, col.emit)
	if !errors.Is(err, ErrSandboxBusy) {
		t.Fatalf("err = %v, want ErrSandboxBusy", err)
	}
	if len(col.events) != 0 {
		t.Errorf("events emitted for a busy sandbox: %s", col.types())
	}

	s.release("sbx-1")
	if _, err := s.Stream(context.Background(), &Request{Message: "hi", SandboxID: "sbx-1"}, col.emit); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestReserve(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("hi")}}
	s := New(newAgent(p), &fakeProvisioner{}, discardLogger())

	release, ok := s.Reserve("sbx-1")
	if !ok {
		t.Fatal("Reserve failed on an idle sandbox")
	}
	if _, ok := s.Reserve("sbx-1"); ok {
		t.Error("second Reserve succeeded")
	}
	if _, err := s.Stream(context.Background(), &Request{Message: "hi", SandboxID: "sbx-1"}, (&collector{}).emit); !errors.Is(err, ErrSandboxBusy) {
		t.Errorf("run on reserved sandbox: err = %v", err)
	}

	release()
	if s.Busy("sbx-1") {
		t.Error("sandbox busy after release")
	}
}

func TestStream_ResolveFailure(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("never")}}
	prov := &fakeProvisioner{resolveErr: errors.New("quota exceeded")}
	col := &collector{}

	_, err := New(newAgent(p), prov, discardLogger()).Stream(context.Background(), &Request{Message: "hi"}, col.emit)
	if err == nil {
		t.Fatal("expected error")
	}
	if col.types() != "status,error,done" {
		t.Errorf("events = %s", col.types())
	}
	if p.calls != 0 {
		t.Error("model called without a sandbox")
	}
}

func TestStream_EmitFailureStopsRun(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{toolResponse()}}
	writeErr := errors.New("client gone")
	var n int
	emit := func(e agent.Event) error {
		n++
		if e.Type() == agent.EventThinking {
			return writeErr
		}
		return nil
	}
	prov := &fakeProvisioner{}

	_, err := New(newAgent(p), prov, discardLogger()).Stream(context.Background(), &Request{Message: "hi"}, emit)
	if !errors.Is(err, writeErr) {
		t.Fatalf("err = %v", err)
	}
	if n != 3 {
		t.Errorf("emit called %d times after the failure, want 3 in total", n)
	}
	if len(prov.released) != 1 {
		t.Error("sandbox not released")
	}
}

func TestStream_UploadsFiles(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{textResponse("ok")}}
	prov := &fakeProvisioner{}
	req := &Request{Message: "see attached", Files: []sandbox.Upload{{Name: "a.csv", Data: "YQ=="}}}

	if _, err := New(newAgent(p), prov, discardLogger()).Stream(context.Background(), req, (&collector{}).emit); err != nil {
		t.Fatal(err)
	}
	if prov.uploaded != 1 {
		t.Errorf("uploaded = %d", prov.uploaded)
	}
}

func TestRequest_Validate(t *testing.T) {
	if err := (&Request{Message: "  "}).Validate(); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("blank message: %v", err)
	}
	if err := (&Request{Message: "hi"}).Validate(); err != nil {
		t.Errorf("valid request: %v", err)
	}
}
