package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vitalii-dynamiq/agent007/internal/agent"
	"github.com/vitalii-dynamiq/agent007/internal/gateway/stream"
	"github.com/vitalii-dynamiq/agent007/internal/observability"
	"github.com/vitalii-dynamiq/agent007/internal/pool"
	"github.com/vitalii-dynamiq/agent007/internal/ratelimit"
	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu     sync.Mutex
	events []agent.Event
	result *stream.Result
	err    error
	got    *stream.Request
	busy   map[string]bool
	held   map[string]bool
}

func (f *fakeRunner) Stream(_ context.Context, req *stream.Request, emit func(agent.Event) error) (*stream.Result, error) {
	f.mu.Lock()
	f.got = req
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, e := range f.events {
		if err := emit(e); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func (f *fakeRunner) Reserve(id string) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[id] || f.held[id] {
		return nil, false
	}
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	f.held[id] = true
	return func() {
		f.mu.Lock()
		delete(f.held, id)
		f.mu.Unlock()
	}, true
}

func (f *fakeRunner) isHeld(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[id]
}

type fakePool struct {
	requested []string
	status    pool.Status
	warmIDs   map[string]bool
	forgotten []string
}

func (p *fakePool) RequestWarm(owner string, _ sandbox.Credentials) pool.Status {
	p.requested = append(p.requested, owner)
	return pool.Status{State: pool.StateWarming}
}

func (p *fakePool) PollStatus(string) pool.Status { return p.status }

func (p *fakePool) Forget(id string) bool {
	if !p.warmIDs[id] {
		return false
	}
	delete(p.warmIDs, id)
	p.forgotten = append(p.forgotten, id)
	return true
}

type fakeDestroyer struct {
	destroyed []string
	err       error
	onDestroy func(id string)
}

func (d *fakeDestroyer) Destroy(_ context.Context, id string) error {
	if d.onDestroy != nil {
		d.onDestroy(id)
	}
	if d.err != nil {
		return d.err
	}
	d.destroyed = append(d.destroyed, id)
	return nil
}

type fixture struct {
	gw        *Gateway
	runner    *fakeRunner
	pool      *fakePool
	destroyer *fakeDestroyer
}

func newFixture(cfg Config, rl *ratelimit.Limiter) *fixture {
	f := &fixture{
		runner:    &fakeRunner{result: &stream.Result{Response: "done", SandboxID: "sbx-1"}},
		pool:      &fakePool{},
		destroyer: &fakeDestroyer{},
	}
	f.gw = NewGateway(cfg, f.runner, f.pool, f.destroyer, rl, discardLogger())
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(Config{}, nil)
	rec := f.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Service != "agent007" {
		t.Errorf("body = %+v", body)
	}
}

func TestAuthentication(t *testing.T) {
	f := newFixture(Config{APIKeys: []string{"secret"}}, nil)
	body := `{"message":"hi","userId":"u1"}`

	tests := []struct {
		name    string
		headers []string
		want    int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong bearer", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"x-api-key", []string{"X-API-Key", "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(http.MethodPost, "/run", body, tt.headers...); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	// Health stays open.
	if rec := f.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}
}

func TestWarm(t *testing.T) {
	f := newFixture(Config{}, nil)

	if rec := f.do(http.MethodPost, "/warm", `{"sessionToken":"t"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing userId: status = %d", rec.Code)
	}

	rec := f.do(http.MethodPost, "/warm", `{"userId":"u1","sessionToken":"t"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp WarmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "warming" || resp.Ready {
		t.Errorf("resp = %+v", resp)
	}
	if len(f.pool.requested) != 1 || f.pool.requested[0] != "u1" {
		t.Errorf("requested = %v", f.pool.requested)
	}
}

func TestWarmStatus(t *testing.T) {
	f := newFixture(Config{}, nil)
	f.pool.status = pool.Status{State: pool.StateReady, SandboxID: "sbx-w", Ready: true}

	rec := f.do(http.MethodGet, "/warm/status/u1", "")
	var resp WarmResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ready" || !resp.Ready || resp.SandboxID != "sbx-w" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(Config{}, nil)

	if rec := f.do(http.MethodPost, "/run", `{"userId":"u1","message":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: status = %d", rec.Code)
	}

	body := `{"message":"list files","userId":"u1","sessionToken":"tok","conversationId":"c1",
		"messages":[{"role":"user","content":"earlier"}],
		"files":[{"name":"a.txt","size":1,"type":"text/plain","data":"YQ=="}]}`
	rec := f.do(http.MethodPost, "/run", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp RunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "done" || resp.SandboxID != "sbx-1" {
		t.Errorf("resp = %+v", resp)
	}

	got := f.runner.got
	if got.UserID != "u1" || got.SessionToken != "tok" || got.ConversationID != "c1" ||
		len(got.Messages) != 1 || len(got.Files) != 1 || got.Files[0].Name != "a.txt" {
		t.Errorf("request = %+v", got)
	}
}

func TestRun_Busy(t *testing.T) {
	f := newFixture(Config{}, nil)
	f.runner.err = stream.ErrSandboxBusy

	if rec := f.do(http.MethodPost, "/run", `{"message":"hi","sandboxId":"sbx-1"}`); rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/run/stream", `{"message":"hi","sandboxId":"sbx-1"}`); rec.Code != http.StatusConflict {
		t.Errorf("stream status = %d, want 409", rec.Code)
	}
}

func TestRunStream(t *testing.T) {
	f := newFixture(Config{}, nil)
	f.runner.events = []agent.Event{
		agent.Status{Message: "Sandbox ready", SandboxID: "sbx-1", Reused: agent.Bool(false), Warm: agent.Bool(false)},
		agent.Thinking{Iteration: 1},
		agent.Message{Content: "hi"},
		agent.Done{},
	}

	rec := f.do(http.MethodPost, "/run/stream", `{"message":"hi","userId":"u1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for k, v := range map[string]string{
		"Content-Type":      "text/event-stream",
		"Cache-Control":     "no-cache",
		"X-Accel-Buffering": "no",
	} {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	want := "event: status\ndata: {\"message\":\"Sandbox ready\",\"sandboxId\":\"sbx-1\",\"reused\":false,\"warm\":false}\n\n" +
		"event: thinking\ndata: {\"iteration\":1}\n\n" +
		"event: message\ndata: {\"content\":\"hi\"}\n\n" +
		"event: done\ndata: {}\n\n"
	if rec.Body.String() != want {
		t.Errorf("body =\n%s\nwant\n%s", rec.Body.String(), want)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(Config{}, ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1}))

	if rec := f.do(http.MethodPost, "/warm", `{"userId":"u1"}`); rec.Code != http.StatusOK {
		t.Fatalf("first: status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/warm", `{"userId":"u1"}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second: status = %d, want 429", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/warm", `{"userId":"u2"}`); rec.Code != http.StatusOK {
		t.Errorf("other user: status = %d", rec.Code)
	}
}

func TestDestroySandbox(t *testing.T) {
	f := newFixture(Config{}, nil)
	f.runner.busy = map[string]bool{"sbx-busy": true}
	heldDuringDestroy := false
	f.destroyer.onDestroy = func(id string) { heldDuringDestroy = f.runner.isHeld(id) }

	if rec := f.do(http.MethodDelete, "/sandboxes/sbx-1", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if len(f.destroyer.destroyed) != 1 || f.destroyer.destroyed[0] != "sbx-1" {
		t.Errorf("destroyed = %v", f.destroyer.destroyed)
	}
	if !heldDuringDestroy {
		t.Error("sandbox was not reserved while being destroyed")
	}
	if f.runner.isHeld("sbx-1") {
		t.Error("reservation not released after destroy")
	}

	if rec := f.do(http.MethodDelete, "/sandboxes/sbx-busy", ""); rec.Code != http.StatusConflict {
		t.Errorf("busy: status = %d, want 409", rec.Code)
	}

	f.destroyer.err = errors.New("backend down")
	if rec := f.do(http.MethodDelete, "/sandboxes/sbx-2", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("failure: status = %d, want 500", rec.Code)
	}
}

func TestDestroySandbox_DropsWarmEntry(t *testing.T) {
	f := newFixture(Config{}, nil)
	f.pool.warmIDs = map[string]bool{"sbx-warm": true}

	if rec := f.do(http.MethodDelete, "/sandboxes/sbx-warm", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.pool.forgotten) != 1 || f.pool.forgotten[0] != "sbx-warm" {
		t.Errorf("forgotten = %v", f.pool.forgotten)
	}
	if len(f.destroyer.destroyed) != 1 {
		t.Errorf("destroyed = %v", f.destroyer.destroyed)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	f := newFixture(Config{MaxRequestSize: 1024}, nil)
	big := `{"message":"` + strings.Repeat("x", 2048) + `","userId":"u1"}`

	for _, path := range []string{"/run", "/run/stream", "/warm"} {
		if rec := f.do(http.MethodPost, path, big); rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("%s: status = %d, want 413", path, rec.Code)
		}
	}

	// Unknown length is cut off while reading.
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(big))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.gw.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("chunked: status = %d, want 413", rec.Code)
	}

	if f.runner.got != nil || len(f.pool.requested) != 0 {
		t.Error("oversized request reached a handler")
	}
	if rec := f.do(http.MethodPost, "/run", `{"message":"hi","userId":"u1"}`); rec.Code != http.StatusOK {
		t.Errorf("small body: status = %d", rec.Code)
	}
}

func TestReadiness(t *testing.T) {
	hc := observability.NewHealthChecker(discardLogger())
	hc.AddCheck("storage", func(context.Context) error { return errors.New("down") })
	f := newFixture(Config{HealthChecker: hc}, nil)

	if rec := f.do(http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("liveness status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := observability.NewMetricsCollector()
	f := newFixture(Config{MetricsRegistry: m.Registry, Metrics: m}, nil)

	f.do(http.MethodGet, "/health", "")
	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agent007_http_requests_total") {
		t.Error("http request counter missing from /metrics")
	}
}
