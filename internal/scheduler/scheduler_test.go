package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vitalii-dynamiq/agent007/internal/sandbox"
	"github.com/vitalii-dynamiq/agent007/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEvictor struct {
	mu    sync.Mutex
	calls int
	n     int
}

func (f *fakeEvictor) EvictExpired(time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.n
}

func (f *fakeEvictor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDestroyer struct {
	store     *storage.MemoryStore
	failures  map[string]error
	destroyed []string
}

func (d *fakeDestroyer) Destroy(ctx context.Context, id string) error {
	if err := d.failures[id]; err != nil {
		return err
	}
	d.destroyed = append(d.destroyed, id)
	return d.store.DeleteSandbox(ctx, id)
}

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *storage.MemoryStore, id string, lastUsed time.Time) {
	t.Helper()
	err := store.SaveSandbox(context.Background(), &storage.SandboxRecord{
		ID:         id,
		Backend:    "process",
		OwnerID:    "u-" + id,
		Status:     "disconnected",
		CreatedAt:  lastUsed,
		LastUsedAt: lastUsed,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(&fakeEvictor{}, "not a spec", "@every 5m", discardLogger()); err == nil {
		t.Error("expected error for invalid eviction schedule")
	}
	if _, err := New(&fakeEvictor{}, "@every 1m", "61 * * * *", discardLogger()); err == nil {
		t.Error("expected error for invalid reaper schedule")
	}
	if _, err := New(&fakeEvictor{}, "*/5 * * * *", "@hourly", discardLogger()); err != nil {
		t.Errorf("valid schedules rejected: %v", err)
	}
}

func TestRunEviction(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ev := &fakeEvictor{n: 3}
	s, err := New(ev, "@every 1m", "@every 5m", discardLogger(), WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}

	if n := s.RunEviction(context.Background()); n != 3 {
		t.Errorf("evicted = %d, want 3", n)
	}
	if got := counterValue(t, m.WarmEvicted); got != 3 {
		t.Errorf("warm_evicted_total = %v", got)
	}
	if got := counterValue(t, m.JobRuns.WithLabelValues(JobEviction, "success")); got != 1 {
		t.Errorf("job_runs_total = %v", got)
	}
}

type fakePruner struct{ calls int }

func (p *fakePruner) Prune() int {
	p.calls++
	return 0
}

func TestRunEviction_PrunesLimiter(t *testing.T) {
	p := &fakePruner{}
	s, err := New(&fakeEvictor{}, "@every 1m", "@every 5m", discardLogger(), WithLimiter(p))
	if err != nil {
		t.Fatal(err)
	}
	s.RunEviction(context.Background())
	if p.calls != 1 {
		t.Errorf("prune calls = %d", p.calls)
	}
}

func TestRunReaper(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "old", epoch.Add(-2*time.Hour))
	seed(t, store, "busy", epoch.Add(-2*time.Hour))
	seed(t, store, "fresh", epoch.Add(-5*time.Minute))

	d := &fakeDestroyer{store: store}
	var reserved, released []string
	reserve := func(id string) (func(), bool) {
		if id == "busy" {
			return nil, false
		}
		reserved = append(reserved, id)
		return func() { released = append(released, id) }, true
	}
	s, err := New(&fakeEvictor{}, "@every 1m", "@every 5m", discardLogger(),
		WithReaper(store, d, 30*time.Minute, reserve),
		WithClock(func() time.Time { return epoch }),
	)
	if err != nil {
		t.Fatal(err)
	}

	if n := s.RunReaper(context.Background()); n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}
	if len(d.destroyed) != 1 || d.destroyed[0] != "old" {
		t.Errorf("destroyed = %v", d.destroyed)
	}
	if len(reserved) != 1 || reserved[0] != "old" || len(released) != 1 {
		t.Errorf("reserved = %v, released = %v", reserved, released)
	}
	for _, id := range []string{"busy", "fresh"} {
		if _, err := store.GetSandbox(context.Background(), id); err != nil {
			t.Errorf("%s should survive: %v", id, err)
		}
	}
}

func TestRunReaper_Failures(t *testing.T) {
	store := storage.NewMemoryStore()
	seed(t, store, "gone", epoch.Add(-time.Hour))
	seed(t, store, "stuck", epoch.Add(-time.Hour))

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := &fakeDestroyer{store: store, failures: map[string]error{
		"gone":  fmt.Errorf("destroying sandbox gone: %w", sandbox.ErrNotFound),
		"stuck": errors.New("backend unavailable"),
	}}
	s, err := New(&fakeEvictor{}, "@every 1m", "@every 5m", discardLogger(),
		WithReaper(store, d, time.Minute, nil),
		WithClock(func() time.Time { return epoch }),
		WithMetrics(m),
	)
	if err != nil {
		t.Fatal(err)
	}

	if n := s.RunReaper(context.Background()); n != 0 {
		t.Errorf("reaped = %d, want 0", n)
	}
	if _, err := store.GetSandbox(context.Background(), "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale record should be dropped, got %v", err)
	}
	if _, err := store.GetSandbox(context.Background(), "stuck"); err != nil {
		t.Errorf("failed sandbox record should be kept: %v", err)
	}
	if got := counterValue(t, m.JobRuns.WithLabelValues(JobReaper, "failure")); got != 1 {
		t.Errorf("failure runs = %v", got)
	}
}

func TestStart_RunsAndStops(t *testing.T) {
	ev := &fakeEvictor{}
	s, err := New(ev, "@every 1s", "@every 1h", discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	stop := s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for ev.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()

	if ev.Calls() == 0 {
		t.Fatal("eviction job never ran")
	}
	after := ev.Calls()
	time.Sleep(1500 * time.Millisecond)
	if ev.Calls() != after {
		t.Error("eviction job ran after stop")
	}
}

func TestNilMetrics(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("NewMetrics(nil) should return nil")
	}
	var m *Metrics
	m.observe(JobReaper, time.Now(), nil)
	m.evicted(1)
	m.reaped(1)
}
