package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = m.SaveSandbox(ctx, &SandboxRecord{ID: "a", LastUsedAt: now.Add(-2 * time.Hour)})
	_ = m.SaveSandbox(ctx, &SandboxRecord{ID: "b", LastUsedAt: now.Add(-3 * time.Hour)})
	_ = m.SaveSandbox(ctx, &SandboxRecord{ID: "c", LastUsedAt: now})

	idle, _ := m.ListIdleSandboxes(ctx, now.Add(-time.Hour))
	if len(idle) != 2 || idle[0].ID != "b" {
		t.Fatalf("idle = %+v", idle)
	}

	_ = m.DeleteSandbox(ctx, "b")
	if _, err := m.GetSandbox(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
