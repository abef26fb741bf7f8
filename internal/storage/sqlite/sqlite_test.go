package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/vitalii-dynamiq/agent007/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "agent007.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := &storage.SandboxRecord{ID: "sbx-1", Backend: "process", OwnerID: "u1", Status: "ready", CreatedAt: created, LastUsedAt: created}
	if err := s.SaveSandbox(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec.Status = "disconnected"
	rec.ConversationID = "conv-9"
	rec.LastUsedAt = created.Add(time.Minute)
	if err := s.SaveSandbox(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetSandbox(ctx, "sbx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "disconnected" || got.ConversationID != "conv-9" {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.LastUsedAt.Equal(created.Add(time.Minute)) {
		t.Errorf("last used = %v", got.LastUsedAt)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created at changed to %v", got.CreatedAt)
	}
}

func TestStore_ListIdleAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for id, age := range map[string]time.Duration{"old": 2 * time.Hour, "older": 3 * time.Hour, "fresh": time.Minute} {
		last := now.Add(-age)
		if err := s.SaveSandbox(ctx, &storage.SandboxRecord{ID: id, Backend: "docker", OwnerID: "u", Status: "disconnected", CreatedAt: last, LastUsedAt: last}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	idle, err := s.ListIdleSandboxes(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list idle: %v", err)
	}
	if len(idle) != 2 || idle[0].ID != "older" || idle[1].ID != "old" {
		t.Fatalf("idle = %+v, want [older old]", idle)
	}

	if err := s.DeleteSandbox(ctx, "old"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetSandbox(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get deleted: %v, want ErrNotFound", err)
	}
	if err := s.DeleteSandbox(ctx, "missing"); err != nil {
		t.Errorf("deleting an unknown id should not fail: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("driver = %q", s.Driver())
	}
}
