//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitalii-dynamiq/agent007/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSandboxRepository_SaveGetDelete(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := "sbx-" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := &storage.SandboxRecord{ID: id, Backend: "process", OwnerID: "u1", Status: "ready", CreatedAt: now, LastUsedAt: now}
	if err := db.SaveSandbox(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Status = "disconnected"
	if err := db.SaveSandbox(ctx, rec); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, err := db.GetSandbox(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "disconnected" {
		t.Errorf("status = %q, want disconnected", got.Status)
	}

	if err := db.DeleteSandbox(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetSandbox(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}
}

func TestSandboxRepository_ConcurrentSave(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := "sbx-" + uuid.NewString()[:8]
	now := time.Now().UTC()
	t.Cleanup(func() { _ = db.DeleteSandbox(ctx, id) })

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.SaveSandbox(ctx, &storage.SandboxRecord{ID: id, Backend: "docker", OwnerID: "u1", Status: "ready", CreatedAt: now, LastUsedAt: now})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent save: %v", err)
		}
	}
}
