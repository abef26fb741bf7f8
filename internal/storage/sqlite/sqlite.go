// Package sqlite implements storage.Store using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// The repository and model are shared with the PostgreSQL backend; WAL mode
// gives concurrent readers while the reaper and request handlers write.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vitalii-dynamiq/agent007/internal/storage"
	pgstore "github.com/vitalii-dynamiq/agent007/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db        *gorm.DB
	sandboxes *pgstore.SandboxRepository
	logger    *slog.Logger
	path      string
}

// Open creates a SQLite-backed Store and migrates its schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	if err := pgstore.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{
		db:        db,
		sandboxes: pgstore.NewSandboxRepository(db),
		logger:    slogger,
		path:      cfg.Path,
	}, nil
}

func (s *Store) SaveSandbox(ctx context.Context, rec *storage.SandboxRecord) error {
	return s.sandboxes.Save(ctx, rec)
}

func (s *Store) GetSandbox(ctx context.Context, id string) (*storage.SandboxRecord, error) {
	return s.sandboxes.Get(ctx, id)
}

func (s *Store) DeleteSandbox(ctx context.Context, id string) error {
	return s.sandboxes.Delete(ctx, id)
}

func (s *Store) ListIdleSandboxes(ctx context.Context, before time.Time) ([]storage.SandboxRecord, error) {
	return s.sandboxes.ListIdle(ctx, before)
}

// Ping checks that the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

var _ storage.Store = (*Store)(nil)
