// Package storage defines persistence for sandbox records.
// Two gorm backends are provided: SQLite (default, zero-config) and PostgreSQL.
// A memory store covers tests and deployments without a database.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a sandbox record does not exist.
var ErrNotFound = errors.New("sandbox record not found")

// SandboxRecord is the persisted view of a sandbox. It survives process
// restarts so idle sandboxes can be reconnected or reaped later.
type SandboxRecord struct {
	ID             string    `json:"id"`
	Backend        string    `json:"backend"`
	OwnerID        string    `json:"owner_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastUsedAt     time.Time `json:"last_used_at"`
}

// Store persists sandbox records.
type Store interface {
	// SaveSandbox inserts or updates a record by ID.
	SaveSandbox(ctx context.Context, rec *SandboxRecord) error
	// GetSandbox returns ErrNotFound when no record exists.
	GetSandbox(ctx context.Context, id string) (*SandboxRecord, error)
	// DeleteSandbox is a no-op for unknown IDs.
	DeleteSandbox(ctx context.Context, id string) error
	// ListIdleSandboxes returns records last used before the cutoff, oldest first.
	ListIdleSandboxes(ctx context.Context, before time.Time) ([]SandboxRecord, error)

	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "memory"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default), "delete", "truncate", etc.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

const (
	// DefaultDriver is the default storage driver.
	DefaultDriver = DriverSQLite

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)
