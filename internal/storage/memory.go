package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sandbox records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]SandboxRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]SandboxRecord)}
}

func (m *MemoryStore) SaveSandbox(_ context.Context, rec *SandboxRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	return nil
}

func (m *MemoryStore) GetSandbox(_ context.Context, id string) (*SandboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) DeleteSandbox(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) ListIdleSandboxes(_ context.Context, before time.Time) ([]SandboxRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SandboxRecord
	for _, rec := range m.records {
		if rec.LastUsedAt.Before(before) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.Before(out[j].LastUsedAt) })
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Driver() string { return DriverMemory }

var _ Store = (*MemoryStore)(nil)
