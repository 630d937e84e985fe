package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store. Suitable for the CLI and for tests;
// the gateway uses the GORM-backed store so replays survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Begin(_ context.Context, key, checksum string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok {
		return rec, false, nil
	}
	rec := Record{
		Key:             key,
		PayloadChecksum: checksum,
		Status:          StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	m.records[key] = rec
	return rec, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[key]
	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.Result = result
	rec.CompletedAt = &now
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}
