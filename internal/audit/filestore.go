package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileStore appends events as JSONL, one JSON object per line, 0600 perms.
// Serves as the mirror side of a TeeStore. Query and LastSync serve only
// events appended by this process; pruning is handled by rotating the file
// externally.
type FileStore struct {
	mu     sync.Mutex
	file   *os.File
	events []Event
}

// NewFileStore opens (or creates) the JSONL audit file in append-only mode.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &FileStore{file: f}, nil
}

func (s *FileStore) Append(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	s.events = append(s.events, event)
	return nil
}

func (s *FileStore) Query(_ context.Context, projectID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if projectID == "" || s.events[i].ProjectID == projectID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *FileStore) LastSync(_ context.Context, projectID string) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.ProjectID == projectID && e.Operation == OpSecretSync {
			return e, true, nil
		}
	}
	return Event{}, false, nil
}

func (s *FileStore) PruneBefore(context.Context, time.Time) (int64, error) {
	// File retention is rotation-based; nothing to prune in-place.
	return 0, nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemoryStore is an in-memory EventStore for tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, projectID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if projectID == "" || s.events[i].ProjectID == projectID {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) LastSync(_ context.Context, projectID string) (Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.ProjectID == projectID && e.Operation == OpSecretSync {
			return e, true, nil
		}
	}
	return Event{}, false, nil
}

func (s *MemoryStore) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var pruned int64
	for _, e := range s.events {
		if e.CreatedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return pruned, nil
}

// Events returns a copy of all stored events (test helper).
func (s *MemoryStore) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
