// Package idempotency wraps mutating operations behind deterministic keys so
// repeated invocations converge to one recorded result instead of re-running
// side effects. One Gate implementation, pluggable backing stores.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status of a recorded operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ErrPayloadDivergence means a key was replayed with a different payload
// checksum. The stored result is NOT returned: silently handing back a stale
// result for different inputs hides a caller bug.
var ErrPayloadDivergence = errors.New("idempotency key replayed with divergent payload")

// Record is one persisted idempotency entry.
type Record struct {
	Key             string
	PayloadChecksum string
	Status          Status
	Result          []byte
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// Store persists idempotency records.
type Store interface {
	// Begin atomically creates a pending record for key if none exists.
	// Returns the record and whether this call created it.
	Begin(ctx context.Context, key, checksum string) (Record, bool, error)

	// Complete marks a record completed and stores the result.
	Complete(ctx context.Context, key string, result []byte) error

	// Delete removes a record so the operation may run again (used when the
	// wrapped operation fails and must stay retryable).
	Delete(ctx context.Context, key string) error
}

// Operation is the side-effecting work protected by the gate. The returned
// bytes are the durable result replayed to later callers.
type Operation func(ctx context.Context) ([]byte, error)

// Gate guarantees at-most-once execution per key, even under concurrent
// duplicate calls: the second caller blocks on the first's in-flight result
// rather than re-executing.
type Gate struct {
	store Store

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewGate creates a Gate over the given store.
func NewGate(store Store) *Gate {
	return &Gate{store: store, inflight: make(map[string]chan struct{})}
}

// Run executes op under key. replayed reports whether the result came from a
// previous execution. The payload checksum is always validated: a repeat call
// with a different checksum fails with ErrPayloadDivergence.
func (g *Gate) Run(ctx context.Context, key, checksum string, op Operation) (result []byte, replayed bool, err error) {
	var owned chan struct{}
	for {
		g.mu.Lock()
		ch, running := g.inflight[key]
		if !running {
			owned = make(chan struct{})
			g.inflight[key] = owned
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()

		// Another caller holds the key: block on its completion, then loop
		// to read the recorded outcome.
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(owned)
	}()

	rec, created, err := g.store.Begin(ctx, key, checksum)
	if err != nil {
		return nil, false, fmt.Errorf("beginning idempotent operation: %w", err)
	}

	if !created {
		if rec.PayloadChecksum != checksum {
			return nil, false, fmt.Errorf("%w: key %s", ErrPayloadDivergence, key)
		}
		if rec.Status == StatusCompleted {
			return rec.Result, true, nil
		}
		// Pending record with no in-process flight: a previous run died
		// mid-operation. This process owns the key now; fall through and
		// execute.
	}

	out, err := op(ctx)
	if err != nil {
		// Leave the operation retryable.
		if delErr := g.store.Delete(ctx, key); delErr != nil {
			return nil, false, errors.Join(err, fmt.Errorf("releasing idempotency key: %w", delErr))
		}
		return nil, false, err
	}

	if err := g.store.Complete(ctx, key, out); err != nil {
		return nil, false, fmt.Errorf("recording idempotent result: %w", err)
	}
	return out, false, nil
}
