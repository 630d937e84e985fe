package idempotency

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_ExecutesOnce(t *testing.T) {
	gate := NewGate(NewMemoryStore())
	var executions atomic.Int64

	op := func(context.Context) ([]byte, error) {
		executions.Add(1)
		return []byte(`{"synced":3}`), nil
	}

	first, replayed, err := gate.Run(context.Background(), "sync:proj:1", "c1", op)
	if err != nil || replayed {
		t.Fatalf("first run: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := gate.Run(context.Background(), "sync:proj:1", "c1", op)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !replayed {
		t.Fatal("second call should be a replay")
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("results differ: %s vs %s", first, second)
	}
	if executions.Load() != 1 {
		t.Fatalf("op executed %d times, want 1", executions.Load())
	}
}

func TestRun_ChecksumDivergence(t *testing.T) {
	gate := NewGate(NewMemoryStore())
	op := func(context.Context) ([]byte, error) { return []byte("r"), nil }

	if _, _, err := gate.Run(context.Background(), "k", "c1", op); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, _, err := gate.Run(context.Background(), "k", "c2", op)
	if !errors.Is(err, ErrPayloadDivergence) {
		t.Fatalf("expected ErrPayloadDivergence, got %v", err)
	}
}

func TestRun_FailureLeavesKeyRetryable(t *testing.T) {
	gate := NewGate(NewMemoryStore())
	calls := 0
	op := func(context.Context) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return []byte("ok"), nil
	}

	if _, _, err := gate.Run(context.Background(), "k", "c", op); err == nil {
		t.Fatal("expected first run to fail")
	}
	out, replayed, err := gate.Run(context.Background(), "k", "c", op)
	if err != nil || replayed {
		t.Fatalf("retry: out=%s replayed=%v err=%v", out, replayed, err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRun_ConcurrentDuplicatesBlockAndReplay(t *testing.T) {
	gate := NewGate(NewMemoryStore())
	var executions atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	op := func(context.Context) ([]byte, error) {
		executions.Add(1)
		close(started)
		<-release
		return []byte("result"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	replays := make([]bool, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], replays[0], _ = gate.Run(context.Background(), "k", "c", op)
	}()

	<-started
	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// These must block on the in-flight execution, never run op.
			results[i], replays[i], _ = gate.Run(context.Background(), "k", "c", op)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if executions.Load() != 1 {
		t.Fatalf("op executed %d times under concurrency, want 1", executions.Load())
	}
	for i, r := range results {
		if !bytes.Equal(r, []byte("result")) {
			t.Fatalf("caller %d got %q", i, r)
		}
	}
	replayCount := 0
	for _, r := range replays {
		if r {
			replayCount++
		}
	}
	if replayCount != 9 {
		t.Fatalf("replayed = %d callers, want 9", replayCount)
	}
}

func TestRun_ContextCanceledWhileBlocked(t *testing.T) {
	gate := NewGate(NewMemoryStore())
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		_, _, _ = gate.Run(context.Background(), "k", "c", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("x"), nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := gate.Run(ctx, "k", "c", func(context.Context) ([]byte, error) { return nil, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
