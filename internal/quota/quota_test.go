package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCheckAndReserve_UnderMarginAborts(t *testing.T) {
	tr := NewTracker(nil)
	tr.Refresh(context.Background(), ClassCore, 50, 5000, time.Now().Add(time.Hour))

	err := tr.CheckAndReserve(context.Background(), ClassCore, 1)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatal("expected *ExhaustedError")
	}
	if exhausted.Remaining != 50 || exhausted.Margin != 100 {
		t.Fatalf("unexpected error detail: %+v", exhausted)
	}
}

func TestCheckAndReserve_ReservesCalls(t *testing.T) {
	tr := NewTracker(nil)
	if err := tr.CheckAndReserve(context.Background(), ClassCore, 200); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	snap, _ := tr.Snapshot(ClassCore)
	if snap.Remaining != 4800 {
		t.Fatalf("remaining = %d, want 4800", snap.Remaining)
	}
}

func TestCheckAndReserve_SecretsMargin(t *testing.T) {
	tr := NewTracker(nil)
	tr.Refresh(context.Background(), ClassSecrets, 12, 100, time.Now().Add(time.Hour))

	// 12 remaining - 3 estimated = 9 < margin 10: abort.
	if err := tr.CheckAndReserve(context.Background(), ClassSecrets, 3); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	// 12 - 2 = 10 >= 10: allowed.
	if err := tr.CheckAndReserve(context.Background(), ClassSecrets, 2); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
}

func TestRefresh_LastWriteWins(t *testing.T) {
	tr := NewTracker(nil)
	reset := time.Now().Add(30 * time.Minute)
	tr.Refresh(context.Background(), ClassCore, 4000, 5000, reset)
	tr.Refresh(context.Background(), ClassCore, 3990, 5000, reset)

	snap, _ := tr.Snapshot(ClassCore)
	if snap.Remaining != 3990 {
		t.Fatalf("remaining = %d, want 3990", snap.Remaining)
	}
	if !snap.ResetAt.Equal(reset) {
		t.Fatalf("resetAt = %v, want %v", snap.ResetAt, reset)
	}
}

func TestRefresh_ClampsToLimit(t *testing.T) {
	tr := NewTracker(nil)
	tr.Refresh(context.Background(), ClassSecrets, 500, 100, time.Now().Add(time.Hour))
	snap, _ := tr.Snapshot(ClassSecrets)
	if snap.Remaining != 100 {
		t.Fatalf("remaining = %d, want clamp to 100", snap.Remaining)
	}
}

func TestExpiredWindowResets(t *testing.T) {
	tr := NewTracker(nil)
	tr.Refresh(context.Background(), ClassCore, 0, 5000, time.Now().Add(-time.Minute))

	if err := tr.CheckAndReserve(context.Background(), ClassCore, 10); err != nil {
		t.Fatalf("expired window should reset to full: %v", err)
	}
}

func TestConcurrentReservationsNeverCrossMargin(t *testing.T) {
	tr := NewTracker(nil)
	tr.Refresh(context.Background(), ClassCore, 150, 5000, time.Now().Add(time.Hour))

	// Margin 100, 150 remaining: at most 50 single-call reservations can win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.CheckAndReserve(context.Background(), ClassCore, 1) == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 50 {
		t.Fatalf("granted = %d, want exactly 50", granted)
	}
	snap, _ := tr.Snapshot(ClassCore)
	if snap.Remaining < 100 {
		t.Fatalf("remaining %d dipped below margin", snap.Remaining)
	}
}

type memQuotaStore struct {
	mu    sync.Mutex
	snaps map[Class]Snapshot
}

func (m *memQuotaStore) SaveQuota(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps == nil {
		m.snaps = map[Class]Snapshot{}
	}
	m.snaps[snap.Class] = snap
	return nil
}

func (m *memQuotaStore) LoadQuota(_ context.Context, class Class) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[class]
	return snap, ok, nil
}

func TestRestore_RoundTrip(t *testing.T) {
	store := &memQuotaStore{}
	tr := NewTracker(store)
	tr.Refresh(context.Background(), ClassCore, 1234, 5000, time.Now().Add(time.Hour))

	fresh := NewTracker(store)
	if err := fresh.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	snap, _ := fresh.Snapshot(ClassCore)
	if snap.Remaining != 1234 {
		t.Fatalf("restored remaining = %d, want 1234", snap.Remaining)
	}
}
