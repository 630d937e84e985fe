// Package quota tracks remaining-call counters for the platform's rate-limit
// classes and gates batch operations before any network call is made.
// Thread-safe. All counter mutation goes through this tracker — callers never
// touch the numbers directly.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Class is a rate-limit counting bucket on the platform.
type Class string

const (
	ClassCore    Class = "core"    // general REST calls, 5000/hour
	ClassSecrets Class = "secrets" // secret and key endpoints, 100/hour
)

// ErrExhausted is returned when a preflight check cannot reserve the
// estimated calls without dipping below the safety margin. The whole batch
// must abort; callers wait until the window resets.
var ErrExhausted = errors.New("rate limit exhausted")

// ExhaustedError carries enough context for the caller to schedule a retry.
type ExhaustedError struct {
	Class     Class
	Remaining int
	Estimated int
	Margin    int
	ResetAt   time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limit exhausted for %s quota: %d remaining, %d estimated, margin %d, resets %s",
		e.Class, e.Remaining, e.Estimated, e.Margin, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

// Snapshot is a read-only view of one quota window.
type Snapshot struct {
	Class         Class     `json:"class"`
	Remaining     int       `json:"remaining"`
	Limit         int       `json:"limit"`
	ResetAt       time.Time `json:"reset_at"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// Store persists quota snapshots between runs. Optional: a nil Store keeps
// the tracker purely in-memory.
type Store interface {
	SaveQuota(ctx context.Context, snap Snapshot) error
	LoadQuota(ctx context.Context, class Class) (Snapshot, bool, error)
}

type window struct {
	remaining     int
	limit         int
	resetAt       time.Time
	lastCheckedAt time.Time
	margin        int
}

// Tracker holds per-class counters under a single mutex. Reservation and
// refresh are serialized so concurrent writers cannot race past the margin.
type Tracker struct {
	mu      sync.Mutex
	windows map[Class]*window
	store   Store
	now     func() time.Time
}

// defaultWindows seeds optimistic full windows so the first run is not
// blocked before the first Refresh arrives.
func defaultWindows(now time.Time) map[Class]*window {
	reset := now.Add(time.Hour)
	return map[Class]*window{
		ClassCore:    {remaining: 5000, limit: 5000, resetAt: reset, lastCheckedAt: now, margin: 100},
		ClassSecrets: {remaining: 100, limit: 100, resetAt: reset, lastCheckedAt: now, margin: 10},
	}
}

// NewTracker creates a Tracker. store may be nil.
func NewTracker(store Store) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	t.windows = defaultWindows(t.now())
	return t
}

// Restore loads persisted windows from the store, keeping defaults for any
// class without a saved row. Stale windows (past resetAt) reset to full.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for class, w := range t.windows {
		snap, ok, err := t.store.LoadQuota(ctx, class)
		if err != nil {
			return fmt.Errorf("loading %s quota: %w", class, err)
		}
		if !ok {
			continue
		}
		if t.now().After(snap.ResetAt) {
			w.remaining = w.limit
			w.resetAt = t.now().Add(time.Hour)
			continue
		}
		w.remaining = snap.Remaining
		w.limit = snap.Limit
		w.resetAt = snap.ResetAt
		w.lastCheckedAt = snap.LastCheckedAt
	}
	return nil
}

// CheckAndReserve verifies that estimatedCalls can be spent from the class
// without crossing the safety margin, and reserves them. This is the
// mandatory preflight before any batch: on failure the batch makes zero
// network calls.
func (t *Tracker) CheckAndReserve(ctx context.Context, class Class, estimatedCalls int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[class]
	if !ok {
		return fmt.Errorf("unknown quota class %q", class)
	}

	// A window past its reset is full again.
	if t.now().After(w.resetAt) {
		w.remaining = w.limit
		w.resetAt = t.now().Add(time.Hour)
	}

	if w.remaining-estimatedCalls < w.margin {
		return &ExhaustedError{
			Class:     class,
			Remaining: w.remaining,
			Estimated: estimatedCalls,
			Margin:    w.margin,
			ResetAt:   w.resetAt,
		}
	}

	w.remaining -= estimatedCalls
	w.lastCheckedAt = t.now()
	t.persistLocked(ctx, class, w)
	return nil
}

// Refresh overwrites a window from the platform's response counters.
// Last write wins; the platform is authoritative.
func (t *Tracker) Refresh(ctx context.Context, class Class, remaining, limit int, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[class]
	if !ok {
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	if limit > 0 && remaining > limit {
		remaining = limit
	}
	w.remaining = remaining
	if limit > 0 {
		w.limit = limit
	}
	if !resetAt.IsZero() {
		w.resetAt = resetAt
	}
	w.lastCheckedAt = t.now()
	t.persistLocked(ctx, class, w)
}

// Snapshot returns the current view of one class.
func (t *Tracker) Snapshot(class Class) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[class]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Class:         class,
		Remaining:     w.remaining,
		Limit:         w.limit,
		ResetAt:       w.resetAt,
		LastCheckedAt: w.lastCheckedAt,
	}, true
}

// SetMargin overrides the safety margin for a class. Intended for tests and
// for projects with tighter secondary-limit exposure.
func (t *Tracker) SetMargin(class Class, margin int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok := t.windows[class]; ok {
		w.margin = margin
	}
}

// persistLocked saves best-effort; a persistence failure must not fail the
// reservation itself. Callers hold t.mu.
func (t *Tracker) persistLocked(ctx context.Context, class Class, w *window) {
	if t.store == nil {
		return
	}
	_ = t.store.SaveQuota(ctx, Snapshot{
		Class:         class,
		Remaining:     w.remaining,
		Limit:         w.limit,
		ResetAt:       w.resetAt,
		LastCheckedAt: w.lastCheckedAt,
	})
}
