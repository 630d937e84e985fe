package distribute

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/sealbox"
	"github.com/jkaninda/sambaza/internal/secrets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memMappingStore is a map-backed MappingStore for tests.
type memMappingStore struct {
	mu       sync.Mutex
	mappings map[string]SecretMapping
}

func newMemMappingStore() *memMappingStore {
	return &memMappingStore{mappings: make(map[string]SecretMapping)}
}

func (s *memMappingStore) key(projectID, name string) string { return projectID + "/" + name }

func (s *memMappingStore) GetMapping(_ context.Context, projectID, secretName string) (SecretMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[s.key(projectID, secretName)]
	return m, ok, nil
}

func (s *memMappingStore) UpsertMapping(_ context.Context, mapping SecretMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[s.key(mapping.ProjectID, mapping.SecretName)] = mapping
	return nil
}

func (s *memMappingStore) ListMappings(_ context.Context, projectID string) ([]SecretMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SecretMapping
	for _, m := range s.mappings {
		if m.ProjectID == projectID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMappingStore) CountByStatus(_ context.Context, projectID string) (map[SyncStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[SyncStatus]int{}
	for _, m := range s.mappings {
		if m.ProjectID == projectID {
			counts[m.SyncStatus]++
		}
	}
	return counts, nil
}

// fakeUpserter records every platform write and can be scripted to fail.
type fakeUpserter struct {
	mu    sync.Mutex
	calls []string // "scope/NAME"
	errs  []error  // popped per call; nil entries succeed
}

func (f *fakeUpserter) UpsertSecret(_ context.Context, scope secrets.Scope, name string, _ github.EncryptedSecret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scope.String()+"/"+name)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeUpserter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeKeyFetcher hands out a freshly generated sealed-box public key.
type fakeKeyFetcher struct {
	mu      sync.Mutex
	keyID   string
	pub     *[32]byte
	fetches int
}

func newFakeKeyFetcher(t *testing.T, keyID string) *fakeKeyFetcher {
	t.Helper()
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return &fakeKeyFetcher{keyID: keyID, pub: pub}
}

func (f *fakeKeyFetcher) FetchPublicKey(context.Context, secrets.Scope) (github.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return github.PublicKey{
		KeyID: f.keyID,
		Key:   base64.StdEncoding.EncodeToString(f.pub[:]),
	}, nil
}

func newTestWriter(t *testing.T, upserter *fakeUpserter, store MappingStore) *Writer {
	t.Helper()
	enc := sealbox.New(newFakeKeyFetcher(t, "key-1"))
	w := NewWriter(upserter, enc, store, discardLogger())
	w.sleep = func(context.Context, time.Duration) error { return nil }
	return w
}

func TestUpsert_ExcludedSkipsNetwork(t *testing.T) {
	upserter := &fakeUpserter{}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	res, err := w.Upsert(context.Background(), WriteRequest{
		ProjectID: "p1",
		Name:      "GITHUB_TOKEN",
		Excluded:  true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != WriteSkipped {
		t.Fatalf("status = %s, want skipped", res.Status)
	}
	if upserter.callCount() != 0 {
		t.Fatal("excluded name must not reach the platform")
	}

	m, found, _ := store.GetMapping(context.Background(), "p1", "GITHUB_TOKEN")
	if !found || !m.IsExcluded {
		t.Fatalf("exclusion not recorded: found=%v mapping=%+v", found, m)
	}
}

func TestUpsert_SyncedAndMappingRecorded(t *testing.T) {
	upserter := &fakeUpserter{}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	req := WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("super-secret"),
	}
	res, err := w.Upsert(context.Background(), req)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Status != WriteWritten || res.Conflict {
		t.Fatalf("result = %+v", res)
	}

	m, found, _ := store.GetMapping(context.Background(), "p1", "API_KEY")
	if !found {
		t.Fatal("mapping not persisted")
	}
	if m.SyncStatus != SyncSynced || m.LastSyncedAt == nil {
		t.Fatalf("mapping = %+v", m)
	}
	if m.ValueHash != secrets.HashValue("super-secret") {
		t.Fatal("stored hash does not match value")
	}
	if m.ValueHash == "super-secret" {
		t.Fatal("plaintext must never be persisted")
	}
}

func TestUpsert_ConflictOnChangedValueStillWrites(t *testing.T) {
	upserter := &fakeUpserter{}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	req := WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("v1"),
	}
	if _, err := w.Upsert(context.Background(), req); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	req.Value = redact.Value("v2")
	res, err := w.Upsert(context.Background(), req)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !res.Conflict {
		t.Fatal("changed value must flag conflict")
	}
	if res.Status != WriteWritten {
		t.Fatal("conflicting write must still be applied")
	}
	if upserter.callCount() != 2 {
		t.Fatalf("platform calls = %d, want 2", upserter.callCount())
	}

	m, _, _ := store.GetMapping(context.Background(), "p1", "API_KEY")
	if m.SyncStatus != SyncConflict {
		t.Fatalf("mapping status = %s, want conflict", m.SyncStatus)
	}
	if m.ValueHash != secrets.HashValue("v2") {
		t.Fatal("mapping must record the new hash")
	}
}

func TestUpsert_SameValueNoConflict(t *testing.T) {
	upserter := &fakeUpserter{}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	req := WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("same"),
	}
	for i := 0; i < 2; i++ {
		res, err := w.Upsert(context.Background(), req)
		if err != nil || res.Conflict {
			t.Fatalf("pass %d: res=%+v err=%v", i, res, err)
		}
	}
}

func TestUpsert_DryRunMakesNoCalls(t *testing.T) {
	upserter := &fakeUpserter{}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	res, err := w.Upsert(context.Background(), WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("v"),
		DryRun:     true,
	})
	if err != nil {
		t.Fatalf("dry-run upsert: %v", err)
	}
	if res.Status != WriteWritten {
		t.Fatalf("status = %s", res.Status)
	}
	if upserter.callCount() != 0 {
		t.Fatal("dry run must not call the platform")
	}
	if _, found, _ := store.GetMapping(context.Background(), "p1", "API_KEY"); found {
		t.Fatal("dry run must not persist mappings")
	}
}

func TestUpsert_StaleKeyRetriesOnceWithFreshKey(t *testing.T) {
	upserter := &fakeUpserter{errs: []error{github.ErrStaleKey, nil}}
	store := newMemMappingStore()

	fetcher := newFakeKeyFetcher(t, "key-1")
	enc := sealbox.New(fetcher)
	w := NewWriter(upserter, enc, store, discardLogger())
	w.sleep = func(context.Context, time.Duration) error { return nil }

	res, err := w.Upsert(context.Background(), WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("v"),
	})
	if err != nil {
		t.Fatalf("upsert after stale key: %v", err)
	}
	if res.Status != WriteWritten {
		t.Fatalf("status = %s", res.Status)
	}
	if upserter.callCount() != 2 {
		t.Fatalf("platform calls = %d, want 2", upserter.callCount())
	}
	if fetcher.fetches != 2 {
		t.Fatalf("key fetches = %d, want 2 (initial + after invalidate)", fetcher.fetches)
	}
}

func TestUpsert_SecondStaleKeyIsEncryptionFailure(t *testing.T) {
	upserter := &fakeUpserter{errs: []error{github.ErrStaleKey, github.ErrStaleKey}}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	_, err := w.Upsert(context.Background(), WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("v"),
	})
	if !errors.Is(err, sealbox.ErrEncryptionFailure) {
		t.Fatalf("err = %v, want ErrEncryptionFailure", err)
	}

	m, _, _ := store.GetMapping(context.Background(), "p1", "API_KEY")
	if m.SyncStatus != SyncFailed {
		t.Fatalf("mapping status = %s, want failed", m.SyncStatus)
	}
}

func TestUpsert_SecondaryRateLimitUsesRetryAfter(t *testing.T) {
	upserter := &fakeUpserter{errs: []error{
		&github.SecondaryRateLimitError{RetryAfter: 3 * time.Second},
		nil,
	}}
	store := newMemMappingStore()

	enc := sealbox.New(newFakeKeyFetcher(t, "key-1"))
	w := NewWriter(upserter, enc, store, discardLogger())

	var waited []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}

	_, err := w.Upsert(context.Background(), WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("v"),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(waited) != 1 || waited[0] != 3*time.Second {
		t.Fatalf("waited %v, want one 3s backoff from Retry-After", waited)
	}
}

func TestUpsert_NonRetryableErrorFailsImmediately(t *testing.T) {
	upserter := &fakeUpserter{errs: []error{github.ErrBadCredentials}}
	store := newMemMappingStore()
	w := newTestWriter(t, upserter, store)

	_, err := w.Upsert(context.Background(), WriteRequest{
		ProjectID:  "p1",
		Scope:      secrets.Scope{Kind: secrets.ScopeActions},
		Name:       "API_KEY",
		TargetName: "API_KEY",
		Value:      redact.Value("v"),
	})
	if !errors.Is(err, github.ErrBadCredentials) {
		t.Fatalf("err = %v", err)
	}
	if upserter.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on auth failure)", upserter.callCount())
	}
}
