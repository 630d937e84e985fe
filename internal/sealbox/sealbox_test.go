package sealbox

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/nacl/box"

	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// fakeFetcher serves a generated keypair and counts fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	pub     *[32]byte
	priv    *[32]byte
	keyID   string
	fetches atomic.Int64
	err     error
}

func newFakeFetcher(t *testing.T, keyID string) *fakeFetcher {
	t.Helper()
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return &fakeFetcher{pub: pub, priv: priv, keyID: keyID}
}

func (f *fakeFetcher) FetchPublicKey(_ context.Context, _ secrets.Scope) (github.PublicKey, error) {
	f.fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return github.PublicKey{}, f.err
	}
	return github.PublicKey{
		KeyID: f.keyID,
		Key:   base64.StdEncoding.EncodeToString(f.pub[:]),
	}, nil
}

func TestEncryptFor_RoundTrip(t *testing.T) {
	f := newFakeFetcher(t, "k1")
	enc := New(f)
	scope := secrets.Scope{Kind: secrets.ScopeActions}

	sealed, err := enc.EncryptFor(context.Background(), scope, "postgres://a")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed.KeyID != "k1" {
		t.Fatalf("keyID = %s", sealed.KeyID)
	}

	// The platform (private key holder) can open it; we only verify here.
	ct, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		t.Fatalf("decoding ciphertext: %v", err)
	}
	plain, ok := box.OpenAnonymous(nil, ct, f.pub, f.priv)
	if !ok {
		t.Fatal("platform could not open sealed box")
	}
	if string(plain) != "postgres://a" {
		t.Fatalf("roundtrip = %q", plain)
	}
}

func TestEncryptFor_CachesKeyPerScope(t *testing.T) {
	f := newFakeFetcher(t, "k1")
	enc := New(f)
	scope := secrets.Scope{Kind: secrets.ScopeActions}

	for i := 0; i < 5; i++ {
		if _, err := enc.EncryptFor(context.Background(), scope, "v"); err != nil {
			t.Fatalf("encrypt: %v", err)
		}
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}

	// A different scope fetches its own key.
	if _, err := enc.EncryptFor(context.Background(), secrets.EnvScope(secrets.EnvDev), "v"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
}

func TestInvalidate_SingleRefetchUnderConcurrency(t *testing.T) {
	f := newFakeFetcher(t, "k1")
	enc := New(f)
	scope := secrets.Scope{Kind: secrets.ScopeCodespaces}

	if _, err := enc.EncryptFor(context.Background(), scope, "v"); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	enc.Invalidate(scope, "k1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := enc.EncryptFor(context.Background(), scope, "v"); err != nil {
				t.Errorf("encrypt: %v", err)
			}
		}()
	}
	wg.Wait()

	// 1 warm fetch + exactly 1 refetch after invalidation.
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
}

func TestInvalidate_IgnoresAlreadyRefreshedKey(t *testing.T) {
	f := newFakeFetcher(t, "k2")
	enc := New(f)
	scope := secrets.Scope{Kind: secrets.ScopeActions}

	if _, err := enc.EncryptFor(context.Background(), scope, "v"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// A late stale-key report for k1 must not drop the fresh k2.
	enc.Invalidate(scope, "k1")
	if _, err := enc.EncryptFor(context.Background(), scope, "v"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("fetches = %d, want 1", got)
	}
}

func TestEncryptFor_BadKeyMaterial(t *testing.T) {
	enc := New(badKeyFetcher{})
	_, err := enc.EncryptFor(context.Background(), secrets.Scope{Kind: secrets.ScopeActions}, "v")
	if !errors.Is(err, ErrEncryptionFailure) {
		t.Fatalf("expected ErrEncryptionFailure, got %v", err)
	}
}

type badKeyFetcher struct{}

func (badKeyFetcher) FetchPublicKey(context.Context, secrets.Scope) (github.PublicKey, error) {
	return github.PublicKey{KeyID: "k", Key: base64.StdEncoding.EncodeToString([]byte("short"))}, nil
}
