// Package sealbox performs sealed-box encryption of secret values for a
// scope's public key. Encryption is one-way: only the platform holds the
// private half, and the sender cannot decrypt its own ciphertext.
//
// Public keys are cached per scope. The cache is read-mostly; invalidation
// after a stale-key rejection is synchronized so that concurrent writers
// trigger a single refetch rather than one each.
package sealbox

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/box"

	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// ErrEncryptionFailure is the terminal error after the single key-refresh
// retry has been spent.
var ErrEncryptionFailure = errors.New("encryption failure")

// KeyFetcher retrieves a scope's current public key. *github.Client satisfies it.
type KeyFetcher interface {
	FetchPublicKey(ctx context.Context, scope secrets.Scope) (github.PublicKey, error)
}

// Sealed is the encryption result bound to the key it was sealed against.
type Sealed struct {
	Ciphertext string // base64
	KeyID      string
}

type cacheEntry struct {
	mu  sync.Mutex // serializes fetch for this scope
	key *github.PublicKey
}

// Encryptor caches scope keys and seals plaintext values.
type Encryptor struct {
	fetcher KeyFetcher

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// New creates an Encryptor backed by the given key fetcher.
func New(fetcher KeyFetcher) *Encryptor {
	return &Encryptor{
		fetcher: fetcher,
		entries: make(map[string]*cacheEntry),
	}
}

func (e *Encryptor) entry(scope secrets.Scope) *cacheEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[scope.String()]
	if !ok {
		ent = &cacheEntry{}
		e.entries[scope.String()] = ent
	}
	return ent
}

// EncryptFor seals plaintext for the scope's current public key, fetching
// and caching the key on first use.
func (e *Encryptor) EncryptFor(ctx context.Context, scope secrets.Scope, plaintext string) (Sealed, error) {
	ent := e.entry(scope)

	ent.mu.Lock()
	if ent.key == nil {
		key, err := e.fetcher.FetchPublicKey(ctx, scope)
		if err != nil {
			ent.mu.Unlock()
			return Sealed{}, fmt.Errorf("fetching key for %s: %w", scope, err)
		}
		ent.key = &key
	}
	key := *ent.key
	ent.mu.Unlock()

	return seal(key, plaintext)
}

// Invalidate drops the cached key for a scope. Called when the platform
// rejects the key id; the next EncryptFor refetches exactly once even under
// concurrent writers.
func (e *Encryptor) Invalidate(scope secrets.Scope, staleKeyID string) {
	ent := e.entry(scope)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	// Only drop if the cache still holds the key that was rejected; another
	// writer may have refreshed it already.
	if ent.key != nil && (staleKeyID == "" || ent.key.KeyID == staleKeyID) {
		ent.key = nil
	}
}

// seal performs the actual sealed-box encryption.
func seal(key github.PublicKey, plaintext string) (Sealed, error) {
	raw, err := base64.StdEncoding.DecodeString(key.Key)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: decoding public key: %v", ErrEncryptionFailure, err)
	}
	if len(raw) != 32 {
		return Sealed{}, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrEncryptionFailure, len(raw))
	}

	var recipient [32]byte
	copy(recipient[:], raw)

	sealed, err := box.SealAnonymous(nil, []byte(plaintext), &recipient, rand.Reader)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		KeyID:      key.KeyID,
	}, nil
}
