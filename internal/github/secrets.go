package github

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// PublicKey is a scope's current sealed-box encryption key.
type PublicKey struct {
	KeyID string `json:"key_id"`
	Key   string `json:"key"` // base64-encoded 32-byte curve25519 public key
}

// EncryptedSecret is the upsert payload: ciphertext plus the key id it was
// sealed against. The platform rejects a stale key id with a 422.
type EncryptedSecret struct {
	EncryptedValue string `json:"encrypted_value"`
	KeyID          string `json:"key_id"`
}

// secretsBasePath maps a scope to its secrets API prefix.
func (c *Client) secretsBasePath(scope secrets.Scope) (string, error) {
	switch scope.Kind {
	case secrets.ScopeActions:
		return c.repoPath("/actions/secrets"), nil
	case secrets.ScopeCodespaces:
		return c.repoPath("/codespaces/secrets"), nil
	case secrets.ScopeDependabot:
		return c.repoPath("/dependabot/secrets"), nil
	case secrets.ScopeEnvironment:
		if scope.Environment == "" {
			return "", fmt.Errorf("environment scope requires a name")
		}
		return c.repoPath("/environments/%s/secrets", scope.Environment), nil
	}
	return "", fmt.Errorf("unknown scope kind %q", scope.Kind)
}

// FetchPublicKey retrieves the current encryption key for a scope.
func (c *Client) FetchPublicKey(ctx context.Context, scope secrets.Scope) (PublicKey, error) {
	base, err := c.secretsBasePath(scope)
	if err != nil {
		return PublicKey{}, err
	}
	var key PublicKey
	if err := c.do(ctx, http.MethodGet, base+"/public-key", quota.ClassSecrets, nil, &key); err != nil {
		return PublicKey{}, fmt.Errorf("fetching public key for %s: %w", scope, err)
	}
	return key, nil
}

// UpsertSecret creates or updates one encrypted secret in a scope.
// The call is idempotent on the platform side: 201 on create, 204 on update.
func (c *Client) UpsertSecret(ctx context.Context, scope secrets.Scope, name string, enc EncryptedSecret) error {
	base, err := c.secretsBasePath(scope)
	if err != nil {
		return err
	}
	if err := c.do(ctx, http.MethodPut, base+"/"+name, quota.ClassSecrets, enc, nil); err != nil {
		return fmt.Errorf("upserting %s in %s: %w", name, scope, err)
	}
	return nil
}
