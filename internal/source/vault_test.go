package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	resp := map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	}
	b, _ := json.Marshal(resp)
	return b
}

func newTestVaultServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// clearVaultEnv prevents host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newTestVaultProvider(t *testing.T, addr string) *VaultProvider {
	t.Helper()
	vp, err := NewVaultProvider(map[string]string{
		"address": addr,
		"token":   "test-token",
	})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return vp
}

func TestVaultProvider_ResolveWithField(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/myapp/db" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Response(map[string]any{
			"password": "s3cret",
			"username": "admin",
		}))
	})

	vp := newTestVaultProvider(t, srv.URL)
	value, err := vp.Resolve(context.Background(), "vault://secret/data/myapp/db#password")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(value) != "s3cret" {
		t.Errorf("got %q, want %q", value, "s3cret")
	}
}

func TestVaultProvider_ResolveWithoutField(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(kvV2Response(map[string]any{
			"password": "s3cret",
			"username": "admin",
		}))
	})

	vp := newTestVaultProvider(t, srv.URL)
	value, err := vp.Resolve(context.Background(), "vault://secret/data/myapp/db")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// No field selector: the whole data map comes back as JSON.
	var data map[string]any
	if err := json.Unmarshal([]byte(value), &data); err != nil {
		t.Fatalf("value is not valid JSON: %v", err)
	}
	if data["password"] != "s3cret" || data["username"] != "admin" {
		t.Errorf("got data=%v", data)
	}
}

func TestVaultProvider_NonVaultRef(t *testing.T) {
	clearVaultEnv(t)

	vp := newTestVaultProvider(t, "http://localhost:8200")
	_, err := vp.Resolve(context.Background(), "env://MY_KEY")
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved, got %v", err)
	}
}

func TestVaultProvider_NotFound(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	vp := newTestVaultProvider(t, srv.URL)
	_, err := vp.Resolve(context.Background(), "vault://secret/data/missing")
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved, got %v", err)
	}
}

func TestVaultProvider_Forbidden(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	vp := newTestVaultProvider(t, srv.URL)
	_, err := vp.Resolve(context.Background(), "vault://secret/data/app")
	if err == nil {
		t.Fatal("expected error for 403")
	}
	if errors.Is(err, ErrNotResolved) {
		t.Error("auth failure must not read as a missing secret")
	}
}

func TestVaultProvider_MissingField(t *testing.T) {
	clearVaultEnv(t)

	srv := newTestVaultServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write(kvV2Response(map[string]any{"username": "admin"}))
	})

	vp := newTestVaultProvider(t, srv.URL)
	_, err := vp.Resolve(context.Background(), "vault://secret/data/app#nonexistent")
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved for missing field, got %v", err)
	}
}

func TestVaultProvider_EnvOverride(t *testing.T) {
	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write(kvV2Response(map[string]any{"key": "value"}))
	})

	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	vp, err := NewVaultProvider(map[string]string{
		"address": "http://should-be-overridden:8200",
		"token":   "should-be-overridden",
	})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}

	value, err := vp.Resolve(context.Background(), "vault://secret/data/test#key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(value) != "value" {
		t.Errorf("got %q, want %q", value, "value")
	}
}

func TestVaultProvider_NamespaceHeader(t *testing.T) {
	clearVaultEnv(t)

	var gotNamespace string
	srv := newTestVaultServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotNamespace = r.Header.Get("X-Vault-Namespace")
		w.Write(kvV2Response(map[string]any{"k": "v"}))
	})

	vp, err := NewVaultProvider(map[string]string{
		"address":   srv.URL,
		"token":     "test-token",
		"namespace": "admin/team-a",
	})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}

	if _, err := vp.Resolve(context.Background(), "vault://secret/data/test#k"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotNamespace != "admin/team-a" {
		t.Errorf("got namespace header=%q, want %q", gotNamespace, "admin/team-a")
	}
}

func TestNewVaultProvider_MissingAddress(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(map[string]string{"token": "t"}); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestNewVaultProvider_MissingToken(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVaultProvider(map[string]string{"address": "http://localhost:8200"}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestVaultProvider_EmptyPath(t *testing.T) {
	clearVaultEnv(t)

	vp := newTestVaultProvider(t, "http://localhost:8200")
	_, err := vp.Resolve(context.Background(), "vault://")
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved for empty path, got %v", err)
	}
}
