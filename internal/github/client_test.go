package github

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/secrets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	c, err := NewClient("test-token", "acme", "platform", testLogger(), opts...)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return c, srv
}

func TestNewClient_RequiresToken(t *testing.T) {
	_, err := NewClient("", "acme", "platform", testLogger())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

func TestFetchPublicKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/platform/actions/secrets/public-key" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Error("missing bearer token")
		}
		w.Write([]byte(`{"key_id":"k1","key":"BASE64KEY"}`))
	})

	key, err := c.FetchPublicKey(context.Background(), secrets.Scope{Kind: secrets.ScopeActions})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if key.KeyID != "k1" || key.Key != "BASE64KEY" {
		t.Fatalf("unexpected key: %+v", key)
	}
}

func TestUpsertSecret_EnvironmentPath(t *testing.T) {
	var gotPath, gotMethod string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotMethod = r.URL.Path, r.Method
		w.WriteHeader(http.StatusCreated)
	})

	scope := secrets.EnvScope(secrets.EnvStaging)
	err := c.UpsertSecret(context.Background(), scope, "DATABASE_URL", EncryptedSecret{EncryptedValue: "ct", KeyID: "k1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/repos/acme/platform/environments/staging/secrets/DATABASE_URL" {
		t.Errorf("path = %s", gotPath)
	}
}

func TestRateLimitHeadersReported(t *testing.T) {
	var gotClass quota.Class
	var gotRemaining, gotLimit int
	var gotReset time.Time

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Reset", "1900000000")
		w.Write([]byte(`{"key_id":"k","key":"x"}`))
	}, WithRateLimitFunc(func(class quota.Class, remaining, limit int, resetAt time.Time) {
		gotClass, gotRemaining, gotLimit, gotReset = class, remaining, limit, resetAt
	}))

	if _, err := c.FetchPublicKey(context.Background(), secrets.Scope{Kind: secrets.ScopeDependabot}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotClass != quota.ClassSecrets || gotRemaining != 42 || gotLimit != 100 {
		t.Fatalf("callback got class=%s remaining=%d limit=%d", gotClass, gotRemaining, gotLimit)
	}
	if gotReset.Unix() != 1900000000 {
		t.Fatalf("resetAt = %v", gotReset)
	}
}

func TestAPIError_BadCredentials(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	})
	_, err := c.FetchPublicKey(context.Background(), secrets.Scope{Kind: secrets.ScopeActions})
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestAPIError_SecondaryRateLimit(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
	})
	err := c.UpsertSecret(context.Background(), secrets.Scope{Kind: secrets.ScopeActions}, "X", EncryptedSecret{})
	var secondary *SecondaryRateLimitError
	if !errors.As(err, &secondary) {
		t.Fatalf("expected SecondaryRateLimitError, got %v", err)
	}
	if secondary.RetryAfter != 30*time.Second {
		t.Fatalf("retryAfter = %s", secondary.RetryAfter)
	}
	if !IsRetryable(err) {
		t.Fatal("secondary rate limit must be retryable")
	}
}

func TestAPIError_StaleKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"key_id does not match current public key"}`))
	})
	err := c.UpsertSecret(context.Background(), secrets.Scope{Kind: secrets.ScopeActions}, "X", EncryptedSecret{KeyID: "old"})
	if !errors.Is(err, ErrStaleKey) {
		t.Fatalf("expected ErrStaleKey, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatal("stale key is handled by key refresh, not blind retry")
	}
}

func TestAPIError_ReviewerNotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Reviewer 999 could not be found"}`))
	})
	_, err := c.UpsertEnvironment(context.Background(), "production", ProtectionRules{ReviewerIDs: []int64{999}})
	if !errors.Is(err, ErrReviewerNotFound) {
		t.Fatalf("expected ErrReviewerNotFound, got %v", err)
	}
}

func TestGetEnvironment_NotFoundIsNotError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})
	_, found, err := c.GetEnvironment(context.Background(), "dev")
	if err != nil {
		t.Fatalf("missing environment should not error: %v", err)
	}
	if found {
		t.Fatal("found should be false")
	}
}

func TestUpsertEnvironment(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/repos/acme/platform/environments/production" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"id":77,"name":"production"}`))
	})

	env, err := c.UpsertEnvironment(context.Background(), "production", ProtectionRules{
		RequiredReviewers:    1,
		ReviewerIDs:          []int64{12},
		RestrictToMainBranch: true,
		WaitTimerMinutes:     10,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if env.ID != 77 || env.Name != "production" {
		t.Fatalf("unexpected env: %+v", env)
	}
}
