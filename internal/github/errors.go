package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors mapped from API responses. Callers branch on these with
// errors.Is; the wrapped message carries the platform's detail text.
var (
	// ErrMissingCredentials means no access token was supplied. Batch-fatal.
	ErrMissingCredentials = errors.New("platform credentials missing")

	// ErrBadCredentials means the token was rejected. Batch-fatal.
	ErrBadCredentials = errors.New("platform rejected credentials")

	// ErrNotFound covers missing repositories, environments, and scopes.
	ErrNotFound = errors.New("platform resource not found")

	// ErrScopeNotConfigured means the target scope is unavailable for this
	// repository (e.g. dependabot disabled). Surfaced as a configuration error.
	ErrScopeNotConfigured = errors.New("scope not configured for repository")

	// ErrStaleKey means the platform rejected the encryption key id the
	// ciphertext was sealed against. The cached key must be refetched.
	ErrStaleKey = errors.New("encryption key id is stale")

	// ErrReviewerNotFound means a protection rule referenced an unknown
	// reviewer id. Fatal for that environment only.
	ErrReviewerNotFound = errors.New("reviewer not found")
)

// SecondaryRateLimitError is the platform's abuse-detection throttle.
// Retryable after the indicated delay (default 60s when the header is absent).
type SecondaryRateLimitError struct {
	RetryAfter time.Duration
}

func (e *SecondaryRateLimitError) Error() string {
	return fmt.Sprintf("secondary rate limit hit, retry after %s", e.RetryAfter)
}

// apiError maps an error response to the taxonomy.
func (c *Client) apiError(resp *http.Response, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Errors  []struct {
			Field string `json:"field"`
			Code  string `json:"code"`
		} `json:"errors"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := payload.Message
	lower := strings.ToLower(msg)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrBadCredentials, msg)

	case http.StatusForbidden, http.StatusTooManyRequests:
		if strings.Contains(lower, "secondary rate limit") || resp.Header.Get("Retry-After") != "" {
			retryAfter := 60 * time.Second
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
			return &SecondaryRateLimitError{RetryAfter: retryAfter}
		}
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			return fmt.Errorf("primary rate limit exceeded: %s", msg)
		}
		return fmt.Errorf("%w: %s", ErrScopeNotConfigured, msg)

	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)

	case http.StatusUnprocessableEntity:
		if strings.Contains(lower, "key_id") || strings.Contains(lower, "public key") {
			return fmt.Errorf("%w: %s", ErrStaleKey, msg)
		}
		if strings.Contains(lower, "reviewer") {
			return fmt.Errorf("%w: %s", ErrReviewerNotFound, msg)
		}
		return fmt.Errorf("validation failed (status 422): %s", msg)
	}

	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg)
}

// IsRetryable reports whether err is worth a bounded-backoff retry.
// Secondary rate limits and 5xx-style transport failures qualify; credential,
// not-found, and validation errors do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var secondary *SecondaryRateLimitError
	if errors.As(err, &secondary) {
		return true
	}
	if errors.Is(err, ErrBadCredentials) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrScopeNotConfigured) || errors.Is(err, ErrStaleKey) ||
		errors.Is(err, ErrReviewerNotFound) || errors.Is(err, ErrMissingCredentials) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"status 5", "timeout", "connection reset", "temporary failure", "broken pipe"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
