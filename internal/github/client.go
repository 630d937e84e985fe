// Package github implements a minimal REST client for the source-control
// platform's secret and environment APIs. Only the endpoints the distribution
// engine needs are covered; rate-limit headers from every response are fed
// back to the quota tracker through a callback.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/sambaza/internal/quota"
)

const (
	defaultBaseURL = "https://api.github.com"
	apiVersion     = "2022-11-28"
)

// RateLimitFunc receives the parsed rate-limit counters after each call.
type RateLimitFunc func(class quota.Class, remaining, limit int, resetAt time.Time)

// Client talks to the platform REST API for one repository.
type Client struct {
	baseURL     string
	token       string
	owner       string
	repo        string
	httpClient  *http.Client
	logger      *slog.Logger
	onRateLimit RateLimitFunc
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimitFunc registers the quota refresh callback.
func WithRateLimitFunc(fn RateLimitFunc) Option {
	return func(c *Client) { c.onRateLimit = fn }
}

// NewClient creates a platform client for owner/repo. The token is supplied
// externally; the client never persists or logs it.
func NewClient(token, owner, repo string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, ErrMissingCredentials
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		owner:      owner,
		repo:       repo,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// repoPath joins a repository-relative path.
func (c *Client) repoPath(format string, args ...any) string {
	return fmt.Sprintf("/repos/%s/%s", c.owner, c.repo) + fmt.Sprintf(format, args...)
}

// do executes one API call and decodes the JSON response into out (if non-nil).
// Rate-limit headers are parsed and reported on every response, success or not.
func (c *Client) do(ctx context.Context, method, path string, class quota.Class, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	c.reportRateLimit(resp, class)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.apiError(resp, respBody)
	}

	c.logger.DebugContext(ctx, "platform api call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// reportRateLimit feeds X-RateLimit-* headers into the quota callback.
func (c *Client) reportRateLimit(resp *http.Response, class quota.Class) {
	if c.onRateLimit == nil {
		return
	}
	remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	limit, _ := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	var resetAt time.Time
	if epoch, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		resetAt = time.Unix(epoch, 0)
	}
	c.onRateLimit(class, remaining, limit, resetAt)
}
