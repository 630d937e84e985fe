package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/idempotency"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// SyncRequest is the JSON body for POST /v1/secrets/sync.
type SyncRequest struct {
	ProjectID    string            `json:"project_id,omitempty"` // Empty = gateway default.
	Values       map[string]string `json:"values"`
	TargetScopes []string          `json:"target_scopes,omitempty"` // Empty = classified defaults.
	DryRun       bool              `json:"dry_run,omitempty"`
}

// SyncResponse is the JSON response for POST /v1/secrets/sync.
type SyncResponse struct {
	distribute.Result
	Replayed bool `json:"replayed,omitempty"` // True when served from the idempotency record.
}

func (g *Gateway) handleSync(c *okapi.Context) error {
	callerID := c.GetString("callerID")
	if g.limiter != nil {
		if err := g.limiter.Allow(callerID); err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.RateLimitedTotal.WithLabelValues("/v1/secrets/sync").Inc()
			}
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Values) == 0 {
		return c.AbortBadRequest("values are required")
	}

	targets, err := parseScopes(req.TargetScopes)
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	values := make(map[string]redact.Value, len(req.Values))
	for name, v := range req.Values {
		values[name] = redact.Value(v)
	}

	// Honor the caller's correlation id so operations trace across systems;
	// it is echoed in the response body and stamped on audit events.
	correlationID := correlationIDFrom(c.Header("X-Correlation-ID"))
	g.logger.Info("http sync",
		slog.String("caller_id", callerID),
		slog.String("project_id", projectID),
		slog.String("correlation_id", correlationID),
		slog.Int("values", len(req.Values)),
		slog.Bool("dry_run", req.DryRun),
	)

	run := func(ctx context.Context) ([]byte, error) {
		result, runErr := g.runner.Run(ctx, distribute.Request{
			ProjectID:     projectID,
			ActorID:       callerID,
			CorrelationID: correlationID,
			Values:        values,
			TargetScopes:  targets,
			DryRun:        req.DryRun,
		})
		if runErr != nil {
			return nil, runErr
		}
		return json.Marshal(SyncResponse{Result: result})
	}

	var (
		body     []byte
		replayed bool
	)
	if key := c.Header("Idempotency-Key"); key != "" && g.gate != nil {
		body, replayed, err = g.gate.Run(c.Context(), key, payloadChecksum(req), run)
	} else {
		body, err = run(c.Context())
	}
	if err != nil {
		return g.syncError(c, correlationID, err)
	}

	var resp SyncResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return c.AbortInternalServerError("decoding recorded result")
	}
	resp.Replayed = replayed
	return c.OK(resp)
}

// syncError maps distribution errors to HTTP responses.
func (g *Gateway) syncError(c *okapi.Context, correlationID string, err error) error {
	var exhausted *quota.ExhaustedError
	switch {
	case errors.Is(err, idempotency.ErrPayloadDivergence):
		return c.JSON(http.StatusUnprocessableEntity, okapi.M{
			"error": "idempotency key replayed with a different payload",
		})
	case errors.As(err, &exhausted):
		return c.JSON(http.StatusTooManyRequests, okapi.M{
			"error":    "platform rate limit exhausted",
			"class":    string(exhausted.Class),
			"reset_at": exhausted.ResetAt.UTC().Format(time.RFC3339),
		})
	default:
		g.logger.Error("distribution run failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("distribution failed")
	}
}

// SyncStatusResponse is the JSON response for GET /v1/secrets/sync/status.
type SyncStatusResponse struct {
	ProjectID           string         `json:"project_id"`
	Counts              map[string]int `json:"counts"`
	LastSync            *LastSyncInfo  `json:"last_sync,omitempty"`
	QuotaRemaining      map[string]int `json:"quota_remaining,omitempty"` // per class: core, secrets
	NextScheduledSyncAt *time.Time     `json:"next_scheduled_sync_at,omitempty"`
}

// LastSyncInfo summarizes the most recent distribution run.
type LastSyncInfo struct {
	Status        string    `json:"status"`
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (g *Gateway) handleSyncStatus(c *okapi.Context) error {
	projectID := c.Request().URL.Query().Get("project_id")
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	resp := SyncStatusResponse{ProjectID: projectID, Counts: map[string]int{}}

	if g.mappings != nil {
		counts, err := g.mappings.CountByStatus(c.Context(), projectID)
		if err != nil {
			return c.AbortInternalServerError("loading mapping counts")
		}
		for status, n := range counts {
			resp.Counts[string(status)] = n
		}
	}

	if g.events != nil {
		last, found, err := g.events.LastSync(c.Context(), projectID)
		if err != nil {
			return c.AbortInternalServerError("loading last sync")
		}
		if found {
			resp.LastSync = &LastSyncInfo{
				Status:        string(last.Status),
				SuccessCount:  last.SuccessCount,
				FailureCount:  last.FailureCount,
				CorrelationID: last.CorrelationID,
				CreatedAt:     last.CreatedAt,
			}
		}
	}

	if g.quotas != nil {
		resp.QuotaRemaining = map[string]int{}
		for _, class := range []quota.Class{quota.ClassCore, quota.ClassSecrets} {
			if snap, ok := g.quotas.Snapshot(class); ok {
				resp.QuotaRemaining[string(class)] = snap.Remaining
			}
		}
	}

	if g.schedules != nil {
		schedules, err := g.schedules.List(c.Context(), projectID)
		if err != nil {
			return c.AbortInternalServerError("loading schedules")
		}
		resp.NextScheduledSyncAt = nextScheduledSync(schedules)
	}

	return c.OK(resp)
}

// nextScheduledSync returns the earliest upcoming run across enabled
// schedules, or nil when nothing is scheduled.
func nextScheduledSync(schedules []scheduler.SyncSchedule) *time.Time {
	var next *time.Time
	for i := range schedules {
		s := &schedules[i]
		if !s.Enabled || s.NextRunAt == nil {
			continue
		}
		if next == nil || s.NextRunAt.Before(*next) {
			next = s.NextRunAt
		}
	}
	return next
}

// ValidateRequest is the JSON body for POST /v1/secrets/validate.
type ValidateRequest struct {
	ProjectID     string   `json:"project_id,omitempty"`
	RequiredNames []string `json:"required_names"`
}

func (g *Gateway) handleValidate(c *okapi.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.RequiredNames) == 0 {
		return c.AbortBadRequest("required_names are required")
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = g.config.ProjectID
	}

	report, err := g.validator.Validate(c.Context(), projectID, req.RequiredNames)
	if err != nil {
		return c.AbortInternalServerError("validation failed")
	}
	return c.OK(report)
}

func (g *Gateway) handleEvents(c *okapi.Context) error {
	projectID := c.Request().URL.Query().Get("project_id")
	if projectID == "" {
		projectID = g.config.ProjectID
	}
	limit := 0
	if raw := c.Request().URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.AbortBadRequest("limit must be a non-negative integer")
		}
		limit = n
	}

	events, err := g.events.Query(c.Context(), projectID, limit)
	if err != nil {
		return c.AbortInternalServerError("querying events")
	}
	if events == nil {
		events = []audit.Event{}
	}
	return c.OK(events)
}

// parseScopes converts scope strings to typed scopes, rejecting unknown ones.
func parseScopes(raw []string) ([]secrets.Scope, error) {
	scopes := make([]secrets.Scope, 0, len(raw))
	for _, s := range raw {
		scope, err := secrets.ParseScope(s)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}

// payloadChecksum derives the idempotency checksum from the canonical JSON
// rendering of the request. Map keys marshal sorted, so two requests with the
// same content always produce the same checksum.
func payloadChecksum(req SyncRequest) string {
	scopes := append([]string(nil), req.TargetScopes...)
	sort.Strings(scopes)
	req.TargetScopes = scopes
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
