// Package httpapi implements the HTTP API gateway for Sambaza.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/gateway"
	"github.com/jkaninda/sambaza/internal/idempotency"
	"github.com/jkaninda/sambaza/internal/observability"
	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/ratelimit"
	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/storage"
	"github.com/jkaninda/sambaza/internal/validate"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8480"
	EnableDocs     bool
	ProjectID      string   // Default project for requests that omit one.
	APITokens      []string // Bearer tokens. From env/config, never persisted.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// SyncRunner submits one distribution run. *distribute.Engine satisfies it.
type SyncRunner interface {
	Run(ctx context.Context, req distribute.Request) (distribute.Result, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	runner  SyncRunner
	gate    *idempotency.Gate
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	mappings    distribute.MappingStore
	events      audit.EventStore
	validator   *validate.Validator         // nil = validation endpoint disabled.
	provisioner *provision.Provisioner      // nil = environment endpoints disabled.
	envStore    provision.EnvironmentStore
	schedules   scheduler.ScheduleStore // nil = schedule endpoints disabled.

	exclusions    storage.ExclusionStore          // nil = exclusion endpoints disabled.
	refreshFilter func(ctx context.Context) error // Rebuilds the engine's filter after a change.
	quotas        *quota.Tracker                  // nil = no quota figures in the status response.

	okapi *okapi.Okapi
	group *okapi.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, runner SyncRunner, gate *idempotency.Gate, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	maxBody := cfg.MaxRequestSize
	if maxBody <= 0 {
		maxBody = defaultMaxRequestSize
	}
	return &Gateway{
		config:  cfg,
		runner:  runner,
		gate:    gate,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(maxBody)),
	}
}

// WithStores attaches the mapping and event stores backing the status and
// event endpoints.
func (g *Gateway) WithStores(mappings distribute.MappingStore, events audit.EventStore) *Gateway {
	g.mappings = mappings
	g.events = events
	return g
}

// WithValidator attaches the distribution validator.
func (g *Gateway) WithValidator(v *validate.Validator) *Gateway {
	g.validator = v
	return g
}

// WithProvisioner attaches environment provisioning to the gateway.
func (g *Gateway) WithProvisioner(p *provision.Provisioner, store provision.EnvironmentStore) *Gateway {
	g.provisioner = p
	g.envStore = store
	return g
}

// WithSchedules attaches sync schedule management to the gateway.
func (g *Gateway) WithSchedules(store scheduler.ScheduleStore) *Gateway {
	g.schedules = store
	return g
}

// WithQuota attaches the quota tracker so the status endpoint can report
// remaining platform calls per class.
func (g *Gateway) WithQuota(tracker *quota.Tracker) *Gateway {
	g.quotas = tracker
	return g
}

// WithExclusions attaches exclusion pattern management. refresh rebuilds the
// engine's compiled filter after a pattern changes.
func (g *Gateway) WithExclusions(store storage.ExclusionStore, refresh func(ctx context.Context) error) *Gateway {
	g.exclusions = store
	g.refreshFilter = refresh
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sambaza",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Distribution endpoints.
	g.group.Post("/secrets/sync", g.handleSync,
		okapi.DocSummary("Distribute secret values into their target scopes"),
		okapi.DocTags("Secrets"),
		okapi.DocRequestBody(SyncRequest{}),
		okapi.DocResponse(SyncResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusUnprocessableEntity, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/secrets/sync/status", g.handleSyncStatus,
		okapi.DocSummary("Summarize mapping states and the last distribution run"),
		okapi.DocTags("Secrets"),
		okapi.DocResponse(SyncStatusResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	if g.validator != nil {
		g.group.Post("/secrets/validate", g.handleValidate,
			okapi.DocSummary("Check distributed secrets against a required set"),
			okapi.DocTags("Secrets"),
			okapi.DocRequestBody(ValidateRequest{}),
			okapi.DocResponse(validate.Report{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Audit endpoints.
	if g.events != nil {
		g.group.Get("/events", g.handleEvents,
			okapi.DocSummary("Query the audit trail, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
		)
	}

	// Environment endpoints (only if provisioner is configured).
	if g.provisioner != nil {
		g.group.Post("/environments", g.handleEnvironmentsEnsure,
			okapi.DocSummary("Converge the canonical deployment environments"),
			okapi.DocTags("Environments"),
			okapi.DocRequestBody(EnsureEnvironmentsRequest{}),
			okapi.DocResponse(provision.Result{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/environments", g.handleEnvironmentsList,
			okapi.DocSummary("List provisioned environments"),
			okapi.DocTags("Environments"),
			okapi.DocResponse([]EnvironmentResponse{}),
		)
	}

	// Schedule endpoints (only if schedule store is configured).
	if g.schedules != nil {
		g.group.Post("/schedules", g.handleScheduleCreate,
			okapi.DocSummary("Create a recurring sync schedule"),
			okapi.DocTags("Schedules"),
			okapi.DocRequestBody(ScheduleRequest{}),
			okapi.DocResponse(http.StatusCreated, ScheduleResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Get("/schedules", g.handleScheduleList,
			okapi.DocSummary("List sync schedules"),
			okapi.DocTags("Schedules"),
			okapi.DocResponse([]ScheduleResponse{}),
		)
		g.group.Get("/schedules/{id}", g.handleScheduleGet,
			okapi.DocSummary("Get a sync schedule by ID"),
			okapi.DocTags("Schedules"),
			okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
			okapi.DocResponse(ScheduleResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Put("/schedules/{id}", g.handleScheduleUpdate,
			okapi.DocSummary("Update a sync schedule"),
			okapi.DocTags("Schedules"),
			okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
			okapi.DocRequestBody(ScheduleRequest{}),
			okapi.DocResponse(ScheduleResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Delete("/schedules/{id}", g.handleScheduleDelete,
			okapi.DocSummary("Delete a sync schedule"),
			okapi.DocTags("Schedules"),
			okapi.DocPathParam("id", "string", "Schedule ID (UUID)"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
	}

	// Exclusion endpoints (only if exclusion store is configured).
	if g.exclusions != nil {
		g.group.Get("/exclusions", g.handleExclusionsList,
			okapi.DocSummary("List exclusion patterns, built-ins included"),
			okapi.DocTags("Exclusions"),
			okapi.DocResponse([]ExclusionResponse{}),
		)
		g.group.Post("/exclusions", g.handleExclusionCreate,
			okapi.DocSummary("Add an exclusion pattern"),
			okapi.DocTags("Exclusions"),
			okapi.DocRequestBody(ExclusionRequest{}),
			okapi.DocResponse(http.StatusCreated, ExclusionResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
		g.group.Delete("/exclusions", g.handleExclusionDelete,
			okapi.DocSummary("Remove an exclusion pattern"),
			okapi.DocTags("Exclusions"),
			okapi.DocResponse(map[string]string{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for liveness probes.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token against the configured set and
// stamps the caller's credential fingerprint for rate limiting.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		matched := false
		for _, candidate := range g.config.APITokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
				matched = true
			}
		}
		if !matched {
			return c.AbortUnauthorized("invalid API token")
		}
		c.Set("callerID", tokenFingerprint(token))
		return next(c)
	}
}

// --- Helpers ---

// tokenFingerprint derives a stable non-reversible caller ID from a token.
// Used for rate limit buckets and actor attribution in the audit trail.
func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token-" + hex.EncodeToString(sum[:4])
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// correlationIDFrom uses the caller-supplied id when one was sent, capped to
// a sane length, and generates a fresh one otherwise.
func correlationIDFrom(header string) string {
	header = strings.TrimSpace(header)
	if header == "" || len(header) > 128 {
		return newCorrelationID()
	}
	return header
}
