// Package config handles loading and validating Sambaza configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sambaza.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sambaza/data. Override: SAMBAZA_DATA_DIR env var.
	Platform      PlatformConfig       `json:"platform" yaml:"platform"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data dir)
	Distribution  DistributionConfig   `json:"distribution" yaml:"distribution"`
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = gateway disabled (CLI-only usage)
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`         // nil = scheduled syncs disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// PlatformConfig identifies the target repository and credentials.
// The token is never written back to disk; set it via the GITHUB_TOKEN
// env var or a .env file.
type PlatformConfig struct {
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Default: https://api.github.com
	Owner   string `json:"owner" yaml:"owner"`
	Repo    string `json:"repo" yaml:"repo"`
	Token   string `json:"-" yaml:"-"` // env-only, never persisted
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: SAMBAZA_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// DistributionConfig tunes the sync engine.
type DistributionConfig struct {
	ProjectID         string   `json:"project_id" yaml:"project_id"`                 // Logical project key for mappings/audit. Default: "<owner>/<repo>".
	MaxConcurrent     int      `json:"max_concurrent" yaml:"max_concurrent"`         // Parallel scope writes. Default: 10.
	ExclusionPatterns []string `json:"exclusion_patterns" yaml:"exclusion_patterns"` // Project patterns, merged with the built-in globals.
	SecretsMargin     int      `json:"secrets_margin" yaml:"secrets_margin"`         // Safety margin on the secrets quota class. Default: 10.
	CoreMargin        int      `json:"core_margin" yaml:"core_margin"`               // Safety margin on the core quota class. Default: 100.
}

// Concurrency returns the max parallel scope writes with a default of 10.
func (d DistributionConfig) Concurrency() int {
	if d.MaxConcurrent > 0 {
		return d.MaxConcurrent
	}
	return 10
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	Enabled             bool            `json:"enabled" yaml:"enabled"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8480".
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	APITokens           []string        `json:"api_tokens,omitempty" yaml:"api_tokens,omitempty"`     // Bearer tokens. Override/append: SAMBAZA_API_TOKEN env var.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8480".
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8480"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (g *GatewayConfig) MaxRequestSize() int64 {
	if g != nil && g.MaxRequestSizeBytes > 0 {
		return g.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-caller rate limiting for the gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 60.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // Default: 10.
}

// PerMinute returns the request rate with a default of 60/min.
func (r RateLimitConfig) PerMinute() int {
	if r.RequestsPerMinute > 0 {
		return r.RequestsPerMinute
	}
	return 60
}

// Burst returns the burst size with a default of 10.
func (r RateLimitConfig) Burst() int {
	if r.BurstSize > 0 {
		return r.BurstSize
	}
	return 10
}

// SchedulerConfig configures scheduled periodic syncs and audit retention.
// When nil, no scheduled syncs run.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds    int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 30.
	MaxConcurrentSyncs     int  `json:"max_concurrent_syncs" yaml:"max_concurrent_syncs"`           // Default: 3.
	MissedRunWindowSeconds int  `json:"missed_run_window_seconds" yaml:"missed_run_window_seconds"` // Default: 3600 (1 hour).
	RetentionDays          int  `json:"retention_days" yaml:"retention_days"`                       // Audit event retention. Default: 90.
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxConcurrent returns the max concurrent scheduled syncs with a default of 3.
func (s *SchedulerConfig) MaxConcurrent() int {
	if s != nil && s.MaxConcurrentSyncs > 0 {
		return s.MaxConcurrentSyncs
	}
	return 3
}

// MissedRunWindow returns the window for recovering missed runs.
// Runs missed more than this duration ago are skipped. Default: 1 hour.
func (s *SchedulerConfig) MissedRunWindow() time.Duration {
	if s != nil && s.MissedRunWindowSeconds > 0 {
		return time.Duration(s.MissedRunWindowSeconds) * time.Second
	}
	return 1 * time.Hour
}

// Retention returns the audit retention period with a default of 90 days.
func (s *SchedulerConfig) Retention() time.Duration {
	days := 90
	if s != nil && s.RetentionDays > 0 {
		days = s.RetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sambaza"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// DefaultConfigPath returns the default config file path (~/.sambaza/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sambaza.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sambaza", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. The platform token is env-only (GITHUB_TOKEN or
// SAMBAZA_TOKEN) and takes no value from the file.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables. Env vars take precedence over
// file values; credentials come ONLY from the environment.
func (c *Config) applyEnv() {
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		c.Platform.Token = tok
	}
	if tok := os.Getenv("SAMBAZA_TOKEN"); tok != "" {
		c.Platform.Token = tok
	}
	if dd := os.Getenv("SAMBAZA_DATA_DIR"); dd != "" {
		c.DataDir = dd
	}
	if dsn := os.Getenv("SAMBAZA_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if tok := os.Getenv("SAMBAZA_API_TOKEN"); tok != "" {
		if c.Gateway == nil {
			c.Gateway = &GatewayConfig{Enabled: true}
		}
		c.Gateway.APITokens = append(c.Gateway.APITokens, tok)
	}

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".sambaza", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sambaza", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sambaza.db")
}

// AuditLogPath returns the fallback JSONL audit log path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// ProjectID returns the logical project key, defaulting to "<owner>/<repo>".
func (c *Config) ProjectID() string {
	if c.Distribution.ProjectID != "" {
		return c.Distribution.ProjectID
	}
	return c.Platform.Owner + "/" + c.Platform.Repo
}

func (c *Config) validate() error {
	if c.Platform.Owner == "" || c.Platform.Repo == "" {
		return fmt.Errorf("platform.owner and platform.repo are required")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set SAMBAZA_DB_DSN)")
		}
	}
	if c.Gateway != nil && c.Gateway.Enabled && len(c.Gateway.APITokens) == 0 {
		return fmt.Errorf("gateway requires at least one API token (set SAMBAZA_API_TOKEN)")
	}
	if c.Distribution.MaxConcurrent < 0 {
		return fmt.Errorf("distribution.max_concurrent must not be negative")
	}
	if obs := c.Observability; obs != nil && obs.Tracing != nil && obs.Tracing.Enabled {
		if obs.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch obs.Tracing.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", obs.Tracing.Protocol)
		}
	}
	return nil
}
