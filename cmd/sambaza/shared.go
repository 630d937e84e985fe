package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/config"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/observability"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/sealbox"
	"github.com/jkaninda/sambaza/internal/secrets"
	"github.com/jkaninda/sambaza/internal/source"
	"github.com/jkaninda/sambaza/internal/storage"
	pgstore "github.com/jkaninda/sambaza/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/sambaza/internal/storage/sqlite"
)

// SharedComponents holds all initialized subsystems that the gateway and the
// one-shot commands require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store // Unified store (SQLite or PostgreSQL).

	Obs      *observability.Observability
	Client   *github.Client
	Tracker  *quota.Tracker
	Recorder *audit.Recorder
	Writer   *distribute.Writer
	Engine   *distribute.Engine
	Runner   source.SyncRunner // Engine wrapped with reference resolution.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization shared between the gateway
// and the one-shot sync/validate commands. Callers must call sc.Cleanup()
// when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Quota tracker: restore persisted windows so restarts keep the headroom
	// picture, and feed live rate-limit headers back into it.
	tracker := quota.NewTracker(store.Quota())
	if m := cfg.Distribution.SecretsMargin; m > 0 {
		tracker.SetMargin(quota.ClassSecrets, m)
	}
	if m := cfg.Distribution.CoreMargin; m > 0 {
		tracker.SetMargin(quota.ClassCore, m)
	}
	if err := tracker.Restore(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("restoring quota windows: %w", err)
	}
	sc.Tracker = tracker

	// Platform client. The token comes only from the environment.
	opts := []github.Option{
		github.WithRateLimitFunc(func(class quota.Class, remaining, limit int, resetAt time.Time) {
			tracker.Refresh(context.Background(), class, remaining, limit, resetAt)
		}),
	}
	if cfg.Platform.BaseURL != "" {
		opts = append(opts, github.WithBaseURL(cfg.Platform.BaseURL))
	}
	client, err := github.NewClient(cfg.Platform.Token, cfg.Platform.Owner, cfg.Platform.Repo, logger, opts...)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing platform client: %w", err)
	}
	sc.Client = client

	// Audit recorder: the database is the system of record, with a JSONL
	// mirror under the data directory for operators.
	auditLog, err := audit.NewFileStore(cfg.AuditLogPath())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	sc.addCleanup(func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})
	recorder := audit.NewRecorder(audit.Tee(store.Events(), auditLog), logger)
	sc.Recorder = recorder

	// Exclusion filter: built-in globals plus config and stored patterns.
	filter, err := buildExclusionFilter(context.Background(), cfg, store)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("building exclusion filter: %w", err)
	}

	// Distribution pipeline.
	writer := distribute.NewWriter(client, sealbox.New(client), store.Mappings(), logger)
	sc.Writer = writer

	var distMetrics *distribute.Metrics
	if obs != nil && obs.Metrics != nil {
		distMetrics = distribute.NewMetrics(obs.Metrics.Registry)
	}
	sc.Engine = distribute.NewEngine(writer, filter, tracker, recorder, distMetrics, logger).
		WithConcurrency(cfg.Distribution.Concurrency())

	// Indirect value references (env://, vault://) resolve before the engine
	// sees them. Vault joins the chain only when the environment carries an
	// address.
	providers := []source.Provider{source.NewEnvProvider()}
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := source.NewVaultProvider(nil)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing vault provider: %w", err)
		}
		providers = append(providers, vp)
	}
	sc.Runner = source.NewRunner(sc.Engine, source.NewResolver(logger, providers...))

	logger.Debug("distribution engine initialized",
		slog.String("project_id", cfg.ProjectID()),
		slog.Int("max_concurrent", cfg.Distribution.Concurrency()),
		slog.Int("source_providers", len(providers)),
	)

	return sc, nil
}

// buildExclusionFilter merges the built-in global patterns, the config file's
// project patterns, and patterns stored through the API.
func buildExclusionFilter(ctx context.Context, cfg *config.Config, store storage.Store) (*secrets.ExclusionFilter, error) {
	patterns := append([]secrets.ExclusionPattern(nil), secrets.DefaultExclusions...)
	for _, p := range cfg.Distribution.ExclusionPatterns {
		patterns = append(patterns, secrets.ExclusionPattern{
			Pattern: p,
			Reason:  "configured exclusion",
		})
	}
	stored, err := store.Exclusions().List(ctx, cfg.ProjectID())
	if err != nil {
		return nil, fmt.Errorf("loading stored exclusion patterns: %w", err)
	}
	patterns = append(patterns, stored...)
	return secrets.NewExclusionFilter(patterns)
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pgCfg := pgstore.Config{}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pc := cfg.Storage.Postgres
		pgCfg.DSN = pc.DSN
		pgCfg.MaxOpenConns = pc.MaxOpenConns
		pgCfg.MaxIdleConns = pc.MaxIdleConns
		if pc.ConnMaxLifetimeS > 0 {
			pgCfg.ConnMaxLifetime = time.Duration(pc.ConnMaxLifetimeS) * time.Second
		}
	}
	if pgCfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or SAMBAZA_DB_DSN)")
	}

	db, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// newCorrelationID generates a short random hex ID for request tracing.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
