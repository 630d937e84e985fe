package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sambaza/internal/config"
	"github.com/jkaninda/sambaza/internal/gateway/httpapi"
	"github.com/jkaninda/sambaza/internal/idempotency"
	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/ratelimit"
	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/validate"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway and the sync scheduler",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sambaza --config path` and `sambaza serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8480)")
	}
}

// runServe starts Sambaza in gateway mode: the HTTP API plus, when enabled,
// the recurring sync scheduler.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SAMBAZA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway == nil {
			cfg.Gateway = &config.GatewayConfig{Enabled: true}
		}
		cfg.Gateway.ListenAddr = servePort
	}
	if cfg.Gateway == nil || !cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is not enabled (set gateway.enabled in %s)", serveConfigPath)
	}
	if len(cfg.Gateway.APITokens) == 0 {
		return fmt.Errorf("gateway requires at least one API token (set SAMBAZA_API_TOKEN)")
	}

	logger.Info("starting in gateway mode", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Readiness checks.
	if sc.Obs != nil && sc.Obs.Health != nil {
		includeDB := true
		if obs := cfg.Observability; obs != nil && obs.Health != nil {
			includeDB = obs.Health.IncludeDB
		}
		if includeDB {
			sc.Obs.Health.AddCheck("database", sc.Store.Ping)
		}
	}

	// Recurring sync scheduler (optional).
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var schedMetrics *scheduler.Metrics
		if reg := sc.Obs.RegistryOrNil(); reg != nil {
			schedMetrics = scheduler.NewMetrics(reg)
		}
		syncScheduler := scheduler.New(
			sc.Store.Schedules(),
			sc.Runner,
			sc.Store.Events(),
			schedMetrics,
			sc.Logger,
			cfg.Scheduler,
		)
		cancelScheduler := syncScheduler.Start(ctx)
		defer cancelScheduler()
	}

	// HTTP API gateway.
	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     cfg.Gateway.EnableDocs,
		ProjectID:      cfg.ProjectID(),
		APITokens:      cfg.Gateway.APITokens,
		MaxRequestSize: cfg.Gateway.MaxRequestSize(),
	}
	if sc.Obs != nil {
		gwCfg.MetricsRegistry = sc.Obs.RegistryOrNil()
		gwCfg.HealthChecker = sc.Obs.Health
		gwCfg.Metrics = sc.Obs.Metrics
		if ts := sc.Obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
		if obs := cfg.Observability; obs != nil && obs.Metrics != nil {
			gwCfg.MetricsPath = obs.Metrics.Path
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RateLimit.PerMinute(),
		BurstSize:         cfg.Gateway.RateLimit.Burst(),
	})
	gate := idempotency.NewGate(sc.Store.Idempotency())

	gw := httpapi.NewGateway(gwCfg, sc.Runner, gate, limiter, logger).
		WithStores(sc.Store.Mappings(), sc.Store.Events()).
		WithValidator(validate.New(sc.Store.Mappings(), sc.Recorder, logger)).
		WithProvisioner(
			provision.New(sc.Client, sc.Writer, sc.Store.Environments(), sc.Recorder, logger).
				WithFilter(sc.Engine.Filter).
				WithQuota(sc.Tracker),
			sc.Store.Environments(),
		).
		WithSchedules(sc.Store.Schedules()).
		WithQuota(sc.Tracker).
		WithExclusions(sc.Store.Exclusions(), func(ctx context.Context) error {
			filter, err := buildExclusionFilter(ctx, cfg, sc.Store)
			if err != nil {
				return err
			}
			sc.Engine.UpdateFilter(filter)
			return nil
		})

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if err := gw.Stop(context.Background()); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
