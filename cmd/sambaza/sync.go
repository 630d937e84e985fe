package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sambaza/internal/config"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/secrets"
)

var (
	syncConfigPath string
	syncEnvFile    string
	syncScopes     []string
	syncProject    string
	syncDryRun     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Distribute secrets from an env file in one shot",
	Long: `Reads KEY=VALUE pairs from an env file and converges them into their
GitHub secret scopes. Names carrying a recognized environment suffix
(_DEV, _STAGING, _PROD) land in that deployment environment; all
other names go to the repository-level scopes.

Exit codes: 0 on success, 1 on a fatal configuration, credential, or
quota error (nothing was written), 2 on partial failure (some scope
writes failed).`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	syncCmd.Flags().StringVar(&syncEnvFile, "env-file", "", "env file with KEY=VALUE pairs to distribute (required)")
	syncCmd.Flags().StringSliceVar(&syncScopes, "scope", nil, "target scope (repeatable; e.g. actions, environment:production)")
	syncCmd.Flags().StringVar(&syncProject, "project", "", "override the project ID")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "classify and preflight without writing")
	_ = syncCmd.MarkFlagRequired("env-file")
}

func runSync(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SAMBAZA_CONFIG", syncConfigPath))
	if err != nil {
		return err
	}

	raw, err := godotenv.Read(syncEnvFile)
	if err != nil {
		return fmt.Errorf("reading env file %s: %w", syncEnvFile, err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("env file %s holds no values", syncEnvFile)
	}

	targets := make([]secrets.Scope, 0, len(syncScopes))
	for _, s := range syncScopes {
		scope, err := secrets.ParseScope(s)
		if err != nil {
			return err
		}
		targets = append(targets, scope)
	}

	values := make(map[string]redact.Value, len(raw))
	for name, v := range raw {
		values[name] = redact.Value(v)
	}

	projectID := syncProject
	if projectID == "" {
		projectID = cfg.ProjectID()
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := sc.Runner.Run(ctx, distribute.Request{
		ProjectID:     projectID,
		ActorID:       "cli",
		CorrelationID: newCorrelationID(),
		Values:        values,
		TargetScopes:  targets,
		DryRun:        syncDryRun,
	})
	if err != nil {
		// Batch-fatal: nothing was written, rerun as-is once the condition
		// clears. main turns the error into exit 1.
		var exhausted *quota.ExhaustedError
		if errors.As(err, &exhausted) {
			return fmt.Errorf("platform %s quota exhausted (%d remaining, ~%d needed); retry after %s",
				exhausted.Class, exhausted.Remaining, exhausted.Estimated, exhausted.ResetAt.UTC().Format("15:04:05 MST"))
		}
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if code := batchExitCode(err, result.FailedCount); code != 0 {
		// Exit 2 marks partial failure: some scopes converged, some did not.
		fmt.Fprintf(os.Stderr, "warning: %d of %d writes failed\n",
			result.FailedCount, result.SyncedCount+result.FailedCount)
		sc.Cleanup()
		os.Exit(code)
	}
	return nil
}

// batchExitCode maps a batch outcome to the CLI contract: 0 success, 1 fatal
// (the batch never ran), 2 partial failure (some scope writes failed).
func batchExitCode(err error, failedCount int) int {
	switch {
	case err != nil:
		return 1
	case failedCount > 0:
		return 2
	default:
		return 0
	}
}
