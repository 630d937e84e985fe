package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sambaza/internal/config"
	"github.com/jkaninda/sambaza/internal/validate"
)

var (
	validateConfigPath  string
	validateRequired    []string
	validateRequireFile string
	validateProject     string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check distributed secrets against a required set",
	Long: `Compares the mapping records against a required list of secret names and
reports anything missing or conflicted, with a remediation hint per finding.
Exits non-zero when the check finds a problem.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	validateCmd.Flags().StringSliceVar(&validateRequired, "require", nil, "required secret name (repeatable)")
	validateCmd.Flags().StringVar(&validateRequireFile, "require-file", "", "env file whose keys are the required names")
	validateCmd.Flags().StringVar(&validateProject, "project", "", "override the project ID")
}

func runValidate(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("SAMBAZA_CONFIG", validateConfigPath))
	if err != nil {
		return err
	}

	required := append([]string(nil), validateRequired...)
	if validateRequireFile != "" {
		raw, err := godotenv.Read(validateRequireFile)
		if err != nil {
			return fmt.Errorf("reading require file %s: %w", validateRequireFile, err)
		}
		for name := range raw {
			required = append(required, name)
		}
	}
	if len(required) == 0 {
		return fmt.Errorf("nothing to check: pass --require or --require-file")
	}

	projectID := validateProject
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

	validator := validate.New(sc.Store.Mappings(), sc.Recorder, logger)
	report, err := validator.Validate(ctx, projectID, required)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))

	if !report.Valid() {
		return fmt.Errorf("%d missing, %d conflicted", len(report.Missing), len(report.Conflicts))
	}
	return nil
}
