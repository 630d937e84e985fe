// Sambaza — credential distribution engine for GitHub secret scopes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sambaza",
	Short: "Sambaza — distribute named secrets into GitHub secret scopes.",
	Long: `Sambaza converges a set of named secret values into their GitHub secret
scopes (actions, codespaces, dependabot, and deployment environments).
Values are sealed-box encrypted before they leave the process, every write
is preceded by a quota preflight, and every run leaves an audit event.`,
	RunE:          runServe, // Default to gateway mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, syncCmd, validateCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
