package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cellularctl",
		Short: "Cellular - cell-based architecture control plane",
		Long: `cellularctl manages a fleet of isolated cells behind a router.

Every user is assigned to exactly one cell. New template versions are rolled
out through a pipeline that deploys the sandbox cell first, checks its canary
and only then updates the other cells.

Features:
  - Cell lifecycle (create, update, delete) backed by versioned stacks
  - Router that registers users and issues cell-bound tokens
  - Canaries against every cell
  - Rollout pipeline with sandbox-first policy enforcement
  - Drift detection between cells and their stacks`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
			}
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default cellular.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newCellCommand())
	rootCmd.AddCommand(newRouterCommand())
	rootCmd.AddCommand(newUserCommand())
	rootCmd.AddCommand(newCanaryCommand())
	rootCmd.AddCommand(newPipelineCommand())
	rootCmd.AddCommand(newTemplateCommand())
	rootCmd.AddCommand(newSetupCommand())
	rootCmd.AddCommand(newDevCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
