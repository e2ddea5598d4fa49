package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/splax/skiff/pkg/config"
	"github.com/splax/skiff/pkg/logger"
)

var (
	// Global flags
	verbose   bool
	namespace string
)

// app holds the pieces every subcommand shares. It is initialized once flags
// are parsed so --verbose affects the logger.
type app struct {
	logger *slog.Logger
	cfg    config.OrchestratorConfig
	runID  string
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	shared := &app{}

	rootCmd := &cobra.Command{
		Use:   "skiff",
		Short: "Skiff - deploy web projects to Kubernetes in one command",
		Long: `Skiff inspects a project directory, detects its framework, builds a
container image, and rolls it out to a Kubernetes cluster with a
Deployment, a Service, and an optional autoscaler.

Supported frameworks: bun, react, vue, svelte, angular, astro, remix, mern.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := config.GetString("SKIFF_LOG_LEVEL", "info")
			if verbose {
				level = "debug"
			}
			shared.runID = uuid.NewString()
			shared.cfg = config.LoadOrchestratorConfig()
			base := logger.New("skiff", logger.ParseLevel(level))
			if config.GetString("SKIFF_LOG_FORMAT", "json") == "text" {
				base = logger.NewText("skiff", logger.ParseLevel(level))
			}
			shared.logger = base.With("runId", shared.runID)
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "target namespace (default: mode-dependent)")

	rootCmd.AddCommand(newDeployCommand(shared))
	rootCmd.AddCommand(newCleanupCommand(shared))
	rootCmd.AddCommand(newInitCommand(shared))
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "skiff %s\n  commit: %s\n  built:  %s\n", version, commit, buildDate)
		},
	}
}
