package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/splax/skiff/internal/cluster"
	"github.com/splax/skiff/internal/deploy"
	"github.com/splax/skiff/internal/inspect"
)

func newCleanupCommand(shared *app) *cobra.Command {
	var appType string

	cmd := &cobra.Command{
		Use:   "cleanup [path]",
		Short: "Remove the cluster resources of a deployed project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			root, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("resolve project path: %w", err)
			}

			var override inspect.FrameworkKind
			if appType != "" {
				override, err = inspect.ParseFrameworkKind(appType)
				if err != nil {
					return err
				}
			}

			controller, err := cluster.NewFromKubeconfig(shared.cfg.WatchInterval, shared.logger)
			if err != nil {
				return err
			}
			manager := deploy.New(nil, controller, deploy.NewLockRegistry(), nil, shared.cfg.RolloutTimeout, shared.logger)

			if err := manager.Cleanup(cmd.Context(), root, namespace, override); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cleanup complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&appType, "app", "", "framework override when no deployment record exists")

	return cmd
}
