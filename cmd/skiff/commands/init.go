package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splax/skiff/internal/inspect"
	"github.com/splax/skiff/internal/scaffold"
)

func newInitCommand(shared *app) *cobra.Command {
	var (
		appType string
		name    string
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Scaffold a starter project ready for skiff deploy",
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
			kind, err := inspect.ParseFrameworkKind(appType)
			if err != nil {
				return err
			}
			if err := scaffold.Create(root, kind, name); err != nil {
				return err
			}
			shared.logger.Info("project scaffolded", "path", root, "type", string(kind))
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s starter in %s\n", kind, root)
			return nil
		},
	}

	cmd.Flags().StringVarP(&appType, "type", "t", "", "project type, one of: "+strings.Join(scaffold.Kinds(), ", "))
	cmd.Flags().StringVar(&name, "name", "", "package name (default: directory name)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}
