package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/state"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List repositories foreman has managed",
	Long:  "Prints every repository root recorded in the projects registry, one per line.",
	RunE:  runProjects,
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}

func runProjects(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	dir := stateDir
	if dir == "" {
		var err error
		dir, err = state.DefaultDir()
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}
	}
	store := state.NewStore(dir, logger)
	for _, root := range store.Projects() {
		fmt.Fprintln(cmd.OutOrStdout(), root)
	}
	return nil
}
