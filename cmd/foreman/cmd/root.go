// Package cmd holds the foreman CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/foreman/internal/app"
	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/execx"
	"github.com/marcus/foreman/internal/fleet"
	"github.com/marcus/foreman/internal/gitx"
	"github.com/marcus/foreman/internal/state"
	"github.com/marcus/foreman/internal/tmux"
)

var (
	debugMode bool
	repoPath  string
	stateDir  string
	version   string
)

// SetVersion sets the version string baked in via ldflags.
func SetVersion(v string) { version = v }

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "TUI for managing git worktrees and the agent sessions inside them",
	Long: `Foreman manages a fleet of git worktrees, each hosting coding-agent
sessions inside tmux. The TUI mirrors the selected session's pane and
forwards your keystrokes to it.`,
	RunE:          runTUI,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&repoPath, "repo", ".", "repository to manage")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "state directory (default ~/.config/foreman)")
}

// Execute runs the root command.
func Execute() error {
	rootCmd.Version = version
	return rootCmd.Execute()
}

func runTUI(cmd *cobra.Command, args []string) error {
	logLevel := slog.LevelInfo
	if debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	for _, bin := range []string{"git", "tmux"} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found in PATH", bin)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cwd, err := filepath.Abs(repoPath)
	if err != nil {
		return fmt.Errorf("resolve repo path: %w", err)
	}

	run := execx.OSRunner{}
	cfg, err := config.Load(ctx, run, cwd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dir := stateDir
	if dir == "" {
		dir, err = state.DefaultDir()
		if err != nil {
			return fmt.Errorf("resolve state dir: %w", err)
		}
	}
	store := state.NewStore(dir, logger)

	st, err := store.Load(cfg)
	if err != nil {
		var corrupt *state.CorruptError
		if errors.As(err, &corrupt) {
			return fmt.Errorf("state file is corrupt; fix or remove %s: %w", corrupt.Path, corrupt.Err)
		}
		return fmt.Errorf("load state: %w", err)
	}

	git := gitx.NewService(run, logger)
	cache := gitx.NewStatusCache(run, logger)
	mux := tmux.NewClientWithRunner(cfg.WorktreePrefix, logger, run)
	mgr := fleet.NewManager(cfg, store, git, cache, mux, logger)

	changed := mgr.Reconcile(ctx, st)
	recovered, err := mgr.Recover(ctx, st)
	if err != nil {
		logger.Warn("session recovery incomplete", "error", err)
	}
	seeded, err := mgr.EnsureDefaultWorktree(ctx, st)
	if err != nil {
		logger.Warn("primary worktree seeding incomplete", "error", err)
	}
	if changed || recovered || seeded {
		if err := store.Save(st, cfg); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	if err := store.RegisterProject(cfg.RepoRoot); err != nil {
		logger.Warn("register project", "error", err)
	}

	model := app.New(cfg, st, store, mgr, cache, mux, logger)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())

	stop := make(chan struct{})
	defer close(stop)
	err = fleet.Watch(store, cfg, logger, stop, func() {
		p.Send(app.StateFileChangedMsg{})
	})
	if err != nil {
		logger.Warn("state file watcher unavailable", "error", err)
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
