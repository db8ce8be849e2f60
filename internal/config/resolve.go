package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/marcus/foreman/internal/execx"
)

const detectTimeout = 5 * time.Second

// Load resolves the full configuration for the repository containing cwd.
// Returns an error only when cwd is not inside a git repository or a config
// file exists but cannot be parsed; missing files and failed detection fall
// back to defaults.
func Load(ctx context.Context, run execx.Runner, cwd string) (*Resolved, error) {
	repoRoot, err := DetectRepoRoot(ctx, run, cwd)
	if err != nil {
		return nil, err
	}

	var global, project File
	if home, err := os.UserHomeDir(); err == nil {
		if err := readFile(filepath.Join(home, GlobalDir, globalFile), &global); err != nil {
			return nil, err
		}
	}
	if err := readFile(filepath.Join(repoRoot, ProjectFile), &project); err != nil {
		return nil, err
	}

	cfg := merge(global, project)

	remote := cfg.Git.Remote
	if remote == "" {
		remote = DetectRemote(ctx, run, repoRoot)
	}
	mainBranch := cfg.Git.MainBranch
	if mainBranch == "" {
		mainBranch = DetectMainBranch(ctx, run, repoRoot, remote)
	}
	prefix := cfg.Worktree.Prefix
	if prefix == "" {
		prefix = "fm"
	}
	baseDir := cfg.Worktree.BaseDir
	if baseDir == "" {
		// Worktrees default to siblings of the main checkout.
		baseDir = filepath.Dir(repoRoot)
	}

	return &Resolved{
		RepoRoot:       repoRoot,
		WorktreePrefix: prefix,
		BranchPrefix:   cfg.Worktree.BranchPrefix,
		BaseDir:        baseDir,
		Symlinks:       cfg.Env.Symlinks,
		Copies:         cfg.Env.Copies,
		PostCreateHook: cfg.Env.PostCreateHook,
		MainBranch:     mainBranch,
		Remote:         remote,
	}, nil
}

func readFile(path string, into *File) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// DetectRepoRoot finds the top-level directory of the repository containing
// dir.
func DetectRepoRoot(ctx context.Context, run execx.Runner, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	out, err := run.Run(ctx, dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("not inside a git repository: %s", execx.Stderr(err))
	}
	return strings.TrimSpace(string(out)), nil
}

// DetectRemote picks the remote to compare against: origin when present,
// otherwise the first configured remote, otherwise "origin".
func DetectRemote(ctx context.Context, run execx.Runner, repoRoot string) string {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	out, err := run.Run(ctx, repoRoot, "git", "remote")
	if err != nil {
		return "origin"
	}
	remotes := strings.Fields(string(out))
	if len(remotes) == 0 {
		return "origin"
	}
	for _, r := range remotes {
		if r == "origin" {
			return r
		}
	}
	return remotes[0]
}

// DetectMainBranch resolves the remote HEAD branch, falling back to probing
// main then master, then the literal "main".
func DetectMainBranch(ctx context.Context, run execx.Runner, repoRoot, remote string) string {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()
	out, err := run.Run(ctx, repoRoot, "git", "symbolic-ref", "refs/remotes/"+remote+"/HEAD")
	if err == nil {
		ref := strings.TrimSpace(string(out))
		if i := strings.LastIndex(ref, "/"); i >= 0 && i < len(ref)-1 {
			return ref[i+1:]
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, err := run.Run(ctx, repoRoot, "git", "rev-parse", "--verify",
			"refs/remotes/"+remote+"/"+candidate); err == nil {
			return candidate
		}
	}
	return "main"
}
