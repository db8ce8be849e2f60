// Package config loads foreman configuration with git auto-detection
// fallbacks. A project-level .foreman.toml is merged over the global
// ~/.config/foreman/config.toml, and anything still missing is detected
// from the repository itself.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const (
	// ProjectFile is the per-repository config file name.
	ProjectFile = ".foreman.toml"

	// GlobalDir is the directory under the user home holding global
	// config and per-repo state files.
	GlobalDir = ".config/foreman"

	globalFile = "config.toml"
)

// File is the on-disk TOML shape. Zero values mean "not set".
type File struct {
	Worktree WorktreeConfig `toml:"worktree"`
	Env      EnvConfig      `toml:"env"`
	Git      GitConfig      `toml:"git"`
}

type WorktreeConfig struct {
	Prefix       string `toml:"prefix"`
	BranchPrefix string `toml:"branch_prefix"`
	BaseDir      string `toml:"base_dir"`
}

type EnvConfig struct {
	Symlinks       []string `toml:"symlinks"`
	Copies         []string `toml:"copies"`
	PostCreateHook string   `toml:"post_create_hook"`
}

type GitConfig struct {
	MainBranch string `toml:"main_branch"`
	Remote     string `toml:"remote"`
}

// Resolved is the flat config with every field filled.
type Resolved struct {
	RepoRoot       string
	WorktreePrefix string
	BranchPrefix   string
	BaseDir        string
	Symlinks       []string
	Copies         []string
	PostCreateHook string
	MainBranch     string
	Remote         string
}

// StateHash returns the short repo-root hash used to key per-repo state
// files, so distinct repositories never collide.
func (r *Resolved) StateHash() string {
	sum := sha256.Sum256([]byte(r.RepoRoot))
	return hex.EncodeToString(sum[:])[:12]
}

// WorktreePath returns the directory a worktree with the given name lives in.
func (r *Resolved) WorktreePath(name string) string {
	return filepath.Join(r.BaseDir, r.WorktreePrefix+"-"+name)
}

// merge overlays project values over global ones. Non-zero project fields win.
func merge(global, project File) File {
	out := global
	if project.Worktree.Prefix != "" {
		out.Worktree.Prefix = project.Worktree.Prefix
	}
	if project.Worktree.BranchPrefix != "" {
		out.Worktree.BranchPrefix = project.Worktree.BranchPrefix
	}
	if project.Worktree.BaseDir != "" {
		out.Worktree.BaseDir = project.Worktree.BaseDir
	}
	if len(project.Env.Symlinks) > 0 {
		out.Env.Symlinks = project.Env.Symlinks
	}
	if len(project.Env.Copies) > 0 {
		out.Env.Copies = project.Env.Copies
	}
	if project.Env.PostCreateHook != "" {
		out.Env.PostCreateHook = project.Env.PostCreateHook
	}
	if project.Git.MainBranch != "" {
		out.Git.MainBranch = project.Git.MainBranch
	}
	if project.Git.Remote != "" {
		out.Git.Remote = project.Git.Remote
	}
	return out
}
