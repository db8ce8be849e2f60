package gitx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/execx"
	"github.com/marcus/foreman/internal/state"
)

// ErrWorktreeDirty marks a non-forced removal blocked by local changes.
var ErrWorktreeDirty = errors.New("worktree has uncommitted changes")

const (
	// DetachedBranch is the sentinel branch value for detached checkouts.
	DetachedBranch = "(detached)"

	// UnknownBranch is used when branch detection fails.
	UnknownBranch = "(unknown)"

	// hookTimeout bounds the post-create hook subprocess.
	hookTimeout = 30 * time.Second

	gitTimeout = 30 * time.Second
)

// Service runs worktree-level git operations.
type Service struct {
	run    execx.Runner
	logger *slog.Logger
}

// NewService creates a worktree service using the given runner.
func NewService(run execx.Runner, logger *slog.Logger) *Service {
	return &Service{run: run, logger: logger}
}

// CreateOptions control worktree creation.
type CreateOptions struct {
	// Branch overrides the default <branchPrefix><name> branch.
	Branch string

	// UseExistingBranch checks out an already-existing branch instead of
	// reporting a conflict.
	UseExistingBranch bool

	// Detach creates a detached-HEAD worktree with no new branch.
	Detach bool

	// Index is passed to the post-create hook.
	Index int
}

// CreateResult is the tagged outcome of Create: either a created worktree or
// a branch-name conflict the caller must resolve (use existing vs abort).
type CreateResult struct {
	Worktree       *state.Worktree
	BranchConflict string
}

// Create adds a git worktree under cfg's base directory, sets up its
// environment (symlinks, copies, git excludes) and runs the post-create
// hook. A setup failure before the hook completes removes the partially
// created worktree; hook failures themselves are logged and absorbed.
func (s *Service) Create(ctx context.Context, cfg *config.Resolved, name string, opts CreateOptions) (CreateResult, error) {
	wtPath := cfg.WorktreePath(name)
	if _, err := os.Stat(wtPath); err == nil {
		return CreateResult{}, fmt.Errorf("worktree path already exists: %s", wtPath)
	}

	var branch string
	switch {
	case opts.Detach:
		branch = DetachedBranch
		if err := s.git(ctx, cfg.RepoRoot, "worktree", "add", "--detach", wtPath); err != nil {
			return CreateResult{}, fmt.Errorf("create detached worktree: %s", execx.Stderr(err))
		}
	default:
		branch = opts.Branch
		if branch == "" {
			branch = cfg.BranchPrefix + name
		}
		if s.branchExists(ctx, cfg.RepoRoot, branch) {
			if !opts.UseExistingBranch {
				return CreateResult{BranchConflict: branch}, nil
			}
			if err := s.git(ctx, cfg.RepoRoot, "worktree", "add", wtPath, branch); err != nil {
				return CreateResult{}, fmt.Errorf("create worktree on branch %s: %s", branch, execx.Stderr(err))
			}
		} else {
			if err := s.git(ctx, cfg.RepoRoot, "worktree", "add", "-b", branch, wtPath, cfg.MainBranch); err != nil {
				return CreateResult{}, fmt.Errorf("create worktree branch %s: %s", branch, execx.Stderr(err))
			}
		}
	}

	if err := s.setupEnv(ctx, cfg, wtPath); err != nil {
		if rmErr := s.git(ctx, cfg.RepoRoot, "worktree", "remove", "--force", wtPath); rmErr != nil {
			s.logger.Warn("failed to clean up worktree after setup failure",
				"path", wtPath, "error", rmErr)
		}
		return CreateResult{}, fmt.Errorf("worktree setup: %w", err)
	}
	s.runPostCreateHook(ctx, cfg.PostCreateHook, wtPath, opts.Index)

	return CreateResult{Worktree: &state.Worktree{
		Name:      name,
		Path:      wtPath,
		Branch:    branch,
		Sessions:  []state.Session{},
		CreatedAt: time.Now().UTC(),
	}}, nil
}

// setupEnv symlinks and copies configured paths from the main checkout into
// the new worktree, excluding created symlinks from git.
func (s *Service) setupEnv(ctx context.Context, cfg *config.Resolved, wtPath string) error {
	var created []string
	for _, link := range cfg.Symlinks {
		src := filepath.Join(cfg.RepoRoot, link)
		dst := filepath.Join(wtPath, link)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("symlink %s: %w", link, err)
		}
		created = append(created, link)
	}
	if len(created) > 0 {
		if err := s.addGitExcludes(ctx, wtPath, created); err != nil {
			s.logger.Warn("failed to exclude symlinks from git", "path", wtPath, "error", err)
		}
	}

	for _, name := range cfg.Copies {
		src := filepath.Join(cfg.RepoRoot, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(wtPath, name)); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// addGitExcludes appends names to the shared git exclude file, which covers
// every worktree of the repository.
func (s *Service) addGitExcludes(ctx context.Context, wtPath string, names []string) error {
	out, err := s.run.Run(ctx, wtPath, "git", "rev-parse", "--git-common-dir")
	if err != nil {
		return fmt.Errorf("resolve git common dir: %s", execx.Stderr(err))
	}
	common := strings.TrimSpace(string(out))
	if !filepath.IsAbs(common) {
		common = filepath.Join(wtPath, common)
	}

	infoDir := filepath.Join(common, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return err
	}
	excludePath := filepath.Join(infoDir, "exclude")

	existing := make(map[string]struct{})
	if data, err := os.ReadFile(excludePath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			existing[line] = struct{}{}
		}
	}

	f, err := os.OpenFile(excludePath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, name := range names {
		if _, ok := existing[name]; ok {
			continue
		}
		if _, err := fmt.Fprintln(f, name); err != nil {
			return err
		}
	}
	return nil
}

// runPostCreateHook runs the configured hook script with the worktree path
// and index as arguments. Best-effort: failures, timeouts, and missing or
// escaping hook paths are logged, never raised.
func (s *Service) runPostCreateHook(ctx context.Context, hook, wtPath string, index int) {
	if hook == "" {
		return
	}
	hookPath := filepath.Join(wtPath, hook)
	rel, err := filepath.Rel(wtPath, hookPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		s.logger.Warn("post-create hook escapes worktree directory", "hook", hook)
		return
	}
	if _, err := os.Stat(hookPath); err != nil {
		s.logger.Warn("post-create hook not found", "hook", hook, "path", hookPath)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, hookTimeout)
	defer cancel()
	if _, err := s.run.Run(ctx, wtPath, hookPath, wtPath, strconv.Itoa(index)); err != nil {
		s.logger.Warn("post-create hook failed", "hook", hook, "error", execx.Stderr(err))
	}
}

// Remove deletes a git worktree. Without force, a dirty worktree fails with
// git's message intact so the caller can offer escalation; with force, a git
// failure falls back to deleting the directory outright. Always prunes
// worktree metadata afterward.
func (s *Service) Remove(ctx context.Context, repoRoot, wtPath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wtPath)

	if err := s.git(ctx, repoRoot, args...); err != nil {
		stderr := execx.Stderr(err)
		if !force && strings.Contains(stderr, "contains modified or untracked files") {
			return fmt.Errorf("%w, use force to remove anyway: %s", ErrWorktreeDirty, stderr)
		}
		if !force {
			return fmt.Errorf("remove worktree: %s", stderr)
		}
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			return fmt.Errorf("remove worktree directory: %w", rmErr)
		}
	}

	if err := s.git(ctx, repoRoot, "worktree", "prune"); err != nil {
		s.logger.Debug("worktree prune failed", "error", err)
	}
	return nil
}

// Discover lists the repository's git worktrees whose directory name carries
// the configured prefix, excluding the primary checkout. Directories on disk
// that git does not track are invisible here; git is the source of truth.
func (s *Service) Discover(ctx context.Context, cfg *config.Resolved) []state.Worktree {
	out, err := s.run.Run(ctx, cfg.RepoRoot, "git", "worktree", "list", "--porcelain")
	if err != nil {
		s.logger.Debug("worktree list failed", "error", err)
		return nil
	}
	return filterWorktrees(parsePorcelain(string(out)), cfg.RepoRoot, cfg.WorktreePrefix+"-")
}

// porcelainEntry is one worktree block from git worktree list --porcelain.
type porcelainEntry struct {
	path   string
	branch string
}

func parsePorcelain(output string) []porcelainEntry {
	var entries []porcelainEntry
	var cur *porcelainEntry

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &porcelainEntry{path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
		case strings.HasPrefix(line, "branch "):
			cur.branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "detached":
			cur.branch = DetachedBranch
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries
}

func filterWorktrees(entries []porcelainEntry, repoRoot, prefix string) []state.Worktree {
	var out []state.Worktree
	for _, e := range entries {
		if e.path == repoRoot {
			continue
		}
		base := filepath.Base(e.path)
		if !strings.HasPrefix(base, prefix) {
			continue
		}
		branch := e.branch
		if branch == "" {
			branch = UnknownBranch
		}
		out = append(out, state.Worktree{
			Name:      strings.TrimPrefix(base, prefix),
			Path:      e.path,
			Branch:    branch,
			Sessions:  []state.Session{},
			CreatedAt: time.Now().UTC(),
		})
	}
	return out
}

// CurrentBranch returns the checked-out branch of a repo or worktree.
func (s *Service) CurrentBranch(ctx context.Context, path string) string {
	out, err := s.run.Run(ctx, path, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return UnknownBranch
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" {
		return DetachedBranch
	}
	return branch
}

func (s *Service) branchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := s.run.Run(ctx, repoRoot, "git", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

func (s *Service) git(ctx context.Context, dir string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	_, err := s.run.Run(ctx, dir, "git", args...)
	return err
}
