// Package fleet keeps the persisted worktree record consistent with the
// filesystem, git, and the tmux server, and drives session lifecycle on top
// of it.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/gitx"
	"github.com/marcus/foreman/internal/state"
	"github.com/marcus/foreman/internal/tmux"
)

// Manager coordinates the store, git, the status cache, and tmux.
type Manager struct {
	cfg    *config.Resolved
	store  *state.Store
	git    *gitx.Service
	cache  *gitx.StatusCache
	mux    *tmux.Client
	logger *slog.Logger
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg *config.Resolved, store *state.Store, git *gitx.Service,
	cache *gitx.StatusCache, mux *tmux.Client, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, store: store, git: git, cache: cache, mux: mux, logger: logger}
}

// Reconcile makes the state agree with observable reality: worktrees whose
// paths vanished are pruned (with their cache entries), and git-listed
// worktrees carrying the configured prefix that are missing from state are
// discovered. Reports whether anything changed so the caller can decide
// whether to persist.
func (m *Manager) Reconcile(ctx context.Context, st *state.AppState) bool {
	changed := false

	kept := st.Worktrees[:0]
	for _, wt := range st.Worktrees {
		if _, err := os.Stat(wt.Path); err != nil {
			m.logger.Info("pruning worktree with missing path", "name", wt.Name, "path", wt.Path)
			changed = true
			continue
		}
		kept = append(kept, wt)
	}
	st.Worktrees = kept

	valid := make(map[string]struct{}, len(st.Worktrees))
	for _, wt := range st.Worktrees {
		valid[wt.Path] = struct{}{}
	}
	m.cache.Prune(valid)

	for _, wt := range m.git.Discover(ctx, m.cfg) {
		if _, known := valid[wt.Path]; known {
			continue
		}
		m.logger.Info("discovered worktree on disk", "name", wt.Name, "path", wt.Path)
		st.Worktrees = append(st.Worktrees, wt)
		valid[wt.Path] = struct{}{}
		changed = true
	}

	return changed
}

// Recover replaces dead sessions. For each worktree whose path still exists,
// the dead subset of its sessions is collapsed into exactly one new session
// launched in resume mode; alive sessions stay untouched. Reports whether
// any recovery occurred.
func (m *Manager) Recover(ctx context.Context, st *state.AppState) (bool, error) {
	changed := false
	for i := range st.Worktrees {
		wt := &st.Worktrees[i]
		if _, err := os.Stat(wt.Path); err != nil {
			continue
		}

		alive := make([]state.Session, 0, len(wt.Sessions))
		dead := 0
		for _, sess := range wt.Sessions {
			if m.mux.IsAlive(ctx, sess.TmuxSession) {
				alive = append(alive, sess)
			} else {
				dead++
			}
		}
		if dead == 0 {
			continue
		}

		m.logger.Info("recovering dead sessions in worktree",
			"worktree", wt.Name, "dead", dead, "alive", len(alive))
		resumed, err := m.mux.NewSession(ctx, wt, tmux.SpawnOptions{
			Label:  "(resumed)",
			Resume: true,
		})
		if err != nil {
			return changed, fmt.Errorf("recover sessions for worktree %q: %w", wt.Name, err)
		}
		wt.Sessions = append(alive, resumed)
		changed = true
	}
	return changed, nil
}

// EnsureDefaultWorktree seeds the reserved primary entry: it points at the
// repository root and carries the branch checked out there. A primary with
// no sessions gets an initial one so a fresh repo opens with something to
// attach to. Reports whether state changed.
func (m *Manager) EnsureDefaultWorktree(ctx context.Context, st *state.AppState) (bool, error) {
	changed := false
	wt := st.Worktree(state.DefaultWorktreeName)
	if wt == nil {
		branch := m.git.CurrentBranch(ctx, st.RepoRoot)
		m.logger.Info("seeding primary worktree", "branch", branch)
		st.Worktrees = append(st.Worktrees, state.Worktree{
			Name:      state.DefaultWorktreeName,
			Path:      st.RepoRoot,
			Branch:    branch,
			CreatedAt: time.Now().UTC(),
		})
		wt = &st.Worktrees[len(st.Worktrees)-1]
		changed = true
	}
	if len(wt.Sessions) == 0 {
		sess, err := m.mux.NewSession(ctx, wt, tmux.SpawnOptions{})
		if err != nil {
			return changed, fmt.Errorf("initial session for primary worktree: %w", err)
		}
		wt.Sessions = append(wt.Sessions, sess)
		changed = true
	}
	return changed, nil
}

// CreateWorktree creates the worktree in git. It does not touch the state;
// callers append the returned worktree themselves, which lets the git work
// run off the UI loop. The tagged result is passed through so the caller can
// resolve branch conflicts.
func (m *Manager) CreateWorktree(ctx context.Context, name string, index int, opts gitx.CreateOptions) (gitx.CreateResult, error) {
	opts.Index = index
	return m.git.Create(ctx, m.cfg, name, opts)
}

// SpawnSession starts an agent session for a snapshot of the worktree. The
// state is not touched; callers append the returned session themselves,
// which lets the tmux work run off the UI loop.
func (m *Manager) SpawnSession(ctx context.Context, wt state.Worktree, opts tmux.SpawnOptions) (state.Session, error) {
	return m.mux.NewSession(ctx, &wt, opts)
}

// KillSession tears down one tmux session. Best-effort, like the client.
func (m *Manager) KillSession(ctx context.Context, tmuxSession string) {
	m.mux.Kill(ctx, tmuxSession)
}

// RemoveWorktree kills a snapshot worktree's sessions, removes the git
// worktree, and evicts its cache entry. State is not touched; callers drop
// the entry themselves after this succeeds. The primary checkout entry is
// protected.
func (m *Manager) RemoveWorktree(ctx context.Context, repoRoot string, wt state.Worktree, force bool) error {
	if wt.Name == state.DefaultWorktreeName {
		return fmt.Errorf("cannot delete the primary worktree %q", wt.Name)
	}
	m.mux.KillAll(ctx, &wt)
	if err := m.git.Remove(ctx, repoRoot, wt.Path, force); err != nil {
		return err
	}
	m.cache.Invalidate(wt.Path)
	return nil
}

// Cache exposes the status cache for callers that need explicit
// invalidation after mutating git operations.
func (m *Manager) Cache() *gitx.StatusCache { return m.cache }
