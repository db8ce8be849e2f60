package fleet

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/gitx"
	"github.com/marcus/foreman/internal/state"
	"github.com/marcus/foreman/internal/tmux"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeRunner dispatches on the command line prefix and records calls.
type fakeRunner struct {
	responses map[string]string
	fail      map[string]bool
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	for prefix := range f.fail {
		if strings.HasPrefix(key, prefix) {
			return nil, errors.New("exit status 1")
		}
	}
	for prefix, out := range f.responses {
		if strings.HasPrefix(key, prefix) {
			return []byte(out), nil
		}
	}
	return nil, errors.New("exit status 1")
}

func (f *fakeRunner) called(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, run *fakeRunner, cfg *config.Resolved) *Manager {
	t.Helper()
	logger := testLogger()
	store := state.NewStore(t.TempDir(), logger)
	git := gitx.NewService(run, logger)
	cache := gitx.NewStatusCache(run, logger)
	mux := tmux.NewClientWithRunner(cfg.WorktreePrefix, logger, run)
	return NewManager(cfg, store, git, cache, mux, logger)
}

func testConfig(t *testing.T) *config.Resolved {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "repo")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	return &config.Resolved{
		RepoRoot:       root,
		WorktreePrefix: "fm",
		BranchPrefix:   "fm/",
		BaseDir:        base,
		MainBranch:     "main",
		Remote:         "origin",
	}
}

func mkWorktreeDir(t *testing.T, cfg *config.Resolved, name string) string {
	t.Helper()
	path := cfg.WorktreePath(name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReconcilePrunesMissingPaths(t *testing.T) {
	cfg := testConfig(t)
	kept := mkWorktreeDir(t, cfg, "kept")
	gone := filepath.Join(cfg.BaseDir, "fm-gone")
	run := &fakeRunner{responses: map[string]string{
		"git worktree list --porcelain": "worktree " + cfg.RepoRoot + "\nbranch refs/heads/main\n",
		"git rev-list":                  "0\t0",
	}}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{
		RepoRoot: cfg.RepoRoot,
		Worktrees: []state.Worktree{
			{Name: "kept", Path: kept},
			{Name: "gone", Path: gone},
		},
	}

	// Warm the cache for the doomed path so eviction is observable.
	mgr.Cache().BranchStatus(context.Background(), gone, cfg.Remote, cfg.MainBranch)
	if run.called("git rev-list") != 1 {
		t.Fatalf("rev-list called %d times warming the cache", run.called("git rev-list"))
	}

	if changed := mgr.Reconcile(context.Background(), st); !changed {
		t.Error("Reconcile did not report a change")
	}
	if len(st.Worktrees) != 1 || st.Worktrees[0].Name != "kept" {
		t.Errorf("worktrees = %+v", st.Worktrees)
	}

	// The pruned path's entry must be gone: a repeat query within the TTL
	// hits git again instead of the cache.
	mgr.Cache().BranchStatus(context.Background(), gone, cfg.Remote, cfg.MainBranch)
	if run.called("git rev-list") != 2 {
		t.Errorf("rev-list called %d times, want a fresh query after pruning", run.called("git rev-list"))
	}
}

func TestReconcileDiscoversPrefixedWorktrees(t *testing.T) {
	cfg := testConfig(t)
	found := mkWorktreeDir(t, cfg, "found")
	plain := filepath.Join(cfg.BaseDir, "scratch")
	porcelain := strings.Join([]string{
		"worktree " + cfg.RepoRoot,
		"branch refs/heads/main",
		"",
		"worktree " + found,
		"branch refs/heads/fm/found",
		"",
		"worktree " + plain,
		"branch refs/heads/scratch",
		"",
	}, "\n")
	run := &fakeRunner{responses: map[string]string{
		"git worktree list --porcelain": porcelain,
	}}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{RepoRoot: cfg.RepoRoot}
	if changed := mgr.Reconcile(context.Background(), st); !changed {
		t.Error("Reconcile did not report a change")
	}
	if len(st.Worktrees) != 1 {
		t.Fatalf("worktrees = %+v, want only the prefixed one", st.Worktrees)
	}
	wt := st.Worktrees[0]
	if wt.Name != "found" || wt.Branch != "fm/found" {
		t.Errorf("discovered = %+v", wt)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	cfg := testConfig(t)
	path := mkWorktreeDir(t, cfg, "feature")
	porcelain := strings.Join([]string{
		"worktree " + cfg.RepoRoot,
		"branch refs/heads/main",
		"",
		"worktree " + path,
		"branch refs/heads/fm/feature",
		"",
	}, "\n")
	run := &fakeRunner{responses: map[string]string{
		"git worktree list --porcelain": porcelain,
	}}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{RepoRoot: cfg.RepoRoot}
	if !mgr.Reconcile(context.Background(), st) {
		t.Fatal("first pass reported no change")
	}
	if mgr.Reconcile(context.Background(), st) {
		t.Error("second pass reported a change")
	}
	if len(st.Worktrees) != 1 {
		t.Errorf("worktrees duplicated: %+v", st.Worktrees)
	}
}

func TestRecoverCollapsesDeadSessions(t *testing.T) {
	cfg := testConfig(t)
	path := mkWorktreeDir(t, cfg, "feature")

	// fm-feature-0 is alive; 1 and 2 are gone.
	run := &fakeRunner{
		responses: map[string]string{
			"tmux has-session -t fm-feature-0": "",
			"tmux list-sessions":               "fm-feature-0\n",
			"tmux new-session":                 "",
			"tmux set-option":                  "",
		},
	}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{
		RepoRoot: cfg.RepoRoot,
		Worktrees: []state.Worktree{{
			Name: "feature",
			Path: path,
			Sessions: []state.Session{
				{ID: "aaa", TmuxSession: "fm-feature-0", Label: "alive"},
				{ID: "bbb", TmuxSession: "fm-feature-1", Label: "dead one"},
				{ID: "ccc", TmuxSession: "fm-feature-2", Label: "dead two"},
			},
		}},
	}

	changed, err := mgr.Recover(context.Background(), st)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !changed {
		t.Fatal("Recover reported no change")
	}

	sessions := st.Worktrees[0].Sessions
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want alive + one resumed: %+v", len(sessions), sessions)
	}
	if sessions[0].ID != "aaa" {
		t.Errorf("alive session dropped: %+v", sessions[0])
	}
	resumed := sessions[1]
	if resumed.Label != "(resumed)" {
		t.Errorf("resumed label = %q", resumed.Label)
	}

	spawned := ""
	for _, c := range run.calls {
		if strings.HasPrefix(c, "tmux new-session") {
			spawned = c
		}
	}
	if !strings.Contains(spawned, "--continue") {
		t.Errorf("resumed session does not continue the conversation: %q", spawned)
	}
	if run.called("tmux new-session") != 1 {
		t.Errorf("spawned %d sessions, want exactly 1", run.called("tmux new-session"))
	}
}

func TestRecoverSkipsHealthyWorktrees(t *testing.T) {
	cfg := testConfig(t)
	path := mkWorktreeDir(t, cfg, "feature")
	run := &fakeRunner{responses: map[string]string{
		"tmux has-session -t fm-feature-0": "",
	}}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{
		RepoRoot: cfg.RepoRoot,
		Worktrees: []state.Worktree{{
			Name:     "feature",
			Path:     path,
			Sessions: []state.Session{{ID: "aaa", TmuxSession: "fm-feature-0"}},
		}},
	}

	changed, err := mgr.Recover(context.Background(), st)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if changed {
		t.Error("Recover changed a healthy worktree")
	}
	if run.called("tmux new-session") != 0 {
		t.Error("spawned a session with nothing dead")
	}
}

func TestEnsureDefaultWorktreeSeedsPrimary(t *testing.T) {
	cfg := testConfig(t)
	run := &fakeRunner{responses: map[string]string{
		"git rev-parse --abbrev-ref HEAD": "trunk\n",
		"tmux new-session":                "",
		"tmux set-option":                 "",
	}}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{RepoRoot: cfg.RepoRoot}
	changed, err := mgr.EnsureDefaultWorktree(context.Background(), st)
	if err != nil {
		t.Fatalf("EnsureDefaultWorktree: %v", err)
	}
	if !changed {
		t.Fatal("seeding reported no change")
	}
	if len(st.Worktrees) != 1 {
		t.Fatalf("worktrees = %+v, want exactly the primary", st.Worktrees)
	}
	wt := st.Worktrees[0]
	if wt.Name != state.DefaultWorktreeName || wt.Path != cfg.RepoRoot || wt.Branch != "trunk" {
		t.Errorf("primary = %+v", wt)
	}
	if len(wt.Sessions) != 1 || wt.Sessions[0].TmuxSession != "fm-main-0" {
		t.Errorf("initial session = %+v", wt.Sessions)
	}
}

func TestEnsureDefaultWorktreeSpawnsWhenEmpty(t *testing.T) {
	cfg := testConfig(t)
	run := &fakeRunner{responses: map[string]string{
		"tmux new-session": "",
		"tmux set-option":  "",
	}}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{
		RepoRoot:  cfg.RepoRoot,
		Worktrees: []state.Worktree{{Name: state.DefaultWorktreeName, Path: cfg.RepoRoot, Branch: "main"}},
	}
	changed, err := mgr.EnsureDefaultWorktree(context.Background(), st)
	if err != nil {
		t.Fatalf("EnsureDefaultWorktree: %v", err)
	}
	if !changed {
		t.Fatal("empty primary reported no change")
	}
	if len(st.Worktrees) != 1 || len(st.Worktrees[0].Sessions) != 1 {
		t.Errorf("worktrees = %+v", st.Worktrees)
	}
	if run.called("git rev-parse") != 0 {
		t.Error("re-detected branch for an existing primary")
	}
}

func TestEnsureDefaultWorktreeIdempotent(t *testing.T) {
	cfg := testConfig(t)
	run := &fakeRunner{}
	mgr := newTestManager(t, run, cfg)

	st := &state.AppState{
		RepoRoot: cfg.RepoRoot,
		Worktrees: []state.Worktree{{
			Name:     state.DefaultWorktreeName,
			Path:     cfg.RepoRoot,
			Branch:   "main",
			Sessions: []state.Session{{ID: "aaa", TmuxSession: "fm-main-0"}},
		}},
	}
	changed, err := mgr.EnsureDefaultWorktree(context.Background(), st)
	if err != nil {
		t.Fatalf("EnsureDefaultWorktree: %v", err)
	}
	if changed {
		t.Error("healthy primary reported a change")
	}
	if run.called("tmux new-session") != 0 {
		t.Error("spawned a session into a populated primary")
	}
}

func TestRemoveWorktreeRefusesPrimary(t *testing.T) {
	cfg := testConfig(t)
	run := &fakeRunner{}
	mgr := newTestManager(t, run, cfg)

	wt := state.Worktree{Name: state.DefaultWorktreeName, Path: cfg.RepoRoot}
	if err := mgr.RemoveWorktree(context.Background(), cfg.RepoRoot, wt, false); err == nil {
		t.Fatal("primary worktree removal was allowed")
	}
	if len(run.calls) != 0 {
		t.Errorf("subprocesses ran for a refused removal: %v", run.calls)
	}
}

func TestRemoveWorktree(t *testing.T) {
	cfg := testConfig(t)
	path := mkWorktreeDir(t, cfg, "feature")
	run := &fakeRunner{responses: map[string]string{
		"tmux kill-session":   "",
		"git worktree remove": "",
		"git worktree prune":  "",
	}}
	mgr := newTestManager(t, run, cfg)

	wt := state.Worktree{
		Name:     "feature",
		Path:     path,
		Sessions: []state.Session{{ID: "aaa", TmuxSession: "fm-feature-0"}},
	}
	if err := mgr.RemoveWorktree(context.Background(), cfg.RepoRoot, wt, false); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if run.called("tmux kill-session -t fm-feature-0") != 1 {
		t.Error("session not killed")
	}
	if run.called("git worktree remove "+path) != 1 {
		t.Error("git worktree not removed")
	}
}
