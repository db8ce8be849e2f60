// Package app is the Bubble Tea shell: a worktree/session sidebar on the
// left and a mirrored agent pane on the right.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/foreman/internal/bridge"
	"github.com/marcus/foreman/internal/config"
	"github.com/marcus/foreman/internal/fleet"
	"github.com/marcus/foreman/internal/gitx"
	"github.com/marcus/foreman/internal/state"
	"github.com/marcus/foreman/internal/tmux"
)

// sidebarRefreshInterval is how often git status and session states are
// re-pulled for the sidebar.
const sidebarRefreshInterval = 5 * time.Second

type focusArea int

const (
	focusSidebar focusArea = iota
	focusPane
)

// promptKind identifies which input prompt is open.
type promptKind int

const (
	promptNone promptKind = iota
	promptNewWorktree
	promptNewSession
	promptBranchConflict
)

// row is one selectable sidebar line: a worktree header or a session under it.
type row struct {
	worktree string
	session  string // empty for worktree rows
}

// worktreeStatus is the sidebar's view of one worktree's git state.
type worktreeStatus struct {
	gitx.BranchStatus
	Dirty bool
}

// Model is the root Bubble Tea model.
type Model struct {
	cfg    *config.Resolved
	st     *state.AppState
	store  *state.Store
	mgr    *fleet.Manager
	cache  *gitx.StatusCache
	mux    *tmux.Client
	pane   *bridge.Pane
	logger *slog.Logger

	width, height int
	ready         bool

	focus  focusArea
	cursor int
	rows   []row

	statuses   map[string]worktreeStatus    // keyed by worktree path
	sessStates map[string]tmux.SessionState // keyed by tmux session name

	prompt          promptKind
	promptInput     textinput.Model
	conflictBranch  string
	conflictName    string
	pendingWorktree bool
	spin            spinner.Model

	view viewport.Model

	statusMsg    string
	statusExpiry time.Time
	statusIsErr  bool

	// Pending force-delete confirmation for a dirty worktree.
	forceDelete   string
	forceDeleteBy time.Time

	// Applied to subsequently spawned sessions.
	skipPermissions bool
}

// New builds the model from its collaborators.
func New(cfg *config.Resolved, st *state.AppState, store *state.Store,
	mgr *fleet.Manager, cache *gitx.StatusCache, mux *tmux.Client, logger *slog.Logger) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	m := Model{
		cfg:        cfg,
		st:         st,
		store:      store,
		mgr:        mgr,
		cache:      cache,
		mux:        mux,
		pane:       bridge.NewPane(mux),
		logger:     logger,
		statuses:   map[string]worktreeStatus{},
		sessStates: map[string]tmux.SessionState{},
		spin:       sp,
	}
	m.rebuildRows()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), refreshTick())
}

// rebuildRows flattens the state into sidebar rows and clamps the cursor.
func (m *Model) rebuildRows() {
	rows := make([]row, 0, len(m.st.Worktrees)*2)
	for _, wt := range m.st.Worktrees {
		rows = append(rows, row{worktree: wt.Name})
		for _, sess := range wt.Sessions {
			rows = append(rows, row{worktree: wt.Name, session: sess.ID})
		}
	}
	m.rows = rows
	if m.cursor >= len(rows) {
		m.cursor = len(rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// selected returns the row under the cursor.
func (m *Model) selected() (row, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return row{}, false
	}
	return m.rows[m.cursor], true
}

// selectedSession resolves the cursor to a session, if one is selected.
func (m *Model) selectedSession() (*state.Worktree, *state.Session) {
	r, ok := m.selected()
	if !ok || r.session == "" {
		return nil, nil
	}
	wt := m.st.Worktree(r.worktree)
	if wt == nil {
		return nil, nil
	}
	for i := range wt.Sessions {
		if wt.Sessions[i].ID == r.session {
			return wt, &wt.Sessions[i]
		}
	}
	return nil, nil
}

// bindSelected points the pane at the session under the cursor.
func (m *Model) bindSelected() tea.Cmd {
	_, sess := m.selectedSession()
	if sess == nil {
		return nil
	}
	if m.pane.Session() == sess.TmuxSession {
		return nil
	}
	return m.pane.Bind(sess.TmuxSession)
}

// refreshCmd pulls git status and session states off the update loop.
func (m *Model) refreshCmd() tea.Cmd {
	paths := make([]string, 0, len(m.st.Worktrees))
	var names []string
	for _, wt := range m.st.Worktrees {
		paths = append(paths, wt.Path)
		for _, sess := range wt.Sessions {
			names = append(names, sess.TmuxSession)
		}
	}
	cfg := m.cfg
	cache := m.cache
	mux := m.mux
	return func() tea.Msg {
		ctx := context.Background()
		statuses := make(map[string]worktreeStatus, len(paths))
		for _, p := range paths {
			statuses[p] = worktreeStatus{
				BranchStatus: cache.BranchStatus(ctx, p, cfg.Remote, cfg.MainBranch),
				Dirty:        cache.Dirty(ctx, p),
			}
		}
		return refreshDoneMsg{
			statuses: statuses,
			states:   mux.States(ctx, names),
		}
	}
}

// setToast shows a transient status line.
func (m *Model) setToast(msg string, isErr bool) {
	m.statusMsg = msg
	m.statusExpiry = time.Now().Add(3 * time.Second)
	m.statusIsErr = isErr
}

func (m *Model) openPrompt(kind promptKind, placeholder string) {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.CharLimit = 120
	ti.Width = 40
	ti.Focus()
	m.prompt = kind
	m.promptInput = ti
}

func (m *Model) closePrompt() {
	m.prompt = promptNone
	m.conflictBranch = ""
	m.conflictName = ""
}
