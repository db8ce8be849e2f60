package app

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/foreman/internal/gitx"
	"github.com/marcus/foreman/internal/state"
	"github.com/marcus/foreman/internal/tmux"
)

// StateFileChangedMsg is sent from the state-file watcher when another
// process saved this repo's state.
type StateFileChangedMsg struct{}

// refreshTickMsg fires the periodic sidebar refresh.
type refreshTickMsg struct{}

// refreshDoneMsg carries the refreshed git status and session states.
type refreshDoneMsg struct {
	statuses map[string]worktreeStatus
	states   map[string]tmux.SessionState
}

// worktreeCreatedMsg reports a finished background worktree creation.
type worktreeCreatedMsg struct {
	name string
	res  gitx.CreateResult
	err  error
}

// sessionCreatedMsg reports a finished background session spawn.
type sessionCreatedMsg struct {
	worktree string
	sess     state.Session
	err      error
}

// sessionDeletedMsg reports a finished background session kill.
type sessionDeletedMsg struct {
	worktree  string
	sessionID string
	label     string
}

// worktreeDeletedMsg reports a finished background worktree removal.
type worktreeDeletedMsg struct {
	name string
	err  error
}

// reconcileDoneMsg carries the state produced by a background reconcile.
type reconcileDoneMsg struct {
	st  *state.AppState
	err error
}

// stateReloadedMsg carries a state freshly read back from disk.
type stateReloadedMsg struct {
	st  *state.AppState
	err error
}

func refreshTick() tea.Cmd {
	return tea.Tick(sidebarRefreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}
