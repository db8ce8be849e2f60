package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/marcus/foreman/internal/gitx"
	"github.com/marcus/foreman/internal/tmux"
)

// opTimeout bounds the subprocess work behind a single key press.
const opTimeout = 30 * time.Second

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.view = viewport.New(m.paneWidth(), m.paneHeight())
		m.view.SetContent(m.pane.Content())
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case refreshTickMsg:
		if time.Now().After(m.statusExpiry) {
			m.statusMsg = ""
		}
		return m, tea.Batch(m.refreshCmd(), refreshTick())

	case refreshDoneMsg:
		m.statuses = msg.statuses
		m.sessStates = msg.states
		return m, nil

	case spinner.TickMsg:
		if !m.pendingWorktree {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case worktreeCreatedMsg:
		return m.handleWorktreeCreated(msg)

	case sessionCreatedMsg:
		return m.handleSessionCreated(msg)

	case sessionDeletedMsg:
		return m.handleSessionDeleted(msg)

	case worktreeDeletedMsg:
		return m.handleWorktreeDeleted(msg)

	case reconcileDoneMsg:
		return m.handleReconcileDone(msg)

	case StateFileChangedMsg:
		return m, m.reloadCmd()

	case stateReloadedMsg:
		if msg.err != nil {
			m.setToast("state reload failed: "+msg.err.Error(), true)
			return m, nil
		}
		m.st = msg.st
		m.rebuildRows()
		return m, m.refreshCmd()
	}

	// Bridge messages (ticks and captures) fall through to the pane.
	cmd, changed := m.pane.Update(msg)
	if cmd != nil {
		cmds = append(cmds, cmd)
	}
	if changed {
		m.view.SetContent(m.pane.Content())
		m.view.GotoBottom()
	}
	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Application chrome keys win over everything, including a focused pane.
	switch msg.String() {
	case "ctrl+q":
		return m, tea.Quit
	case "tab":
		if m.prompt != promptNone {
			return m, nil
		}
		if m.focus == focusSidebar && m.pane.Session() != "" {
			m.focus = focusPane
		} else {
			m.focus = focusSidebar
		}
		return m, nil
	}

	if m.prompt != promptNone {
		return m.handlePromptKey(msg)
	}

	switch msg.String() {
	case "ctrl+n":
		m.openPrompt(promptNewWorktree, "worktree name")
		return m, nil
	case "ctrl+s":
		if r, ok := m.selected(); ok && r.worktree != "" {
			m.openPrompt(promptNewSession, "initial prompt (optional)")
		}
		return m, nil
	case "ctrl+d":
		return m.deleteSelectedSession()
	case "ctrl+e":
		return m.deleteSelectedWorktree()
	case "ctrl+r":
		return m.reconcileNow()
	case "ctrl+t":
		m.skipPermissions = !m.skipPermissions
		if m.skipPermissions {
			m.setToast("new sessions will skip permission prompts", false)
		} else {
			m.setToast("new sessions will ask for permissions", false)
		}
		return m, nil
	case "ctrl+o":
		if r, ok := m.selected(); ok {
			if wt := m.st.Worktree(r.worktree); wt != nil {
				m.cache.Invalidate(wt.Path)
			}
		}
		return m, m.refreshCmd()
	case "ctrl+a":
		m.focus = focusPane
		return m, m.bindSelected()
	}

	if m.focus == focusPane {
		return m, m.pane.HandleKey(msg)
	}
	return m.handleSidebarKey(msg)
}

func (m Model) handleSidebarKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, m.bindSelected()
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
		return m, m.bindSelected()
	case "enter":
		if _, sess := m.selectedSession(); sess != nil {
			m.focus = focusPane
			return m, m.bindSelected()
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.prompt == promptBranchConflict {
		switch msg.String() {
		case "u":
			name, branch := m.conflictName, m.conflictBranch
			m.closePrompt()
			return m.startCreateWorktree(name, gitx.CreateOptions{Branch: branch, UseExistingBranch: true})
		case "d":
			name := m.conflictName
			m.closePrompt()
			return m.startCreateWorktree(name, gitx.CreateOptions{Detach: true})
		case "esc":
			m.closePrompt()
			return m, nil
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.closePrompt()
		return m, nil
	case "enter":
		value := strings.TrimSpace(m.promptInput.Value())
		kind := m.prompt
		m.closePrompt()
		switch kind {
		case promptNewWorktree:
			return m.submitNewWorktree(value)
		case promptNewSession:
			return m.submitNewSession(value)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.promptInput, cmd = m.promptInput.Update(msg)
	return m, cmd
}

func (m Model) submitNewWorktree(name string) (tea.Model, tea.Cmd) {
	if name == "" {
		return m, nil
	}
	if m.st.Worktree(name) != nil {
		m.setToast(fmt.Sprintf("worktree %q already exists", name), true)
		return m, nil
	}
	return m.startCreateWorktree(name, gitx.CreateOptions{Branch: m.cfg.BranchPrefix + name})
}

// startCreateWorktree runs the git work in the background; the result comes
// back as a worktreeCreatedMsg.
func (m Model) startCreateWorktree(name string, opts gitx.CreateOptions) (tea.Model, tea.Cmd) {
	m.pendingWorktree = true
	mgr := m.mgr
	index := len(m.st.Worktrees)
	create := func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res, err := mgr.CreateWorktree(ctx, name, index, opts)
		return worktreeCreatedMsg{name: name, res: res, err: err}
	}
	return m, tea.Batch(m.spin.Tick, create)
}

func (m Model) handleWorktreeCreated(msg worktreeCreatedMsg) (tea.Model, tea.Cmd) {
	m.pendingWorktree = false
	if msg.err != nil {
		m.setToast("create worktree: "+msg.err.Error(), true)
		return m, nil
	}
	if msg.res.BranchConflict != "" {
		m.prompt = promptBranchConflict
		m.conflictName = msg.name
		m.conflictBranch = msg.res.BranchConflict
		return m, nil
	}
	m.st.Worktrees = append(m.st.Worktrees, *msg.res.Worktree)
	m.save()
	m.rebuildRows()
	m.setToast("created worktree "+msg.name, false)
	return m, m.refreshCmd()
}

// submitNewSession spawns in the background against a snapshot of the
// worktree; the session is appended when sessionCreatedMsg arrives.
func (m Model) submitNewSession(prompt string) (tea.Model, tea.Cmd) {
	r, ok := m.selected()
	if !ok {
		return m, nil
	}
	wt := m.st.Worktree(r.worktree)
	if wt == nil {
		return m, nil
	}
	mgr := m.mgr
	snapshot := *wt
	opts := tmux.SpawnOptions{Prompt: prompt, SkipPermissions: m.skipPermissions}
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		sess, err := mgr.SpawnSession(ctx, snapshot, opts)
		return sessionCreatedMsg{worktree: snapshot.Name, sess: sess, err: err}
	}
}

func (m Model) handleSessionCreated(msg sessionCreatedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.setToast("new session: "+msg.err.Error(), true)
		return m, nil
	}
	wt := m.st.Worktree(msg.worktree)
	if wt == nil {
		// Worktree vanished while the spawn was in flight.
		return m, nil
	}
	wt.Sessions = append(wt.Sessions, msg.sess)
	m.save()
	m.rebuildRows()
	m.cursorToSession(msg.worktree, msg.sess.ID)
	m.focus = focusPane
	return m, m.pane.Bind(msg.sess.TmuxSession)
}

func (m Model) deleteSelectedSession() (tea.Model, tea.Cmd) {
	wt, sess := m.selectedSession()
	if sess == nil {
		return m, nil
	}
	if m.pane.Session() == sess.TmuxSession {
		m.pane.Unbind()
		m.view.SetContent("")
		m.focus = focusSidebar
	}
	mgr := m.mgr
	tmuxName := sess.TmuxSession
	done := sessionDeletedMsg{worktree: wt.Name, sessionID: sess.ID, label: sess.Label}
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		mgr.KillSession(ctx, tmuxName)
		return done
	}
}

func (m Model) handleSessionDeleted(msg sessionDeletedMsg) (tea.Model, tea.Cmd) {
	m.st.RemoveSession(msg.worktree, msg.sessionID)
	m.save()
	m.rebuildRows()
	m.setToast("deleted session "+msg.label, false)
	return m, nil
}

func (m Model) deleteSelectedWorktree() (tea.Model, tea.Cmd) {
	r, ok := m.selected()
	if !ok {
		return m, nil
	}
	wt := m.st.Worktree(r.worktree)
	if wt == nil {
		return m, nil
	}
	if m.pane.Session() != "" {
		for _, sess := range wt.Sessions {
			if sess.TmuxSession == m.pane.Session() {
				m.pane.Unbind()
				m.view.SetContent("")
				m.focus = focusSidebar
				break
			}
		}
	}
	force := m.forceDelete == wt.Name && time.Now().Before(m.forceDeleteBy)
	m.forceDelete = ""
	mgr := m.mgr
	snapshot := *wt
	repoRoot := m.st.RepoRoot
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		err := mgr.RemoveWorktree(ctx, repoRoot, snapshot, force)
		return worktreeDeletedMsg{name: snapshot.Name, err: err}
	}
}

func (m Model) handleWorktreeDeleted(msg worktreeDeletedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		if errors.Is(msg.err, gitx.ErrWorktreeDirty) {
			m.forceDelete = msg.name
			m.forceDeleteBy = time.Now().Add(3 * time.Second)
			m.setToast("worktree has changes; press ctrl+e again to force", true)
			return m, nil
		}
		m.setToast("delete worktree: "+msg.err.Error(), true)
		return m, nil
	}
	m.st.RemoveWorktree(msg.name)
	m.save()
	m.rebuildRows()
	m.setToast("deleted worktree "+msg.name, false)
	return m, nil
}

// reconcileNow reconciles against a fresh read of the state file off the UI
// loop. Every mutation saves immediately, so disk is authoritative; the
// in-memory state is swapped wholesale when the result arrives.
func (m Model) reconcileNow() (tea.Model, tea.Cmd) {
	mgr, store, cfg := m.mgr, m.store, m.cfg
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		st, err := store.Load(cfg)
		if err != nil {
			return reconcileDoneMsg{err: err}
		}
		changed := mgr.Reconcile(ctx, st)
		recovered, err := mgr.Recover(ctx, st)
		if changed || recovered {
			if serr := store.Save(st, cfg); serr != nil && err == nil {
				err = serr
			}
		}
		return reconcileDoneMsg{st: st, err: err}
	}
}

func (m Model) handleReconcileDone(msg reconcileDoneMsg) (tea.Model, tea.Cmd) {
	if msg.st != nil {
		m.st = msg.st
		m.rebuildRows()
	}
	if msg.err != nil {
		m.setToast("reconcile: "+msg.err.Error(), true)
	} else {
		m.setToast("reconciled", false)
	}
	return m, m.refreshCmd()
}

// cursorToSession moves the cursor onto the given session row.
func (m *Model) cursorToSession(worktreeName, sessionID string) {
	for i, r := range m.rows {
		if r.worktree == worktreeName && r.session == sessionID {
			m.cursor = i
			return
		}
	}
}

func (m *Model) save() {
	if err := m.store.Save(m.st, m.cfg); err != nil {
		m.setToast("save state: "+err.Error(), true)
	}
}

func (m Model) reloadCmd() tea.Cmd {
	store, cfg := m.store, m.cfg
	return func() tea.Msg {
		st, err := store.Load(cfg)
		return stateReloadedMsg{st: st, err: err}
	}
}
