package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"

	"github.com/marcus/foreman/internal/state"
	"github.com/marcus/foreman/internal/tmux"
)

const sidebarWidth = 34

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("12"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	dirtyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	borderStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, true, false, false).BorderForeground(lipgloss.Color("8"))
	promptStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func (m Model) paneWidth() int {
	w := m.width - sidebarWidth - 1
	if w < 1 {
		w = 1
	}
	return w
}

func (m Model) paneHeight() int {
	h := m.height - 2
	if h < 1 {
		h = 1
	}
	return h
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	sidebar := m.renderSidebar()
	pane := m.view.View()
	body := lipgloss.JoinHorizontal(lipgloss.Top,
		borderStyle.Width(sidebarWidth).Height(m.paneHeight()).Render(sidebar),
		pane,
	)

	if m.prompt != promptNone {
		return m.renderPrompt()
	}
	return m.renderHeader() + "\n" + body + "\n" + m.renderStatusBar()
}

func (m Model) renderHeader() string {
	title := "foreman · " + filepath.Base(m.cfg.RepoRoot)
	if m.pendingWorktree {
		title += "  " + m.spin.View() + "creating worktree"
	}
	return headerStyle.Render(runewidth.Truncate(title, m.width, "…"))
}

func (m Model) renderSidebar() string {
	var b strings.Builder
	rowIdx := 0
	for _, wt := range m.st.Worktrees {
		line := m.worktreeLine(&wt)
		b.WriteString(m.sidebarLine(line, rowIdx))
		b.WriteByte('\n')
		rowIdx++
		for _, sess := range wt.Sessions {
			line := "  " + m.stateGlyph(sess.TmuxSession) + " " + sess.Label
			b.WriteString(m.sidebarLine(line, rowIdx))
			b.WriteByte('\n')
			rowIdx++
		}
	}
	if rowIdx == 0 {
		b.WriteString(dimStyle.Render("no worktrees (ctrl+n)"))
	}
	return b.String()
}

// worktreeLine renders the name with ahead/behind and dirty markers.
func (m Model) worktreeLine(wt *state.Worktree) string {
	line := wt.Name
	if st, ok := m.statuses[wt.Path]; ok {
		if st.Ahead > 0 || st.Behind > 0 {
			line += dimStyle.Render(fmt.Sprintf(" ↑%d↓%d", st.Ahead, st.Behind))
		}
		if st.Dirty {
			line += dirtyStyle.Render(" *")
		}
	}
	return line
}

func (m Model) sidebarLine(line string, rowIdx int) string {
	line = ansi.Truncate(line, sidebarWidth-1, "…")
	if rowIdx == m.cursor && m.focus == focusSidebar {
		return selectedStyle.Render(ansi.Strip(line))
	}
	return line
}

// stateGlyph marks the session's agent state.
func (m Model) stateGlyph(sessionName string) string {
	switch m.sessStates[sessionName] {
	case tmux.StateWaitingInput:
		return dirtyStyle.Render("?")
	case tmux.StateWaitingApproval:
		return errStyle.Render("!")
	case tmux.StateDead:
		return dimStyle.Render("x")
	default:
		return "·"
	}
}

func (m Model) renderStatusBar() string {
	if m.statusMsg != "" {
		if m.statusIsErr {
			return errStyle.Render(runewidth.Truncate(m.statusMsg, m.width, "…"))
		}
		return runewidth.Truncate(m.statusMsg, m.width, "…")
	}
	help := "ctrl+n new worktree · ctrl+s new session · ctrl+d kill session · ctrl+e delete worktree · ctrl+r reconcile · tab focus · ctrl+q quit"
	return dimStyle.Render(runewidth.Truncate(help, m.width, "…"))
}

func (m Model) renderPrompt() string {
	var content string
	switch m.prompt {
	case promptNewWorktree:
		content = "New worktree\n\n" + m.promptInput.View()
	case promptNewSession:
		content = "New session\n\n" + m.promptInput.View()
	case promptBranchConflict:
		content = fmt.Sprintf("Branch %q already exists.\n\n[u] use existing branch  [d] detached  [esc] cancel", m.conflictBranch)
	}
	box := promptStyle.Render(content)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}
