// Package tmux wraps the tmux server with the small surface the fleet
// manager needs: spawning agent sessions, liveness, capture, key sends, and
// the environment-variable state protocol.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/foreman/internal/execx"
	"github.com/marcus/foreman/internal/state"
)

const (
	// DefaultPrefix namespaces foreman's tmux sessions.
	DefaultPrefix = "fm"

	// SessionEnvVar tells a spawned session its own tmux session name.
	SessionEnvVar = "FOREMAN_SESSION_NAME"

	// StateEnvVar is set by the agent process to publish its state back.
	StateEnvVar = "FOREMAN_AGENT_STATE"

	// agentBinary is the interactive coding agent launched in each session.
	agentBinary = "claude"

	// maxNameProbes caps the collision search before giving up.
	maxNameProbes = 1000

	// captureHistoryLines is the scrollback window captured per poll.
	captureHistoryLines = 500

	commandTimeout = 10 * time.Second
)

// SessionState classifies a session from the env-var protocol.
type SessionState int

const (
	StateDead SessionState = iota
	StateRunning
	StateWaitingInput
	StateWaitingApproval
)

func (s SessionState) String() string {
	switch s {
	case StateDead:
		return "dead"
	case StateRunning:
		return "running"
	case StateWaitingInput:
		return "waiting_input"
	case StateWaitingApproval:
		return "waiting_approval"
	default:
		return "unknown"
	}
}

// stateValues is the closed tag set the agent may publish. Anything else,
// including an unset variable, reads as running.
var stateValues = map[string]SessionState{
	"running":          StateRunning,
	"waiting_input":    StateWaitingInput,
	"waiting_approval": StateWaitingApproval,
}

// SpawnOptions control a new agent session.
type SpawnOptions struct {
	// Prompt seeds the agent's first message. Ignored when Resume is set.
	Prompt string

	// Label is the display name; falls back to the prompt, then a counter.
	Label string

	// SkipPermissions launches the agent with permission prompts disabled.
	SkipPermissions bool

	// Resume reattaches the agent to its most recent conversation in the
	// worktree directory instead of starting fresh.
	Resume bool
}

// Client is a handle on one local tmux server. Constructed and injected,
// never global, so tests and multiple instances stay isolated.
type Client struct {
	run     execx.Runner
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client using the OS runner.
func NewClient(prefix string, logger *slog.Logger) *Client {
	return NewClientWithRunner(prefix, logger, execx.OSRunner{})
}

// NewClientWithRunner creates a client with a custom runner, for tests.
func NewClientWithRunner(prefix string, logger *slog.Logger, run execx.Runner) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{run: run, prefix: prefix, timeout: commandTimeout, logger: logger}
}

// SessionName builds the globally-unique session name for a worktree slot.
func (c *Client) SessionName(worktreeName string, index int) string {
	return fmt.Sprintf("%s-%s-%d", c.prefix, worktreeName, index)
}

// ListSessions returns every session name on the server. A missing server
// reads as no sessions.
func (c *Client) ListSessions(ctx context.Context) []string {
	out, err := c.tmux(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		c.logger.Debug("tmux list-sessions failed", "error", err)
		return nil
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names
}

// availableName finds the next free session name for a worktree, starting at
// its current session count and probing past live names. Exhaustion after
// maxNameProbes attempts is a fatal, reported error.
func (c *Client) availableName(ctx context.Context, wt *state.Worktree) (string, error) {
	existing := make(map[string]struct{})
	for _, name := range c.ListSessions(ctx) {
		existing[name] = struct{}{}
	}
	index := len(wt.Sessions)
	for range maxNameProbes {
		name := c.SessionName(wt.Name, index)
		if _, taken := existing[name]; !taken {
			return name, nil
		}
		index++
	}
	return "", fmt.Errorf("no available session name for worktree %q after %d attempts",
		wt.Name, maxNameProbes)
}

// NewSession spawns the agent in a fresh detached tmux session rooted at the
// worktree path and enables mouse reporting on it. The returned Session is
// not appended to the worktree; the caller owns that mutation and the
// subsequent save.
func (c *Client) NewSession(ctx context.Context, wt *state.Worktree, opts SpawnOptions) (state.Session, error) {
	name, err := c.availableName(ctx, wt)
	if err != nil {
		return state.Session{}, err
	}

	label := opts.Label
	if label == "" {
		label = opts.Prompt
	}
	if label == "" {
		label = fmt.Sprintf("session %d", len(wt.Sessions))
	}

	cmd := buildAgentCommand(name, opts)
	if _, err := c.tmux(ctx, "new-session", "-d", "-s", name, "-c", wt.Path, cmd); err != nil {
		return state.Session{}, fmt.Errorf("create tmux session %s: %s", name, execx.Stderr(err))
	}
	c.EnableMouse(ctx, name)

	return state.Session{
		ID:              state.NewSessionID(),
		TmuxSession:     name,
		Label:           label,
		InitialPrompt:   opts.Prompt,
		SkipPermissions: opts.SkipPermissions,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// buildAgentCommand assembles the single shell line the session runs: the
// env protocol, the agent binary, and its flags.
func buildAgentCommand(sessionName string, opts SpawnOptions) string {
	cmd := agentBinary
	if opts.SkipPermissions {
		cmd += " --dangerously-skip-permissions"
	}
	switch {
	case opts.Resume:
		cmd += " --continue"
	case opts.Prompt != "":
		cmd += " " + shellQuote(opts.Prompt)
	}
	return fmt.Sprintf("env %s=%s TERM=xterm-256color %s", SessionEnvVar, shellQuote(sessionName), cmd)
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsAlive reports whether the session exists on the server.
func (c *Client) IsAlive(ctx context.Context, sessionName string) bool {
	_, err := c.tmux(ctx, "has-session", "-t", sessionName)
	return err == nil
}

// Kill removes a session. Best-effort: the session may already be gone.
func (c *Client) Kill(ctx context.Context, sessionName string) {
	if _, err := c.tmux(ctx, "kill-session", "-t", sessionName); err != nil {
		c.logger.Debug("failed to kill tmux session", "session", sessionName, "error", err)
	}
}

// KillAll kills every session recorded on the worktree.
func (c *Client) KillAll(ctx context.Context, wt *state.Worktree) {
	for _, sess := range wt.Sessions {
		c.Kill(ctx, sess.TmuxSession)
	}
}

// EnableMouse turns on mouse reporting for a session. Best-effort.
func (c *Client) EnableMouse(ctx context.Context, sessionName string) {
	if _, err := c.tmux(ctx, "set-option", "-t", sessionName, "mouse", "on"); err != nil {
		c.logger.Debug("failed to enable mouse", "session", sessionName, "error", err)
	}
}

// Capture returns the pane's recent scrollback with escape sequences intact.
// A lost session yields a placeholder message, never an error.
func (c *Client) Capture(ctx context.Context, sessionName string) string {
	out, err := c.tmux(ctx, "capture-pane", "-p", "-e", "-J",
		"-S", fmt.Sprintf("-%d", captureHistoryLines), "-t", sessionName)
	if err != nil {
		return fmt.Sprintf("[Session %s not found]", sessionName)
	}
	return string(out)
}

// Send forwards keystrokes to a session. Literal mode bypasses tmux key-name
// parsing so characters like '/' and ';' arrive unmangled. Failures are
// logged, never raised; the session may already be gone.
func (c *Client) Send(ctx context.Context, sessionName string, literal bool, keys ...string) {
	for _, key := range keys {
		args := []string{"send-keys"}
		if literal {
			args = append(args, "-l")
		}
		args = append(args, "-t", sessionName, key)
		if _, err := c.tmux(ctx, args...); err != nil {
			c.logger.Debug("failed to send keys", "session", sessionName, "error", err)
			return
		}
	}
}

// States classifies each named session in one pass: one list-sessions call
// decides liveness, then a show-environment call per live session reads the
// agent-published state variable.
func (c *Client) States(ctx context.Context, sessionNames []string) map[string]SessionState {
	if len(sessionNames) == 0 {
		return map[string]SessionState{}
	}

	live := make(map[string]struct{})
	for _, name := range c.ListSessions(ctx) {
		live[name] = struct{}{}
	}

	results := make(map[string]SessionState, len(sessionNames))
	for _, name := range sessionNames {
		if _, ok := live[name]; !ok {
			results[name] = StateDead
			continue
		}
		results[name] = c.sessionState(ctx, name)
	}
	return results
}

func (c *Client) sessionState(ctx context.Context, sessionName string) SessionState {
	out, err := c.tmux(ctx, "show-environment", "-t", sessionName, StateEnvVar)
	if err != nil {
		return StateRunning
	}
	line := strings.TrimSpace(string(out))
	_, value, found := strings.Cut(line, "=")
	if !found {
		return StateRunning
	}
	if st, ok := stateValues[value]; ok {
		return st
	}
	return StateRunning
}

func (c *Client) tmux(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.run.Run(ctx, "", "tmux", args...)
}
