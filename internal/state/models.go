// Package state holds the durable record of the worktree fleet: which
// worktrees exist, which agent sessions run inside them, and the per-repo
// JSON store that persists it all.
package state

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultWorktreeName is the reserved name of the primary checkout entry.
// Fleet operations never delete it.
const DefaultWorktreeName = "main"

// Session is one running agent process inside the multiplexer.
type Session struct {
	ID              string    `json:"id"`
	TmuxSession     string    `json:"multiplexerSessionName"`
	Label           string    `json:"label"`
	InitialPrompt   string    `json:"initialPrompt,omitempty"`
	SkipPermissions bool      `json:"skipPermissions"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Worktree is one checked-out working copy bound to a branch. Sessions are
// kept in creation order, which is also display order.
type Worktree struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Sessions  []Session `json:"sessions"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppState is the persisted root for one repository.
type AppState struct {
	RepoRoot     string     `json:"repoRoot"`
	WorktreeBase string     `json:"worktreeBase"`
	Worktrees    []Worktree `json:"worktrees"`
}

// NewSessionID returns a short unique session token.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Worktree returns the worktree with the given name, or nil.
func (s *AppState) Worktree(name string) *Worktree {
	for i := range s.Worktrees {
		if s.Worktrees[i].Name == name {
			return &s.Worktrees[i]
		}
	}
	return nil
}

// RemoveWorktree drops the named worktree from the in-memory state. The
// caller is responsible for persisting afterward.
func (s *AppState) RemoveWorktree(name string) {
	kept := s.Worktrees[:0]
	for _, wt := range s.Worktrees {
		if wt.Name != name {
			kept = append(kept, wt)
		}
	}
	s.Worktrees = kept
}

// RemoveSession drops a session from the named worktree. No-op when either
// is missing.
func (s *AppState) RemoveSession(worktreeName, sessionID string) {
	wt := s.Worktree(worktreeName)
	if wt == nil {
		return
	}
	kept := wt.Sessions[:0]
	for _, sess := range wt.Sessions {
		if sess.ID != sessionID {
			kept = append(kept, sess)
		}
	}
	wt.Sessions = kept
}
