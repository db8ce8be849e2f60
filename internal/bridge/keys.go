// Package bridge mirrors a tmux pane into the UI and forwards keystrokes
// back to it.
package bridge

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// reservedKeys stay with the application even while a pane is focused.
var reservedKeys = map[string]struct{}{
	"ctrl+n": {},
	"ctrl+s": {},
	"ctrl+a": {},
	"ctrl+t": {},
	"ctrl+r": {},
	"ctrl+d": {},
	"ctrl+e": {},
	"ctrl+q": {},
	"ctrl+o": {},
	"tab":    {},
}

// newlineKeys insert a literal newline in the agent's input box rather than
// submitting it. tmux has no named key for that, so they forward as
// Escape then Enter.
var newlineKeys = map[string]struct{}{
	"shift+enter":  {},
	"shift+return": {},
	"alt+enter":    {},
	"alt+return":   {},
}

// specialKeys maps terminal key names to tmux send-keys names.
var specialKeys = map[string]string{
	"enter":     "Enter",
	"return":    "Enter",
	"esc":       "Escape",
	"escape":    "Escape",
	"backspace": "BSpace",
	"delete":    "DC",
	"up":        "Up",
	"down":      "Down",
	"left":      "Left",
	"right":     "Right",
	"home":      "Home",
	"end":       "End",
	"pgup":      "PPage",
	"pageup":    "PPage",
	"pgdown":    "NPage",
	"pagedown":  "NPage",
}

// TranslateKey converts a terminal key event into tmux send-keys arguments.
// literal marks keys that must be sent with -l (raw text, no name lookup).
// ok is false when the key is reserved for the application or has no tmux
// representation and must not be forwarded.
func TranslateKey(msg tea.KeyMsg) (keys []string, literal bool, ok bool) {
	if msg.Paste {
		return []string{string(msg.Runes)}, true, true
	}

	name := msg.String()
	if _, reserved := reservedKeys[name]; reserved {
		return nil, false, false
	}
	if _, nl := newlineKeys[name]; nl {
		return []string{"Escape", "Enter"}, false, true
	}
	if tmuxName, special := specialKeys[name]; special {
		return []string{tmuxName}, false, true
	}

	switch msg.Type {
	case tea.KeyRunes:
		if msg.Alt {
			return nil, false, false
		}
		return []string{string(msg.Runes)}, true, true
	case tea.KeySpace:
		return []string{" "}, true, true
	}

	// ctrl+<letter> forwards as tmux C-<letter>.
	if rest, isCtrl := strings.CutPrefix(name, "ctrl+"); isCtrl && len(rest) == 1 {
		return []string{"C-" + rest}, false, true
	}

	return nil, false, false
}
