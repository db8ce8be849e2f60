package bridge

import (
	"context"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

// fakeMux serves scripted capture content and records sends.
type fakeMux struct {
	content string
	sends   [][]string
}

func (f *fakeMux) Capture(context.Context, string) string { return f.content }

func (f *fakeMux) Send(_ context.Context, _ string, literal bool, keys ...string) {
	f.sends = append(f.sends, keys)
}

// runCmd executes a command chain until it yields a non-tick message.
func runCmd(t *testing.T, cmd tea.Cmd) tea.Msg {
	t.Helper()
	if cmd == nil {
		t.Fatal("nil command")
	}
	return cmd()
}

func TestBindCapturesImmediately(t *testing.T) {
	mux := &fakeMux{content: "hello"}
	p := NewPane(mux)

	msg := runCmd(t, p.Bind("fm-a-0"))
	cap, ok := msg.(CaptureMsg)
	if !ok {
		t.Fatalf("msg = %T, want CaptureMsg", msg)
	}
	if cap.Session != "fm-a-0" || cap.Content != "hello" || cap.OOB {
		t.Errorf("capture = %+v", cap)
	}

	cmd, changed := p.Update(cap)
	if !changed {
		t.Error("first capture did not render")
	}
	if cmd == nil {
		t.Error("poll chain not continued")
	}
	if p.Content() != "hello" {
		t.Errorf("Content = %q", p.Content())
	}
}

func TestIdenticalCaptureSuppressesRender(t *testing.T) {
	mux := &fakeMux{content: "same"}
	p := NewPane(mux)
	p.Update(runCmd(t, p.Bind("fm-a-0")).(CaptureMsg))

	// Second identical capture: chain continues, nothing re-renders.
	cmd, changed := p.Update(CaptureMsg{Session: "fm-a-0", Gen: p.gen, Content: "same"})
	if changed {
		t.Error("identical content triggered a render")
	}
	if cmd == nil {
		t.Error("poll chain not continued")
	}

	_, changed = p.Update(CaptureMsg{Session: "fm-a-0", Gen: p.gen, Content: "different"})
	if !changed {
		t.Error("new content did not render")
	}
}

func TestStaleCaptureDiscarded(t *testing.T) {
	mux := &fakeMux{content: "old"}
	p := NewPane(mux)
	first := runCmd(t, p.Bind("fm-a-0")).(CaptureMsg)
	p.Bind("fm-b-0")

	cmd, changed := p.Update(first)
	if changed {
		t.Error("stale capture rendered")
	}
	if cmd != nil {
		t.Error("stale capture extended the poll chain")
	}
}

func TestStaleCaptureDiscardedOnRebindToSameSession(t *testing.T) {
	mux := &fakeMux{content: "old"}
	p := NewPane(mux)
	first := runCmd(t, p.Bind("fm-a-0")).(CaptureMsg)
	p.Unbind()
	p.Bind("fm-a-0")

	// Same session name, earlier binding: still stale.
	cmd, changed := p.Update(first)
	if changed {
		t.Error("capture from a previous binding rendered")
	}
	if cmd != nil {
		t.Error("capture from a previous binding extended the poll chain")
	}
}

func TestStaleTickDiscarded(t *testing.T) {
	p := NewPane(&fakeMux{})
	p.Bind("fm-a-0")
	old := p.gen
	p.Unbind()

	cmd, _ := p.Update(tickMsg{gen: old})
	if cmd != nil {
		t.Error("tick from a stale binding survived")
	}
}

func TestRebindSameSessionForcesRender(t *testing.T) {
	mux := &fakeMux{content: "same"}
	p := NewPane(mux)
	p.Update(runCmd(t, p.Bind("fm-a-0")).(CaptureMsg))

	// Rebinding resets the hash, so unchanged content still renders once.
	_, changed := p.Update(runCmd(t, p.Bind("fm-a-0")).(CaptureMsg))
	if !changed {
		t.Error("rebind did not force a render")
	}
}

func TestOutOfBandCaptureDoesNotExtendChain(t *testing.T) {
	p := NewPane(&fakeMux{})
	p.Bind("fm-a-0")

	cmd, changed := p.Update(CaptureMsg{Session: "fm-a-0", Gen: p.gen, Content: "echo", OOB: true})
	if !changed {
		t.Error("out-of-band capture did not render")
	}
	if cmd != nil {
		t.Error("out-of-band capture scheduled a tick; the poll chain would multiply")
	}
}

func TestHandleKeySendsAndCaptures(t *testing.T) {
	mux := &fakeMux{content: "after"}
	p := NewPane(mux)
	p.Bind("fm-a-0")

	cmd := p.HandleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	msg := runCmd(t, cmd)
	cap, ok := msg.(CaptureMsg)
	if !ok || !cap.OOB {
		t.Fatalf("msg = %#v, want out-of-band CaptureMsg", msg)
	}
	if len(mux.sends) != 1 || mux.sends[0][0] != "x" {
		t.Errorf("sends = %v", mux.sends)
	}
}

func TestHandleKeyReservedDropped(t *testing.T) {
	mux := &fakeMux{}
	p := NewPane(mux)
	p.Bind("fm-a-0")

	if cmd := p.HandleKey(tea.KeyMsg{Type: tea.KeyCtrlQ}); cmd != nil {
		t.Error("reserved key produced a send command")
	}
	if len(mux.sends) != 0 {
		t.Errorf("sends = %v", mux.sends)
	}
}

func TestStripBackground(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "hello", "hello"},
		{"foreground kept", "\x1b[31mred\x1b[0m", "\x1b[31mred\x1b[0m"},
		{"basic background dropped", "\x1b[41mtext\x1b[0m", "text\x1b[0m"},
		{"mixed keeps foreground", "\x1b[31;41mtext\x1b[0m", "\x1b[31mtext\x1b[0m"},
		{"256-color background dropped", "\x1b[48;5;21mtext\x1b[0m", "text\x1b[0m"},
		{"truecolor background dropped", "\x1b[48;2;10;20;30mtext\x1b[0m", "text\x1b[0m"},
		{"bright background dropped", "\x1b[101mtext\x1b[0m", "text\x1b[0m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripBackground(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestContentStripsBackground(t *testing.T) {
	mux := &fakeMux{content: "\x1b[44mblue bg\x1b[0m"}
	p := NewPane(mux)
	p.Update(runCmd(t, p.Bind("fm-a-0")).(CaptureMsg))
	if strings.Contains(p.Content(), "[44m") {
		t.Errorf("background sequence survived: %q", p.Content())
	}
}
