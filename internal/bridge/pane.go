package bridge

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	tea "github.com/charmbracelet/bubbletea"
)

// PollInterval is how often a bound pane is recaptured.
const PollInterval = 200 * time.Millisecond

// Muxer is the slice of the tmux client the bridge needs.
type Muxer interface {
	Capture(ctx context.Context, name string) string
	Send(ctx context.Context, name string, literal bool, keys ...string)
}

// Pane mirrors one tmux session. Captures arrive as messages on the
// program's update loop; a single tick chain is in flight per binding, and
// messages from a previous binding are discarded by binding identity (a
// generation counter, not the session name, so rebinding the same session
// also invalidates in-flight results).
type Pane struct {
	mux      Muxer
	session  string
	gen      uint64
	lastHash uint64
	content  string
}

func NewPane(mux Muxer) *Pane {
	return &Pane{mux: mux}
}

// tickMsg asks for the next capture of the bound session.
type tickMsg struct {
	gen uint64
}

// CaptureMsg carries captured pane content. OOB captures (after a key send)
// do not extend the tick chain.
type CaptureMsg struct {
	Session string
	Gen     uint64
	Content string
	OOB     bool
}

// Bind points the pane at a session and starts its poll chain. Binding the
// same session again forces a fresh render.
func (p *Pane) Bind(session string) tea.Cmd {
	p.session = session
	p.gen++
	p.lastHash = 0
	p.content = ""
	return p.captureCmd(session, p.gen, false)
}

// Unbind detaches the pane. In-flight messages for the old binding become
// stale and are dropped by Update.
func (p *Pane) Unbind() {
	p.session = ""
	p.gen++
	p.lastHash = 0
	p.content = ""
}

// Session returns the currently bound session name, if any.
func (p *Pane) Session() string { return p.session }

// Content returns the last captured pane text with background colors
// removed, so the pane inherits the surrounding style.
func (p *Pane) Content() string { return p.content }

// Update consumes bridge messages. changed reports whether the rendered
// content differs from the previous capture.
func (p *Pane) Update(msg tea.Msg) (cmd tea.Cmd, changed bool) {
	switch msg := msg.(type) {
	case tickMsg:
		if msg.gen != p.gen {
			return nil, false
		}
		return p.captureCmd(p.session, p.gen, false), false

	case CaptureMsg:
		if msg.Gen != p.gen {
			return nil, false
		}
		if !msg.OOB {
			cmd = p.tick()
		}
		h := xxhash.Sum64String(msg.Content)
		if h == p.lastHash {
			return cmd, false
		}
		p.lastHash = h
		p.content = stripBackground(msg.Content)
		return cmd, true
	}
	return nil, false
}

// HandleKey forwards a key event to the bound session and schedules an
// immediate out-of-band capture so the echo shows up before the next poll.
func (p *Pane) HandleKey(msg tea.KeyMsg) tea.Cmd {
	if p.session == "" {
		return nil
	}
	keys, literal, ok := TranslateKey(msg)
	if !ok {
		return nil
	}
	session, gen := p.session, p.gen
	return func() tea.Msg {
		ctx := context.Background()
		p.mux.Send(ctx, session, literal, keys...)
		return CaptureMsg{Session: session, Gen: gen, Content: p.mux.Capture(ctx, session), OOB: true}
	}
}

func (p *Pane) tick() tea.Cmd {
	gen := p.gen
	return tea.Tick(PollInterval, func(time.Time) tea.Msg {
		return tickMsg{gen: gen}
	})
}

func (p *Pane) captureCmd(session string, gen uint64, oob bool) tea.Cmd {
	return func() tea.Msg {
		return CaptureMsg{
			Session: session,
			Gen:     gen,
			Content: p.mux.Capture(context.Background(), session),
			OOB:     oob,
		}
	}
}

var sgrRe = regexp.MustCompile("\x1b\\[([0-9;]*)m")

// stripBackground removes background-color parameters from SGR sequences
// while leaving foreground styling intact.
func stripBackground(s string) string {
	return sgrRe.ReplaceAllStringFunc(s, func(seq string) string {
		params := strings.Split(seq[2:len(seq)-1], ";")
		kept := make([]string, 0, len(params))
		for i := 0; i < len(params); i++ {
			p := params[i]
			switch {
			case p == "48":
				// 48;5;n or 48;2;r;g;b extended background.
				if i+1 < len(params) {
					switch params[i+1] {
					case "5":
						i += 2
					case "2":
						i += 4
					}
				}
			case isBackgroundParam(p):
			default:
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			return ""
		}
		return "\x1b[" + strings.Join(kept, ";") + "m"
	})
}

func isBackgroundParam(p string) bool {
	switch p {
	case "40", "41", "42", "43", "44", "45", "46", "47", "49",
		"100", "101", "102", "103", "104", "105", "106", "107":
		return true
	}
	return false
}
