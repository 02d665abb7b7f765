// Package renderer mirrors operation results to stderr for a human
// watching the server's terminal. It never writes to stdout — that is the
// MCP wire, and anything written there would corrupt the JSON-RPC stream.
package renderer

import (
	"fmt"
	"io"
	"strings"

	"github.com/ahma-mcp/ahma/internal/opmonitor"
	"github.com/charmbracelet/lipgloss"
)

// Styles holds the lipgloss styles used to mirror operation lifecycle
// events.
type Styles struct {
	Dispatched lipgloss.Style
	Success    lipgloss.Style
	Failure    lipgloss.Style
	TimedOut   lipgloss.Style
	Cancelled  lipgloss.Style
	Dim        lipgloss.Style
}

// DefaultStyles returns styles with colors enabled.
func DefaultStyles() Styles {
	return Styles{
		Dispatched: lipgloss.NewStyle().Foreground(lipgloss.Color("6")), // cyan
		Success:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")), // green
		Failure:    lipgloss.NewStyle().Foreground(lipgloss.Color("1")), // red
		TimedOut:   lipgloss.NewStyle().Foreground(lipgloss.Color("3")), // yellow
		Cancelled:  lipgloss.NewStyle().Faint(true),
		Dim:        lipgloss.NewStyle().Faint(true),
	}
}

// NoColorStyles returns styles with no colors, for non-tty stderr.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Dispatched: plain, Success: plain, Failure: plain, TimedOut: plain, Cancelled: plain, Dim: plain}
}

// TerminalRenderer writes a short mirror of every operation state
// transition it is told about to an io.Writer (in production, os.Stderr):
// one status line, plus the first line of the result when there is one.
type TerminalRenderer struct {
	w      io.Writer
	styles Styles
}

// New creates a TerminalRenderer writing to w.
func New(w io.Writer, styles Styles) *TerminalRenderer {
	return &TerminalRenderer{w: w, styles: styles}
}

// Dispatched reports that id was just registered and handed to the
// Adapter.
func (r *TerminalRenderer) Dispatched(id, toolName, description string) {
	fmt.Fprintf(r.w, "%s %s\n",
		r.styles.Dispatched.Render("▶"),
		r.styles.Dim.Render(fmt.Sprintf("%s  %s  %s", id, toolName, description)))
}

// Terminal reports a snapshot's terminal state, mirroring the same
// information the NotificationPump sends to the MCP peer.
func (r *TerminalRenderer) Terminal(snap opmonitor.Snapshot) {
	glyph, style := r.glyphFor(snap.State)
	line := fmt.Sprintf("%s %s  %s  %s", glyph, snap.ID, snap.ToolName, snap.State)
	if snap.Reason != "" {
		line += "  (" + snap.Reason + ")"
	}
	fmt.Fprintln(r.w, style.Render(line))

	if out := firstLine(string(snap.Result)); out != "" {
		fmt.Fprintln(r.w, r.styles.Dim.Render("  └ "+out))
	}
}

func (r *TerminalRenderer) glyphFor(state opmonitor.State) (string, lipgloss.Style) {
	switch state {
	case opmonitor.StateCompleted:
		return "✓", r.styles.Success
	case opmonitor.StateFailed:
		return "✗", r.styles.Failure
	case opmonitor.StateTimedOut:
		return "⏱", r.styles.TimedOut
	case opmonitor.StateCancelled:
		return "⊘", r.styles.Cancelled
	default:
		return "•", r.styles.Dim
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const maxLen = 160
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}
