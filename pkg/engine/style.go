package engine

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)
}

// statusStyles colors Summary's per-session status column, adapted from
// common/utils/style.go's palette.
var statusStyles = map[Status]lipgloss.Style{
	StatusPendingNew:    lipgloss.NewStyle().Foreground(lipgloss.Color("#cc9500")), // yellow
	StatusLive:          lipgloss.NewStyle().Foreground(lipgloss.Color("#06cc00")), // green
	StatusPendingDelete: lipgloss.NewStyle().Foreground(lipgloss.Color("#ff7c28")), // orange
	StatusDeleted:       lipgloss.NewStyle().Foreground(lipgloss.Color("#adadad")), // gray
}

var forceEvictedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#cc0000")) // red

// Summary renders a human-readable, colorized snapshot of every session
// currently known to the engine's scheduler loop: its handle, status,
// force-eviction state and how many operations it has completed. Intended
// for a demo/debug binary's terminal output, not for machine parsing.
func (e *Engine) Summary() string {
	sessions := e.loop.Sessions()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s\n", e.monitor.String()))

	for _, s := range sessions {
		status := s.Status()
		line := fmt.Sprintf("  %s  %-16s  executed=%d", statusStyles[status].Render(status.String()), s.Handle, s.TotalExecutedOp())
		if s.ForceEvicted() {
			line += "  " + forceEvictedStyle.Render("FORCE-EVICTED")
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}
