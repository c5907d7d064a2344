package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pipepulse/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, limit int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= limit {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(e.Type, ".failed"), e.Type == events.TypeWorkerExited:
		typeStyle = theme.StateFailed
	case e.Type == events.TypeExchangeIn, strings.HasSuffix(e.Type, ".started"):
		typeStyle = theme.StateRunning
	case strings.HasPrefix(e.Type, "supervisor."), strings.HasPrefix(e.Type, "scheduler."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-18s", e.Type)), describeEvent(e))
}

func describeEvent(e events.Event) string {
	var p payload
	_ = json.Unmarshal(e.Data, &p)

	switch {
	case strings.HasPrefix(e.Type, "exchange."):
		if e.Type == events.TypeExchangeFailed {
			return fmt.Sprintf("[%d] %s", p.WorkerID, joinNonEmpty(p.Outcome, p.Error))
		}
		return fmt.Sprintf("[%d] %s", p.WorkerID, p.Decimal)
	case strings.HasPrefix(e.Type, "worker."), strings.HasPrefix(e.Type, "scheduler."):
		desc := fmt.Sprintf("[%d]", p.WorkerID)
		if p.PID > 0 {
			desc += fmt.Sprintf(" pid %d", p.PID)
		}
		if p.Error != "" {
			desc += " " + p.Error
		}
		return desc
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
