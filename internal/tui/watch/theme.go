// Package watch implements the pipepulse live monitor: a worker table fed by
// the /events stream of a running pool.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every colour in one place.
type Theme struct {
	StateRunning lipgloss.Style
	StateFailed  lipgloss.Style
	StateStopped lipgloss.Style
	StateExited  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StateStopped: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateExited:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// ForState picks the style for a worker state.
func (t Theme) ForState(state string) lipgloss.Style {
	switch state {
	case "running":
		return t.StateRunning
	case "failed":
		return t.StateFailed
	case "exited":
		return t.StateExited
	default:
		return t.StateStopped
	}
}
