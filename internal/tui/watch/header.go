package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks pool health from /healthz polling.
type HealthState struct {
	Status         string
	UptimeSeconds  int64
	Workers        int
	Running        int
	Failed         int
	LaunchFailures int
	Period         string
	Connected      bool
	LastCheck      time.Time
}

func renderHeader(health HealthState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StateRunning.Render("HEALTHY")
	switch {
	case !health.Connected:
		statusText = theme.StateExited.Render("CONNECTING")
	case health.Status == "down":
		statusText = theme.StateFailed.Render("DOWN")
	case health.Status != "ok" && health.Status != "":
		statusText = theme.StateFailed.Render("DEGRADED")
	}

	lastResponse := "never"
	if !pulse.LastSeen().IsZero() {
		lastResponse = fmt.Sprintf("%s ago", now.Sub(pulse.LastSeen()).Round(time.Second))
	}

	title := " PIPEPULSE WATCH"
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  every %s  workers %d  running %d  failed %d  never started %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		orDash(health.Period),
		health.Workers,
		health.Running,
		health.Failed,
		health.LaunchFailures,
	)

	activityLine := fmt.Sprintf(" Last response: %s %s", lastResponse, pulse.Render(theme))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
