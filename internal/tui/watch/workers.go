package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pipepulse/internal/api"
	"github.com/mattjoyce/pipepulse/internal/events"
)

// WorkerRow is what the monitor knows about one worker.
type WorkerRow struct {
	ID        int
	PID       int
	State     string
	LastOut   string
	LastIn    string
	OK        uint64
	Failed    uint64
	LastError string
	LastSeen  time.Time
}

// payload covers the fields of both exchange and lifecycle events.
type payload struct {
	WorkerID int    `json:"worker_id"`
	PID      int    `json:"pid"`
	State    string `json:"state"`
	Decimal  string `json:"decimal"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error"`
}

// applyEvent folds one event into rows. It reports whether a response
// arrived.
func applyEvent(rows map[int]*WorkerRow, e events.Event) bool {
	if !strings.HasPrefix(e.Type, "exchange.") && !strings.HasPrefix(e.Type, "worker.") {
		return false
	}
	var p payload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return false
	}

	row, ok := rows[p.WorkerID]
	if !ok {
		row = &WorkerRow{ID: p.WorkerID}
		rows[p.WorkerID] = row
	}
	row.LastSeen = e.At

	switch e.Type {
	case events.TypeExchangeOut:
		row.LastOut = p.Decimal
	case events.TypeExchangeIn:
		row.LastIn = p.Decimal
		row.OK++
		return true
	case events.TypeExchangeFailed:
		row.Failed++
		row.LastError = joinNonEmpty(p.Outcome, p.Error)
	case events.TypeWorkerStarted:
		row.State = "running"
		row.PID = p.PID
	case events.TypeWorkerFailed:
		row.State = "failed"
		if p.Error != "" {
			row.LastError = p.Error
		}
	case events.TypeWorkerExited:
		if row.State != "failed" {
			row.State = "exited"
		}
	case events.TypeWorkerStopped:
		if row.State != "failed" {
			row.State = "stopped"
		}
	}
	return false
}

// seedRows replaces rows with the pool's current snapshot.
func seedRows(rows map[int]*WorkerRow, resp api.WorkersResponse) {
	for _, w := range resp.Workers {
		row, ok := rows[w.ID]
		if !ok {
			row = &WorkerRow{ID: w.ID}
			rows[w.ID] = row
		}
		row.PID = w.PID
		row.State = w.State
		row.LastOut = decimal(w.LastRequest)
		row.LastIn = decimal(w.LastResponse)
		row.OK = w.Exchanges
		row.Failed = w.Failures
		row.LastError = w.LastError
	}
	for _, f := range resp.LaunchFailures {
		rows[f.WorkerID] = &WorkerRow{ID: f.WorkerID, State: "failed", LastError: f.Error}
	}
}

func decimal(b []int) string {
	if len(b) == 0 {
		return ""
	}
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ": ")
}

func newWorkerTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 4},
			{Title: "PID", Width: 8},
			{Title: "State", Width: 9},
			{Title: "OUT", Width: 15},
			{Title: "IN", Width: 15},
			{Title: "OK", Width: 8},
			{Title: "Fail", Width: 6},
			{Title: "Last error", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// tableRows renders rows ordered by worker id.
func tableRows(rows map[int]*WorkerRow) []table.Row {
	ids := make([]int, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		r := rows[id]
		pid := "-"
		if r.PID > 0 {
			pid = strconv.Itoa(r.PID)
		}
		state := r.State
		if state == "" {
			state = "?"
		}
		out = append(out, table.Row{
			strconv.Itoa(r.ID),
			pid,
			state,
			r.LastOut,
			r.LastIn,
			strconv.FormatUint(r.OK, 10),
			strconv.FormatUint(r.Failed, 10),
			truncate(r.LastError, 30),
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func countStates(rows map[int]*WorkerRow) (running, failed int) {
	for _, r := range rows {
		switch r.State {
		case "running":
			running++
		case "failed":
			failed++
		}
	}
	return running, failed
}

func renderWorkers(t table.Model, rows map[int]*WorkerRow, theme Theme, width int) string {
	running, failed := countStates(rows)
	title := fmt.Sprintf("WORKERS (%d)  running %d  failed %d", len(rows), running, failed)

	parts := []string{theme.Title.Render(title), t.View()}
	if sel := t.SelectedRow(); len(sel) > 0 {
		if id, err := strconv.Atoi(sel[0]); err == nil {
			if r, ok := rows[id]; ok {
				parts = append(parts, renderDetail(r, theme))
			}
		}
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func renderDetail(r *WorkerRow, theme Theme) string {
	line := fmt.Sprintf(" worker %d %s", r.ID, theme.ForState(r.State).Render("● "+orDash(r.State)))
	if r.LastIn != "" {
		line += "  last IN " + theme.Highlight.Render(r.LastIn)
	}
	if r.LastError != "" {
		line += "  " + theme.StateFailed.Render(r.LastError)
	}
	return line
}
