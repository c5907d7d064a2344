// Package inspect renders journal contents for the report command.
package inspect

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/pipepulse/internal/journal"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	Run      journal.RunInfo         `json:"run"`
	Duration string                  `json:"duration,omitempty"`
	Totals   Totals                  `json:"totals"`
	Workers  []journal.WorkerSummary `json:"workers"`
}

// Totals sums the per-worker counters of a run.
type Totals struct {
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

func gatherReportData(ctx context.Context, db *sql.DB, runID string) (*Report, error) {
	if runID == "" {
		latest, err := journal.LatestRunID(ctx, db)
		if err != nil {
			return nil, err
		}
		runID = latest
	}

	s, err := journal.Summarize(ctx, db, runID)
	if err != nil {
		return nil, err
	}

	r := &Report{Run: s.Run, Workers: s.Workers}
	if r.Workers == nil {
		r.Workers = []journal.WorkerSummary{}
	}
	if s.Run.StoppedAt != nil {
		r.Duration = s.Run.StoppedAt.Sub(s.Run.StartedAt).Round(time.Millisecond).String()
	}
	for _, w := range s.Workers {
		r.Totals.OK += w.OK
		r.Totals.Failed += w.Failed
	}
	return r, nil
}

// BuildReport renders a terminal-friendly summary of a run. An empty runID
// selects the most recent run.
func BuildReport(ctx context.Context, db *sql.DB, runID string) (string, error) {
	report, err := gatherReportData(ctx, db, runID)
	if err != nil {
		return "", err
	}
	run := report.Run

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", run.ID)
	fmt.Fprintf(&out, "Service     : %s\n", run.Service)
	fmt.Fprintf(&out, "Config      : %s\n", orNone(run.ConfigPath))
	fmt.Fprintf(&out, "Config hash : %s\n", orNone(shortHash(run.ConfigHash)))
	fmt.Fprintf(&out, "Period      : %s\n", run.Period)
	fmt.Fprintf(&out, "Started     : %s\n", run.StartedAt.Format(time.RFC3339))
	if run.StoppedAt != nil {
		fmt.Fprintf(&out, "Stopped     : %s (%s)\n", run.StoppedAt.Format(time.RFC3339), report.Duration)
	} else {
		fmt.Fprintf(&out, "Stopped     : <running or crashed>\n")
	}
	fmt.Fprintf(&out, "Workers     : %d started, %d failed to launch\n", run.Workers, run.LaunchFailures)
	fmt.Fprintf(&out, "Exchanges   : %d ok, %d failed\n", report.Totals.OK, report.Totals.Failed)
	if run.Dropped > 0 {
		fmt.Fprintf(&out, "Dropped     : %d journal records\n", run.Dropped)
	}
	fmt.Fprintf(&out, "\n")

	if len(report.Workers) == 0 {
		fmt.Fprintf(&out, "No exchanges recorded.\n")
		return out.String(), nil
	}

	for _, w := range report.Workers {
		fmt.Fprintf(&out, "[%d] ok=%d failed=%d\n", w.WorkerID, w.OK, w.Failed)
		if w.OK > 0 {
			fmt.Fprintf(&out, "    mean latency  : %s\n", w.MeanLatency.Round(time.Microsecond))
		}
		if w.LastResponse != "" {
			fmt.Fprintf(&out, "    last response : %s\n", w.LastResponse)
		}
		if failures := formatCounts(w.Outcomes, "ok"); failures != "" {
			fmt.Fprintf(&out, "    failures      : %s\n", failures)
		}
		if ev := formatCounts(w.Events, ""); ev != "" {
			fmt.Fprintf(&out, "    lifecycle     : %s\n", ev)
		}
	}

	return out.String(), nil
}

// BuildJSONReport returns the run report as indented JSON.
func BuildJSONReport(ctx context.Context, db *sql.DB, runID string) (string, error) {
	report, err := gatherReportData(ctx, db, runID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	return string(data), nil
}

// BuildRunList renders the most recent runs, newest first.
func BuildRunList(ctx context.Context, db *sql.DB, limit int) (string, error) {
	runs, err := journal.ListRuns(ctx, db, limit)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "No runs recorded.\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%-36s  %-20s  %7s  %8s  %s\n", "RUN", "STARTED", "WORKERS", "PERIOD", "STATUS")
	for _, r := range runs {
		status := "running"
		if r.StoppedAt != nil {
			status = "stopped after " + r.StoppedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(&out, "%-36s  %-20s  %7d  %8s  %s\n",
			r.ID, r.StartedAt.Format(time.RFC3339), r.Workers, r.Period, status)
	}
	return out.String(), nil
}

// formatCounts renders "a=1, b=2" in key order, skipping skip.
func formatCounts(m map[string]int, skip string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if k != skip {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, ", ")
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
