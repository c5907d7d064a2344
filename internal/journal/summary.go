package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// WorkerSummary aggregates one worker's exchanges within a run.
type WorkerSummary struct {
	WorkerID     int            `json:"worker_id"`
	OK           int            `json:"ok"`
	Failed       int            `json:"failed"`
	Outcomes     map[string]int `json:"outcomes"`
	MeanLatency  time.Duration  `json:"mean_latency"`
	LastResponse string         `json:"last_response,omitempty"`
	Events       map[string]int `json:"events,omitempty"`
}

// Summary is the report for one run.
type Summary struct {
	Run     RunInfo         `json:"run"`
	Workers []WorkerSummary `json:"workers"`
}

// Summarize aggregates the exchanges of runID per worker.
func Summarize(ctx context.Context, db *sql.DB, runID string) (*Summary, error) {
	run, err := GetRun(ctx, db, runID)
	if err != nil {
		return nil, err
	}

	byWorker := make(map[int]*WorkerSummary)
	get := func(id int) *WorkerSummary {
		ws, ok := byWorker[id]
		if !ok {
			ws = &WorkerSummary{WorkerID: id, Outcomes: make(map[string]int)}
			byWorker[id] = ws
		}
		return ws
	}

	rows, err := db.QueryContext(ctx, `
SELECT worker_id, outcome, COUNT(*), COALESCE(AVG(duration_us), 0)
FROM exchanges
WHERE run_id = ? AND direction = 'IN'
GROUP BY worker_id, outcome;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize exchanges: %w", err)
	}
	for rows.Next() {
		var (
			workerID int
			outcome  string
			count    int
			avgUS    float64
		)
		if err := rows.Scan(&workerID, &outcome, &count, &avgUS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		ws := get(workerID)
		ws.Outcomes[outcome] = count
		if outcome == "ok" {
			ws.OK = count
			ws.MeanLatency = time.Duration(avgUS * float64(time.Microsecond))
		} else {
			ws.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("summarize exchanges: %w", err)
	}
	rows.Close()

	last, err := db.QueryContext(ctx, `
SELECT e.worker_id, e.bytes
FROM exchanges e
JOIN (
  SELECT worker_id, MAX(id) AS id
  FROM exchanges
  WHERE run_id = ? AND direction = 'IN' AND outcome = 'ok'
  GROUP BY worker_id
) latest ON latest.id = e.id;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("last responses: %w", err)
	}
	for last.Next() {
		var (
			workerID int
			b        sql.NullString
		)
		if err := last.Scan(&workerID, &b); err != nil {
			last.Close()
			return nil, fmt.Errorf("scan last response: %w", err)
		}
		get(workerID).LastResponse = b.String
	}
	last.Close()

	evRows, err := db.QueryContext(ctx, `
SELECT worker_id, type, COUNT(*)
FROM worker_events
WHERE run_id = ?
GROUP BY worker_id, type;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("summarize worker events: %w", err)
	}
	for evRows.Next() {
		var (
			workerID  int
			eventType string
			count     int
		)
		if err := evRows.Scan(&workerID, &eventType, &count); err != nil {
			evRows.Close()
			return nil, fmt.Errorf("scan worker event: %w", err)
		}
		ws := get(workerID)
		if ws.Events == nil {
			ws.Events = make(map[string]int)
		}
		ws.Events[eventType] = count
	}
	evRows.Close()

	s := &Summary{Run: run}
	for _, ws := range byWorker {
		s.Workers = append(s.Workers, *ws)
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].WorkerID < s.Workers[j].WorkerID })
	return s, nil
}
