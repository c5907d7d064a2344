// Package journal persists runs and exchange outcomes to SQLite so a run can
// be summarized after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoRuns is returned when the journal holds no runs.
var ErrNoRuns = errors.New("journal has no runs")

// RunInfo describes one harness run.
type RunInfo struct {
	ID             string        `json:"id"`
	Service        string        `json:"service"`
	ConfigPath     string        `json:"config_path,omitempty"`
	ConfigHash     string        `json:"config_hash,omitempty"`
	Workers        int           `json:"workers"`
	LaunchFailures int           `json:"launch_failures"`
	Period         time.Duration `json:"period"`
	StartedAt      time.Time     `json:"started_at"`
	StoppedAt      *time.Time    `json:"stopped_at,omitempty"`
	Dropped        int64         `json:"dropped"`
}

// BeginRun inserts a run row and returns its id. A new UUID is assigned when
// info.ID is empty.
func BeginRun(ctx context.Context, db *sql.DB, info RunInfo) (string, error) {
	if info.Service == "" {
		return "", fmt.Errorf("service is empty")
	}
	id := info.ID
	if id == "" {
		id = uuid.NewString()
	}
	started := info.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO runs(id, service, config_path, config_hash, workers, launch_failures, period_us, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, info.Service, nullable(info.ConfigPath), nullable(info.ConfigHash), info.Workers, info.LaunchFailures,
		info.Period.Microseconds(), started.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// UpdateRunWorkers records how many workers actually started.
func UpdateRunWorkers(ctx context.Context, db *sql.DB, runID string, workers, launchFailures int) error {
	_, err := db.ExecContext(ctx, `UPDATE runs SET workers = ?, launch_failures = ? WHERE id = ?;`,
		workers, launchFailures, runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// EndRun stamps the stop time and the number of events the recorder dropped.
func EndRun(ctx context.Context, db *sql.DB, runID string, dropped int64) error {
	res, err := db.ExecContext(ctx, `UPDATE runs SET stopped_at = ?, dropped = ? WHERE id = ?;`,
		time.Now().UTC().Format(time.RFC3339Nano), dropped, runID)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end run %s: no such run", runID)
	}
	return nil
}

// LatestRunID returns the most recently started run.
func LatestRunID(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1;`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRuns
	}
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

// ListRuns returns up to limit runs, newest first.
func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
SELECT id, service, config_path, config_hash, workers, launch_failures, period_us, started_at, stopped_at, dropped
FROM runs
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

// GetRun loads one run.
func GetRun(ctx context.Context, db *sql.DB, runID string) (RunInfo, error) {
	row := db.QueryRowContext(ctx, `
SELECT id, service, config_path, config_hash, workers, launch_failures, period_us, started_at, stopped_at, dropped
FROM runs
WHERE id = ?;
`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("run %s not found", runID)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunInfo, error) {
	var (
		r          RunInfo
		configPath sql.NullString
		configHash sql.NullString
		periodUS   int64
		startedS   string
		stoppedS   sql.NullString
	)
	if err := s.Scan(&r.ID, &r.Service, &configPath, &configHash, &r.Workers, &r.LaunchFailures,
		&periodUS, &startedS, &stoppedS, &r.Dropped); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunInfo{}, err
		}
		return RunInfo{}, fmt.Errorf("scan run: %w", err)
	}
	r.ConfigPath = configPath.String
	r.ConfigHash = configHash.String
	r.Period = time.Duration(periodUS) * time.Microsecond
	if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
		r.StartedAt = t
	}
	if stoppedS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, stoppedS.String); err == nil {
			r.StoppedAt = &t
		}
	}
	return r, nil
}

// Prune deletes runs started more than retention ago, with their rows.
// A zero retention keeps everything.
func Prune(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return n, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
