package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	fs, err := DetectFilesystem(path)
	if err != nil {
		return nil, err
	}
	if err := checkLocal(path, fs); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	// Pragmas in the DSN are reapplied on every new connection.
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY out of the recorder's flush path.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id              TEXT PRIMARY KEY,
  service         TEXT NOT NULL,
  config_path     TEXT,
  config_hash     TEXT,
  workers         INTEGER NOT NULL,
  launch_failures INTEGER NOT NULL DEFAULT 0,
  period_us       INTEGER NOT NULL,
  started_at      TEXT NOT NULL,
  stopped_at      TEXT,
  dropped         INTEGER NOT NULL DEFAULT 0
);`,
		`CREATE TABLE IF NOT EXISTS exchanges (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  worker_id   INTEGER NOT NULL,
  seq         INTEGER NOT NULL,
  direction   TEXT NOT NULL,
  bytes       TEXT,
  outcome     TEXT NOT NULL,
  error       TEXT,
  duration_us INTEGER,
  at          TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS worker_events (
  id        INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  worker_id INTEGER NOT NULL,
  type      TEXT NOT NULL,
  pid       INTEGER,
  error     TEXT,
  at        TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS exchanges_run_worker_idx ON exchanges(run_id, worker_id);`,
		`CREATE INDEX IF NOT EXISTS worker_events_run_idx ON worker_events(run_id);`,
		`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
