package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/pipepulse/internal/events"
)

// Options tunes a Recorder. Zero values pick the defaults.
type Options struct {
	// Buffer is how many events may wait for the writer before new ones are dropped.
	Buffer int
	// BatchSize is the most rows written per transaction.
	BatchSize int
	// FlushInterval bounds how long an event waits in a partial batch.
	FlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 500 * time.Millisecond
	}
	return o
}

type record struct {
	eventType string
	at        time.Time
	exchange  *events.Exchange
	lifecycle *events.Lifecycle
}

// Recorder is an events.Sink that writes exchange and worker events to the
// journal from its own goroutine. Publish never blocks: when the buffer is
// full the event is dropped and counted.
type Recorder struct {
	db     *sql.DB
	runID  string
	logger *slog.Logger
	opts   Options

	mu     sync.RWMutex
	closed bool
	ch     chan record
	done   chan struct{}

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	// writeErr is the first batch error. Only the writer goroutine sets it.
	writeErr error
}

// NewRecorder starts a recorder for runID.
func NewRecorder(db *sql.DB, runID string, logger *slog.Logger, opts Options) *Recorder {
	opts = opts.withDefaults()
	r := &Recorder{
		db:     db,
		runID:  runID,
		logger: logger.With("component", "journal", "run_id", runID),
		opts:   opts,
		ch:     make(chan record, opts.Buffer),
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

// Publish implements events.Sink.
func (r *Recorder) Publish(eventType string, data any) {
	rec := record{eventType: eventType, at: time.Now().UTC()}
	switch v := data.(type) {
	case events.Exchange:
		rec.exchange = &v
	case events.Lifecycle:
		if !strings.HasPrefix(eventType, "worker.") {
			return
		}
		rec.lifecycle = &v
	default:
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Dropped is the number of events that were never written.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() + r.failed.Load() }

// Written is the number of rows committed.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Close flushes pending events and stops the writer. It reports batches that
// could not be written. Safe to call twice.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	<-r.done
	if n := r.failed.Load(); n > 0 {
		return fmt.Errorf("%d journal rows not written: %w", n, r.writeErr)
	}
	return nil
}

func (r *Recorder) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]record, 0, r.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(context.Background(), batch); err != nil {
			r.failed.Add(int64(len(batch)))
			if r.writeErr == nil {
				r.writeErr = err
			}
			r.logger.Error("Failed to write journal batch", "rows", len(batch), "error", err)
		} else {
			r.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-r.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exStmt, err := tx.PrepareContext(ctx, `
INSERT INTO exchanges(run_id, worker_id, seq, direction, bytes, outcome, error, duration_us, at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare exchanges: %w", err)
	}
	defer exStmt.Close()

	evStmt, err := tx.PrepareContext(ctx, `
INSERT INTO worker_events(run_id, worker_id, type, pid, error, at)
VALUES(?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare worker_events: %w", err)
	}
	defer evStmt.Close()

	for _, rec := range batch {
		at := rec.at.Format(time.RFC3339Nano)
		switch {
		case rec.exchange != nil:
			x := rec.exchange
			var duration any
			if x.DurationUS > 0 {
				duration = x.DurationUS
			}
			if _, err := exStmt.ExecContext(ctx, r.runID, x.WorkerID, x.Seq, x.Direction,
				nullable(x.Decimal), x.Outcome, nullable(x.Error), duration, at); err != nil {
				return fmt.Errorf("insert exchange: %w", err)
			}
		case rec.lifecycle != nil:
			l := rec.lifecycle
			var pid any
			if l.PID > 0 {
				pid = l.PID
			}
			if _, err := evStmt.ExecContext(ctx, r.runID, l.WorkerID, rec.eventType, pid,
				nullable(l.Error), at); err != nil {
				return fmt.Errorf("insert worker event: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
