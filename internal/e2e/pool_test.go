package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/pipepulse/internal/api"
	"github.com/mattjoyce/pipepulse/internal/config"
	"github.com/mattjoyce/pipepulse/internal/console"
	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/journal"
	"github.com/mattjoyce/pipepulse/internal/log"
	"github.com/mattjoyce/pipepulse/internal/storage"
	"github.com/mattjoyce/pipepulse/internal/supervisor"
)

// lockedBuffer lets the console printer and the test share a buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func createWorker(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write worker %s: %v", name, err)
	}
	return path
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode
}

// TestEndToEndPool runs ten workers, one of which cannot launch and one of
// which dies after its first answer, with every sink attached.
func TestEndToEndPool(t *testing.T) {
	// 1. Setup Environment
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "journal.db")

	echo := createWorker(t, tmpDir, "echo", "#!/bin/sh\nexec cat\n")
	// Answers once, then sends half a packet and exits.
	flaky := createWorker(t, tmpDir, "flaky", "#!/bin/sh\nhead -c 4\nhead -c 4 >/dev/null\nprintf '\\001\\002'\n")

	cfgYAML := `
service:
  name: e2e
  log_level: error
state:
  path: ` + dbPath + `
pool:
  count: 10
  command: ` + echo + `
  every: 30ms
  scene: 2
  shape: 3
  state: 4
  stop_timeout: 1s
workers:
  - id: 4
    command: ` + filepath.Join(tmpDir, "missing") + `
  - id: 7
    command: ` + flaky + `
    scene: 9
`
	cfg, err := config.Parse([]byte(cfgYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	runID, err := journal.BeginRun(ctx, db, journal.RunInfo{Service: cfg.Service.Name, Workers: cfg.Pool.Count, Period: cfg.Period()})
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}

	// 2. Wire sinks
	hub := events.NewHub(4096)
	rec := journal.NewRecorder(db, runID, log.Discard(), journal.Options{FlushInterval: 10 * time.Millisecond})
	trace := &lockedBuffer{}
	sink := events.Fanout{hub, rec, console.NewPrinter(trace)}

	sup := supervisor.New(supervisor.BuildSpecs(cfg), cfg.Period(), sink, log.Discard())
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Shutdown()

	srv := httptest.NewServer(api.New(api.Config{}, sup, hub, log.Discard()).Handler())
	defer srv.Close()

	// 3. Let the pool tick
	deadline := time.Now().Add(5 * time.Second)
	for {
		var health api.HealthzResponse
		getJSON(t, srv.URL+"/healthz", &health)
		if health.Failed >= 1 && strings.Count(trace.String(), "] IN:") >= 9*3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not settle: health=%+v\ntrace:\n%s", health, trace.String())
		}
		time.Sleep(30 * time.Millisecond)
	}

	// 4. Inspect through the API
	var health api.HealthzResponse
	if code := getJSON(t, srv.URL+"/healthz", &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if health.Status != api.HealthDegraded {
		t.Fatalf("health = %q, want degraded", health.Status)
	}
	if health.Workers != 9 || health.Running != 8 || health.LaunchFailures != 1 {
		t.Fatalf("unexpected health %+v", health)
	}

	var workers api.WorkersResponse
	getJSON(t, srv.URL+"/workers", &workers)
	if len(workers.Workers) != 9 || len(workers.LaunchFailures) != 1 || workers.LaunchFailures[0].WorkerID != 4 {
		t.Fatalf("unexpected /workers: %+v", workers)
	}
	for _, w := range workers.Workers {
		if w.ID == 7 {
			if w.State != "failed" {
				t.Fatalf("worker 7 state = %q, want failed", w.State)
			}
			continue
		}
		if w.State != "running" || w.Exchanges == 0 {
			t.Fatalf("worker %d: state=%s exchanges=%d", w.ID, w.State, w.Exchanges)
		}
		if got := w.LastResponse; len(got) != 4 || got[1] != 2 || got[2] != 3 || got[3] != 4 {
			t.Fatalf("worker %d last response = %v", w.ID, got)
		}
	}

	// 5. Stop and verify the journal
	if err := sup.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("recorder close: %v", err)
	}
	if err := journal.EndRun(ctx, db, runID, rec.Dropped()); err != nil {
		t.Fatalf("EndRun: %v", err)
	}

	summary, err := journal.Summarize(ctx, db, runID)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	byID := make(map[int]journal.WorkerSummary)
	for _, w := range summary.Workers {
		byID[w.WorkerID] = w
	}
	if w := byID[7]; w.OK != 1 || w.Outcomes["short_read"] != 1 || w.LastResponse != "0 9 3 4" {
		t.Fatalf("worker 7 summary = %+v", w)
	}
	if w := byID[4]; w.Events[events.TypeWorkerFailed] != 1 || w.OK != 0 {
		t.Fatalf("worker 4 summary = %+v", w)
	}
	if w := byID[0]; w.OK < 3 || w.Failed != 0 {
		t.Fatalf("worker 0 summary = %+v", w)
	}

	out := trace.String()
	if !strings.Contains(out, "[7] IN:  00000000 (0) 00001001 (9) 00000011 (3) 00000100 (4)") {
		t.Fatalf("trace missing worker 7 response:\n%s", out)
	}
	if !strings.Contains(out, "[7] ERR: short_read") {
		t.Fatalf("trace missing worker 7 failure:\n%s", out)
	}
}
