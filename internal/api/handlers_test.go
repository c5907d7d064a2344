package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/log"
	"github.com/mattjoyce/pipepulse/internal/protocol"
	"github.com/mattjoyce/pipepulse/internal/scheduler"
	"github.com/mattjoyce/pipepulse/internal/supervisor"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

type fakePool struct {
	snaps    []worker.Snapshot
	failures []supervisor.LaunchFailure
	states   []scheduler.EntryStatus
}

func (f *fakePool) Workers() []worker.Snapshot { return f.snaps }
func (f *fakePool) LaunchFailures() []supervisor.LaunchFailure { return f.failures }
func (f *fakePool) SchedulerStates() []scheduler.EntryStatus { return f.states }
func (f *fakePool) Period() time.Duration { return time.Second }

func healthyPool() *fakePool {
	return &fakePool{
		snaps: []worker.Snapshot{
			{ID: 0, PID: 100, State: "running", Exchanges: 5, LastRequest: []int{0, 1, 1, 1}, LastResponse: []int{0, 1, 1, 1}},
			{ID: 1, PID: 101, State: "running", Exchanges: 4, LastRequest: []int{0, 1, 1, 1}},
		},
		states: []scheduler.EntryStatus{
			{WorkerID: 0, State: scheduler.StateScheduled, Period: time.Second, Ticks: 5},
			{WorkerID: 1, State: scheduler.StateScheduled, Period: time.Second, Ticks: 4},
		},
	}
}

func newTestServer(pool Pool, token string) (*Server, *events.Hub) {
	hub := events.NewHub(16)
	return New(Config{Listen: "localhost:0", Token: token}, pool, hub, log.Discard()), hub
}

func serve(t *testing.T, s *Server, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHandleHealthz(t *testing.T) {
	failedPool := healthyPool()
	failedPool.snaps[1].State = "failed"

	launchPool := healthyPool()
	launchPool.failures = []supervisor.LaunchFailure{{WorkerID: 2, Command: "./missing"}}

	downPool := &fakePool{snaps: []worker.Snapshot{{ID: 0, State: "failed"}}}

	tests := []struct {
		name       string
		pool       *fakePool
		wantCode   int
		wantStatus string
		wantRun    int
	}{
		{name: "all running", pool: healthyPool(), wantCode: http.StatusOK, wantStatus: HealthOK, wantRun: 2},
		{name: "one failed", pool: failedPool, wantCode: http.StatusOK, wantStatus: HealthDegraded, wantRun: 1},
		{name: "launch failure", pool: launchPool, wantCode: http.StatusOK, wantStatus: HealthDegraded, wantRun: 2},
		{name: "none running", pool: downPool, wantCode: http.StatusServiceUnavailable, wantStatus: HealthDown, wantRun: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Token set: /healthz must still answer without one.
			s, _ := newTestServer(tt.pool, "secret")
			rr := serve(t, s, "/healthz", "")

			require.Equal(t, tt.wantCode, rr.Code)
			var resp HealthzResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantRun, resp.Running)
			assert.Equal(t, "1s", resp.Period)
		})
	}
}

func TestHandleWorkers(t *testing.T) {
	pool := healthyPool()
	pool.failures = []supervisor.LaunchFailure{{WorkerID: 2, Command: "./missing", Error: "not found"}}
	s, _ := newTestServer(pool, "")

	rr := serve(t, s, "/workers", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp WorkersResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Len(t, resp.Workers, 2)
	assert.Equal(t, 0, resp.Workers[0].ID)
	assert.Equal(t, []int{0, 1, 1, 1}, resp.Workers[0].LastResponse)
	require.NotNil(t, resp.Workers[0].Schedule)
	assert.Equal(t, uint64(5), resp.Workers[0].Schedule.Ticks)
	require.Len(t, resp.LaunchFailures, 1)
	assert.Equal(t, "./missing", resp.LaunchFailures[0].Command)
}

func TestHandleWorker(t *testing.T) {
	pool := healthyPool()
	pool.failures = []supervisor.LaunchFailure{{WorkerID: 2, Command: "./missing"}}
	s, _ := newTestServer(pool, "")

	rr := serve(t, s, "/workers/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st WorkerStatus
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.Equal(t, 1, st.ID)
	assert.Equal(t, 101, st.PID)

	assert.Equal(t, http.StatusGone, serve(t, s, "/workers/2", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, s, "/workers/9", "").Code)
	assert.Equal(t, http.StatusBadRequest, serve(t, s, "/workers/abc", "").Code)
}

func TestAuthRequiredWhenTokenSet(t *testing.T) {
	s, _ := newTestServer(healthyPool(), "secret")

	assert.Equal(t, http.StatusUnauthorized, serve(t, s, "/workers", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, s, "/workers", "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, s, "/events", "").Code)
	assert.Equal(t, http.StatusOK, serve(t, s, "/workers", "secret").Code)
	assert.Equal(t, http.StatusOK, serve(t, s, "/openapi.json", "secret").Code)
}

func TestOpenAPIDocListsRoutes(t *testing.T) {
	doc := buildOpenAPIDoc()
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	for _, p := range []string{"/healthz", "/workers", "/workers/{id}", "/events"} {
		assert.Contains(t, paths, p)
	}
}

type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }
func (w *streamWriter) WriteHeader(int) {}
func (w *streamWriter) Flush() {}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func streamEvents(t *testing.T, s *Server, path, lastEventID string) (*streamWriter, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, path, nil).WithContext(ctx)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	w := newStreamWriter()
	done := make(chan struct{})
	go func() {
		s.Handler().ServeHTTP(w, req)
		close(done)
	}()

	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("stream did not exit after context cancel")
		}
	}
	return w, stop
}

func TestHandleEventsReplaysAndStreams(t *testing.T) {
	s, hub := newTestServer(healthyPool(), "")
	hub.Publish(events.TypeWorkerStarted, events.Lifecycle{WorkerID: 0, PID: 100})

	w, stop := streamEvents(t, s, "/events", "")
	defer stop()

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: worker.started\n")
	}, time.Second, 10*time.Millisecond)

	hub.Publish(events.TypeExchangeIn, events.NewExchange(0, 1, events.DirIn, protocol.Packet{0, 1, 1, 1}, "ok"))
	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: exchange.in\n")
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, strings.Count(w.String(), "id: 1\n"))
	assert.Contains(t, w.String(), `"decimal":"0 1 1 1"`)
}

func TestHandleEventsResumesAfterLastEventID(t *testing.T) {
	s, hub := newTestServer(healthyPool(), "")
	for i := 0; i < 3; i++ {
		hub.Publish(events.TypeWorkerStarted, events.Lifecycle{WorkerID: i})
	}

	w, stop := streamEvents(t, s, "/events", "2")
	defer stop()

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "id: 3\n")
	}, time.Second, 10*time.Millisecond)
	assert.NotContains(t, w.String(), "id: 1\n")
	assert.NotContains(t, w.String(), "id: 2\n")
}

func TestHandleEventsFiltersByType(t *testing.T) {
	s, hub := newTestServer(healthyPool(), "")
	hub.Publish(events.TypeWorkerStarted, events.Lifecycle{WorkerID: 0})
	hub.Publish(events.TypeExchangeFailed, events.Exchange{WorkerID: 0, Outcome: "short_read"})

	w, stop := streamEvents(t, s, "/events?types=exchange.", "")
	defer stop()

	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: exchange.failed\n")
	}, time.Second, 10*time.Millisecond)

	hub.Publish(events.TypeWorkerFailed, events.Lifecycle{WorkerID: 0, Error: "boom"})
	hub.Publish(events.TypeExchangeOut, events.NewExchange(0, 2, events.DirOut, protocol.Packet{}, "sent"))
	require.Eventually(t, func() bool {
		return strings.Contains(w.String(), "event: exchange.out\n")
	}, time.Second, 10*time.Millisecond)

	assert.NotContains(t, w.String(), "worker.")
}
