package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/scheduler/mocks"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *TestLogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *TestLogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.String()
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type recordingSink struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingSink) Publish(eventType string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recordingSink) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type call struct {
	start, end time.Time
}

// fakeExchanger sleeps for delays[i] on call i and records timings.
type fakeExchanger struct {
	id     int
	delays []time.Duration
	panics bool

	mu    sync.Mutex
	calls []call
}

func (f *fakeExchanger) ID() int { return f.id }

func (f *fakeExchanger) Exchange() worker.Result {
	if f.panics {
		panic("boom")
	}
	start := time.Now()
	f.mu.Lock()
	n := len(f.calls)
	f.mu.Unlock()
	if n < len(f.delays) {
		time.Sleep(f.delays[n])
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{start: start, end: time.Now()})
	f.mu.Unlock()
	return worker.Result{WorkerID: f.id, Seq: uint64(n + 1)}
}

func (f *fakeExchanger) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func stateOf(s *Scheduler, id int) EntryStatus {
	for _, st := range s.States() {
		if st.WorkerID == id {
			return st
		}
	}
	return EntryStatus{}
}

func TestNextDelay(t *testing.T) {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	period := time.Second

	tests := []struct {
		name string
		k    int64
		now  time.Time
		want time.Duration
	}{
		{"first tick fires at once", 0, epoch, 0},
		{"on time", 1, epoch.Add(200 * time.Millisecond), 800 * time.Millisecond},
		{"exactly due", 2, epoch.Add(2 * time.Second), 0},
		{"late tick is clamped", 1, epoch.Add(1500 * time.Millisecond), 0},
		{"schedule does not drift", 5, epoch.Add(4900 * time.Millisecond), 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextDelay(epoch, tt.k, period, tt.now))
		})
	}
}

func TestSlowTickFiresNextImmediately(t *testing.T) {
	slogger, _ := NewTestSlogger()
	s := New(nil, slogger)

	period := 100 * time.Millisecond
	fx := &fakeExchanger{id: 1, delays: []time.Duration{250 * time.Millisecond}}
	require.NoError(t, s.Register(fx, period))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(fx.Calls()) >= 4 }, 3*time.Second, 10*time.Millisecond)
	s.Stop()

	calls := fx.Calls()
	// Tick 1 was due at 100ms but tick 0 ran until 250ms, so it starts as soon
	// as tick 0 returns.
	assert.Less(t, calls[1].start.Sub(calls[0].end), 50*time.Millisecond)
	// Tick 3 is back on the original grid: due at epoch+300ms.
	assert.GreaterOrEqual(t, calls[3].start.Sub(calls[0].start), 290*time.Millisecond)
	assert.GreaterOrEqual(t, stateOf(s, 1).Late, uint64(1))
}

func TestTicksNeverOverlap(t *testing.T) {
	slogger, _ := NewTestSlogger()
	s := New(nil, slogger)

	fx := &fakeExchanger{id: 2, delays: []time.Duration{30 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}}
	require.NoError(t, s.Register(fx, 10*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return len(fx.Calls()) >= 5 }, 3*time.Second, 5*time.Millisecond)
	s.Stop()

	calls := fx.Calls()
	for i := 1; i < len(calls); i++ {
		assert.False(t, calls[i].start.Before(calls[i-1].end), "tick %d overlapped tick %d", i, i-1)
	}
}

func TestFatalResultStopsOnlyThatEntry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	failing := mocks.NewMockExchanger(ctrl)
	failing.EXPECT().ID().Return(7).AnyTimes()
	failing.EXPECT().Exchange().Return(worker.Result{
		WorkerID: 7,
		Seq:      1,
		Err:      &worker.Error{Kind: worker.KindStreamClosed, WorkerID: 7, Err: errors.New("EOF")},
	}).Times(1)

	healthy := &fakeExchanger{id: 8}

	sink := &recordingSink{}
	slogger, logBuf := NewTestSlogger()
	s := New(sink, slogger)
	require.NoError(t, s.Register(failing, 20*time.Millisecond))
	require.NoError(t, s.Register(healthy, 20*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return stateOf(s, 7).State == StateFailed }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(healthy.Calls()) >= 5 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, StateFailed, stateOf(s, 7).State)
	assert.Equal(t, uint64(1), stateOf(s, 7).Ticks)
	assert.Equal(t, StateStopped, stateOf(s, 8).State)
	assert.True(t, sink.has(events.TypeSchedulerFailed))
	assert.True(t, sink.has(events.TypeSchedulerStopped))
	assert.Contains(t, logBuf.String(), "Worker failed, tick loop ended")
}

func TestNonFatalFailureKeepsTicking(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ticks := make(chan struct{}, 100)
	mx := mocks.NewMockExchanger(ctrl)
	mx.EXPECT().ID().Return(3).AnyTimes()
	mx.EXPECT().Exchange().DoAndReturn(func() worker.Result {
		ticks <- struct{}{}
		return worker.Result{
			WorkerID: 3,
			Err:      &worker.Error{Kind: worker.KindShortRead, WorkerID: 3},
		}
	}).MinTimes(3)

	slogger, logBuf := NewTestSlogger()
	s := New(nil, slogger)
	require.NoError(t, s.Register(mx, 10*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler stopped ticking after a non-fatal failure")
		}
	}
	s.Stop()

	assert.Equal(t, StateStopped, stateOf(s, 3).State)
	assert.Contains(t, logBuf.String(), "Exchange failed")
	assert.Contains(t, logBuf.String(), "short_read")
}

func TestPanicIsContainedToEntry(t *testing.T) {
	slogger, logBuf := NewTestSlogger()
	s := New(nil, slogger)

	bad := &fakeExchanger{id: 1, panics: true}
	good := &fakeExchanger{id: 2}
	require.NoError(t, s.Register(bad, 10*time.Millisecond))
	require.NoError(t, s.Register(good, 10*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return stateOf(s, 1).State == StateFailed }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(good.Calls()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Contains(t, logBuf.String(), "Exchange panicked")
}

func TestContextCancelEndsLoops(t *testing.T) {
	slogger, _ := NewTestSlogger()
	s := New(nil, slogger)

	fx := &fakeExchanger{id: 1}
	require.NoError(t, s.Register(fx, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return len(fx.Calls()) >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after context cancel")
	}
}

func TestRegisterAndStartValidation(t *testing.T) {
	slogger, _ := NewTestSlogger()
	s := New(nil, slogger)

	err := s.Register(&fakeExchanger{id: 1}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "period must be positive")

	require.NoError(t, s.Register(&fakeExchanger{id: 1}, time.Hour))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Register(&fakeExchanger{id: 2}, time.Second))
}

func TestStopWithoutStart(t *testing.T) {
	slogger, _ := NewTestSlogger()
	s := New(nil, slogger)
	require.NoError(t, s.Register(&fakeExchanger{id: 1}, time.Second))

	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, stateOf(s, 1).State)
}

// blockingExchanger holds its first exchange until released, then reports the
// stream closed, as a worker does when shutdown closes its pipes.
type blockingExchanger struct {
	id      int
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingExchanger) ID() int { return b.id }

func (b *blockingExchanger) Exchange() worker.Result {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return worker.Result{
		WorkerID: b.id,
		Seq:      1,
		Err:      &worker.Error{Kind: worker.KindStreamClosed, WorkerID: b.id, Err: errors.New("file already closed")},
	}
}

func TestStopDuringBlockedExchangeEndsStopped(t *testing.T) {
	slogger, logs := NewTestSlogger()
	sink := &recordingSink{}
	s := New(sink, slogger)

	bx := &blockingExchanger{id: 4, entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, s.Register(bx, 10*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-bx.entered:
	case <-time.After(time.Second):
		t.Fatal("exchange never started")
	}
	assert.Equal(t, StateExchanging, stateOf(s, 4).State)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sctx.IsStopping()
	}, time.Second, 5*time.Millisecond)
	close(bx.release)

	select {
	case <-done:
	case <-time.After(3 * stopGrace):
		t.Fatal("Stop did not return")
	}

	assert.Equal(t, StateStopped, stateOf(s, 4).State)
	assert.False(t, sink.has(events.TypeSchedulerFailed))
	assert.True(t, sink.has(events.TypeSchedulerStopped))
	assert.NotContains(t, logs.String(), "Worker failed")
}
