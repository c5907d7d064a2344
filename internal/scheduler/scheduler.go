package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

// stopGrace is how long Stop waits for tick loops to return. An exchange
// still blocked after it is left to the caller, which unblocks it by stopping
// the worker.
const stopGrace = time.Second

// EntryState is the scheduling state of one registration.
type EntryState string

const (
	StateScheduled  EntryState = "scheduled"
	StateExchanging EntryState = "exchanging"
	StateStopped    EntryState = "stopped"
	StateFailed     EntryState = "failed"
)

// EntryStatus is a point-in-time view of one registration.
type EntryStatus struct {
	WorkerID int           `json:"worker_id"`
	State    EntryState    `json:"state"`
	Period   time.Duration `json:"period_ns"`
	Ticks    uint64        `json:"ticks"`
	Late     uint64        `json:"late"`
	LastTick time.Time     `json:"last_tick,omitempty"`
}

type entry struct {
	x      Exchanger
	id     int
	period time.Duration

	mu       sync.Mutex
	state    EntryState
	ticks    uint64
	late     uint64
	lastTick time.Time
}

func (e *entry) set(st EntryState) {
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()
}

// Scheduler ticks every registered Exchanger at its own fixed rate. Entries
// are independent: a slow or failed worker never delays another.
type Scheduler struct {
	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []*entry
	sctx    *stopper.Context
	started bool
	stopped bool
}

// New creates a Scheduler. A nil sink discards events.
func New(sink events.Sink, logger *slog.Logger) *Scheduler {
	if sink == nil {
		sink = events.Discard
	}
	return &Scheduler{
		sink:   sink,
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Register adds x to be exchanged every period. It must be called before Start.
func (s *Scheduler) Register(x Exchanger, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("worker %d: period must be positive, got %v", x.ID(), period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.entries = append(s.entries, &entry{x: x, id: x.ID(), period: period, state: StateScheduled})
	return nil
}

// Start launches one tick loop per registration. The first tick of every
// entry fires immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	s.sctx = stopper.WithContext(ctx)
	s.logger.Info("Starting scheduler", "entries", len(s.entries))

	for _, e := range s.entries {
		s.sctx.Go(func(sctx *stopper.Context) error {
			s.loop(ctx, sctx, e)
			return nil
		})
	}
	return nil
}

// Stop halts every tick loop. It waits up to stopGrace for in-flight
// exchanges; a loop still exchanging after that ends as stopped once its
// exchange returns. Safe to call more than once and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sctx := s.sctx
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	if sctx != nil {
		sctx.Stop(stopGrace)
		if err := sctx.Wait(); err != nil {
			s.logger.Error("Scheduler goroutines returned an error", "error", err)
		}
	}

	for _, e := range s.entries {
		e.mu.Lock()
		if e.state != StateFailed {
			e.state = StateStopped
		}
		e.mu.Unlock()
	}
	s.sink.Publish(events.TypeSchedulerStopped, events.Lifecycle{Count: len(s.entries)})
	s.logger.Info("Scheduler stopped")
}

// States returns the status of every registration in registration order.
func (s *Scheduler) States() []EntryStatus {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]EntryStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, EntryStatus{
			WorkerID: e.id,
			State:    e.state,
			Period:   e.period,
			Ticks:    e.ticks,
			Late:     e.late,
			LastTick: e.lastTick,
		})
		e.mu.Unlock()
	}
	return out
}

// loop runs the fixed-rate schedule for one entry. Tick k is due at
// epoch + k*period regardless of how long earlier ticks took.
func (s *Scheduler) loop(ctx context.Context, sctx *stopper.Context, e *entry) {
	logger := s.logger.With("worker_id", e.id)
	epoch := s.now()

	for k := int64(0); ; k++ {
		delay := nextDelay(epoch, k, e.period, s.now())
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-sctx.Stopping():
				timer.Stop()
				logger.Debug("Tick loop stopping")
				return
			case <-ctx.Done():
				timer.Stop()
				logger.Warn("Scheduler context cancelled, stopping tick loop")
				return
			}
		} else {
			if sctx.IsStopping() || ctx.Err() != nil {
				return
			}
			if k > 0 {
				e.mu.Lock()
				e.late++
				e.mu.Unlock()
			}
		}

		e.set(StateExchanging)
		res := s.tick(e, logger)

		// Failures caused by shutdown closing the streams are not the worker's.
		if sctx.IsStopping() || ctx.Err() != nil {
			e.mu.Lock()
			e.ticks++
			e.lastTick = s.now()
			e.state = StateStopped
			e.mu.Unlock()
			logger.Debug("Tick loop stopping after exchange", "seq", res.Seq)
			return
		}

		e.mu.Lock()
		e.ticks++
		e.lastTick = s.now()
		if res.Fatal() {
			e.state = StateFailed
		} else {
			e.state = StateScheduled
		}
		e.mu.Unlock()

		if res.Fatal() {
			logger.Error("Worker failed, tick loop ended", "seq", res.Seq, "error", res.Err)
			s.sink.Publish(events.TypeSchedulerFailed, events.Lifecycle{
				WorkerID: e.id,
				State:    string(StateFailed),
				Error:    res.Err.Error(),
			})
			return
		}
	}
}

// tick runs one exchange. A panic is reported as a fatal result for this
// entry only.
func (s *Scheduler) tick(e *entry, logger *slog.Logger) (res worker.Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Exchange panicked", "panic", r)
			res = worker.Result{
				WorkerID: e.id,
				Err: &worker.Error{
					Kind:     worker.KindStreamClosed,
					WorkerID: e.id,
					Err:      fmt.Errorf("exchange panicked: %v", r),
				},
			}
		}
	}()

	res = e.x.Exchange()
	if res.Err != nil && !res.Fatal() {
		logger.Warn("Exchange failed", "seq", res.Seq, "kind", res.Err.Kind, "error", res.Err)
	}
	return res
}

// nextDelay is the wait before tick k. Late ticks fire immediately.
func nextDelay(epoch time.Time, k int64, period time.Duration, now time.Time) time.Duration {
	due := epoch.Add(time.Duration(k) * period)
	d := due.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
