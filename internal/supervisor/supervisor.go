// Package supervisor builds the worker pool, hands it to the scheduler and
// coordinates shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/pipepulse/internal/config"
	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/scheduler"
	"github.com/mattjoyce/pipepulse/internal/worker"
)

// ErrNoWorkers is returned by Start when not a single worker could launch.
var ErrNoWorkers = errors.New("no worker could be started")

// LaunchFailure records a worker that never started.
type LaunchFailure struct {
	WorkerID int    `json:"worker_id"`
	Command  string `json:"command"`
	Error    string `json:"error"`
	err      error
}

// Err returns the launch error.
func (f LaunchFailure) Err() error { return f.err }

// BuildSpecs turns configuration into one spec per worker, overrides applied.
func BuildSpecs(cfg *config.Config) []worker.Spec {
	specs := make([]worker.Spec, 0, cfg.Pool.Count)
	for _, wc := range cfg.AllWorkers() {
		specs = append(specs, worker.Spec{
			ID:              wc.ID,
			Scene:           wc.Scene,
			Shape:           wc.Shape,
			State:           wc.State,
			Command:         wc.Command,
			Args:            wc.Args,
			Dir:             wc.Dir,
			Stderr:          worker.StderrMode(wc.Stderr),
			ExchangeTimeout: wc.ExchangeTimeout,
			StopTimeout:     wc.StopTimeout,
			ExpectStartByte: wc.ExpectStartByte,
		})
	}
	return specs
}

// Supervisor owns every worker for the lifetime of a run.
type Supervisor struct {
	specs     []worker.Spec
	period    time.Duration
	sink      events.Sink
	logger    *slog.Logger
	workerLog *slog.Logger
	sched     *scheduler.Scheduler

	mu       sync.Mutex
	started  bool
	workers  []*worker.Worker
	failures []LaunchFailure

	shutdownOnce sync.Once
	shutdownErr  error
}

// New freezes specs; the pool never changes afterwards.
func New(specs []worker.Spec, period time.Duration, sink events.Sink, logger *slog.Logger) *Supervisor {
	if sink == nil {
		sink = events.Discard
	}
	return &Supervisor{
		specs:     append([]worker.Spec(nil), specs...),
		period:    period,
		sink:      sink,
		logger:    logger.With("component", "supervisor"),
		workerLog: logger.With("component", "worker"),
		sched:     scheduler.New(sink, logger),
	}
}

// Start launches every worker and begins ticking the ones that started.
// Launch failures are recorded, not fatal, unless all workers failed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("supervisor already started")
	}
	s.started = true

	var launchErrs []error
	for _, spec := range s.specs {
		w, err := worker.Start(spec, s.sink, s.workerLog)
		if err != nil {
			s.logger.Error("Failed to launch worker", "worker_id", spec.ID, "command", spec.Command, "error", err)
			s.failures = append(s.failures, LaunchFailure{
				WorkerID: spec.ID,
				Command:  spec.Command,
				Error:    err.Error(),
				err:      err,
			})
			s.sink.Publish(events.TypeWorkerFailed, events.Lifecycle{
				WorkerID: spec.ID,
				State:    worker.Failed.String(),
				Error:    err.Error(),
			})
			launchErrs = append(launchErrs, err)
			continue
		}
		if err := s.sched.Register(w, s.period); err != nil {
			// Only a non-positive period gets here; every worker would hit it.
			if stopErr := w.Stop(); stopErr != nil {
				s.logger.Error("Failed to stop worker", "worker_id", w.ID(), "error", stopErr)
			}
			s.stopAllLocked()
			return fmt.Errorf("register worker %d: %w", spec.ID, err)
		}
		s.workers = append(s.workers, w)
	}

	if len(s.workers) == 0 {
		return fmt.Errorf("%w: %w", ErrNoWorkers, errors.Join(launchErrs...))
	}

	if err := s.sched.Start(ctx); err != nil {
		s.stopAllLocked()
		return fmt.Errorf("start scheduler: %w", err)
	}

	s.logger.Info("Supervisor started",
		"workers", len(s.workers),
		"launch_failures", len(s.failures),
		"period", s.period,
	)
	s.sink.Publish(events.TypeSupervisorStarted, events.Lifecycle{Count: len(s.workers)})
	return nil
}

func (s *Supervisor) stopAllLocked() {
	for _, w := range s.workers {
		if err := w.Stop(); err != nil {
			s.logger.Error("Failed to stop worker", "worker_id", w.ID(), "error", err)
		}
	}
}

// Shutdown stops the scheduler, then every worker. It never gives up early:
// all stop errors are joined. Later calls return the first call's result.
func (s *Supervisor) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("Shutting down")
		s.sched.Stop()

		s.mu.Lock()
		workers := append([]*worker.Worker(nil), s.workers...)
		s.mu.Unlock()

		var errs []error
		for _, w := range workers {
			if err := w.Stop(); err != nil {
				s.logger.Error("Failed to stop worker", "worker_id", w.ID(), "error", err)
				errs = append(errs, err)
			}
		}
		s.shutdownErr = errors.Join(errs...)

		s.sink.Publish(events.TypeSupervisorStopped, events.Lifecycle{Count: len(workers)})
		s.logger.Info("Shutdown complete", "workers", len(workers), "stop_errors", len(errs))
	})
	return s.shutdownErr
}

// Run starts the pool, waits for ctx to end and shuts down.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Shutdown()
}

// Workers returns a snapshot of every running or finished worker.
func (s *Supervisor) Workers() []worker.Snapshot {
	s.mu.Lock()
	workers := append([]*worker.Worker(nil), s.workers...)
	s.mu.Unlock()

	out := make([]worker.Snapshot, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Snapshot())
	}
	return out
}

// LaunchFailures lists workers that never started.
func (s *Supervisor) LaunchFailures() []LaunchFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LaunchFailure(nil), s.failures...)
}

// SchedulerStates exposes the scheduler's per-worker view.
func (s *Supervisor) SchedulerStates() []scheduler.EntryStatus {
	return s.sched.States()
}

// Period is the tick period shared by all workers.
func (s *Supervisor) Period() time.Duration { return s.period }
