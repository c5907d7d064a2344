package worker

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/log"
	"github.com/mattjoyce/pipepulse/internal/protocol"
)

// DefaultStopTimeout is the time we wait after SIGTERM before sending SIGKILL.
const DefaultStopTimeout = 5 * time.Second

// StderrMode selects what happens to the child's standard error.
type StderrMode string

const (
	// StderrMerge sends stderr into the same pipe as stdout.
	StderrMerge StderrMode = "merge"
	// StderrDiscard sends stderr to the null device.
	StderrDiscard StderrMode = "discard"
)

// Spec describes one worker. It is not modified after Start.
type Spec struct {
	ID      int
	Scene   int
	Shape   int
	State   int
	Command string
	Args    []string
	Dir     string
	Stderr  StderrMode

	// ExchangeTimeout bounds one write+read cycle. Zero waits forever.
	ExchangeTimeout time.Duration
	// StopTimeout is the SIGTERM grace period. Zero means DefaultStopTimeout.
	StopTimeout time.Duration
	// ExpectStartByte rejects responses whose first byte is not protocol.StartByte.
	ExpectStartByte bool
}

// Packet is the outbound packet for this spec.
func (s Spec) Packet() protocol.Packet {
	return protocol.Encode(s.Scene, s.Shape, s.State)
}

// Result is the outcome of one Exchange.
type Result struct {
	WorkerID int
	Seq      uint64
	Request  protocol.Packet
	Response protocol.Packet
	Duration time.Duration
	Err      *Error
}

// OK reports a complete, accepted response.
func (r Result) OK() bool { return r.Err == nil }

// Fatal reports a failure that ended the worker.
func (r Result) Fatal() bool { return r.Err != nil && r.Err.Kind.Fatal() }

// Failure returns the failure as an error, or nil.
func (r Result) Failure() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Snapshot is a point-in-time view of a worker.
type Snapshot struct {
	ID           int       `json:"id"`
	PID          int       `json:"pid,omitempty"`
	State        string    `json:"state"`
	Exchanges    uint64    `json:"exchanges"`
	Failures     uint64    `json:"failures"`
	LastRequest  []int     `json:"last_request"`
	LastResponse []int     `json:"last_response,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Worker owns one child process and its stdin/stdout pipes.
type Worker struct {
	spec   Spec
	sink   events.Sink
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan struct{} // closed by reap; nil without a process

	closeOnce sync.Once
	closeErr  error

	stopOnce sync.Once
	stopErr  error

	// xmu serializes exchanges. Stop never takes it.
	xmu sync.Mutex

	afterFunc func(time.Duration, func()) *time.Timer

	mu        sync.Mutex
	state     State
	seq       uint64
	succeeded uint64
	failed    uint64
	last      protocol.Packet
	hasLast   bool
	lastErr   *Error
	startedAt time.Time
}

// Start launches spec.Command and returns a Running worker. Launch failures
// are returned as *Error with KindLaunch.
func Start(spec Spec, sink events.Sink, logger *slog.Logger) (*Worker, error) {
	launchErr := func(err error) error {
		return &Error{Kind: KindLaunch, WorkerID: spec.ID, Err: err}
	}
	if spec.Command == "" {
		return nil, launchErr(errors.New("command is empty"))
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	// Pipes are created here rather than via StdinPipe/StdoutPipe so that
	// cmd.Wait never closes the ends we read from.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, launchErr(fmt.Errorf("create stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return nil, launchErr(fmt.Errorf("create stdout pipe: %w", err))
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	if spec.Stderr != StderrDiscard {
		cmd.Stderr = stdoutW
	}

	if err := cmd.Start(); err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, launchErr(fmt.Errorf("start process: %w", err))
	}

	// The child holds its own copies now.
	_ = stdinR.Close()
	_ = stdoutW.Close()

	w := newWorker(spec, stdinW, stdoutR, sink, logger)
	w.cmd = cmd
	w.exited = make(chan struct{})
	go w.reap()

	w.logger.Info("worker started", "pid", cmd.Process.Pid, "command", spec.Command)
	w.sink.Publish(events.TypeWorkerStarted, events.Lifecycle{
		WorkerID: spec.ID,
		PID:      cmd.Process.Pid,
		State:    Running.String(),
	})
	return w, nil
}

// newWorker wires a Running worker onto existing streams. Start uses it after
// launching; tests use it with in-memory pipes.
func newWorker(spec Spec, stdin io.WriteCloser, stdout io.ReadCloser, sink events.Sink, logger *slog.Logger) *Worker {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = log.WithWorker(spec.ID)
	} else {
		logger = logger.With("worker_id", spec.ID)
	}
	return &Worker{
		spec:      spec,
		sink:      sink,
		logger:    logger,
		stdin:     stdin,
		stdout:    stdout,
		afterFunc: time.AfterFunc,
		state:     Running,
		startedAt: time.Now().UTC(),
	}
}

// ID returns the worker's id.
func (w *Worker) ID() int { return w.spec.ID }

// Spec returns the spec the worker was started from.
func (w *Worker) Spec() Spec { return w.spec }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// PID returns the child's process id, or 0.
func (w *Worker) PID() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// LastResponse returns the most recent accepted response.
func (w *Worker) LastResponse() (protocol.Packet, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.hasLast
}

// Exited is closed once the child process has been reaped. It is nil for
// workers without a process.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// Exchange performs one request/response cycle. It is safe to call from
// several goroutines but calls never overlap.
func (w *Worker) Exchange() Result {
	w.xmu.Lock()
	defer w.xmu.Unlock()

	req := w.spec.Packet()

	w.mu.Lock()
	if w.state != Running {
		st := w.state
		w.mu.Unlock()
		return Result{
			WorkerID: w.spec.ID,
			Request:  req,
			Err:      &Error{Kind: KindStreamClosed, WorkerID: w.spec.ID, Err: fmt.Errorf("worker is %s", st)},
		}
	}
	w.seq++
	res := Result{WorkerID: w.spec.ID, Seq: w.seq, Request: req}
	w.mu.Unlock()

	start := time.Now()

	var timedOut atomic.Bool
	var timer *time.Timer
	if w.spec.ExchangeTimeout > 0 {
		timer = w.afterFunc(w.spec.ExchangeTimeout, func() {
			timedOut.Store(true)
			_ = w.closeStreams()
		})
		defer timer.Stop()
	}

	w.logger.Debug("exchange out", "seq", res.Seq, "packet", req.String())
	w.sink.Publish(events.TypeExchangeOut, events.NewExchange(w.spec.ID, res.Seq, events.DirOut, req, "sent"))

	if err := protocol.WritePacket(w.stdin, req); err != nil {
		if timedOut.Load() {
			return w.fail(res, start, KindTimeout, fmt.Errorf("no progress within %v: %w", w.spec.ExchangeTimeout, err))
		}
		return w.fail(res, start, KindWrite, err)
	}

	resp, n, err := protocol.ReadPacket(w.stdout)
	if err != nil {
		switch {
		case timedOut.Load():
			return w.fail(res, start, KindTimeout, fmt.Errorf("no response within %v (%d bytes read)", w.spec.ExchangeTimeout, n))
		case errors.Is(err, protocol.ErrShortRead):
			return w.fail(res, start, KindShortRead, err)
		default:
			return w.fail(res, start, KindStreamClosed, err)
		}
	}

	// A timer that already fired has closed, or is closing, the streams.
	if timer != nil && !timer.Stop() {
		return w.fail(res, start, KindTimeout, fmt.Errorf("response arrived after the %v deadline", w.spec.ExchangeTimeout))
	}

	res.Response = resp
	res.Duration = time.Since(start)

	if w.spec.ExpectStartByte && resp[0] != protocol.StartByte {
		return w.fail(res, start, KindInvalidResponse, fmt.Errorf("leading byte is %d, want %d", resp[0], protocol.StartByte))
	}

	w.mu.Lock()
	w.succeeded++
	w.last = resp
	w.hasLast = true
	w.mu.Unlock()

	w.logger.Debug("exchange in", "seq", res.Seq, "packet", resp.String(), "duration", res.Duration)
	in := events.NewExchange(w.spec.ID, res.Seq, events.DirIn, resp, "ok")
	in.DurationUS = res.Duration.Microseconds()
	w.sink.Publish(events.TypeExchangeIn, in)
	return res
}

// fail records a failed exchange. The last accepted response is left alone.
func (w *Worker) fail(res Result, start time.Time, kind Kind, err error) Result {
	res.Duration = time.Since(start)
	res.Err = &Error{Kind: kind, WorkerID: w.spec.ID, Err: err}

	w.mu.Lock()
	w.failed++
	w.lastErr = res.Err
	// A failure caused by a concurrent Stop is not the worker's fault.
	fatal := kind.Fatal() && w.state == Running
	if fatal {
		w.state = Failed
	}
	w.mu.Unlock()

	ev := events.Exchange{
		WorkerID:   w.spec.ID,
		Seq:        res.Seq,
		Direction:  events.DirIn,
		Outcome:    string(kind),
		Error:      res.Err.Error(),
		DurationUS: res.Duration.Microseconds(),
	}
	if kind == KindInvalidResponse {
		ev.Bytes = res.Response.Ints()
		ev.Binary = res.Response.Binary()
		ev.Decimal = res.Response.Decimal()
	}
	w.sink.Publish(events.TypeExchangeFailed, ev)

	if !fatal {
		w.logger.Warn("exchange failed", "seq", res.Seq, "kind", kind, "error", err)
		return res
	}

	w.logger.Error("worker failed", "seq", res.Seq, "kind", kind, "error", err)
	w.sink.Publish(events.TypeWorkerFailed, events.Lifecycle{
		WorkerID: w.spec.ID,
		PID:      w.PID(),
		State:    Failed.String(),
		Error:    res.Err.Error(),
	})
	if stopErr := w.release(); stopErr != nil {
		w.logger.Error("failed to release worker after fatal error", "error", stopErr)
	}
	return res
}

// Stop closes the streams, terminates the process and waits for it to exit.
// Only the first call can return an error; later calls return nil once the
// first has finished.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.state == Created || w.state == Running {
		w.state = Stopping
	}
	w.mu.Unlock()

	err := w.release()

	w.mu.Lock()
	if w.state == Stopping {
		w.state = Stopped
	}
	w.mu.Unlock()
	return err
}

// release runs terminate exactly once.
func (w *Worker) release() error {
	first := false
	w.stopOnce.Do(func() {
		first = true
		w.stopErr = w.terminate()
	})
	if !first {
		return nil
	}
	return w.stopErr
}

func (w *Worker) terminate() error {
	var errs []error
	if err := w.closeStreams(); err != nil {
		errs = append(errs, err)
	}

	if w.cmd != nil && w.cmd.Process != nil {
		select {
		case <-w.exited:
		default:
			if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("send SIGTERM: %w", err))
			}

			grace := time.NewTimer(w.stopTimeout())
			defer grace.Stop()

			select {
			case <-w.exited:
			case <-grace.C:
				w.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "grace", w.stopTimeout())
				if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					errs = append(errs, fmt.Errorf("send SIGKILL: %w", err))
				}
				<-w.exited
			}
		}
	}

	w.logger.Info("worker stopped")
	w.sink.Publish(events.TypeWorkerStopped, events.Lifecycle{WorkerID: w.spec.ID, PID: w.PID()})

	if len(errs) > 0 {
		return &Error{Kind: KindStop, WorkerID: w.spec.ID, Err: errors.Join(errs...)}
	}
	return nil
}

func (w *Worker) stopTimeout() time.Duration {
	if w.spec.StopTimeout > 0 {
		return w.spec.StopTimeout
	}
	return DefaultStopTimeout
}

// closeStreams closes stdin then stdout once. Closing stdout is what unblocks
// a read stuck in Exchange.
func (w *Worker) closeStreams() error {
	w.closeOnce.Do(func() {
		var errs []error
		if err := w.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
		if err := w.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

// reap waits for the child and reports an exit nobody asked for. Exited is
// closed only after the report is published.
func (w *Worker) reap() {
	err := w.cmd.Wait()
	defer close(w.exited)

	w.mu.Lock()
	unexpected := w.state == Running
	w.mu.Unlock()

	if !unexpected {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	w.logger.Warn("worker process exited", "error", err)
	w.sink.Publish(events.TypeWorkerExited, events.Lifecycle{
		WorkerID: w.spec.ID,
		PID:      w.PID(),
		State:    Running.String(),
		Error:    msg,
	})
}

// Snapshot returns a copy of the worker's observable state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Snapshot{
		ID:          w.spec.ID,
		PID:         w.PID(),
		State:       w.state.String(),
		Exchanges:   w.succeeded,
		Failures:    w.failed,
		LastRequest: w.spec.Packet().Ints(),
		StartedAt:   w.startedAt,
	}
	if w.hasLast {
		s.LastResponse = w.last.Ints()
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}
