package events

import (
	"github.com/mattjoyce/pipepulse/internal/protocol"
)

// Event types published by the harness.
const (
	TypeExchangeOut    = "exchange.out"
	TypeExchangeIn     = "exchange.in"
	TypeExchangeFailed = "exchange.failed"

	TypeWorkerStarted = "worker.started"
	TypeWorkerFailed  = "worker.failed"
	TypeWorkerExited  = "worker.exited"
	TypeWorkerStopped = "worker.stopped"

	TypeSchedulerFailed  = "scheduler.failed"
	TypeSchedulerStopped = "scheduler.stopped"

	TypeSupervisorStarted = "supervisor.started"
	TypeSupervisorStopped = "supervisor.stopped"
)

// Direction of a packet relative to the harness.
const (
	DirOut = "OUT"
	DirIn  = "IN"
)

// Sink receives structured events. Implementations must not block the caller
// for long: Publish runs on the worker's tick goroutine.
type Sink interface {
	Publish(eventType string, data any)
}

// Discard is a Sink that drops everything.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(string, any) {}

// Fanout forwards every event to each of its sinks in order.
type Fanout []Sink

func (f Fanout) Publish(eventType string, data any) {
	for _, s := range f {
		if s != nil {
			s.Publish(eventType, data)
		}
	}
}

// Exchange is the payload of exchange.* events.
type Exchange struct {
	WorkerID   int    `json:"worker_id"`
	Seq        uint64 `json:"seq"`
	Direction  string `json:"direction"`
	Bytes      []int  `json:"bytes,omitempty"`
	Binary     string `json:"binary,omitempty"`
	Decimal    string `json:"decimal,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationUS int64  `json:"duration_us,omitempty"`
}

// NewExchange fills the byte renderings from p.
func NewExchange(workerID int, seq uint64, dir string, p protocol.Packet, outcome string) Exchange {
	return Exchange{
		WorkerID:  workerID,
		Seq:       seq,
		Direction: dir,
		Bytes:     p.Ints(),
		Binary:    p.Binary(),
		Decimal:   p.Decimal(),
		Outcome:   outcome,
	}
}

// Lifecycle is the payload of worker.*, scheduler.* and supervisor.* events.
type Lifecycle struct {
	WorkerID int    `json:"worker_id,omitempty"`
	PID      int    `json:"pid,omitempty"`
	State    string `json:"state,omitempty"`
	Count    int    `json:"count,omitempty"`
	Error    string `json:"error,omitempty"`
}
