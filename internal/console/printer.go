// Package console prints exchanges in the classic trace format:
//
//	[3] OUT: 00000000 (0) 00000001 (1) 00000001 (1) 00000001 (1)
//	[3] IN:  00000000 (0) 00000001 (1) 00000001 (1) 00000001 (1)
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/mattjoyce/pipepulse/internal/events"
	"github.com/mattjoyce/pipepulse/internal/protocol"
)

// Printer is an events.Sink that writes one line per exchange event. Lines
// from different workers never interleave mid-line.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Publish implements events.Sink. Non-exchange events are ignored.
func (p *Printer) Publish(eventType string, data any) {
	x, ok := data.(events.Exchange)
	if !ok {
		return
	}

	var line string
	switch eventType {
	case events.TypeExchangeOut:
		line = fmt.Sprintf("[%d] OUT: %s\n", x.WorkerID, packetOf(x.Bytes))
	case events.TypeExchangeIn:
		line = fmt.Sprintf("[%d] IN:  %s\n", x.WorkerID, packetOf(x.Bytes))
	case events.TypeExchangeFailed:
		line = fmt.Sprintf("[%d] ERR: %s: %s\n", x.WorkerID, x.Outcome, x.Error)
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return
	}
	if _, err := io.WriteString(p.w, line); err != nil {
		p.err = err
	}
}

// Err reports the first write error; once set the printer goes quiet.
func (p *Printer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func packetOf(b []int) protocol.Packet {
	var pk protocol.Packet
	for i := 0; i < len(b) && i < protocol.PacketSize; i++ {
		pk[i] = byte(b[i])
	}
	return pk
}
