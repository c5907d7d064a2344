package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Encode builds an outbound packet. Each value is masked to its low byte, so
// negative or oversized inputs are truncated rather than rejected.
func Encode(scene, shape, state int) Packet {
	return Packet{
		StartByte,
		byte(scene & 0xFF),
		byte(shape & 0xFF),
		byte(state & 0xFF),
	}
}

// Decode maps exactly PacketSize bytes onto a Packet. Only the length is checked.
func Decode(b []byte) (Packet, error) {
	var p Packet
	if len(b) != PacketSize {
		return p, fmt.Errorf("decode %d bytes: %w", len(b), ErrPacketSize)
	}
	copy(p[:], b)
	return p, nil
}

type flusher interface {
	Flush() error
}

// WritePacket writes all four bytes of p to w and flushes w if it buffers.
// A write that reports fewer than PacketSize bytes is an error.
func WritePacket(w io.Writer, p Packet) error {
	n, err := w.Write(p[:])
	if err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	if n != PacketSize {
		return fmt.Errorf("write packet: %w (%d of %d bytes)", io.ErrShortWrite, n, PacketSize)
	}
	if f, ok := w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush packet: %w", err)
		}
	}
	return nil
}

// ReadPacket blocks until PacketSize bytes are accumulated or r reports end of
// stream. It returns the number of bytes read alongside the packet.
//
// End of stream before any byte yields io.EOF; after 1..3 bytes it yields
// ErrShortRead and the partial packet must not be used.
func ReadPacket(r io.Reader) (Packet, int, error) {
	var p Packet
	n, err := io.ReadFull(r, p[:])
	switch {
	case err == nil:
		return p, n, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Packet{}, n, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, PacketSize)
	case errors.Is(err, io.EOF):
		return Packet{}, 0, io.EOF
	default:
		return Packet{}, n, fmt.Errorf("read packet: %w", err)
	}
}
