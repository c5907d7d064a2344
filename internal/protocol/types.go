package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// PacketSize is the fixed length of every request and response.
	PacketSize = 4

	// StartByte leads every outbound packet.
	StartByte byte = 0x00
)

var (
	// ErrShortRead is returned when the stream ends after 1..3 bytes of a packet.
	ErrShortRead = errors.New("short read")

	// ErrPacketSize is returned by Decode for input that is not exactly PacketSize bytes.
	ErrPacketSize = fmt.Errorf("packet must be exactly %d bytes", PacketSize)
)

// Packet is one 4-byte frame on the worker's stdin or stdout.
// Outbound packets are [StartByte, scene, shape, state]; inbound packets are
// opaque to the harness beyond their length.
type Packet [PacketSize]byte

// Bytes returns the packet as a slice (a copy).
func (p Packet) Bytes() []byte {
	b := make([]byte, PacketSize)
	copy(b, p[:])
	return b
}

// Ints returns the unsigned decimal value of every byte.
func (p Packet) Ints() []int {
	out := make([]int, PacketSize)
	for i, b := range p {
		out[i] = int(b)
	}
	return out
}

// Binary renders the packet as space separated 8-bit binary groups.
func (p Packet) Binary() string {
	parts := make([]string, PacketSize)
	for i, b := range p {
		parts[i] = fmt.Sprintf("%08b", b)
	}
	return strings.Join(parts, " ")
}

// Decimal renders the packet as space separated unsigned decimals.
func (p Packet) Decimal() string {
	parts := make([]string, PacketSize)
	for i, b := range p {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, " ")
}

// String renders every byte as "bbbbbbbb (n)", the console format operators
// grep for.
func (p Packet) String() string {
	parts := make([]string, PacketSize)
	for i, b := range p {
		parts[i] = fmt.Sprintf("%08b (%d)", b, b)
	}
	return strings.Join(parts, " ")
}
