// Command echo is a reference pipepulse worker. It reads 4-byte requests on
// stdin and answers each on stdout until stdin closes. Point pool.command at
// the built binary to exercise a pool without real workers.
//
// Modes:
//
//	echo     reply with the request unchanged (default)
//	count    reply [0, scene, shape, n] where n counts requests modulo 256
//	invert   reply with every byte complemented
//	short    reply with two bytes, then exit
//	silent   read requests and never reply
//
// Nothing is written to stderr: the harness merges it into stdout by default.
package main

import (
	"errors"
	"flag"
	"io"
	"os"

	"github.com/mattjoyce/pipepulse/internal/protocol"
)

func main() {
	mode := flag.String("mode", "echo", "echo | count | invert | short | silent")
	exitAfter := flag.Int("exit-after", 0, "exit after this many replies (0 never)")
	flag.Parse()

	if err := serve(os.Stdin, os.Stdout, *mode, *exitAfter); err != nil {
		os.Exit(1)
	}
}

var errUnknownMode = errors.New("unknown mode")

// serve answers requests from r on w. A clean end of r returns nil.
func serve(r io.Reader, w io.Writer, mode string, exitAfter int) error {
	respond, ok := modes[mode]
	if !ok {
		return errUnknownMode
	}

	var n int
	for {
		req, _, err := protocol.ReadPacket(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		n++

		switch mode {
		case "silent":
			continue
		case "short":
			_, err := w.Write([]byte{req[0], req[1]})
			return err
		}

		if err := protocol.WritePacket(w, respond(req, n)); err != nil {
			return err
		}
		if exitAfter > 0 && n >= exitAfter {
			return nil
		}
	}
}

var modes = map[string]func(req protocol.Packet, n int) protocol.Packet{
	"echo": func(req protocol.Packet, _ int) protocol.Packet { return req },
	"count": func(req protocol.Packet, n int) protocol.Packet {
		return protocol.Packet{protocol.StartByte, req[1], req[2], byte(n)}
	},
	"invert": func(req protocol.Packet, _ int) protocol.Packet {
		for i := range req {
			req[i] = ^req[i]
		}
		return req
	},
	"short":  nil,
	"silent": nil,
}
