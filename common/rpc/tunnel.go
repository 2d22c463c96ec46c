package rpc

import (
	"bufio"
	"io"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/common/types"
)

// maxTunnelLineBytes bounds the JSON control lines of the tunnel protocol so
// a misbehaving peer cannot make the reader buffer unboundedly.
const maxTunnelLineBytes = 4096

var ErrTunnelLineTooLong = errors.New("tunnel control line exceeds the limit")

// TunnelHello identifies an agent on a freshly dialed tunnel connection. The
// agent writes it as a single JSON line on the raw connection; the yamux
// session starts right after, with the gateway opening the streams.
type TunnelHello struct {
	AgentId types.AgentId `json:"agent_id"`
	Version string        `json:"version,omitempty"`
}

// TunnelConnect is the connect header the gateway writes at the head of each
// tunnel stream. The agent bridges the remainder of the stream to the given
// service port of the kernel's container.
type TunnelConnect struct {
	KernelId types.KernelId `json:"kernel_id"`
	Port     int            `json:"port"`
}

// WriteTunnelLine writes v as one newline-terminated JSON line.
func WriteTunnelLine(w io.Writer, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding tunnel control line")
	}
	if _, err := w.Write(append(encoded, '\n')); err != nil {
		return errors.Wrap(err, "writing tunnel control line")
	}
	return nil
}

// ReadTunnelLine decodes one JSON line from a buffered reader. The reader's
// buffer keeps any bytes past the newline, so callers bridging the remainder
// of the stream must keep reading through the same reader.
func ReadTunnelLine(reader *bufio.Reader, v interface{}) error {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return errors.Wrap(err, "reading tunnel control line")
	}
	if len(line) > maxTunnelLineBytes {
		return ErrTunnelLineTooLong
	}
	return errors.Wrap(json.Unmarshal(line, v), "decoding tunnel control line")
}

// ReadTunnelLineRaw decodes one JSON line reading a byte at a time, leaving
// everything after the newline untouched. Used for the hello line on the raw
// connection, which must stay clean for the yamux session that follows.
func ReadTunnelLineRaw(reader io.Reader, v interface{}) error {
	line := make([]byte, 0, 128)
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return errors.Wrap(err, "reading tunnel hello")
		}
		if buf[0] == '\n' {
			break
		}
		line = append(line, buf[0])
		if len(line) > maxTunnelLineBytes {
			return ErrTunnelLineTooLong
		}
	}
	return errors.Wrap(json.Unmarshal(line, v), "decoding tunnel hello")
}
