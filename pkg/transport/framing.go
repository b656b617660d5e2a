// Package transport implements the external, wire-level half of HiDRA's
// socket fabric: named multi-part frames carried over TCP, matching the
// REQ/REP, PUSH/PULL and PUB/SUB roles of spec.md §4.1 and §6.
//
// No ZeroMQ-equivalent messaging library exists in the reference corpus
// this module was grounded on (see DESIGN.md), so the framing is built
// directly on net.Conn: each message is a length-prefixed sequence of
// byte-slice frames, mirroring ZeroMQ's multi-part messages closely
// enough that the header/payload split described in spec.md §3 and §6
// (two-frame chunk messages, three-part control messages) carries over
// unchanged.
//
// Internal-only roles (request_fw, router, control_pub/control_sub) are
// not implemented here: within one sender process those are plain Go
// channels (see pkg/signalhandler, pkg/taskprovider, pkg/controlbus) —
// the idiomatic Go equivalent of "local IPC sockets" when the components
// sharing them are goroutines in a single OS process rather than
// separate ones.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const maxFrameBytes = 256 << 20 // 256MiB guards against a corrupt length prefix wedging a reader forever

// WriteFrames writes a multi-part message to w: a uint32 frame count,
// then for each frame a uint32 length followed by its bytes.
func WriteFrames(w io.Writer, frames [][]byte) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(frames))); err != nil {
		return fmt.Errorf("writing frame count: %w", err)
	}
	for _, f := range frames {
		if err := binary.Write(bw, binary.BigEndian, uint32(len(f))); err != nil {
			return fmt.Errorf("writing frame length: %w", err)
		}
		if _, err := bw.Write(f); err != nil {
			return fmt.Errorf("writing frame payload: %w", err)
		}
	}
	return bw.Flush()
}

// ReadFrames reads one multi-part message from r, the inverse of
// WriteFrames.
func ReadFrames(r io.Reader) ([][]byte, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, err // includes io.EOF, propagated to callers as connection close
	}

	frames := make([][]byte, count)
	for i := range frames {
		var length uint32
		if err := binary.Read(br, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("reading frame %d length: %w", i, err)
		}
		if length > maxFrameBytes {
			return nil, fmt.Errorf("frame %d length %d exceeds limit", i, length)
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("reading frame %d payload: %w", i, err)
		}
		frames[i] = buf
	}
	return frames, nil
}

// BufferedConn wraps a net.Conn with a shared bufio.Reader so repeated
// ReadFrames calls on the same connection don't re-wrap (and potentially
// drop buffered bytes) on every call.
type BufferedConn struct {
	net.Conn
	R *bufio.Reader
}

// NewBufferedConn wraps conn for repeated framed reads.
func NewBufferedConn(conn net.Conn) *BufferedConn {
	return &BufferedConn{Conn: conn, R: bufio.NewReader(conn)}
}

// ReadFrames reads one message using the connection's shared reader.
func (c *BufferedConn) ReadFrames() ([][]byte, error) {
	return ReadFrames(c.R)
}

// WriteFrames writes one message directly to the underlying connection.
func (c *BufferedConn) WriteFrames(frames [][]byte) error {
	return WriteFrames(c.Conn, frames)
}
