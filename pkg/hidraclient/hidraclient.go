// Package hidraclient implements the "thin" client API named in
// SPEC_FULL.md §6: wire behavior only, no retry/backoff policy beyond
// what the protocol itself requires. It mirrors the public surface of
// the original implementation's transfer.py (Start/Stop/Get/Check),
// grounded on spec.md §6's external control/request/data-stream wire
// contract, so cmd/hidractl and any future Go consumer can drive a
// sender without re-implementing the protocol.
package hidraclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/transport"
	"github.com/hidra-project/hidra/pkg/version"
)

// dialRequest opens a short-lived connection to the sender's external
// request PULL socket for a single NEXT/CANCEL command (spec.md §6
// "single-frame commands").
func dialRequest(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing request socket %s: %w", addr, err)
	}
	return conn, nil
}

// Mode selects which START_*/STOP_* signal pair Transfer uses.
type Mode string

const (
	ModeStreamData     Mode = "stream"
	ModeStreamMetadata Mode = "stream_metadata"
	ModeQueryData      Mode = "query"
	ModeQueryMetadata  Mode = "query_metadata"
)

// Target is one consumer entry of a START_* targets list, mirroring
// spec.md §6's json-targets tuple.
type Target struct {
	Host     string
	Port     int
	Priority int
	Suffixes []string // mutually exclusive with Regex
	Regex    string
}

func (t Target) marshal() []interface{} {
	if len(t.Suffixes) > 0 {
		return []interface{}{t.Host, t.Port, t.Priority, t.Suffixes}
	}
	if t.Regex != "" {
		return []interface{}{t.Host, t.Port, t.Priority, t.Regex}
	}
	return []interface{}{t.Host, t.Port, t.Priority}
}

// Transfer is a single sender connection: it owns the endpoints of one
// sender instance's com/request/data-stream sockets and tracks which
// mode it started in so Stop() can send the matching STOP_* signal.
type Transfer struct {
	comAddr     string
	dataAddr    string
	localEP     Target
	mode        Mode
	started     bool
	callTimeout time.Duration

	pull *transport.PullServer
	recv chan model.Chunk
}

// New builds a Transfer bound to a sender's external com socket and this
// client's own advertised (host, port) — the endpoint the sender will
// stream to once Start succeeds.
func New(comAddr string, self Target) *Transfer {
	return &Transfer{comAddr: comAddr, localEP: self, callTimeout: 10 * time.Second}
}

// Start registers self as a consumer in the given mode, optionally
// filtered by suffixes or a raw regex, matching spec.md §6's
// json-targets tuple and §4.2's signal set.
func (t *Transfer) Start(ctx context.Context, mode Mode) error {
	signal, ok := startSignal(mode)
	if !ok {
		return fmt.Errorf("hidraclient: unknown mode %q", mode)
	}

	dataAddr := fmt.Sprintf("%s:%d", t.localEP.Host, t.localEP.Port)
	pull, err := transport.ListenPull(dataAddr, t.handleIncoming)
	if err != nil {
		return fmt.Errorf("binding local data socket: %w", err)
	}

	targetsJSON, err := json.Marshal([]interface{}{t.localEP.marshal()})
	if err != nil {
		pull.Close()
		return fmt.Errorf("encoding targets: %w", err)
	}

	reply, err := transport.Call(ctx, t.comAddr, [][]byte{
		[]byte(version.Current), []byte(signal), targetsJSON,
	})
	if err != nil {
		pull.Close()
		return fmt.Errorf("calling sender: %w", err)
	}
	if status := string(reply[0]); status != signal {
		pull.Close()
		return fmt.Errorf("hidraclient: start rejected: %s", status)
	}

	t.pull = pull
	t.recv = make(chan model.Chunk, 16)
	t.mode = mode
	t.started = true
	return nil
}

// Stop deregisters this consumer with the matching STOP_* signal and
// closes the local data socket.
func (t *Transfer) Stop(ctx context.Context) error {
	if !t.started {
		return nil
	}
	signal, ok := stopSignal(t.mode)
	if !ok {
		return fmt.Errorf("hidraclient: unknown mode %q", t.mode)
	}

	targetsJSON, _ := json.Marshal([]interface{}{t.localEP.marshal()})
	_, err := transport.Call(ctx, t.comAddr, [][]byte{
		[]byte(version.Current), []byte(signal), targetsJSON,
	})

	if t.pull != nil {
		t.pull.Close()
	}
	t.started = false
	return err
}

// Get blocks for the next delivered chunk (stream mode) or the next
// granted file after a Check call (query mode), whichever this Transfer
// was started in.
func (t *Transfer) Get(ctx context.Context) (model.Chunk, error) {
	select {
	case chunk, ok := <-t.recv:
		if !ok {
			return model.Chunk{}, fmt.Errorf("hidraclient: data socket closed")
		}
		return chunk, nil
	case <-ctx.Done():
		return model.Chunk{}, ctx.Err()
	}
}

// Check issues a NEXT request on the sender's external request socket
// (query mode only), granting this consumer the next matching file.
func (t *Transfer) Check(ctx context.Context, requestAddr string) error {
	conn, err := dialRequest(ctx, requestAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	self := fmt.Sprintf("%s:%d", t.localEP.Host, t.localEP.Port)
	return transport.WriteFrames(conn, [][]byte{[]byte("NEXT " + self)})
}

// Cancel withdraws this consumer's pending NEXT grants (query mode).
func (t *Transfer) Cancel(ctx context.Context, requestAddr string) error {
	conn, err := dialRequest(ctx, requestAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	self := fmt.Sprintf("%s:%d", t.localEP.Host, t.localEP.Port)
	return transport.WriteFrames(conn, [][]byte{[]byte("CANCEL " + self)})
}

// handleIncoming parses one received [header, payload] message into a
// Chunk (or discards ALIVE_TEST/CLOSE_FILE sentinels, spec.md §6).
func (t *Transfer) handleIncoming(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	switch string(frames[0]) {
	case "ALIVE_TEST":
		return
	case "CLOSE_FILE":
		return
	}
	if len(frames) != 2 {
		return
	}
	var header model.ChunkHeader
	if err := json.Unmarshal(frames[0], &header); err != nil {
		return
	}
	select {
	case t.recv <- model.Chunk{Header: header, Payload: frames[1]}:
	default:
	}
}

func startSignal(mode Mode) (string, bool) {
	switch mode {
	case ModeStreamData:
		return "START_STREAM", true
	case ModeStreamMetadata:
		return "START_STREAM_METADATA", true
	case ModeQueryData:
		return "START_QUERY_NEXT", true
	case ModeQueryMetadata:
		return "START_QUERY_METADATA", true
	default:
		return "", false
	}
}

func stopSignal(mode Mode) (string, bool) {
	switch mode {
	case ModeStreamData:
		return "STOP_STREAM", true
	case ModeStreamMetadata:
		return "STOP_STREAM_METADATA", true
	case ModeQueryData:
		return "STOP_QUERY_NEXT", true
	case ModeQueryMetadata:
		return "STOP_QUERY_METADATA", true
	default:
		return "", false
	}
}

// GetVersion queries a sender's version without registering any
// subscription.
func GetVersion(ctx context.Context, comAddr string) (string, error) {
	reply, err := transport.Call(ctx, comAddr, [][]byte{
		[]byte(version.Current), []byte("GET_VERSION"), []byte("[]"),
	})
	if err != nil {
		return "", err
	}
	return string(reply[0]), nil
}

// CheckStatus queries a sender's status socket.
func CheckStatus(ctx context.Context, statusAddr string) (model.Status, error) {
	reply, err := transport.Call(ctx, statusAddr, [][]byte{[]byte("STATUS_CHECK")})
	if err != nil {
		return model.Status{}, err
	}
	return parseStatusReply(reply), nil
}

// ResetStatus resets a sender's status socket to OK.
func ResetStatus(ctx context.Context, statusAddr string) (model.Status, error) {
	reply, err := transport.Call(ctx, statusAddr, [][]byte{[]byte("RESET_STATUS")})
	if err != nil {
		return model.Status{}, err
	}
	return parseStatusReply(reply), nil
}

func parseStatusReply(reply [][]byte) model.Status {
	if len(reply) == 0 {
		return model.ErrorStatus("unknown", "empty reply")
	}
	if string(reply[0]) == "OK" {
		return model.OKStatus
	}
	var kind, detail string
	if len(reply) > 1 {
		kind = string(reply[1])
	}
	if len(reply) > 2 {
		detail = string(reply[2])
	}
	return model.ErrorStatus(kind, detail)
}
