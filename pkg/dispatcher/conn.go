package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/transport"
	"github.com/rs/zerolog"
)

func marshalHeader(h model.ChunkHeader) ([]byte, error) {
	return json.Marshal(h)
}

// connFor returns this worker's cached PUSH connection to endpoint,
// dialing and caching a new one on first use (spec.md §4.4 step 3).
func (d *Dispatcher) connFor(endpoint string) (*transport.PushClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if conn, ok := d.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := transport.DialPush(endpoint)
	if err != nil {
		return nil, err
	}
	d.conns[endpoint] = conn
	return conn, nil
}

// sendErr sends frames to target.Endpoint, returning any dial/write
// error.
func (d *Dispatcher) sendErr(target model.Target, frames [][]byte) error {
	conn, err := d.connFor(target.Endpoint)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", target.Endpoint, err)
	}
	if err := conn.Send(frames); err != nil {
		d.dropConn(target.Endpoint)
		return err
	}
	return nil
}

// send performs a best-effort (non-priority-0) send, logging and
// continuing on failure per spec.md §4.4's TargetSendError-at-priority>0
// rule.
func (d *Dispatcher) send(target model.Target, frames [][]byte, logger zerolog.Logger) bool {
	if err := d.sendErr(target, frames); err != nil {
		logger.Warn().Str("endpoint", target.Endpoint).Err(err).Msg("target send error")
		return false
	}
	return true
}

func (d *Dispatcher) dropConn(endpoint string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[endpoint]; ok {
		conn.Close()
		delete(d.conns, endpoint)
	}
}

// closeSockets closes and forgets every cached connection to the listed
// endpoints, in response to a CLOSE_SOCKETS control signal (spec.md
// §4.4 "CLOSE_SOCKETS on control bus").
func (d *Dispatcher) closeSockets(endpoints []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ep := range endpoints {
		if conn, ok := d.conns[ep]; ok {
			conn.Close()
			delete(d.conns, ep)
		}
	}
}
