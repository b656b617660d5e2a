package transport

import (
	"fmt"
	"net"
	"sync"
)

// PubServer is the PUB half of a PUB/SUB socket: it accepts subscriber
// connections and broadcasts every Publish call to all of them. Only this
// package's own tests use it; the production Cleaner is fed by a
// SubClient (it subscribes to confirmations published by consumers).
type PubServer struct {
	mu   sync.RWMutex
	subs map[net.Conn]bool
	ln   net.Listener
}

// ListenPub binds addr and starts accepting subscribers.
func ListenPub(addr string) (*PubServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding pub socket %s: %w", addr, err)
	}
	p := &PubServer{subs: make(map[net.Conn]bool), ln: ln}
	go p.acceptLoop()
	return p, nil
}

func (p *PubServer) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		p.subs[conn] = true
		p.mu.Unlock()
		go p.watchDisconnect(conn)
	}
}

func (p *PubServer) watchDisconnect(conn net.Conn) {
	buf := make([]byte, 1)
	_, _ = conn.Read(buf) // SUB never writes; any return means it's gone
	p.mu.Lock()
	delete(p.subs, conn)
	p.mu.Unlock()
	_ = conn.Close()
}

// Publish sends frames (typically [topic, payload]) to every connected
// subscriber, best-effort.
func (p *PubServer) Publish(frames [][]byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for conn := range p.subs {
		_ = WriteFrames(conn, frames)
	}
}

// Addr returns the bound address.
func (p *PubServer) Addr() string { return p.ln.Addr().String() }

// Close stops the PUB socket.
func (p *PubServer) Close() error { return p.ln.Close() }

// SubHandler processes one published message.
type SubHandler func(frames [][]byte)

// SubClient is the SUB half: it dials a PUB endpoint and invokes handler
// for every message published, until Close is called or the connection
// drops.
type SubClient struct {
	conn net.Conn
}

// DialSub connects to a PUB socket at addr and starts delivering messages
// to handler in a background goroutine.
func DialSub(addr string, handler SubHandler) (*SubClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing sub socket %s: %w", addr, err)
	}
	s := &SubClient{conn: conn}
	go s.recvLoop(handler)
	return s, nil
}

func (s *SubClient) recvLoop(handler SubHandler) {
	bc := NewBufferedConn(s.conn)
	for {
		frames, err := bc.ReadFrames()
		if err != nil {
			return
		}
		handler(frames)
	}
}

// Close disconnects from the PUB socket.
func (s *SubClient) Close() error { return s.conn.Close() }
