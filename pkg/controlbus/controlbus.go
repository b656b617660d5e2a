// Package controlbus implements the in-process pub/sub fan-out of
// lifecycle signals (SLEEP/WAKEUP/EXIT, CLOSE_SOCKETS) from the Supervisor
// to every long-lived worker sharing its process. Every worker runs as a
// goroutine of that one process; pkg/transport has no socket-level
// control forwarder.
package controlbus

import (
	"sync"
)

// SignalType names one of the recognized control messages.
type SignalType string

const (
	// Exit requests a coordinated, bounded-time shutdown of every worker.
	Exit SignalType = "control/EXIT"
	// Sleep asks TaskProvider/DataDispatchers to stop sending while
	// continuing to drain their upstream sources.
	Sleep SignalType = "control/SLEEP"
	// Wakeup resumes normal operation after Sleep.
	Wakeup SignalType = "control/WAKEUP"
	// CloseSockets asks DataDispatchers to close any cached outbound
	// sockets for the listed endpoints (a nodeset was just deregistered).
	CloseSockets SignalType = "signal/CLOSE_SOCKETS"
)

// Signal is one message published on the control bus.
type Signal struct {
	Type SignalType
	// Endpoints is populated only for CloseSockets.
	Endpoints []string
}

// Subscriber is a channel that receives signals.
type Subscriber chan Signal

// Bus distributes Signals to every current Subscriber. It must be Start'd
// before anything publishes, and Stop'd exactly once during shutdown.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	signalCh    chan Signal
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBus creates a new control bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		signalCh:    make(chan Signal, 32),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's distribution loop. The spec requires the control
// forwarder to run before any worker starts, so callers should Start the
// Bus before spawning SignalHandler, TaskProvider, DataDispatchers or the
// Cleaner.
func (b *Bus) Start() {
	go b.run()
}

// Stop halts distribution. Subsequent Publish calls are no-ops.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a new subscriber. The returned channel is buffered
// so a slow worker does not stall the broadcast loop; a full buffer drops
// the oldest unconsumed signal in favor of the new one, because EXIT must
// always be observable even if a worker is behind.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 16)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish broadcasts a signal to all current subscribers.
func (b *Bus) Publish(sig Signal) {
	select {
	case b.signalCh <- sig:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case sig := <-b.signalCh:
			b.broadcast(sig)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(sig Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- sig:
		default:
			// Subscriber buffer full; drop the oldest entry to make
			// room rather than block the whole bus on one slow worker.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- sig:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
