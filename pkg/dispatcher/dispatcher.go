// Package dispatcher implements the DataDispatcher component of spec.md
// §4.4: one instance per worker id k/N, streaming files in fixed-size
// chunks to every resolved consumer and applying the local store/remove
// policy once a file is fully handled.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hidra-project/hidra/pkg/controlbus"
	"github.com/hidra-project/hidra/pkg/fetcher"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/transport"
)

// ConfirmationTracker receives the handoff a dispatcher makes once the
// final chunk of a with_confirmation file has been sent: the Cleaner
// needs the file identifier, the expected chunk count and the source
// path to know when it is safe to delete or move the file.
type ConfirmationTracker interface {
	Track(fileID string, totalChunks int, sourcePath string)
}

// Config configures one Dispatcher worker.
type Config struct {
	WorkerID            string // "k/N"
	Chunksize           int
	StoreData           bool
	RemoveData          model.RemovePolicy
	FixedStreamEndpoint string // priority-0 target; tracked send
	TrackedSendTimeout  time.Duration
}

// Dispatcher streams work items to their resolved consumers.
type Dispatcher struct {
	cfg     Config
	fetcher fetcher.Fetcher
	tracker ConfirmationTracker

	mu    sync.Mutex
	conns map[string]*transport.PushClient

	statusMu sync.RWMutex
	status   model.Status
}

// New builds a Dispatcher worker.
func New(cfg Config, f fetcher.Fetcher, tracker ConfirmationTracker) *Dispatcher {
	if cfg.TrackedSendTimeout <= 0 {
		cfg.TrackedSendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		fetcher: f,
		tracker: tracker,
		conns:   make(map[string]*transport.PushClient),
		status:  model.OKStatus,
	}
}

// Status reports the dispatcher's current health, served on the
// status-check REQ/REP endpoint of spec.md §6.
func (d *Dispatcher) Status() model.Status {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status
}

func (d *Dispatcher) setStatus(s model.Status) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.status = s
	if s.OK {
		metrics.DispatcherStatus.WithLabelValues(d.cfg.WorkerID).Set(1)
		metrics.UpdateComponent("dispatcher", true, "")
	} else {
		metrics.DispatcherStatus.WithLabelValues(d.cfg.WorkerID).Set(0)
		metrics.UpdateComponent("dispatcher", false, d.cfg.WorkerID+": "+s.Detail)
	}
}

// Run pulls work items from router until ctx is canceled or EXIT arrives
// on sub.
func (d *Dispatcher) Run(ctx context.Context, router <-chan model.WorkItem, sub controlbus.Subscriber) {
	logger := log.WithComponent("dispatcher[" + d.cfg.WorkerID + "]")
	logger.Info().Msg("starting")
	metrics.RegisterComponent("dispatcher", true, "")

	// src mirrors router but is nulled out while asleep: a nil channel
	// blocks forever in a select, which leaves queued work items sitting
	// in router's buffer untouched until WAKEUP re-enables this case
	// (spec.md §4.4 "SLEEP: stop sending; keep work items in the router
	// queue").
	src := router
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub:
			if !ok {
				return
			}
			switch sig.Type {
			case controlbus.Sleep:
				src = nil
			case controlbus.Wakeup:
				src = router
			case controlbus.Exit:
				logger.Info().Msg("EXIT received, stopping after current file")
				return
			case controlbus.CloseSockets:
				d.closeSockets(sig.Endpoints)
			}
		case item, ok := <-src:
			if !ok {
				return
			}
			timer := metrics.NewTimer()
			d.dispatchItem(ctx, item)
			timer.ObserveDurationVec(metrics.DispatchDuration, d.cfg.WorkerID)
		}
	}
}
