// Package taskprovider implements the TaskProvider component of spec.md
// §4.3: it pulls events from an EventDetector, resolves their consumers
// synchronously against the SignalHandler, and pushes work items onto
// the router for the DataDispatchers to pick up.
package taskprovider

import (
	"context"
	"sync"

	"github.com/hidra-project/hidra/pkg/controlbus"
	"github.com/hidra-project/hidra/pkg/detector"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/rs/zerolog"
)

// Resolver answers "who wants this file?", implemented by
// signalhandler.Handler.Resolve. Kept as an interface here so
// taskprovider doesn't import signalhandler directly (both are
// independent concurrency units per spec.md §5).
type Resolver interface {
	Resolve(fileID string) []model.Target
}

// Router receives resolved work items, fanning them out to idle
// dispatchers (spec.md §4.1 "router"). In-process, this is simply a
// buffered channel shared with the dispatcher pool.
type Router chan<- model.WorkItem

// TaskProvider runs the detector-pull / resolve / push loop.
type TaskProvider struct {
	detector detector.Detector
	resolver Resolver
	router   Router

	mu     sync.Mutex
	asleep bool
}

// New builds a TaskProvider. router should be closed by the caller only
// after Run returns.
func New(d detector.Detector, resolver Resolver, router Router) *TaskProvider {
	return &TaskProvider{detector: d, resolver: resolver, router: router}
}

// Run drives the loop until ctx is canceled or an EXIT signal arrives on
// sub. It blocks the caller; run it in its own goroutine.
func (tp *TaskProvider) Run(ctx context.Context, sub controlbus.Subscriber) {
	logger := log.WithComponent("taskprovider")
	logger.Info().Msg("starting")
	metrics.RegisterComponent("taskprovider", true, "")

	for {
		if tp.drainControl(sub, &logger) {
			logger.Info().Msg("EXIT received, draining and stopping")
			return
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("context canceled, stopping")
			return
		default:
		}

		event, err := tp.detector.Next(ctx)
		if err != nil {
			if err == detector.ErrTimeout {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("detector error")
			metrics.UpdateComponent("taskprovider", false, err.Error())
			continue
		}
		metrics.UpdateComponent("taskprovider", true, "")

		if tp.isAsleep() {
			// Keep draining the detector so its internal buffers don't
			// overflow while paused (spec.md §4.3), but drop what it
			// returns instead of dispatching.
			logger.Debug().Str("file", event.FileID()).Msg("dropped while asleep")
			continue
		}

		metrics.EventsSeenTotal.Inc()
		fileID := event.FileID()
		targets := tp.resolver.Resolve(fileID)

		workItem := model.WorkItem{Event: event, Targets: targets}
		select {
		case tp.router <- workItem:
		case <-ctx.Done():
			return
		}
	}
}

// drainControl applies every control signal currently queued on sub
// without blocking, returning true if EXIT was among them.
func (tp *TaskProvider) drainControl(sub controlbus.Subscriber, logger *zerolog.Logger) bool {
	for {
		select {
		case sig, ok := <-sub:
			if !ok {
				return true
			}
			switch sig.Type {
			case controlbus.Sleep:
				tp.setAsleep(true)
				logger.Info().Msg("sleeping")
			case controlbus.Wakeup:
				tp.setAsleep(false)
				logger.Info().Msg("waking up")
			case controlbus.Exit:
				return true
			}
		default:
			return false
		}
	}
}

func (tp *TaskProvider) isAsleep() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.asleep
}

func (tp *TaskProvider) setAsleep(v bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.asleep = v
}
