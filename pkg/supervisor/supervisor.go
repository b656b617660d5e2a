// Package supervisor implements the Supervisor component of spec.md
// §4.6: it creates the shared transport context, wires every external
// and internal endpoint, spawns SignalHandler, TaskProvider, the
// DataDispatcher pool and the Cleaner, probes the fixed storage stream's
// liveness, and drives coordinated SLEEP/WAKEUP/EXIT across all of them.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hidra-project/hidra/pkg/cleaner"
	"github.com/hidra-project/hidra/pkg/controlbus"
	"github.com/hidra-project/hidra/pkg/detector"
	"github.com/hidra-project/hidra/pkg/dispatcher"
	"github.com/hidra-project/hidra/pkg/fetcher"
	"github.com/hidra-project/hidra/pkg/hostmatch"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/signalhandler"
	"github.com/hidra-project/hidra/pkg/taskprovider"
	"github.com/hidra-project/hidra/pkg/transport"
)

// Config assembles every tunable the Supervisor needs to wire one sender
// instance. It is built from pkg/hconfig.Config by cmd/hidra-sender.
type Config struct {
	ComAddr     string
	RequestAddr string
	StatusAddr  string
	ConfirmAddr string // confirmation publisher the Cleaner subscribes to; when empty no confirmations arrive, so with_confirmation files are tracked but never finalized

	Whitelist       []string
	StoreData       bool
	QueryPendingCap int

	NumberOfStreams     int
	Chunksize           int
	LocalTarget         string
	Denylist            []string
	RemoveData          model.RemovePolicy
	FixedStreamEndpoint string
	TrackedSendTimeout  time.Duration

	Detector detector.Config

	ProbeInterval   time.Duration
	ConfirmGraceTTL time.Duration
	DrainTimeout    time.Duration
}

// Supervisor owns the lifetime of one sender instance's workers and
// transport endpoints.
type Supervisor struct {
	cfg Config

	bus      *controlbus.Bus
	handler  *signalhandler.Handler
	provider *taskprovider.TaskProvider
	workers  []*dispatcher.Dispatcher
	clean    *cleaner.Cleaner
	det      detector.Detector

	comSrv     *transport.ReplyServer
	reqSrv     *transport.PullServer
	statusSrv  *transport.ReplyServer
	confirmSub *transport.SubClient

	router chan model.WorkItem

	probeMu sync.Mutex
	asleep  bool
}

// New wires every component described above but does not start any
// goroutine or bind any socket yet; call Run for that.
func New(cfg Config) (*Supervisor, error) {
	if cfg.NumberOfStreams < 1 {
		cfg.NumberOfStreams = 1
	}
	if cfg.TrackedSendTimeout <= 0 {
		cfg.TrackedSendTimeout = 5 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("starting event detector: %w", err)
	}

	fetch := fetcher.New(cfg.LocalTarget, cfg.Denylist)
	bus := controlbus.NewBus()

	clean := cleaner.New(cleaner.Config{
		StoreData:   cfg.StoreData,
		GracePeriod: cfg.ConfirmGraceTTL,
	}, fetch)

	handler := signalhandler.New(signalhandler.Config{
		Hosts:           hostmatch.NewList(cfg.Whitelist),
		StoreData:       cfg.StoreData,
		QueryPendingCap: cfg.QueryPendingCap,
		Bus:             bus,
	})

	router := make(chan model.WorkItem, cfg.NumberOfStreams*4)
	provider := taskprovider.New(det, handler, router)

	workers := make([]*dispatcher.Dispatcher, cfg.NumberOfStreams)
	for i := range workers {
		workers[i] = dispatcher.New(dispatcher.Config{
			WorkerID:            fmt.Sprintf("%d/%d", i, cfg.NumberOfStreams),
			Chunksize:           cfg.Chunksize,
			StoreData:           cfg.StoreData,
			RemoveData:          cfg.RemoveData,
			FixedStreamEndpoint: cfg.FixedStreamEndpoint,
			TrackedSendTimeout:  cfg.TrackedSendTimeout,
		}, fetch, clean)
	}

	return &Supervisor{
		cfg:      cfg,
		bus:      bus,
		handler:  handler,
		provider: provider,
		workers:  workers,
		clean:    clean,
		det:      det,
		router:   router,
	}, nil
}

// Run binds every external socket, starts every worker goroutine, probes
// the fixed storage stream, and blocks until ctx is canceled. On return
// every worker has been asked to EXIT and given DrainTimeout to stop.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.WithComponent("supervisor")

	// The control forwarder must run before any worker starts (spec.md
	// §4.1).
	s.bus.Start()
	defer s.bus.Stop()

	if err := s.bindSockets(); err != nil {
		return err
	}
	defer s.closeSockets()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.provider.Run(ctx, s.bus.Subscribe())
	}()

	for _, w := range s.workers {
		wg.Add(1)
		go func(w *dispatcher.Dispatcher) {
			defer wg.Done()
			w.Run(ctx, s.router, s.bus.Subscribe())
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.clean.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.probeLoop(ctx)
	}()

	logger.Info().
		Int("dispatchers", len(s.workers)).
		Str("com", s.cfg.ComAddr).
		Msg("sender pipeline started")

	<-ctx.Done()
	logger.Info().Msg("EXIT requested, draining workers")
	s.bus.Publish(controlbus.Signal{Type: controlbus.Exit})

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		logger.Info().Msg("all workers drained cleanly")
	case <-time.After(s.cfg.DrainTimeout):
		logger.Warn().Msg("drain timeout exceeded, proceeding with shutdown")
	}

	return s.det.Close()
}

func (s *Supervisor) bindSockets() error {
	var err error
	s.comSrv, err = transport.ListenReply(s.cfg.ComAddr, s.handler.HandleCom)
	if err != nil {
		return fmt.Errorf("binding com socket: %w", err)
	}

	s.reqSrv, err = transport.ListenPull(s.cfg.RequestAddr, s.handler.HandleRequest)
	if err != nil {
		return fmt.Errorf("binding request socket: %w", err)
	}

	s.statusSrv, err = transport.ListenReply(s.cfg.StatusAddr, s.handleStatus)
	if err != nil {
		return fmt.Errorf("binding status socket: %w", err)
	}
	metrics.RegisterComponent("signalhandler", true, "")

	if s.cfg.ConfirmAddr != "" {
		s.confirmSub, err = transport.DialSub(s.cfg.ConfirmAddr, s.clean.HandleConfirmation)
		if err != nil {
			return fmt.Errorf("subscribing to confirmation socket: %w", err)
		}
	}

	return nil
}

func (s *Supervisor) closeSockets() {
	if s.comSrv != nil {
		s.comSrv.Close()
	}
	if s.reqSrv != nil {
		s.reqSrv.Close()
	}
	if s.statusSrv != nil {
		s.statusSrv.Close()
	}
	if s.confirmSub != nil {
		s.confirmSub.Close()
	}
}

// handleStatus answers STATUS_CHECK and RESET_STATUS on the external
// status REQ/REP socket (spec.md §6). The aggregate status is the first
// non-OK status found across the dispatcher pool and the Cleaner.
func (s *Supervisor) handleStatus(frames [][]byte) [][]byte {
	if len(frames) != 1 {
		return [][]byte{[]byte("ERROR")}
	}
	switch string(frames[0]) {
	case "STATUS_CHECK":
		return statusReply(s.aggregateStatus())
	case "RESET_STATUS":
		// Dispatcher status self-corrects on the next successfully
		// dispatched file; only the Cleaner's status needs an explicit
		// reset since it can sit on confirmation_timeout indefinitely.
		s.clean.ResetStatus()
		return statusReply(s.aggregateStatus())
	default:
		return [][]byte{[]byte("ERROR")}
	}
}

func (s *Supervisor) aggregateStatus() model.Status {
	for _, w := range s.workers {
		if st := w.Status(); !st.OK {
			return st
		}
	}
	if st := s.clean.Status(); !st.OK {
		return st
	}
	return model.OKStatus
}

func statusReply(st model.Status) [][]byte {
	if st.OK {
		return [][]byte{[]byte("OK")}
	}
	return [][]byte{[]byte("ERROR"), []byte(st.Kind), []byte(st.Detail)}
}

// probeLoop periodically sends ALIVE_TEST to the fixed storage stream
// target and publishes SLEEP/WAKEUP on edges (spec.md §4.6).
func (s *Supervisor) probeLoop(ctx context.Context) {
	if s.cfg.FixedStreamEndpoint == "" {
		return
	}
	s.probeOnce()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.probeOnce()
		}
	}
}

func (s *Supervisor) probeOnce() {
	timer := metrics.NewTimer()
	ok := s.aliveTest()
	timer.ObserveDuration(metrics.AliveProbeDuration)

	s.probeMu.Lock()
	wasAsleep := s.asleep
	s.asleep = !ok
	s.probeMu.Unlock()

	if ok == wasAsleep {
		if ok {
			s.bus.Publish(controlbus.Signal{Type: controlbus.Wakeup})
			metrics.SupervisorAsleep.Set(0)
			log.WithComponent("supervisor").Info().Msg("fixed storage stream recovered, WAKEUP")
		} else {
			s.bus.Publish(controlbus.Signal{Type: controlbus.Sleep})
			metrics.SupervisorAsleep.Set(1)
			log.WithComponent("supervisor").Warn().Msg("fixed storage stream unreachable, SLEEP")
		}
	}
}

func (s *Supervisor) aliveTest() bool {
	client, err := transport.DialPush(s.cfg.FixedStreamEndpoint)
	if err != nil {
		return false
	}
	defer client.Close()
	return client.Send([][]byte{[]byte("ALIVE_TEST")}) == nil
}
