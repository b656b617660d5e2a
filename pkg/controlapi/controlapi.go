// Package controlapi implements the control server's admin HTTP+JSON API
// (SPEC_FULL.md §6), grounded on original_source/src/hidra_control/
// hidra_control_server.py's start/stop/list/status operations and on the
// teacher's pkg/api server shape, replacing its protobuf/gRPC transport
// (see DESIGN.md) with net/http and plain JSON since nothing
// else in this module needs gRPC's code generation.
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hidra-project/hidra/pkg/controlstore"
	"github.com/hidra-project/hidra/pkg/hidraclient"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
)

// Config wires the server to the sender binary it supervises and the
// store it persists instance records in.
type Config struct {
	SenderBinPath string // path to the hidra-sender executable
	StopGrace     time.Duration
}

// Server is the control server's admin HTTP API.
type Server struct {
	cfg   Config
	store *controlstore.Store

	mu    sync.Mutex
	procs map[string]*os.Process // detector name -> running sender process
}

// New builds a Server backed by store.
func New(cfg Config, store *controlstore.Store) *Server {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Server{cfg: cfg, store: store, procs: make(map[string]*os.Process)}
}

// Handler returns the mux implementing every route named in
// SPEC_FULL.md §6.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/instances", s.handleCreate)
	mux.HandleFunc("GET /v1/instances", s.handleList)
	mux.HandleFunc("GET /v1/instances/{name}", s.handleGet)
	mux.HandleFunc("DELETE /v1/instances/{name}", s.handleDelete)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /healthz", metrics.LivenessHandler())
	return mux
}

type createRequest struct {
	DetectorName string `json:"detector_name"`
	ConfigPath   string `json:"config_path"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DetectorName == "" || req.ConfigPath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("detector_name and config_path are required"))
		return
	}

	if _, err := s.store.Get(req.DetectorName); err == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("instance %q already exists", req.DetectorName))
		return
	}

	cmd := exec.Command(s.cfg.SenderBinPath, "--config-file", req.ConfigPath, "--procname", req.DetectorName)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("starting sender: %w", err))
		return
	}
	go cmd.Wait() // reap; exit status is observed via the status socket, not here

	inst := &controlstore.Instance{
		Name:       req.DetectorName,
		PID:        cmd.Process.Pid,
		ConfigPath: req.ConfigPath,
		StartedAt:  time.Now(),
		State:      controlstore.StateRunning,
	}
	if err := s.store.Put(inst); err != nil {
		_ = cmd.Process.Kill()
		writeError(w, http.StatusInternalServerError, fmt.Errorf("persisting instance record: %w", err))
		return
	}

	s.mu.Lock()
	s.procs[req.DetectorName] = cmd.Process
	s.mu.Unlock()

	metrics.InstancesTotal.WithLabelValues(string(controlstore.StateRunning)).Inc()
	metrics.AdminRequestsTotal.WithLabelValues("create", "201").Inc()
	log.WithComponent("controlapi").Info().
		Str("detector", req.DetectorName).Int("pid", inst.PID).Msg("sender instance started")

	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := s.store.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	inst, err := s.store.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	s.mu.Lock()
	proc := s.procs[name]
	s.mu.Unlock()

	if proc != nil {
		if err := s.stopGracefully(r.Context(), proc); err != nil {
			log.WithComponent("controlapi").Warn().Err(err).Str("detector", name).Msg("stop did not complete cleanly")
		}
	}

	inst.State = controlstore.StateStopped
	_ = s.store.Put(inst)

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()

	metrics.InstancesTotal.WithLabelValues(string(controlstore.StateStopped)).Inc()
	metrics.AdminRequestsTotal.WithLabelValues("delete", "204").Inc()
	log.WithComponent("controlapi").Info().Str("detector", name).Msg("sender instance stopped")
	w.WriteHeader(http.StatusNoContent)
}

// stopGracefully sends SIGTERM and escalates to SIGKILL after
// cfg.StopGrace, matching SPEC_FULL.md §6's delete semantics.
func (s *Server) stopGracefully(ctx context.Context, proc *os.Process) error {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(s.cfg.StopGrace):
		return proc.Kill()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckHealth queries a running instance's own status socket and reports
// an unreachable socket as an "unreachable" error status. Neither the
// admin API handlers nor hidra-control's `list` call it; `list` reports
// only the persisted instance records.
func CheckHealth(ctx context.Context, statusAddr string) model.Status {
	st, err := hidraclient.CheckStatus(ctx, statusAddr)
	if err != nil {
		return model.ErrorStatus("unreachable", err.Error())
	}
	return st
}

// NewInstanceID returns a fresh random correlation ID. Nothing in this
// module calls it; instance records are keyed by detector name and carry
// no such ID.
func NewInstanceID() string { return uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
