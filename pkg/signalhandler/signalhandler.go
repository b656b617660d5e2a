// Package signalhandler implements the SignalHandler component of spec.md
// §4.2: it terminates the external control channel, validates peers,
// owns the stream and query registries, and answers the TaskProvider's
// request-forward queries. Subscription state lives exclusively here;
// the TaskProvider asks through Resolve rather than replicating it.
package signalhandler

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hidra-project/hidra/pkg/controlbus"
	"github.com/hidra-project/hidra/pkg/hostmatch"
	"github.com/hidra-project/hidra/pkg/log"
	"github.com/hidra-project/hidra/pkg/metrics"
	"github.com/hidra-project/hidra/pkg/model"
	"github.com/hidra-project/hidra/pkg/version"
)

// Config controls the behavior of a Handler.
type Config struct {
	Hosts           *hostmatch.List
	StoreData       bool
	QueryPendingCap int
	Bus             *controlbus.Bus
}

// Handler owns the stream and query nodeset registries and answers every
// signalhandler operation named in spec.md §4.2. HandleCom, HandleRequest
// and Resolve are called from different goroutines (the com and request
// socket servers, and the TaskProvider); the mutex serializes their
// access to the registries.
type Handler struct {
	mu sync.Mutex

	stream []*model.NodeSet
	query  []*model.NodeSet

	hosts           *hostmatch.List
	storeData       bool
	queryPendingCap int
	bus             *controlbus.Bus
}

// New builds a Handler ready to serve com/request_fw/request traffic.
func New(cfg Config) *Handler {
	cap := cfg.QueryPendingCap
	if cap <= 0 {
		cap = 64
	}
	return &Handler{
		hosts:           cfg.Hosts,
		storeData:       cfg.StoreData,
		queryPendingCap: cap,
		bus:             cfg.Bus,
	}
}

// target is one parsed entry of a json-targets list: [host, port, priority]
// or [host, port, priority, suffix-list].
type target struct {
	Host     string
	Port     int
	Priority int
	Suffixes []string
	RawRegex string
}

// HandleCom answers one external control message: [version, signal,
// json-targets]. It is wired as a transport.Handler on the com REP
// socket.
func (h *Handler) HandleCom(frames [][]byte) [][]byte {
	if len(frames) != 3 {
		return reply("NO_VALID_SIGNAL")
	}
	peerVersion := string(frames[0])
	signal := string(frames[1])

	if signal == "GET_VERSION" {
		return reply(version.Current)
	}

	if !version.Compatible(peerVersion) {
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "version_conflict").Inc()
		return reply(fmt.Sprintf("VERSION_CONFLICT %s", version.Current))
	}

	if signal == "IS_ALIVE" {
		return reply("OK")
	}

	targets, err := parseTargets(frames[2])
	if err != nil {
		log.Error("malformed targets in control message: " + err.Error())
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "no_valid_signal").Inc()
		return reply("NO_VALID_SIGNAL")
	}

	if err := h.validateHosts(targets); err != nil {
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "no_valid_host").Inc()
		return reply("NO_VALID_HOST")
	}

	mode, registry, stop, ok := classifySignal(signal)
	if !ok {
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "no_valid_signal").Inc()
		return reply("NO_VALID_SIGNAL")
	}

	if mode == model.ModeMetadata && !stop && !h.storeData {
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "storing_disabled").Inc()
		return reply(fmt.Sprintf("STORING_DISABLED %s", version.Current))
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if stop {
		removed, found := h.stopNodeset(registry, targets)
		if !found {
			metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "no_open_connection").Inc()
			return reply("NO_OPEN_CONNECTION_FOUND")
		}
		if len(removed) > 0 && h.bus != nil {
			h.bus.Publish(controlbus.Signal{Type: controlbus.CloseSockets, Endpoints: removed})
		}
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "ok").Inc()
		return reply(signal)
	}

	if _, err := h.startNodeset(registry, mode, targets); err != nil {
		metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "rejected").Inc()
		return reply("CONNECTION_ALREADY_OPEN")
	}
	h.refreshNodesetMetric()
	metrics.SubscriptionSignalsTotal.WithLabelValues(signal, "ok").Inc()
	return reply(signal)
}

func reply(s string) [][]byte { return [][]byte{[]byte(s)} }

// classifySignal maps a START_*/STOP_* signal name onto its mode,
// registry and whether it is a stop operation.
func classifySignal(signal string) (mode model.Mode, registry model.RegistryKind, stop bool, ok bool) {
	switch signal {
	case "START_STREAM":
		return model.ModeData, model.RegistryStream, false, true
	case "START_STREAM_METADATA":
		return model.ModeMetadata, model.RegistryStream, false, true
	case "START_QUERY_NEXT":
		return model.ModeData, model.RegistryQuery, false, true
	case "START_QUERY_METADATA":
		return model.ModeMetadata, model.RegistryQuery, false, true
	case "STOP_STREAM":
		return model.ModeData, model.RegistryStream, true, true
	case "STOP_STREAM_METADATA":
		return model.ModeMetadata, model.RegistryStream, true, true
	case "STOP_QUERY_NEXT":
		return model.ModeData, model.RegistryQuery, true, true
	case "STOP_QUERY_METADATA":
		return model.ModeMetadata, model.RegistryQuery, true, true
	default:
		return "", "", false, false
	}
}

func parseTargets(raw []byte) ([]target, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decoding targets list: %w", err)
	}
	out := make([]target, 0, len(entries))
	for i, entry := range entries {
		var tuple []json.RawMessage
		if err := json.Unmarshal(entry, &tuple); err != nil {
			return nil, fmt.Errorf("decoding target %d: %w", i, err)
		}
		if len(tuple) < 3 {
			return nil, fmt.Errorf("target %d has too few fields", i)
		}
		var t target
		if err := json.Unmarshal(tuple[0], &t.Host); err != nil {
			return nil, fmt.Errorf("target %d host: %w", i, err)
		}
		if err := json.Unmarshal(tuple[1], &t.Port); err != nil {
			return nil, fmt.Errorf("target %d port: %w", i, err)
		}
		if err := json.Unmarshal(tuple[2], &t.Priority); err != nil {
			return nil, fmt.Errorf("target %d priority: %w", i, err)
		}
		if len(tuple) >= 4 {
			var suffixOrRegex interface{}
			if err := json.Unmarshal(tuple[3], &suffixOrRegex); err != nil {
				return nil, fmt.Errorf("target %d pattern: %w", i, err)
			}
			switch v := suffixOrRegex.(type) {
			case []interface{}:
				for _, s := range v {
					if str, ok := s.(string); ok {
						t.Suffixes = append(t.Suffixes, str)
					}
				}
			case string:
				t.RawRegex = v
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (h *Handler) validateHosts(targets []target) error {
	if h.hosts == nil {
		return nil
	}
	hosts := make([]string, len(targets))
	for i, t := range targets {
		hosts[i] = t.Host
	}
	if !h.hosts.AllResolved(hosts) {
		return model.ErrNoValidHost
	}
	return nil
}

func (h *Handler) buildNodeSet(registry model.RegistryKind, mode model.Mode, targets []target) (*model.NodeSet, error) {
	members := make([]*model.Subscription, 0, len(targets))
	for _, t := range targets {
		endpoint := fmt.Sprintf("%s:%d", t.Host, t.Port)
		raw := t.RawRegex
		var suffixes []string
		if raw == "" {
			suffixes = t.Suffixes
		}
		source, compiled, err := model.CompilePattern(raw, suffixes)
		if err != nil {
			return nil, fmt.Errorf("target %s pattern: %w", endpoint, err)
		}
		members = append(members, &model.Subscription{
			Endpoint:      endpoint,
			Priority:      t.Priority,
			PatternSource: source,
			Pattern:       compiled,
			Mode:          mode,
			Registry:      registry,
		})
	}
	return &model.NodeSet{
		Kind:       registry,
		Members:    members,
		PendingCap: h.queryPendingCap,
	}, nil
}

func (h *Handler) startNodeset(registry model.RegistryKind, mode model.Mode, targets []target) (model.AdmissionOutcome, error) {
	ns, err := h.buildNodeSet(registry, mode, targets)
	if err != nil {
		return 0, err
	}
	registrySlice := h.registryFor(registry)
	outcome, replaceIdx, install := model.AdmitNodeSet(registrySlice, ns)
	switch outcome {
	case model.AdmissionRejected:
		return outcome, model.ErrOverlappingNodeset
	case model.AdmissionReplaced:
		registrySlice[replaceIdx] = install
	case model.AdmissionAppended:
		registrySlice = append(registrySlice, install)
	}
	h.setRegistry(registry, registrySlice)
	return outcome, nil
}

func (h *Handler) stopNodeset(registry model.RegistryKind, targets []target) (removedEndpoints []string, found bool) {
	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[fmt.Sprintf("%s:%d", t.Host, t.Port)] = true
	}
	registrySlice := h.registryFor(registry)
	kept := registrySlice[:0:0]
	for _, ns := range registrySlice {
		match := false
		for ep := range ns.Endpoints() {
			if wanted[ep] {
				match = true
				break
			}
		}
		if match {
			found = true
			for ep := range ns.Endpoints() {
				removedEndpoints = append(removedEndpoints, ep)
			}
			continue
		}
		kept = append(kept, ns)
	}
	h.setRegistry(registry, kept)
	return removedEndpoints, found
}

func (h *Handler) registryFor(kind model.RegistryKind) []*model.NodeSet {
	if kind == model.RegistryStream {
		return h.stream
	}
	return h.query
}

func (h *Handler) setRegistry(kind model.RegistryKind, ns []*model.NodeSet) {
	if kind == model.RegistryStream {
		h.stream = ns
	} else {
		h.query = ns
	}
}

func (h *Handler) refreshNodesetMetric() {
	metrics.NodesetsTotal.WithLabelValues("stream", "data").Set(0)
	metrics.NodesetsTotal.WithLabelValues("stream", "metadata").Set(0)
	metrics.NodesetsTotal.WithLabelValues("query", "data").Set(0)
	metrics.NodesetsTotal.WithLabelValues("query", "metadata").Set(0)
	count := func(registry string, ns []*model.NodeSet) {
		for _, n := range ns {
			if len(n.Members) == 0 {
				continue
			}
			mode := string(n.Members[0].Mode)
			metrics.NodesetsTotal.WithLabelValues(registry, mode).Inc()
		}
	}
	count("stream", h.stream)
	count("query", h.query)
}

// Resolve answers one GET_REQUESTS query directly, without going through
// frame encoding: used both by HandleRequestFW (the external/legacy REP
// wire form) and directly by pkg/taskprovider, which shares this
// process and so calls in rather than dialing a socket (see
// DESIGN.md's "internal-only roles become channels" decision).
func (h *Handler) Resolve(fileID string) []model.Target {
	h.mu.Lock()
	defer h.mu.Unlock()

	var resolved []model.Target
	for _, ns := range h.stream {
		if len(ns.Members) == 0 {
			continue
		}
		member := ns.Members[ns.Cursor]
		if member.Matches(fileID) {
			resolved = append(resolved, model.Target{Endpoint: member.Endpoint, Priority: member.Priority, Mode: member.Mode})
			ns.Cursor = (ns.Cursor + 1) % len(ns.Members)
		}
	}
	for _, ns := range h.query {
		if len(ns.Pending) == 0 {
			continue
		}
		head := ns.Pending[0]
		if head.Matches(fileID) {
			resolved = append(resolved, model.Target{Endpoint: head.Endpoint, Priority: head.Priority, Mode: head.Mode})
			ns.Pending = ns.Pending[1:]
		}
	}

	if len(resolved) == 0 {
		metrics.RequestsResolvedTotal.WithLabelValues("unmatched").Inc()
		return nil
	}
	metrics.RequestsResolvedTotal.WithLabelValues("matched").Inc()
	return resolved
}

// HandleRequestFW answers GET_REQUESTS over the legacy external wire
// form: [GET_REQUESTS, json(file-identifier)] -> JSON target list or
// ["None"].
func (h *Handler) HandleRequestFW(frames [][]byte) [][]byte {
	if len(frames) != 2 || string(frames[0]) != "GET_REQUESTS" {
		return [][]byte{[]byte(`["None"]`)}
	}
	var fileID string
	if err := json.Unmarshal(frames[1], &fileID); err != nil {
		return [][]byte{[]byte(`["None"]`)}
	}

	resolved := h.Resolve(fileID)
	if len(resolved) == 0 {
		return [][]byte{[]byte(`["None"]`)}
	}
	body, err := json.Marshal(resolved)
	if err != nil {
		return [][]byte{[]byte(`["None"]`)}
	}
	return [][]byte{body}
}

// HandleRequest processes one external NEXT/CANCEL command received on
// the request PULL socket.
func (h *Handler) HandleRequest(frames [][]byte) {
	if len(frames) != 1 {
		log.Warn("malformed request frame ignored")
		return
	}
	parts := strings.SplitN(string(frames[0]), " ", 2)
	if len(parts) != 2 {
		log.Warn("unrecognized request command ignored: " + string(frames[0]))
		return
	}
	command, endpoint := parts[0], parts[1]

	h.mu.Lock()
	defer h.mu.Unlock()

	switch command {
	case "NEXT":
		h.handleNext(endpoint)
	case "CANCEL":
		h.handleCancel(endpoint)
	default:
		log.Warn("unknown request command ignored: " + command)
	}
}

func (h *Handler) handleNext(endpoint string) {
	for _, ns := range h.query {
		member := ns.MemberByEndpoint(endpoint)
		if member == nil {
			continue
		}
		ns.Pending = append(ns.Pending, member)
		if ns.PendingCap > 0 && len(ns.Pending) > ns.PendingCap {
			dropped := ns.Pending[0]
			ns.Pending = ns.Pending[1:]
			metrics.QueryPendingDropped.WithLabelValues(dropped.Endpoint).Inc()
			log.Warn("dropped oldest pending query grant for " + dropped.Endpoint + ": queue full")
		}
		return
	}
}

func (h *Handler) handleCancel(endpoint string) {
	for _, ns := range h.query {
		kept := ns.Pending[:0:0]
		for _, p := range ns.Pending {
			if p.Endpoint != endpoint {
				kept = append(kept, p)
			}
		}
		ns.Pending = kept
	}
}
