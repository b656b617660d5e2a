package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event detection metrics
	EventsSeenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hidra_events_seen_total",
			Help: "Total number of events pulled from the event detector",
		},
	)

	RequestsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_requests_resolved_total",
			Help: "Total number of GET_REQUESTS resolutions by outcome",
		},
		[]string{"outcome"}, // matched, unmatched
	)

	// Subscription metrics
	NodesetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hidra_nodesets_total",
			Help: "Total number of registered nodesets by registry and mode",
		},
		[]string{"registry", "mode"},
	)

	SubscriptionSignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_subscription_signals_total",
			Help: "Total number of signals handled by the SignalHandler, by signal and reply",
		},
		[]string{"signal", "reply"},
	)

	QueryPendingDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_query_pending_dropped_total",
			Help: "Total number of pending query grants dropped because the per-nodeset queue was full",
		},
		[]string{"endpoint"},
	)

	// Dispatch metrics
	FilesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_files_dispatched_total",
			Help: "Total number of files processed by dispatchers, by outcome",
		},
		[]string{"worker", "outcome"}, // ok, source_read_error, target_send_error
	)

	ChunksSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_chunks_sent_total",
			Help: "Total number of chunks sent to consumers",
		},
		[]string{"worker", "mode"}, // data, metadata
	)

	ChunkSendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_chunk_send_errors_total",
			Help: "Total number of chunk send errors by priority class",
		},
		[]string{"worker", "priority_class"}, // fixed, best_effort
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hidra_dispatch_duration_seconds",
			Help:    "Time taken to dispatch a single file to all of its targets",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	DispatcherStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hidra_dispatcher_status",
			Help: "Current dispatcher status (1 = OK, 0 = error)",
		},
		[]string{"worker"},
	)

	// Cleaner metrics
	ConfirmationsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hidra_confirmations_received_total",
			Help: "Total number of chunk confirmations observed by the Cleaner",
		},
	)

	FilesRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_files_removed_total",
			Help: "Total number of source files finalized by the Cleaner, by action",
		},
		[]string{"action"}, // deleted, moved
	)

	FilesRetainedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hidra_files_retained_total",
			Help: "Total number of files retained past their confirmation grace period",
		},
	)

	PendingConfirmations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hidra_pending_confirmations",
			Help: "Number of files currently awaiting confirmation in the Cleaner",
		},
	)

	// Supervisor metrics
	SupervisorAsleep = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hidra_supervisor_asleep",
			Help: "Whether the pipeline is currently asleep (1) or awake (0) per the fixed-stream liveness probe",
		},
	)

	AliveProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hidra_alive_probe_duration_seconds",
			Help:    "Time taken for the fixed storage stream liveness probe to complete or time out",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Control server metrics
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hidra_control_instances_total",
			Help: "Total number of sender instances known to the control server, by state",
		},
		[]string{"state"},
	)

	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hidra_control_admin_requests_total",
			Help: "Total number of admin API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsSeenTotal,
		RequestsResolvedTotal,
		NodesetsTotal,
		SubscriptionSignalsTotal,
		QueryPendingDropped,
		FilesDispatchedTotal,
		ChunksSentTotal,
		ChunkSendErrorsTotal,
		DispatchDuration,
		DispatcherStatus,
		ConfirmationsReceivedTotal,
		FilesRemovedTotal,
		FilesRetainedTotal,
		PendingConfirmations,
		SupervisorAsleep,
		AliveProbeDuration,
		InstancesTotal,
		AdminRequestsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
