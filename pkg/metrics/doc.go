/*
Package metrics exposes HiDRA's internal counters and gauges as Prometheus
metrics, and provides the liveness/readiness JSON handlers used by the
sender daemon and the control server.

# Naming

All metrics share the "hidra_" prefix. Per-worker metrics are labeled with
the dispatcher's "k/N" identity so a single Prometheus instance can
distinguish fanout workers within one sender process.

# Categories

  - Event/subscription: hidra_events_seen_total, hidra_requests_resolved_total,
    hidra_nodesets_total, hidra_subscription_signals_total,
    hidra_query_pending_dropped_total.
  - Dispatch: hidra_files_dispatched_total, hidra_chunks_sent_total,
    hidra_chunk_send_errors_total, hidra_dispatch_duration_seconds,
    hidra_dispatcher_status.
  - Cleaner: hidra_confirmations_received_total, hidra_files_removed_total,
    hidra_files_retained_total, hidra_pending_confirmations.
  - Supervisor: hidra_supervisor_asleep, hidra_alive_probe_duration_seconds.
  - Control server: hidra_control_instances_total,
    hidra_control_admin_requests_total.

Use Handler() to mount /metrics on an http.ServeMux, and LivenessHandler /
ReadyHandler / HealthHandler for /healthz, /readyz and /health respectively.
*/
package metrics
