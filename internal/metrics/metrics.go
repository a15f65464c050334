// Package metrics exposes the substrate's Prometheus instrumentation.
// Counters and gauges are package-level promauto collectors; the
// packages that own the events call the Record helpers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedSockets tracks currently connected WebSocket clients.
	ConnectedSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webmux_connected_sockets",
			Help: "Number of connected WebSocket clients",
		},
	)

	// SessionsByStatus tracks persisted sessions per lifecycle state.
	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webmux_sessions",
			Help: "Number of sessions per status",
		},
		[]string{"status"},
	)

	// SessionOutcomes counts terminal attachment resolutions.
	SessionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmux_session_outcomes_total",
			Help: "Terminal attachments by outcome (created, resumed, recovered)",
		},
		[]string{"outcome"},
	)

	// SessionTerminations counts session terminations by reason.
	SessionTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmux_session_terminations_total",
			Help: "Session terminations by reason",
		},
		[]string{"reason"},
	)

	// PtyOutputBytes counts bytes read from PTYs.
	PtyOutputBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmux_pty_output_bytes_total",
			Help: "Total bytes read from session PTYs",
		},
	)

	// PtyInputBytes counts bytes written to PTYs.
	PtyInputBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmux_pty_input_bytes_total",
			Help: "Total bytes written to session PTYs",
		},
	)

	// SocketSendDrops counts frames dropped on full per-socket queues.
	SocketSendDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webmux_socket_send_drops_total",
			Help: "Outbound frames dropped because a client queue was full",
		},
	)

	// TrackedProcesses tracks live supervised child processes.
	TrackedProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webmux_tracked_processes",
			Help: "Number of supervised child processes",
		},
	)

	// CleanupEvictions counts rows evicted per cleanup job.
	CleanupEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webmux_cleanup_evictions_total",
			Help: "Rows evicted by cleanup jobs",
		},
		[]string{"job"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOutcome records one terminal attachment resolution.
func RecordOutcome(outcome string) {
	SessionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordTermination records one session termination.
func RecordTermination(reason string) {
	SessionTerminations.WithLabelValues(reason).Inc()
}

// RecordCleanup records rows evicted by one cleanup job run.
func RecordCleanup(job string, count int64) {
	if count > 0 {
		CleanupEvictions.WithLabelValues(job).Add(float64(count))
	}
}

// SetSessionCount sets the gauge for one session status.
func SetSessionCount(status string, count int) {
	SessionsByStatus.WithLabelValues(status).Set(float64(count))
}
