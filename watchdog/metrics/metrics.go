// Package metrics exposes prometheus metrics for the supervisor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "watchdog"

var (
	directoryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "requests_total",
			Help:      "Directory server requests by message type and reply status",
		},
		[]string{"type", "status"},
	)

	heartbeatMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "missed_resets_total",
			Help:      "Times the high priority thread found the low priority flag unset",
		},
	)

	programState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "state",
			Help:      "Current program state (0 unstarted, 1 running, 2 killed, 3 exited)",
		},
		[]string{"id"},
	)

	programLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "program",
			Name:      "log_lines_total",
			Help:      "Log lines forwarded from each program",
		},
		[]string{"id"},
	)

	panics = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "panics_total",
			Help:      "Panic requests, including nested ones that unwound",
		},
	)
)

// ObserveRequest counts a directory request.
func ObserveRequest(msgType, status string) {
	directoryRequests.WithLabelValues(msgType, status).Inc()
}

// HeartbeatMissed counts one missed low priority reset.
func HeartbeatMissed() { heartbeatMisses.Inc() }

// SetProgramState records a program's state index.
func SetProgramState(id string, state int) {
	programState.WithLabelValues(id).Set(float64(state))
}

// ProgramLine counts one forwarded log line.
func ProgramLine(id string) { programLines.WithLabelValues(id).Inc() }

// Panicked counts a panic request.
func Panicked() { panics.Inc() }

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }
