// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CaptureDatagramsTotal counts datagrams received by listening port
	CaptureDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udprec_capture_datagrams_total",
			Help: "Total number of datagrams received by capture",
		},
		[]string{"port"},
	)

	// CaptureBytesTotal counts payload bytes received by listening port
	CaptureBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udprec_capture_bytes_total",
			Help: "Total payload bytes received by capture",
		},
		[]string{"port"},
	)

	// CaptureErrorsTotal counts receive and decode failures
	CaptureErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udprec_capture_errors_total",
			Help: "Total number of capture receive or decode errors",
		},
		[]string{"port", "stage"},
	)

	// ReplayDatagramsTotal counts datagrams sent by target address
	ReplayDatagramsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udprec_replay_datagrams_total",
			Help: "Total number of datagrams sent by replay",
		},
		[]string{"target"},
	)

	// ReplayErrorsTotal counts send failures by target address
	ReplayErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udprec_replay_errors_total",
			Help: "Total number of replay send errors",
		},
		[]string{"target"},
	)

	// ReplayLatenessSeconds measures actual send time minus scheduled time
	ReplayLatenessSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "udprec_replay_lateness_seconds",
			Help:    "Delay between the scheduled and actual send time of replayed datagrams",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~0.5s
		},
		[]string{"target"},
	)

	// SessionState tracks the session controller state
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "udprec_session_state",
			Help: "Current session state (0=idle, 1=recording, 2=replaying)",
		},
	)

	// ControlRequestsTotal counts control requests by method and response code
	ControlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "udprec_control_requests_total",
			Help: "Total number of JSON-RPC control requests by method and response code (0 = success)",
		},
		[]string{"method", "code"},
	)

	// TraceEntries tracks the number of entries in the current trace
	TraceEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "udprec_trace_entries",
			Help: "Number of entries in the session's current trace",
		},
	)
)

// SessionState gauge values
const (
	SessionIdle      = 0
	SessionRecording = 1
	SessionReplaying = 2
)
