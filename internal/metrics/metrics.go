package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerdial_active_calls",
		Help: "Whether a call is currently active (0 or 1)",
	})
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerdial_relay_connections",
		Help: "Number of open relay websocket connections",
	})
	RelayWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerdial_relay_watches",
		Help: "Number of active relay watch subscriptions",
	})
)

// Counters
var (
	CallsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_calls_started_total",
		Help: "Total outgoing calls placed",
	})
	CallsAnsweredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_calls_answered_total",
		Help: "Total incoming calls answered",
	})
	CallsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_calls_rejected_total",
		Help: "Total calls rejected, including busy and timeout auto-rejects",
	})
	CallsEndedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_calls_ended_total",
		Help: "Total calls torn down",
	})
	IncomingTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_incoming_timeouts_total",
		Help: "Total incoming calls that rang out unanswered",
	})
	SignalingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_signaling_errors_total",
		Help: "Total failed signaling reads and writes",
	})
	RelayFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peerdial_relay_frames_total",
		Help: "Total relay frames processed by op",
	}, []string{"op"})
	RelayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerdial_relay_errors_total",
		Help: "Total relay requests that returned an error frame",
	})
)

// Histograms
var (
	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peerdial_call_duration_seconds",
		Help:    "Call duration from dial or answer to teardown",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)
