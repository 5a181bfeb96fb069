// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Utterances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yaoay_utterances_total",
			Help: "Finished utterances by outcome",
		},
		[]string{"outcome"},
	)

	InferenceLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yaoay_inference_latency_seconds",
			Help:    "AI responder latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yaoay_state_transitions_total",
			Help: "Orchestrator state transitions by target state",
		},
		[]string{"state"},
	)

	CapturesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yaoay_captures_rejected_total",
			Help: "Capture requests refused by the orchestrator",
		},
		[]string{"reason"},
	)

	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "yaoay_connected_clients",
			Help: "Number of websocket clients",
		},
	)

	SpeechDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yaoay_speech_duration_seconds",
			Help:    "Time from speech request to playback end",
			Buckets: prometheus.LinearBuckets(0.5, 1, 12),
		},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yaoay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

// Outcome labels for Utterances.
const (
	OutcomeDone      = "done"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)
