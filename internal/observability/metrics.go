package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "frames_captured_total",
		Help:      "Total number of still frames captured from the camera",
	})

	MatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "match_decisions_total",
		Help:      "Match decisions by backend and outcome",
	}, []string{"backend", "outcome"})

	MatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "faceid",
		Name:      "match_duration_seconds",
		Help:      "Duration of enroll/verify backend calls",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"backend", "op"})

	SessionExchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "faceid",
		Name:      "session_exchange_duration_seconds",
		Help:      "Duration of identity-provider token exchanges",
		Buckets:   prometheus.DefBuckets,
	})

	ActiveFlows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "faceid",
		Name:      "active_flows",
		Help:      "Number of enrollment/verification flows in progress",
	})

	FlowOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "faceid",
		Name:      "flow_outcomes_total",
		Help:      "Terminal flow outcomes by mode and result",
	}, []string{"mode", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "faceid",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "faceid",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
