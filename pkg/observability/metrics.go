// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the weiche router.
package observability

import "github.com/prometheus/client_golang/prometheus"

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	// RequestsTotal counts all HTTP requests by method, status class, and model.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "status", "model"},
	)

	// RequestDuration records HTTP request duration in seconds by method and model.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weiche_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "model"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weiche_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// AttemptsTotal counts dispatch attempts by deployment, model, and outcome.
	// Outcome is "success" or the error class of the failure.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_attempts_total",
			Help: "Dispatch attempts",
		},
		[]string{"deployment", "model", "outcome"},
	)

	// SelectionsTotal counts strategy picks by strategy name and deployment.
	SelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_selections_total",
			Help: "Strategy selections",
		},
		[]string{"strategy", "deployment", "model"},
	)

	// DeploymentLatency records backend call latency in seconds.
	DeploymentLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weiche_deployment_latency_seconds",
			Help:    "Deployment call latency",
			Buckets: LLMBuckets,
		},
		[]string{"deployment", "model"},
	)

	// TokensTotal counts tokens processed by direction (input/output).
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_tokens_total",
			Help: "Token count",
		},
		[]string{"deployment", "model", "direction"},
	)

	// InflightRequests tracks logical requests currently inside the router.
	InflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "weiche_inflight_requests",
			Help: "In-flight logical requests",
		},
	)

	// CooldownTransitionsTotal counts Healthy to Cooling transitions.
	CooldownTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_cooldown_transitions_total",
			Help: "Cooldown trips",
		},
		[]string{"deployment"},
	)

	// ReservationsDeniedTotal counts rate-limit reservation denials.
	ReservationsDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_reservations_denied_total",
			Help: "Reservation denials",
		},
		[]string{"deployment"},
	)

	// FallbackAdvancesTotal counts advances along a fallback chain.
	FallbackAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_fallback_advances_total",
			Help: "Fallback chain advances",
		},
		[]string{"from_model", "to_model"},
	)

	// ExhaustedTotal counts requests that failed after the full chain.
	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weiche_exhausted_total",
			Help: "Exhausted requests",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		AttemptsTotal,
		SelectionsTotal,
		DeploymentLatency,
		TokensTotal,
		InflightRequests,
		CooldownTransitionsTotal,
		ReservationsDeniedTotal,
		FallbackAdvancesTotal,
		ExhaustedTotal,
	)
}
