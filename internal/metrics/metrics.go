// Package metrics provides Prometheus collectors for the routing core:
// admission decisions, dispatch outcomes, credential cache behavior, and
// usage-recorder health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelgate"

// LatencyBuckets covers sub-10ms admission work through multi-minute
// model calls.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts routed requests by terminal state.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total routing requests by terminal state",
		},
		[]string{"state"},
	)

	// AdmissionRejections counts reservation failures by reason.
	AdmissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected at admission by reason",
		},
		[]string{"reason"},
	)

	// DispatchAttempts counts per-candidate dispatch attempts by outcome.
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Per-candidate dispatch attempts by outcome",
		},
		[]string{"model", "provider", "outcome"},
	)

	// RequestLatency tracks end-to-end routed request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// CredentialCacheHits counts credential cache lookups by result.
	CredentialCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_cache_lookups_total",
			Help:      "Credential cache lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)

	// UsageEventsDropped counts usage events discarded because the recorder
	// queue was full or the store rejected them. Logging failures never
	// reach the request path, so this counter is their only signal.
	UsageEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_dropped_total",
			Help:      "Usage events dropped by cause (queue_full, store_error)",
		},
		[]string{"cause"},
	)

	// CandidateInFlight tracks current in-flight requests per candidate.
	CandidateInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "candidate_in_flight",
			Help:      "Current in-flight dispatch attempts per candidate",
		},
		[]string{"model"},
	)
)
