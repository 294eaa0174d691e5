// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_ingest_outcomes_total",
			Help: "Ingested references by outcome",
		},
		[]string{"result"}, // created, updated, skipped, failed
	)

	IngestEmbedPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shelf_ingest_embedding_deferred_total",
			Help: "Books stored without an embedding because the embedding service was unavailable",
		},
	)

	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_embedding_requests_total",
			Help: "Embedding calls by outcome",
		},
		[]string{"outcome"}, // success, retry, failure, rejected
	)

	EmbeddingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelf_embedding_duration_seconds",
			Help:    "Latency of a single embedding attempt",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelf_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	IndexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelf_index_vectors",
			Help: "Vectors in the active similarity index",
		},
		[]string{"backend"},
	)

	IndexRebuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelf_index_rebuild_duration_seconds",
			Help:    "Time to build a similarity index snapshot",
			Buckets: []float64{.001, .01, .05, .1, .5, 1, 5, 30},
		},
		[]string{"backend"},
	)

	IndexRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_index_rebuilds_total",
			Help: "Index rebuilds by reason",
		},
		[]string{"reason"}, // startup, refresh, corrupt, forced
	)

	RecommendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelf_recommend_duration_seconds",
			Help:    "End-to-end recommendation latency including explanations",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 20, 60},
		},
	)

	RecommendResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelf_recommend_results",
			Help:    "Recommendations returned per query",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 50},
		},
	)

	Explanations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_explanations_total",
			Help: "Explanation attempts by outcome",
		},
		[]string{"outcome"}, // ok, failed, timeout
	)

	LookupRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelf_lookup_requests_total",
			Help: "Bibliographic lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss, error
	)
)

// BreakerStateValue maps a breaker state name to the gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open":
		return 2
	}
	return 0
}
