package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline Prometheus metrics.
var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "legalresearch",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.05, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "llm_requests_total",
			Help:      "Total LLM gateway calls by provider, purpose and status",
		},
		[]string{"provider", "purpose", "status"},
	)

	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"provider", "type"}, // "input" / "output"
	)

	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "search_requests_total",
			Help:      "Total search gateway calls by source and status",
		},
		[]string{"source", "status"},
	)

	SummarizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "summarizations_total",
			Help:      "Budget-triggered summarizations by checkpoint",
		},
		[]string{"checkpoint"},
	)

	EntitiesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "entities_dropped_total",
			Help:      "Entities discarded before composition",
		},
		[]string{"reason"},
	)

	ClaimsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "claims_dropped_total",
			Help:      "Claims discarded for missing or unknown entity references",
		},
	)

	GroundingRate = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "legalresearch",
			Name:      "grounding_rate",
			Help:      "Fraction of citations in composed answers found in raw sources",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 0.9, 1},
		},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "legalresearch",
			Name:      "embedding_cache_total",
			Help:      "Embedding cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StageDuration,
			LLMRequestsTotal,
			LLMTokensTotal,
			SearchRequestsTotal,
			SummarizationsTotal,
			EntitiesDroppedTotal,
			ClaimsDroppedTotal,
			GroundingRate,
			EmbeddingCacheTotal,
		)
	})
}
