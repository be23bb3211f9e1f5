package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuestionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "csv_insight_question_duration_seconds",
			Help:    "End-to-end question answering duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"cached"},
	)

	QuestionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_questions_total",
			Help: "Total number of questions answered, by outcome",
		},
		[]string{"status"},
	)

	ModelInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_model_invocations_total",
			Help: "Total model invocations",
		},
		[]string{"provider", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	RetrievalDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csv_insight_retrieval_degraded_total",
			Help: "Retrievals served from metrics only because the index was unavailable",
		},
	)

	ContextTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csv_insight_context_tokens",
			Help:    "Tokens of retrieved context per question",
			Buckets: []float64{0, 100, 250, 500, 1000, 2000, 4000, 8000},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"tier"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"tier"},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_cache_evictions_total",
			Help: "Total cache entries evicted for size or age",
		},
		[]string{"tier"},
	)

	DatasetsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csv_insight_datasets_ingested_total",
			Help: "Total dataset uploads, by outcome",
		},
		[]string{"status"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csv_insight_chunks_indexed_total",
			Help: "Total chunks written to the embedding index",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "csv_insight_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QuestionDuration,
			QuestionTotal,
			ModelInvocations,
			LLMTokensUsed,
			RetrievalDegraded,
			ContextTokens,
			CacheHits,
			CacheMisses,
			CacheEvictions,
			DatasetsIngested,
			ChunksIndexed,
			BreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
