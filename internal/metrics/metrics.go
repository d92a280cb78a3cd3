package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deduplicator metrics
	DedupLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lucent_dedup_lookups_total",
			Help: "Cache lookups made by the request deduplicator",
		},
		[]string{"result"}, // hit/miss
	)

	DedupShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lucent_dedup_shared_total",
			Help: "Callers that joined an in-flight operation instead of starting one",
		},
	)

	// Pipeline metrics
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lucent_pipeline_requests_total",
			Help: "Requests executed by the request pipeline",
		},
		[]string{"method", "outcome"}, // outcome: success/failure/optimistic
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lucent_pipeline_request_duration_seconds",
			Help:    "End-to-end pipeline execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method"},
	)

	PipelineRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lucent_pipeline_retries_total",
			Help: "Requests re-run after an error interceptor asked for a retry",
		},
	)

	// Optimistic update metrics
	OptimisticRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lucent_optimistic_rollbacks_total",
			Help: "Optimistic updates that were rolled back",
		},
	)

	OptimisticEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lucent_optimistic_evictions_total",
			Help: "Optimistic updates evicted after their TTL",
		},
	)

	// Offline queue metrics
	QueueDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lucent_queue_dispatched_total",
			Help: "Queued requests replayed by the dispatcher",
		},
		[]string{"queue", "status"},
	)
)
