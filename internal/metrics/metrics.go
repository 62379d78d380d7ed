// Package metrics holds the process-wide prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SlicesTotal counts finished slices by outcome
	// (completed, continued, skipped, terminal, failed, error).
	SlicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_slices_total",
		Help: "Processing slices by outcome",
	}, []string{"outcome"})

	// SliceDuration tracks wall time per slice.
	SliceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxis_slice_duration_seconds",
		Help:    "Processing slice duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 11), // 0.5s to ~8.5m
	})

	// RowsProcessed counts rows committed across all jobs.
	RowsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_rows_processed_total",
		Help: "Rows committed by processing slices",
	})

	// RecordsMerged counts master record writes by kind (created, merged).
	RecordsMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_records_total",
		Help: "Master record writes by kind",
	}, []string{"kind"})

	// ClassifierCalls counts classifier service calls by model and result
	// (ok, unavailable, error).
	ClassifierCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_classifier_calls_total",
		Help: "Classifier service calls by model and result",
	}, []string{"model", "result"})

	// ClassifierTokens counts tokens by direction (prompt, completion).
	ClassifierTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_classifier_tokens_total",
		Help: "Classifier tokens by direction",
	}, []string{"direction"})

	// CacheLookups counts classification cache lookups by result (hit, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_classification_cache_total",
		Help: "Classification cache lookups by result",
	}, []string{"result"})

	// Flushes counts accumulator flushes by trigger (rows, interval, deadline, final).
	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_flushes_total",
		Help: "Output flushes by trigger",
	}, []string{"trigger"})

	// Reclaims counts jobs requeued by the watchdog.
	Reclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_watchdog_reclaims_total",
		Help: "Jobs requeued by the watchdog",
	})

	// Continuations counts continuation dispatches by sink and result.
	Continuations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_continuations_total",
		Help: "Continuation dispatches by sink and result",
	}, []string{"sink", "result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
