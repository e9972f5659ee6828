// Package metrics is Themis's internal instrumentation registry. It
// publishes engine counters and histograms (lock waits, index probe
// cardinality by index_kind, traversal pruning and frontier-cap hits,
// vector efSearch, query latency, ...) as prometheus collectors; the
// optimizer's Explain tree does not read them. They are registered against a
// package-local Registry rather than the process default — Themis core
// does not run an HTTP /metrics endpoint itself (that exporter is the
// out-of-scope transport layer, spec.md §1); a caller that wants to scrape
// these wires metrics.Registry into its own server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is a private prometheus registry; nothing here touches the
// global default registry so embedding Themis twice in one process, or
// alongside unrelated prometheus collectors, never panics on a duplicate
// registration.
var Registry = prometheus.NewRegistry()

var (
	// Storage engine
	LockWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themis_storage_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a per-key write lock",
		Buckets: prometheus.DefBuckets,
	})

	TxnConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_txn_conflicts_total",
		Help: "Total number of transactions that aborted with Conflict",
	})

	TxnCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themis_txn_commit_seconds",
		Help:    "Time to commit a transaction across entity layer and indexes",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "themis_storage_checkpoint_seconds",
		Help:    "Time to produce an on-disk checkpoint",
		Buckets: prometheus.DefBuckets,
	})

	// Index layer
	IndexProbeCardinality = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_index_probe_cardinality",
		Help:    "Estimated cardinality returned by a selectivity probe, by index kind",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"index_kind"})

	FulltextPostingListSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_fulltext_posting_list_size",
		Help:    "Size of a fulltext posting list at query time",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"index"})

	// Graph traversal
	TraversalFrontierSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_traversal_frontier_size",
		Help:    "Number of nodes expanded at a given traversal depth",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"graph", "depth"})

	TraversalPrunedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themis_traversal_pruned_total",
		Help: "Number of candidate vertices/edges dropped by last-level pruning",
	}, []string{"graph"})

	TraversalFrontierCapHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "themis_traversal_frontier_cap_hits_total",
		Help: "Number of times the soft frontier-size cap was hit",
	}, []string{"graph"})

	// Vector index
	VectorSearchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_vector_search_seconds",
		Help:    "k-NN search latency by metric and whether brute-force fallback fired",
		Buckets: prometheus.DefBuckets,
	}, []string{"metric", "fallback"})

	VectorEfSearch = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "themis_vector_ef_search",
		Help: "efSearch value used for the most recent search on an index",
	}, []string{"index"})

	// Query engine
	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "themis_query_duration_seconds",
		Help:    "executeAQL end-to-end latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	QueryCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "themis_query_cancelled_total",
		Help: "Total number of queries cancelled by deadline",
	})
)

func init() {
	Registry.MustRegister(
		LockWaitDuration,
		TxnConflictsTotal,
		TxnCommitDuration,
		CheckpointDuration,
		IndexProbeCardinality,
		FulltextPostingListSize,
		TraversalFrontierSize,
		TraversalPrunedTotal,
		TraversalFrontierCapHitsTotal,
		VectorSearchDuration,
		VectorEfSearch,
		QueryDuration,
		QueryCancelledTotal,
	)
}

// Timer measures an operation's duration from construction to
// ObserveDuration, mirroring the teacher's scheduling-latency timer.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) time.Duration {
	d := time.Since(t.start)
	h.WithLabelValues(labels...).Observe(d.Seconds())
	return d
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
