// Package optimizer implements Themis's query optimizer (spec.md
// §4.6): a lightweight, non-histogram cost model that orders FILTER
// conjuncts by increasing estimated cardinality, picks the
// hash-join build side, and renders an Explain tree. Grounded on the
// teacher's pkg/scheduler selectNode loop — scheduler scores nodes by
// available capacity and picks the one with the most; the optimizer
// scores conjuncts/join sides by estimated cardinality and picks the
// one with the least. Same "score candidates, pick the best" shape.
package optimizer

import (
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/index/rangeidx"
	"github.com/themisdb/themis/pkg/index/sparse"
	"github.com/themisdb/themis/pkg/metrics"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// ProbeCap bounds how many keys a selectivity probe reads before
// reporting the cap itself as the estimate, per spec.md §4.6 ("read
// up to N keys").
const ProbeCap = 1000

// FullScanCardinality is the estimate assigned to an unindexed
// predicate or an operator this package cannot probe (a full
// collection scan, a traversal frontier, a geo radius search). The
// cost model is deliberately lightweight rather than histogram-based
// (spec.md §4.6), so "unknown" is simply the most expensive estimate
// available rather than a maintained collection-size statistic.
const FullScanCardinality = 1 << 30

// Estimator answers "about how many rows would this index probe
// return" for the two predicate shapes the translator can push into a
// scan op: an equality lookup (possibly composite) and a range bound.
// themisdb wires a live IndexEstimator; tests use a table-driven fake.
type Estimator interface {
	ProbeEquality(txn *storage.Txn, indexName string, fields []types.Value) int
	ProbeRange(txn *storage.Txn, indexName string, lo, hi *types.Value) int
}

// IndexEstimator is the concrete Estimator, backed by the same index
// maps query.Executor dispatches scans against. Every probe is capped
// at ProbeCap keys and its result recorded under
// metrics.IndexProbeCardinality, labeled by index kind.
type IndexEstimator struct {
	Equality map[string]*equality.Index
	Sparse   map[string]*sparse.Index
	Range    map[string]*rangeidx.Index
}

func (e *IndexEstimator) ProbeEquality(txn *storage.Txn, indexName string, fields []types.Value) int {
	if ix, ok := e.Equality[indexName]; ok {
		n, _ := ix.CountUpTo(txn, fields, ProbeCap)
		metrics.IndexProbeCardinality.WithLabelValues("equality").Observe(float64(n))
		return n
	}
	if ix, ok := e.Sparse[indexName]; ok {
		if len(fields) != 1 {
			return FullScanCardinality
		}
		n, _ := ix.CountUpTo(txn, fields[0], ProbeCap)
		metrics.IndexProbeCardinality.WithLabelValues("sparse").Observe(float64(n))
		return n
	}
	return FullScanCardinality
}

func (e *IndexEstimator) ProbeRange(txn *storage.Txn, indexName string, lo, hi *types.Value) int {
	ix, ok := e.Range[indexName]
	if !ok {
		return FullScanCardinality
	}
	n, _ := ix.CountUpTo(txn, lo, hi, ProbeCap)
	metrics.IndexProbeCardinality.WithLabelValues("range").Observe(float64(n))
	return n
}
