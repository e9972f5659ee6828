package optimizer

import (
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/storage"
)

// Balance walks a translated plan bottom-up and, for every HashJoin,
// makes sure the smaller-estimated side ends up on Right —
// query.Executor's runHashJoin always builds its hash table from
// Right, by the convention recorded there; Balance is what makes that
// convention true. Per spec.md §4.6 ("the side with smaller estimated
// cardinality becomes the hash-join build side"). NestedLoopJoin has
// no build side and is recursed into but not reordered.
func Balance(op query.Op, est Estimator, txn *storage.Txn) query.Op {
	switch o := op.(type) {
	case query.HashJoin:
		o.Left = Balance(o.Left, est, txn)
		o.Right = Balance(o.Right, est, txn)
		if EstimateRows(o.Left, est, txn) < EstimateRows(o.Right, est, txn) {
			o.Left, o.Right = o.Right, o.Left
			o.Key = query.JoinKey{
				LeftVar: o.Key.RightVar, LeftField: o.Key.RightField,
				RightVar: o.Key.LeftVar, RightField: o.Key.LeftField,
			}
		}
		return o
	case query.NestedLoopJoin:
		o.Left = Balance(o.Left, est, txn)
		o.Right = Balance(o.Right, est, txn)
		return o
	case query.PostFilter:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.PostSort:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.Distinct:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.Limit:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.Project:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.GroupBy:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.WindowAggregate:
		o.Input = Balance(o.Input, est, txn)
		return o
	case query.ScoreFusion:
		o.Text = Balance(o.Text, est, txn)
		o.Vector = Balance(o.Vector, est, txn)
		return o
	default:
		// Fetch and every pk-stream operator (IndexScan, RangeScan,
		// FullScan, set ops, Traversal, VectorKNN, FulltextScan,
		// GeoScan) carry no join to balance.
		return op
	}
}

// EstimateRows estimates the cardinality of any Op in the plan tree,
// used both to pick a HashJoin's build side and to fill Explain's
// estimated_rows. Index-backed scans go through est; everything else
// derives its estimate from its inputs the way the matching physical
// operator would actually shrink or combine them.
func EstimateRows(op query.Op, est Estimator, txn *storage.Txn) int {
	switch o := op.(type) {
	case query.Fetch:
		return EstimateRows(o.Input, est, txn)
	case query.IndexScan:
		return est.ProbeEquality(txn, o.IndexName, o.Fields)
	case query.RangeScan:
		return est.ProbeRange(txn, o.IndexName, o.Lo, o.Hi)
	case query.FullScan:
		return FullScanCardinality
	case query.Intersection:
		min := FullScanCardinality
		for _, in := range o.Inputs {
			if c := EstimateRows(in, est, txn); c < min {
				min = c
			}
		}
		return min
	case query.Union:
		sum := 0
		for _, in := range o.Inputs {
			sum += EstimateRows(in, est, txn)
		}
		return sum
	case query.Difference:
		return EstimateRows(o.Base, est, txn)
	case query.Traversal:
		return FullScanCardinality
	case query.VectorKNN:
		return o.K
	case query.FulltextScan:
		if o.Limit > 0 {
			return o.Limit
		}
		return FullScanCardinality
	case query.GeoScan:
		return FullScanCardinality
	case query.RowsLiteral:
		return len(o.Rows)
	case query.PKsLiteral:
		return len(o.Hits)
	case query.HashJoin:
		return minInt(EstimateRows(o.Left, est, txn), EstimateRows(o.Right, est, txn))
	case query.NestedLoopJoin:
		return minInt(EstimateRows(o.Left, est, txn), EstimateRows(o.Right, est, txn))
	case query.PostFilter:
		// A residual predicate's own selectivity isn't known without
		// running it; halving is a conservative placeholder that at
		// least ranks a post-filtered scan below its unfiltered input.
		return EstimateRows(o.Input, est, txn) / 2
	case query.GroupBy:
		return EstimateRows(o.Input, est, txn)
	case query.WindowAggregate:
		return EstimateRows(o.Input, est, txn)
	case query.Distinct:
		return EstimateRows(o.Input, est, txn)
	case query.PostSort:
		return EstimateRows(o.Input, est, txn)
	case query.Project:
		return EstimateRows(o.Input, est, txn)
	case query.Limit:
		if o.Count > 0 {
			return o.Count
		}
		return EstimateRows(o.Input, est, txn)
	case query.ScoreFusion:
		return EstimateRows(o.Text, est, txn) + EstimateRows(o.Vector, est, txn)
	default:
		return FullScanCardinality
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
