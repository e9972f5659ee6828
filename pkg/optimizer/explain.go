package optimizer

import (
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/storage"
)

// ExplainNode is one node of an Explain tree (spec.md §4.6):
// estimated and actual row counts, wall-clock duration, and
// operator-specific metrics (index_kind, index_name, ef_search,
// traversal depth bounds and frontier_cap, ...); no per-depth frontier
// sizes or pruned counts are recorded. Plan fills Operator, EstimatedRows, and
// the metrics knowable ahead of execution; a caller that actually runs
// the plan fills ActualRows and DurationMS afterward, walking the same
// tree shape Plan produced (Operator and Children line up one for one
// with the Op tree Plan was built from).
type ExplainNode struct {
	Operator      string
	EstimatedRows int
	ActualRows    int
	DurationMS    float64
	Metrics       map[string]any
	Children      []*ExplainNode
}

// Annotate records an operator's actual behavior once it has run,
// turning the static plan into the "ground truth for correctness of
// rewrites" spec.md §4.6 asks Explain to be.
func (n *ExplainNode) Annotate(actualRows int, durationMS float64) {
	n.ActualRows = actualRows
	n.DurationMS = durationMS
}

// Plan builds the static half of op's Explain tree: operator names,
// cardinality estimates from est, and metrics knowable without
// running anything (index_kind, index_name, ef_search, requested K or
// limit, frontier cap).
func Plan(op query.Op, est Estimator, txn *storage.Txn) *ExplainNode {
	node := &ExplainNode{
		Operator:      operatorName(op),
		EstimatedRows: EstimateRows(op, est, txn),
		Metrics:       map[string]any{},
	}

	plan := func(child query.Op) *ExplainNode { return Plan(child, est, txn) }

	switch o := op.(type) {
	case query.Fetch:
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.IndexScan:
		node.Metrics["index_kind"] = "equality"
		node.Metrics["index_name"] = o.IndexName
	case query.RangeScan:
		node.Metrics["index_kind"] = "range"
		node.Metrics["index_name"] = o.IndexName
	case query.FulltextScan:
		node.Metrics["index_kind"] = "fulltext"
		node.Metrics["index_name"] = o.IndexName
	case query.VectorKNN:
		node.Metrics["index_kind"] = "vector"
		node.Metrics["index_name"] = o.IndexName
		node.Metrics["ef_search"] = o.EfSearch
	case query.GeoScan:
		node.Metrics["index_kind"] = "geo"
		node.Metrics["index_name"] = o.IndexName
	case query.Traversal:
		node.Metrics["direction"] = string(o.Direction)
		node.Metrics["min_depth"] = o.MinDepth
		node.Metrics["max_depth"] = o.MaxDepth
		if o.FrontierCap > 0 {
			node.Metrics["frontier_cap"] = o.FrontierCap
		}
	case query.Intersection:
		for _, in := range o.Inputs {
			node.Children = append(node.Children, plan(in))
		}
	case query.Union:
		for _, in := range o.Inputs {
			node.Children = append(node.Children, plan(in))
		}
	case query.Difference:
		node.Children = []*ExplainNode{plan(o.Base), plan(o.Subtract)}
	case query.HashJoin:
		node.Metrics["join_key"] = o.Key
		node.Children = []*ExplainNode{plan(o.Left), plan(o.Right)}
	case query.NestedLoopJoin:
		node.Children = []*ExplainNode{plan(o.Left), plan(o.Right)}
	case query.PostFilter:
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.PostSort:
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.Distinct:
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.Limit:
		node.Metrics["offset"] = o.Offset
		node.Metrics["count"] = o.Count
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.Project:
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.GroupBy:
		node.Metrics["group_vars"] = o.GroupNames
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.WindowAggregate:
		node.Metrics["func"] = string(o.Func)
		node.Children = []*ExplainNode{plan(o.Input)}
	case query.ScoreFusion:
		node.Metrics["fusion_mode"] = string(o.Mode)
		node.Children = []*ExplainNode{plan(o.Text), plan(o.Vector)}
	}
	return node
}

// operatorName returns the Op struct's own name, matching exactly the
// type switches in query.Executor.RunRows/RunPKs so Explain output
// reads as the plan a reader of pkg/query would recognize.
func operatorName(op query.Op) string {
	switch op.(type) {
	case query.IndexScan:
		return "IndexScan"
	case query.RangeScan:
		return "RangeScan"
	case query.FullScan:
		return "FullScan"
	case query.Intersection:
		return "Intersection"
	case query.Union:
		return "Union"
	case query.Difference:
		return "Difference"
	case query.Traversal:
		return "Traversal"
	case query.VectorKNN:
		return "VectorKNN"
	case query.FulltextScan:
		return "FulltextScan"
	case query.GeoScan:
		return "GeoScan"
	case query.RowsLiteral:
		return "RowsLiteral"
	case query.PKsLiteral:
		return "PKsLiteral"
	case query.Fetch:
		return "Fetch"
	case query.HashJoin:
		return "HashJoin"
	case query.NestedLoopJoin:
		return "NestedLoopJoin"
	case query.GroupBy:
		return "GroupBy"
	case query.WindowAggregate:
		return "WindowAggregate"
	case query.PostFilter:
		return "PostFilter"
	case query.PostSort:
		return "PostSort"
	case query.Distinct:
		return "Distinct"
	case query.Limit:
		return "Limit"
	case query.Project:
		return "Project"
	case query.ScoreFusion:
		return "ScoreFusion"
	default:
		return "Unknown"
	}
}
