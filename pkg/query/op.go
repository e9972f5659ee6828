// Package query defines the physical operator set a plan is built
// from (spec.md §4.4) and an executor that runs one over an active
// transaction's snapshot. Op is a sealed variant set in the teacher's
// design-note idiom: one interface, one struct per operator, an
// unexported marker method closing the set to this package.
package query

import "github.com/themisdb/themis/pkg/types"

// Op is implemented by every physical operator. The unexported method
// prevents other packages from adding operators the executor doesn't
// know how to run.
type Op interface {
	op()
}

// IndexScan yields pks matching an equality/sparse predicate on a named
// index; Fields are the projected lookup values in index-field order.
type IndexScan struct {
	IndexName string
	Fields    []types.Value
}

// RangeScan yields pks ordered by a range index's sort key, optionally
// bounded on either side.
type RangeScan struct {
	IndexName string
	Lo, Hi    *types.Value
	Desc      bool
}

// FullScan is the last-resort prefix iteration over a whole collection.
type FullScan struct {
	Collection string
}

// Intersection / Union / Difference are set operations over pk
// streams. The AQL translator does not emit them; a plan that merges
// index scans this way is built directly from these structs.
type Intersection struct{ Inputs []Op }
type Union struct{ Inputs []Op }
type Difference struct{ Base, Subtract Op }

// Direction mirrors types.Direction for traversal operators so this
// package doesn't need to import entity/graph machinery directly.
type Direction = types.Direction

// Traversal walks a graph from Start between MinDepth and MaxDepth
// hops. EdgeType "" matches any type. Weighted selects Dijkstra over
// plain BFS; Heuristic, if non-nil, turns Dijkstra into A*. FrontierCap
// and ResultLimit are independent soft caps (spec.md §4.4: "Frontier
// and result size may be soft-capped"): FrontierCap bounds how many
// edges are expanded per visited node, ResultLimit bounds the number
// of admitted vertices returned overall. Both report cap hits via
// pkg/metrics rather than failing the traversal.
type Traversal struct {
	GraphName   string
	GraphID     string
	Start       types.PK
	MinDepth    int
	MaxDepth    int
	Direction   Direction
	EdgeType    string
	Weighted    bool
	Heuristic   func(pk types.PK) float64
	FrontierCap int // 0 means uncapped
	ResultLimit int // 0 means uncapped
}

// VectorKNN returns the k nearest neighbors of Query under the named
// vector index, optionally restricted to a pre-filter of candidate
// pks. The pre-filter is either a materialized Whitelist set or a
// WhitelistPrefix predicate (spec.md §4.3: "accepts either a
// materialized set or a prefix predicate") — WhitelistPrefix wins if
// both are set, since a predicate can express anything a set can plus
// unbounded prefix ranges a caller would otherwise have to
// materialize by hand.
type VectorKNN struct {
	IndexName       string
	Query           []float32
	K               int
	EfSearch        int
	Whitelist       map[string]bool
	WhitelistPrefix func(pk types.PK) bool
}

// FulltextScan runs a BM25 query against a named fulltext index,
// optionally capped to Limit hits, highest score first.
type FulltextScan struct {
	IndexName string
	Query     string
	Limit     int
}

// GeoScan runs a radius search against a named geo index, returning
// pks within RadiusKM of (Lat, Lon), nearest first.
type GeoScan struct {
	IndexName string
	Lat, Lon  float64
	RadiusKM  float64
}

// RowsLiteral wraps an already-materialized row set as an Op, so a
// `WITH name AS ( ... )` CTE's result (or a scalar/IN/EXISTS subquery's
// result) can be re-entered as the input to a later stage without
// re-running the subquery's plan.
type RowsLiteral struct{ Rows []Row }

// PKsLiteral is RowsLiteral's pk-stream counterpart.
type PKsLiteral struct{ Hits []Scored }

// Fetch materializes records for a pk stream through the entity layer,
// binding each record under variable As.
type Fetch struct {
	Input Op
	As    string
}

// JoinKey names the columns an equi-join matches on either side.
type JoinKey struct{ LeftVar, LeftField, RightVar, RightField string }

// HashJoin and NestedLoopJoin combine two row-producing operators.
// HashJoin requires an equi-key; NestedLoopJoin handles everything
// else.
type HashJoin struct {
	Left, Right Op
	Key         JoinKey
}
type NestedLoopJoin struct {
	Left, Right Op
	Predicate   func(left, right Row) bool
}

// Aggregate names one COLLECT ... AGGREGATE accumulator.
type Aggregate struct {
	Name string // bound output variable
	Func string // COUNT, SUM, AVG, MIN, MAX, STDDEV, VARIANCE, MEDIAN, PERCENTILE
	Expr func(Row) types.Value
	Arg  float64 // PERCENTILE's p argument, unused otherwise
}

// GroupBy hash-aggregates Input's rows by GroupExprs, computing
// Aggregates, then applies Having if non-nil.
type GroupBy struct {
	Input      Op
	GroupExprs []func(Row) types.Value
	GroupNames []string
	Aggregates []Aggregate
	Having     func(Row) bool
}

// WindowFunc identifies one partition-aware window function.
type WindowFunc string

const (
	RowNumber  WindowFunc = "ROW_NUMBER"
	Rank       WindowFunc = "RANK"
	DenseRank  WindowFunc = "DENSE_RANK"
	Lag        WindowFunc = "LAG"
	Lead       WindowFunc = "LEAD"
	FirstValue WindowFunc = "FIRST_VALUE"
	LastValue  WindowFunc = "LAST_VALUE"
)

// WindowAggregate computes one window function over Input, partitioned
// by PartitionBy and ordered by OrderBy, writing results into As.
type WindowAggregate struct {
	Input       Op
	Func        WindowFunc
	PartitionBy func(Row) types.Value
	OrderBy     func(a, b Row) bool // strict less-than
	ValueExpr   func(Row) types.Value
	Offset      int // LAG/LEAD distance
	As          string
}

// PostFilter, PostSort, Distinct, Limit and Project run over
// materialized rows, used when a predicate references a LET-bound
// value or computed expression the index layer cannot evaluate.
type PostFilter struct {
	Input     Op
	Predicate func(Row) (bool, error)
}
type PostSort struct {
	Input Op
	Less  func(a, b Row) bool
}
type Distinct struct {
	Input Op
	Key   func(Row) string
}
type Limit struct {
	Input  Op
	Offset int
	Count  int
}
type Project struct {
	Input   Op
	Columns map[string]func(Row) types.Value
}

// FusionMode selects how ScoreFusion combines a text score and a
// vector distance into one ranking.
type FusionMode string

const (
	ReciprocalRankFusion FusionMode = "rrf"
	MinMaxWeighted       FusionMode = "minmax"
)

// ScoreFusion combines Text and Vector result streams into one ranked
// stream (spec.md §4.4).
type ScoreFusion struct {
	Text, Vector          Op
	Mode                  FusionMode
	RRFK                  int // default 60
	WeightText, WeightVec float64
}

func (IndexScan) op()       {}
func (RangeScan) op()       {}
func (FullScan) op()        {}
func (Intersection) op()    {}
func (Union) op()           {}
func (Difference) op()      {}
func (Traversal) op()       {}
func (VectorKNN) op()       {}
func (FulltextScan) op()    {}
func (GeoScan) op()         {}
func (RowsLiteral) op()     {}
func (PKsLiteral) op()      {}
func (Fetch) op()           {}
func (HashJoin) op()        {}
func (NestedLoopJoin) op()  {}
func (GroupBy) op()         {}
func (WindowAggregate) op() {}
func (PostFilter) op()      {}
func (PostSort) op()        {}
func (Distinct) op()        {}
func (Limit) op()           {}
func (Project) op()         {}
func (ScoreFusion) op()     {}
