package query

import (
	"context"
	"sort"
	"time"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/index/fulltext"
	"github.com/themisdb/themis/pkg/index/geo"
	"github.com/themisdb/themis/pkg/index/graph"
	"github.com/themisdb/themis/pkg/index/rangeidx"
	"github.com/themisdb/themis/pkg/index/sparse"
	"github.com/themisdb/themis/pkg/index/vector"
	"github.com/themisdb/themis/pkg/metrics"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// Executor runs a physical plan over one transaction's snapshot. Every
// index kind the plan can reference is registered by name in the
// matching map; a plan that references an unregistered name is an
// InvalidQuery error, caught at translation time in pkg/aql and
// re-checked here defensively.
type Executor struct {
	Entity   *entity.Layer
	Equality map[string]*equality.Index
	Sparse   map[string]*sparse.Index
	Range    map[string]*rangeidx.Index
	Geo      map[string]*geo.Index
	Fulltext map[string]*fulltext.Index
	Graph    map[string]*graph.Index
	Vector   map[string]*vector.Index
	Now      func() time.Time
}

func (ex *Executor) now() time.Time {
	if ex.Now != nil {
		return ex.Now()
	}
	return time.Now()
}

// checkDeadline reports the Cancelled error the moment ctx's deadline or
// cancellation fires. Every operator calls this on entry, so a plan
// nested several operators deep (join over group-by over fetch, say)
// still notices cancellation at each stage rather than only before the
// plan starts running.
func checkDeadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.New("query.checkDeadline", errs.Cancelled, "", err)
	}
	return nil
}

// RunRows executes op and returns its materialized rows. op must
// eventually bottom out at row-producing operators (Fetch, joins,
// GroupBy, WindowAggregate, the Post* family, Project, ScoreFusion);
// a plan that ends on a bare pk-stream operator should be wrapped in
// Fetch first.
func (ex *Executor) RunRows(ctx context.Context, txn *storage.Txn, op Op) ([]Row, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	switch o := op.(type) {
	case Fetch:
		return ex.runFetch(ctx, txn, o)
	case HashJoin:
		return ex.runHashJoin(ctx, txn, o)
	case NestedLoopJoin:
		return ex.runNestedLoopJoin(ctx, txn, o)
	case GroupBy:
		return ex.runGroupBy(ctx, txn, o)
	case WindowAggregate:
		return ex.runWindowAggregate(ctx, txn, o)
	case PostFilter:
		return ex.runPostFilter(ctx, txn, o)
	case PostSort:
		return ex.runPostSort(ctx, txn, o)
	case Distinct:
		return ex.runDistinct(ctx, txn, o)
	case Limit:
		return ex.runLimit(ctx, txn, o)
	case Project:
		return ex.runProject(ctx, txn, o)
	case ScoreFusion:
		return ex.runScoreFusion(ctx, txn, o)
	case RowsLiteral:
		return o.Rows, nil
	default:
		return nil, errs.New("query.RunRows", errs.InvalidQuery, "", nil)
	}
}

// RunPKs executes a pk-stream operator (IndexScan, RangeScan, FullScan,
// Intersection/Union/Difference, Traversal, VectorKNN, FulltextScan)
// and returns its scored pk results.
func (ex *Executor) RunPKs(ctx context.Context, txn *storage.Txn, op Op) ([]Scored, error) {
	if err := checkDeadline(ctx); err != nil {
		return nil, err
	}
	switch o := op.(type) {
	case IndexScan:
		return ex.runIndexScan(txn, o)
	case RangeScan:
		return ex.runRangeScan(txn, o)
	case FullScan:
		return ex.runFullScan(ctx, txn, o)
	case Intersection:
		return ex.runIntersection(ctx, txn, o)
	case Union:
		return ex.runUnion(ctx, txn, o)
	case Difference:
		return ex.runDifference(ctx, txn, o)
	case Traversal:
		return ex.runTraversal(ctx, txn, o)
	case VectorKNN:
		return ex.runVectorKNN(ctx, o)
	case FulltextScan:
		return ex.runFulltextScan(txn, o)
	case GeoScan:
		return ex.runGeoScan(txn, o)
	case PKsLiteral:
		return o.Hits, nil
	default:
		return nil, errs.New("query.RunPKs", errs.InvalidQuery, "", nil)
	}
}

func (ex *Executor) runGeoScan(txn *storage.Txn, o GeoScan) ([]Scored, error) {
	ix, ok := ex.Geo[o.IndexName]
	if !ok {
		return nil, errs.New("query.runGeoScan", errs.InvalidQuery, o.IndexName, nil)
	}
	hits, err := ix.ScanRadius(txn, o.Lat, o.Lon, o.RadiusKM)
	if err != nil {
		return nil, err
	}
	out := make([]Scored, len(hits))
	for i, h := range hits {
		out[i] = Scored{PK: h.PK, Score: h.Distance}
	}
	return out, nil
}

func (ex *Executor) runIndexScan(txn *storage.Txn, o IndexScan) ([]Scored, error) {
	if ix, ok := ex.Equality[o.IndexName]; ok {
		pks, err := ix.Scan(txn, o.Fields)
		if err != nil {
			return nil, err
		}
		return scoredFromPKs(pks), nil
	}
	if ix, ok := ex.Sparse[o.IndexName]; ok {
		if len(o.Fields) != 1 {
			return nil, errs.New("query.runIndexScan", errs.InvalidQuery, o.IndexName, nil)
		}
		pks, err := ix.Scan(txn, o.Fields[0])
		if err != nil {
			return nil, err
		}
		return scoredFromPKs(pks), nil
	}
	return nil, errs.New("query.runIndexScan", errs.InvalidQuery, o.IndexName, nil)
}

func (ex *Executor) runRangeScan(txn *storage.Txn, o RangeScan) ([]Scored, error) {
	ix, ok := ex.Range[o.IndexName]
	if !ok {
		return nil, errs.New("query.runRangeScan", errs.InvalidQuery, o.IndexName, nil)
	}
	dir := storage.Forward
	if o.Desc {
		dir = storage.Backward
	}
	entries, err := ix.ScanRange(txn, o.Lo, o.Hi, dir)
	if err != nil {
		return nil, err
	}
	out := make([]Scored, len(entries))
	for i, e := range entries {
		out[i] = Scored{PK: e.PK}
	}
	return out, nil
}

// fullScanBatch is how many records runFullScan iterates between
// deadline checks — fine enough that a cancelled scan over a large
// collection stops quickly, coarse enough not to call ctx.Err() on
// every single record.
const fullScanBatch = 256

func (ex *Executor) runFullScan(ctx context.Context, txn *storage.Txn, o FullScan) ([]Scored, error) {
	next := entity.ScanCollection(txn, o.Collection, "")
	var out []Scored
	for i := 0; ; i++ {
		if i%fullScanBatch == 0 {
			if err := checkDeadline(ctx); err != nil {
				return nil, err
			}
		}
		rec, ok := next()
		if !ok {
			break
		}
		out = append(out, Scored{PK: rec.PK})
	}
	return out, nil
}

func (ex *Executor) runIntersection(ctx context.Context, txn *storage.Txn, o Intersection) ([]Scored, error) {
	if len(o.Inputs) == 0 {
		return nil, nil
	}
	first, err := ex.RunPKs(ctx, txn, o.Inputs[0])
	if err != nil {
		return nil, err
	}
	acc := scoredSet(first)
	for _, in := range o.Inputs[1:] {
		next, err := ex.RunPKs(ctx, txn, in)
		if err != nil {
			return nil, err
		}
		nextSet := scoredSet(next)
		for k, s := range acc {
			other, ok := nextSet[k]
			if !ok {
				delete(acc, k)
				continue
			}
			if other.Score > s.Score {
				acc[k] = other
			}
		}
	}
	return sortedScored(acc), nil
}

func (ex *Executor) runUnion(ctx context.Context, txn *storage.Txn, o Union) ([]Scored, error) {
	acc := map[string]Scored{}
	for _, in := range o.Inputs {
		next, err := ex.RunPKs(ctx, txn, in)
		if err != nil {
			return nil, err
		}
		for _, s := range next {
			key := s.PK.String()
			if existing, ok := acc[key]; !ok || s.Score > existing.Score {
				acc[key] = s
			}
		}
	}
	return sortedScored(acc), nil
}

func (ex *Executor) runDifference(ctx context.Context, txn *storage.Txn, o Difference) ([]Scored, error) {
	base, err := ex.RunPKs(ctx, txn, o.Base)
	if err != nil {
		return nil, err
	}
	sub, err := ex.RunPKs(ctx, txn, o.Subtract)
	if err != nil {
		return nil, err
	}
	subSet := scoredSet(sub)
	var out []Scored
	for _, s := range base {
		if _, excluded := subSet[s.PK.String()]; !excluded {
			out = append(out, s)
		}
	}
	return out, nil
}

func (ex *Executor) runVectorKNN(ctx context.Context, o VectorKNN) ([]Scored, error) {
	ix, ok := ex.Vector[o.IndexName]
	if !ok {
		return nil, errs.New("query.runVectorKNN", errs.InvalidQuery, o.IndexName, nil)
	}
	timer := metrics.NewTimer()
	hits, fellBack, err := ix.Search(ctx, o.Query, o.K, o.EfSearch, vectorWhitelist(o))
	fallback := "false"
	if fellBack {
		fallback = "true"
	}
	timer.ObserveDurationVec(metrics.VectorSearchDuration, string(ix.Metric()), fallback)
	efSearch := o.EfSearch
	if efSearch <= 0 {
		efSearch = ix.DefaultEfSearch()
	}
	metrics.VectorEfSearch.WithLabelValues(o.IndexName).Set(float64(efSearch))
	if err != nil {
		return nil, err
	}
	out := make([]Scored, len(hits))
	for i, h := range hits {
		out[i] = Scored{PK: h.PK, Score: h.Distance}
	}
	return out, nil
}

// vectorWhitelist builds the pre-filter predicate Search takes: a
// prefix predicate if one is given (spec.md §4.3's alternative to a
// materialized set), otherwise a lookup against the materialized set,
// otherwise nil (no pre-filter).
func vectorWhitelist(o VectorKNN) func(pk string) bool {
	if o.WhitelistPrefix != nil {
		pred := o.WhitelistPrefix
		return func(pk string) bool {
			parsed, ok := types.ParsePK(pk)
			return ok && pred(parsed)
		}
	}
	if o.Whitelist != nil {
		set := o.Whitelist
		return func(pk string) bool { return set[pk] }
	}
	return nil
}

func (ex *Executor) runFulltextScan(txn *storage.Txn, o FulltextScan) ([]Scored, error) {
	ix, ok := ex.Fulltext[o.IndexName]
	if !ok {
		return nil, errs.New("query.runFulltextScan", errs.InvalidQuery, o.IndexName, nil)
	}
	hits, err := ix.Search(txn, o.Query)
	if err != nil {
		return nil, err
	}
	if o.Limit > 0 && len(hits) > o.Limit {
		hits = hits[:o.Limit]
	}
	out := make([]Scored, len(hits))
	for i, h := range hits {
		out[i] = Scored{PK: h.PK, Score: h.Score}
	}
	return out, nil
}

// runTraversal walks the named graph from Start. Weighted selects
// Dijkstra (optionally A* when Heuristic is set); the unweighted path
// is a plain level-by-level BFS. Vertex/edge predicates are the
// caller's concern via a later PostFilter — per spec.md §4.4 they are
// applied "conservatively at the last admitted level", which this
// function honors by never pruning a frontier vertex itself, only
// capping its size when FrontierCap or ResultLimit are set.
func (ex *Executor) runTraversal(ctx context.Context, txn *storage.Txn, o Traversal) ([]Scored, error) {
	ix, ok := ex.Graph[o.GraphName]
	if !ok {
		return nil, errs.New("query.runTraversal", errs.InvalidQuery, o.GraphName, nil)
	}
	if o.Weighted {
		return ex.dijkstra(ctx, ix, o)
	}
	return ex.bfs(ctx, ix, o)
}

// capResult applies Traversal's soft result-size cap, reporting every
// dropped vertex via TraversalPrunedTotal (spec.md §4.4: "hits are
// reported as metrics").
func capResult(graphName string, out []Scored, limit int) []Scored {
	if limit <= 0 || len(out) <= limit {
		return out
	}
	metrics.TraversalPrunedTotal.WithLabelValues(graphName).Add(float64(len(out) - limit))
	return out[:limit]
}

// cappedNeighbors applies Traversal's soft frontier-size cap, reporting
// every cap hit via TraversalFrontierCapHitsTotal.
func cappedNeighbors(graphName string, edges []types.Edge, cap int) []types.Edge {
	if cap <= 0 || len(edges) <= cap {
		return edges
	}
	metrics.TraversalFrontierCapHitsTotal.WithLabelValues(graphName).Inc()
	return edges[:cap]
}

func (ex *Executor) bfs(ctx context.Context, ix *graph.Index, o Traversal) ([]Scored, error) {
	at := ex.now()
	type frame struct {
		pk    types.PK
		depth int
	}
	visited := map[string]bool{o.Start.String(): true}
	queue := []frame{{pk: o.Start, depth: 0}}
	var out []Scored
	lastDepth := -1

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth != lastDepth {
			lastDepth = cur.depth
			if err := checkDeadline(ctx); err != nil {
				return nil, err
			}
		}
		if cur.depth >= o.MinDepth && cur.depth > 0 {
			out = append(out, Scored{PK: cur.pk, Score: float64(cur.depth)})
		}
		if cur.depth >= o.MaxDepth {
			continue
		}
		edges := cappedNeighbors(o.GraphName, ix.Neighbors(o.GraphID, cur.pk.String(), o.Direction, o.EdgeType, at), o.FrontierCap)
		for _, e := range edges {
			next := e.To
			if o.Direction == types.Inbound {
				next = e.From
			}
			if visited[next.String()] {
				continue
			}
			visited[next.String()] = true
			queue = append(queue, frame{pk: next, depth: cur.depth + 1})
		}
	}
	return capResult(o.GraphName, out, o.ResultLimit), nil
}

// dijkstra runs weighted shortest-path search, becoming A* when
// Heuristic is set (standard f = g + h priority, with h=0 degenerating
// back to Dijkstra).
func (ex *Executor) dijkstra(ctx context.Context, ix *graph.Index, o Traversal) ([]Scored, error) {
	at := ex.now()
	dist := map[string]float64{o.Start.String(): 0}
	depth := map[string]int{o.Start.String(): 0}
	pkOf := map[string]types.PK{o.Start.String(): o.Start}
	visited := map[string]bool{}

	var out []Scored
	lastDepth := -1
	for {
		var curKey string
		best := -1.0
		for k, d := range dist {
			if visited[k] {
				continue
			}
			h := 0.0
			if o.Heuristic != nil {
				h = o.Heuristic(pkOf[k])
			}
			f := d + h
			if best < 0 || f < best {
				best = f
				curKey = k
			}
		}
		if curKey == "" {
			break
		}
		visited[curKey] = true
		d := depth[curKey]
		if d != lastDepth {
			lastDepth = d
			if err := checkDeadline(ctx); err != nil {
				return nil, err
			}
		}

		if d >= o.MinDepth && d > 0 {
			out = append(out, Scored{PK: pkOf[curKey], Score: dist[curKey]})
		}
		if d >= o.MaxDepth {
			continue
		}

		edges := cappedNeighbors(o.GraphName, ix.Neighbors(o.GraphID, curKey, o.Direction, o.EdgeType, at), o.FrontierCap)
		for _, e := range edges {
			next := e.To
			if o.Direction == types.Inbound {
				next = e.From
			}
			w := 1.0
			if e.HasWeight {
				w = e.Weight
			}
			nk := next.String()
			if visited[nk] {
				continue
			}
			cand := dist[curKey] + w
			if existing, ok := dist[nk]; !ok || cand < existing {
				dist[nk] = cand
				depth[nk] = d + 1
				pkOf[nk] = next
			}
		}
	}
	return capResult(o.GraphName, out, o.ResultLimit), nil
}

func scoredFromPKs(pks []types.PK) []Scored {
	out := make([]Scored, len(pks))
	for i, pk := range pks {
		out[i] = Scored{PK: pk}
	}
	return out
}

func sortedScored(m map[string]Scored) []Scored {
	out := make([]Scored, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PK.String() < out[j].PK.String() })
	return out
}

func (ex *Executor) runFetch(ctx context.Context, txn *storage.Txn, o Fetch) ([]Row, error) {
	scored, err := ex.RunPKs(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}
	rows := make([]Row, 0, len(scored))
	for _, s := range scored {
		rec, err := entity.Get(txn, s.PK.Collection, s.PK.Key)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		row := Row{
			o.As:           rec.Value,
			pkKey(o.As):    types.Str(rec.PK.String()),
			scoreKey(o.As): types.F64(s.Score),
		}
		rows = append(rows, row)
	}
	return rows, nil
}
