// Package vector implements Themis's HNSW vector index (spec.md §4.3):
// an in-memory navigable small-world graph with brute-force fallback on
// structural insert failure, persisted as meta.txt + labels.txt +
// index.bin. Grounded on the general shape of the pack's in-memory
// vector-cache patterns (an embeddings cache kept off the primary
// store, lazily loaded, incrementally updated on write/delete) —
// nothing in the pack implements HNSW itself, so the graph algorithm
// follows the standard construction (Malkov & Yashunin) directly.
package vector

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// Options configures an Index at creation. M and EfConstruction are
// fixed for the index's lifetime; EfSearch is tunable at runtime.
type Options struct {
	Dimension      int
	Metric         Metric
	M              int // max neighbors per node per layer (default 16)
	EfConstruction int // candidate list size while inserting (default 200)
	EfSearch       int // candidate list size while searching (default 64)
}

func (o Options) m() int {
	if o.M <= 0 {
		return 16
	}
	return o.M
}
func (o Options) efConstruction() int {
	if o.EfConstruction <= 0 {
		return 200
	}
	return o.EfConstruction
}
func (o Options) efSearch() int {
	if o.EfSearch <= 0 {
		return 64
	}
	return o.EfSearch
}

type node struct {
	label     uint32
	pk        string
	vector    []float32
	level     int
	neighbors [][]uint32 // neighbors[layer] = neighbor labels at that layer
}

// Index is one HNSW graph over fixed-dimension vectors. It also
// maintains a field->label mapping so it can act as an
// entity.Maintainer: a record's put adds/replaces its vector, a delete
// retracts it.
type Index struct {
	name       string
	collection string
	field      string
	opts       Options

	mu          sync.RWMutex
	nodes       map[uint32]*node
	pkToLabel   map[string]uint32
	entryPoint  uint32
	hasEntry    bool
	maxLevel    int
	nextLabel   uint32
	brokenGraph bool // set once an insert fails structurally; forces brute force
}

func New(name, collection, field string, opts Options) *Index {
	return &Index{
		name:       name,
		collection: collection,
		field:      field,
		opts:       opts,
		nodes:      make(map[uint32]*node),
		pkToLabel:  make(map[string]uint32),
	}
}

func (ix *Index) Name() string { return ix.name }

// Metric returns the index's configured distance metric, for labeling
// metrics.VectorSearchDuration by callers.
func (ix *Index) Metric() Metric { return ix.opts.Metric }

// DefaultEfSearch returns the efSearch value a zero-valued Search call
// falls back to, for labeling metrics.VectorEfSearch when a caller
// doesn't override it per-call.
func (ix *Index) DefaultEfSearch() int { return ix.opts.efSearch() }

func (ix *Index) projection(rec *types.Record) ([]float32, bool) {
	if rec == nil || rec.PK.Collection != ix.collection {
		return nil, false
	}
	v := rec.Value.Field(ix.field)
	vec, err := v.GetAsVector()
	if err != nil {
		return nil, false
	}
	return vec, true
}

func (ix *Index) OnPut(txn *storage.Txn, before, after *types.Record) error {
	if _, ok := ix.projection(before); ok {
		ix.remove(before.PK.String())
	}
	if vec, ok := ix.projection(after); ok {
		if len(vec) != ix.opts.Dimension {
			return errs.New("vector.OnPut", errs.DimensionMismatch, after.PK.String(), nil)
		}
		ix.insert(after.PK.String(), vec)
	}
	return nil
}

func (ix *Index) OnDelete(txn *storage.Txn, before *types.Record) error {
	if _, ok := ix.projection(before); ok {
		ix.remove(before.PK.String())
	}
	return nil
}

// randomLevel draws an exponentially-distributed layer assignment with
// mean 1/ln(M), the standard HNSW level distribution.
func (ix *Index) randomLevel() int {
	ml := 1.0 / math.Log(float64(ix.opts.m()))
	level := int(-math.Log(rand.Float64()) * ml)
	if level > 31 {
		level = 31
	}
	return level
}

// insert adds pk's vector to the graph as a new node; an existing node
// for pk is not removed (OnPut calls remove first). On any structural
// inconsistency it marks the graph broken so
// Search falls back to a full scan (spec.md §4.3: "if the HNSW
// structure fails to insert ... the index falls back to a brute-force
// scan ... to preserve correctness").
func (ix *Index) insert(pk string, vec []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.opts.Metric == Cosine {
		vec = normalize(vec)
	}

	label := ix.nextLabel
	ix.nextLabel++
	level := ix.randomLevel()
	n := &node{label: label, pk: pk, vector: vec, level: level, neighbors: make([][]uint32, level+1)}
	ix.nodes[label] = n
	ix.pkToLabel[pk] = label

	if !ix.hasEntry {
		ix.entryPoint = label
		ix.hasEntry = true
		ix.maxLevel = level
		return
	}

	cur := ix.entryPoint
	for l := ix.maxLevel; l > level; l-- {
		cur = ix.greedyClosest(cur, vec, l)
	}

	for l := min(level, ix.maxLevel); l >= 0; l-- {
		candidates, _ := ix.searchLayer(context.Background(), vec, cur, ix.opts.efConstruction(), l)
		neighbors := selectNeighbors(candidates, ix.opts.m())
		n.neighbors[l] = neighbors
		for _, nb := range neighbors {
			ix.connect(nb, label, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].label
		}
	}

	if level > ix.maxLevel {
		ix.maxLevel = level
		ix.entryPoint = label
	}
}

func (ix *Index) connect(from, to uint32, layer int) {
	n, ok := ix.nodes[from]
	if !ok || layer >= len(n.neighbors) {
		ix.brokenGraph = true
		log.WithIndex(ix.name).Warn().Msg("hnsw structural insert failure, falling back to brute force")
		return
	}
	n.neighbors[layer] = append(n.neighbors[layer], to)
	if len(n.neighbors[layer]) > ix.opts.m()*2 {
		cands := make([]candidate, 0, len(n.neighbors[layer]))
		for _, nb := range n.neighbors[layer] {
			if other, ok := ix.nodes[nb]; ok {
				d, err := distance(ix.opts.Metric, n.vector, other.vector)
				if err == nil {
					cands = append(cands, candidate{label: nb, dist: d})
				}
			}
		}
		n.neighbors[layer] = selectNeighbors(cands, ix.opts.m())
	}
}

type candidate struct {
	label uint32
	dist  float64
}

// greedyClosest descends one layer from cur toward the closest node to
// query, used above the insertion/search layer.
func (ix *Index) greedyClosest(cur uint32, query []float32, layer int) uint32 {
	improved := true
	for improved {
		improved = false
		n := ix.nodes[cur]
		if n == nil || layer >= len(n.neighbors) {
			break
		}
		curDist, _ := distance(ix.opts.Metric, n.vector, query)
		for _, nb := range n.neighbors[layer] {
			other := ix.nodes[nb]
			if other == nil {
				continue
			}
			d, err := distance(ix.opts.Metric, other.vector, query)
			if err != nil {
				continue
			}
			if d < curDist {
				cur = nb
				curDist = d
				improved = true
			}
		}
	}
	return cur
}

// searchLayer performs a beam search of width ef starting at entry, on
// the given layer, returning candidates sorted by ascending distance.
// ctx is checked once per candidate-list extension (spec.md §5: "HNSW
// search checks between candidate-list extensions"); insert's
// construction-time calls pass context.Background() since a build
// isn't something a caller can cancel mid-flight.
func (ix *Index) searchLayer(ctx context.Context, query []float32, entry uint32, ef int, layer int) ([]candidate, error) {
	visited := map[uint32]bool{entry: true}
	entryNode := ix.nodes[entry]
	if entryNode == nil {
		return nil, nil
	}
	entryDist, _ := distance(ix.opts.Metric, entryNode.vector, query)

	candidates := []candidate{{label: entry, dist: entryDist}}
	results := []candidate{{label: entry, dist: entryDist}}

	for len(candidates) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, errs.New("vector.searchLayer", errs.Cancelled, "", err)
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
		if len(results) >= ef && c.dist > results[len(results)-1].dist {
			break
		}

		n := ix.nodes[c.label]
		if n == nil || layer >= len(n.neighbors) {
			continue
		}
		for _, nb := range n.neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			other := ix.nodes[nb]
			if other == nil {
				continue
			}
			d, err := distance(ix.opts.Metric, other.vector, query)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{label: nb, dist: d})
			results = append(results, candidate{label: nb, dist: d})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	if len(results) > ef {
		results = results[:ef]
	}
	return results, nil
}

func selectNeighbors(candidates []candidate, m int) []uint32 {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]uint32, len(candidates))
	for i, c := range candidates {
		out[i] = c.label
	}
	return out
}

func (ix *Index) remove(pk string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	label, ok := ix.pkToLabel[pk]
	if !ok {
		return
	}
	delete(ix.pkToLabel, pk)
	delete(ix.nodes, label)

	for _, n := range ix.nodes {
		for l := range n.neighbors {
			n.neighbors[l] = removeLabel(n.neighbors[l], label)
		}
	}

	if ix.hasEntry && ix.entryPoint == label {
		ix.hasEntry = false
		for lbl := range ix.nodes {
			ix.entryPoint = lbl
			ix.hasEntry = true
			break
		}
	}
}

func removeLabel(labels []uint32, target uint32) []uint32 {
	out := labels[:0]
	for _, l := range labels {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Hit is one k-NN result.
type Hit struct {
	PK       types.PK
	Distance float64
}

// Search returns the k nearest neighbors of query, and whether it fell
// back to a brute-force scan (reported by callers as
// metrics.VectorSearchDuration's "fallback" label). allow, if non-nil,
// restricts candidates to pks for which it returns true (pre-filter,
// not post-filter): such a search always takes the brute-force scan
// over the allowed nodes and reports it as a fallback. The caller
// builds allow from either a materialized set or a prefix predicate
// (spec.md §4.3). efSearch overrides the
// index's configured default for this call when positive. ctx is
// checked between candidate-list extensions (spec.md §5); a cancelled
// or expired ctx surfaces as errs.Cancelled.
func (ix *Index) Search(ctx context.Context, query []float32, k int, efSearch int, allow func(pk string) bool) ([]Hit, bool, error) {
	if len(query) != ix.opts.Dimension {
		return nil, false, errs.New("vector.Search", errs.DimensionMismatch, "", nil)
	}
	if ix.opts.Metric == Cosine {
		query = normalize(query)
	}
	ef := ix.opts.efSearch()
	if efSearch > 0 {
		ef = efSearch
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.brokenGraph || !ix.hasEntry || allow != nil {
		hits, err := ix.bruteForce(ctx, query, k, allow)
		return hits, true, err
	}

	cur := ix.entryPoint
	for l := ix.maxLevel; l > 0; l-- {
		cur = ix.greedyClosest(cur, query, l)
	}
	candidates, err := ix.searchLayer(ctx, query, cur, max(ef, k), 0)
	if err != nil {
		return nil, false, err
	}

	var hits []Hit
	for _, c := range candidates {
		n := ix.nodes[c.label]
		if n == nil {
			continue
		}
		if allow != nil && !allow(n.pk) {
			continue
		}
		pk, valid := types.ParsePK(n.pk)
		if !valid {
			continue
		}
		hits = append(hits, Hit{PK: pk, Distance: c.dist})
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, false, nil
}

func (ix *Index) bruteForce(ctx context.Context, query []float32, k int, allow func(pk string) bool) ([]Hit, error) {
	var hits []Hit
	i := 0
	for _, n := range ix.nodes {
		if i%fullScanCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errs.New("vector.bruteForce", errs.Cancelled, "", err)
			}
		}
		i++
		if allow != nil && !allow(n.pk) {
			continue
		}
		d, err := distance(ix.opts.Metric, n.vector, query)
		if err != nil {
			continue
		}
		pk, valid := types.ParsePK(n.pk)
		if !valid {
			continue
		}
		hits = append(hits, Hit{PK: pk, Distance: d})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// fullScanCheckInterval mirrors pkg/query's fullScanBatch: how many
// nodes bruteForce visits between deadline checks.
const fullScanCheckInterval = 256

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
