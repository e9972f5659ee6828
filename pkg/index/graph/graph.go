// Package graph implements Themis's graph adjacency index (spec.md
// §4.3): key schema graph:out:graph_id:from:edgeType:edgeId -> to, with
// a symmetric inbound mirror, plus an in-memory topology cache rebuilt
// from the key space on open or on demand. Generalized from the
// teacher's pkg/network host-port bookkeeping (a map keyed by owning ID
// to a slice of entries, mutated by exported add/remove calls) — Themis
// adds the reader/writer lock the teacher's version omits, since the
// adjacency cache here is read far more often than it's written and by
// many query-engine goroutines concurrently.
package graph

import (
	"sync"
	"time"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func CF(name string) string { return "graph:" + name }

// Index maintains adjacency for one named graph space. Edges are
// themselves entity records (collection edgeCollection); Index listens
// for their put/delete and keeps both the on-disk adjacency keys and
// the in-memory topology cache in sync.
type Index struct {
	name           string
	edgeCollection string
	cf             string

	mu     sync.RWMutex
	outAdj map[string][]types.Edge // "graphID:from" -> edges
	inAdj  map[string][]types.Edge // "graphID:to" -> edges
}

func New(name, edgeCollection string) *Index {
	return &Index{
		name:           name,
		edgeCollection: edgeCollection,
		cf:             CF(name),
		outAdj:         make(map[string][]types.Edge),
		inAdj:          make(map[string][]types.Edge),
	}
}

func (ix *Index) Name() string         { return ix.name }
func (ix *Index) ColumnFamily() string { return ix.cf }

func outKey(graphID, from string) string { return graphID + ":" + from }
func inKey(graphID, to string) string    { return graphID + ":" + to }

func outStorageKey(cf, graphID, from, edgeType, edgeID string) string {
	return cf + "\x00out\x00" + graphID + "\x00" + from + "\x00" + edgeType + "\x00" + edgeID
}
func inStorageKey(cf, graphID, to, edgeType, edgeID string) string {
	return cf + "\x00in\x00" + graphID + "\x00" + to + "\x00" + edgeType + "\x00" + edgeID
}

// decodeEdge reconstructs an Edge from a record's value, assuming the
// standard edge record shape (spec.md §3: from, to, type, graph_id,
// optional weight, optional valid_from/valid_to, properties).
func decodeEdge(rec *types.Record) (types.Edge, bool) {
	if rec == nil {
		return types.Edge{}, false
	}
	fromStr, err1 := rec.Value.Field("from_pk").GetAsString()
	toStr, err2 := rec.Value.Field("to_pk").GetAsString()
	edgeType, err3 := rec.Value.Field("edge_type").GetAsString()
	graphID, err4 := rec.Value.Field("graph_id").GetAsString()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return types.Edge{}, false
	}
	from, ok := types.ParsePK(fromStr)
	if !ok {
		return types.Edge{}, false
	}
	to, ok := types.ParsePK(toStr)
	if !ok {
		return types.Edge{}, false
	}

	e := types.Edge{
		ID:      rec.PK.Key,
		GraphID: graphID,
		From:    from,
		To:      to,
		Type:    edgeType,
	}
	if w, err := rec.Value.Field("weight").GetAsF64(); err == nil {
		e.Weight, e.HasWeight = w, true
	}
	if vf, err := rec.Value.Field("valid_from").GetAsI64(); err == nil {
		t := time.UnixMilli(vf)
		e.ValidFrom = &t
	}
	if vt, err := rec.Value.Field("valid_to").GetAsI64(); err == nil {
		t := time.UnixMilli(vt)
		e.ValidTo = &t
	}
	if props, err := rec.Value.Field("properties").GetAsObject(); err == nil {
		e.Properties = props
	}
	return e, true
}

func (ix *Index) OnPut(txn *storage.Txn, before, after *types.Record) error {
	if before != nil && before.PK.Collection == ix.edgeCollection {
		if e, ok := decodeEdge(before); ok {
			if err := ix.remove(txn, e); err != nil {
				return err
			}
		}
	}
	if after != nil && after.PK.Collection == ix.edgeCollection {
		if e, ok := decodeEdge(after); ok {
			if err := ix.add(txn, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *Index) OnDelete(txn *storage.Txn, before *types.Record) error {
	if before == nil || before.PK.Collection != ix.edgeCollection {
		return nil
	}
	e, ok := decodeEdge(before)
	if !ok {
		return nil
	}
	return ix.remove(txn, e)
}

// add writes the symmetric out/in entries and updates the in-memory
// mirror (spec.md §3: "both the outbound entry ... and the inbound
// mirror exist iff the edge is live").
func (ix *Index) add(txn *storage.Txn, e types.Edge) error {
	from, to := e.From.String(), e.To.String()
	if err := txn.Put(ix.cf, outStorageKey(ix.cf, e.GraphID, from, e.Type, e.ID), []byte(to)); err != nil {
		return err
	}
	if err := txn.Put(ix.cf, inStorageKey(ix.cf, e.GraphID, to, e.Type, e.ID), []byte(from)); err != nil {
		return err
	}

	ix.mu.Lock()
	ok := outKey(e.GraphID, from)
	ix.outAdj[ok] = append(ix.outAdj[ok], e)
	ik := inKey(e.GraphID, to)
	ix.inAdj[ik] = append(ix.inAdj[ik], e)
	ix.mu.Unlock()
	return nil
}

func (ix *Index) remove(txn *storage.Txn, e types.Edge) error {
	from, to := e.From.String(), e.To.String()
	if err := txn.Delete(ix.cf, outStorageKey(ix.cf, e.GraphID, from, e.Type, e.ID)); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}
	if err := txn.Delete(ix.cf, inStorageKey(ix.cf, e.GraphID, to, e.Type, e.ID)); err != nil && !errs.Is(err, errs.NotFound) {
		return err
	}

	ix.mu.Lock()
	ok := outKey(e.GraphID, from)
	ix.outAdj[ok] = removeEdge(ix.outAdj[ok], e.ID)
	ik := inKey(e.GraphID, to)
	ix.inAdj[ik] = removeEdge(ix.inAdj[ik], e.ID)
	ix.mu.Unlock()
	return nil
}

func removeEdge(edges []types.Edge, id string) []types.Edge {
	out := edges[:0]
	for _, e := range edges {
		if e.ID != id {
			out = append(out, e)
		}
	}
	return out
}

// Neighbors returns the edges adjacent to node within graphID, in the
// requested direction, served from the in-memory topology mirror.
func (ix *Index) Neighbors(graphID, node string, dir types.Direction, edgeType string, at time.Time) []types.Edge {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var candidates []types.Edge
	switch dir {
	case types.Outbound:
		candidates = ix.outAdj[outKey(graphID, node)]
	case types.Inbound:
		candidates = ix.inAdj[inKey(graphID, node)]
	default:
		candidates = append(append([]types.Edge{}, ix.outAdj[outKey(graphID, node)]...), ix.inAdj[inKey(graphID, node)]...)
	}

	out := make([]types.Edge, 0, len(candidates))
	for _, e := range candidates {
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		if !e.LiveAt(at) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Rebuild discards the in-memory mirror and repopulates it from the
// edge collection's records, read under txn's snapshot (the on-disk
// adjacency keys are not read) — spec.md §4.3's
// "in-memory topology mirror rebuilt from the key space on open or on
// demand". Online and non-transactional.
func (ix *Index) Rebuild(txn *storage.Txn) error {
	next := entity.ScanCollection(txn, ix.edgeCollection, "")

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.outAdj = make(map[string][]types.Edge)
	ix.inAdj = make(map[string][]types.Edge)

	for {
		rec, ok := next()
		if !ok {
			break
		}
		e, ok := decodeEdge(rec)
		if !ok {
			continue
		}
		ok1 := outKey(e.GraphID, e.From.String())
		ix.outAdj[ok1] = append(ix.outAdj[ok1], e)
		ik := inKey(e.GraphID, e.To.String())
		ix.inAdj[ik] = append(ix.inAdj[ik], e)
	}
	return nil
}
