package themisdb

import (
	"context"
	"strings"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

// VectorHit is one k-NN result: the matched record's pk and its
// distance/similarity score under the index's configured metric.
type VectorHit struct {
	PK    types.PK
	Score float64
}

// VectorSearch runs a k-NN query against a named vector index,
// optionally restricted to a whitelist of candidate pks (spec.md §4.3:
// "k-NN with whitelist (pre-filter)"). efSearch overrides the index's
// configured default for this call only when > 0.
func (db *DB) VectorSearch(ctx context.Context, indexName string, queryVector []float32, k int, whitelist []string, efSearch int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("themisdb.VectorSearch", errs.Cancelled, "", err)
	}

	db.mu.RLock()
	_, ok := db.vectors[indexName]
	ex := db.executor()
	db.mu.RUnlock()
	if !ok {
		return nil, errs.New("themisdb.VectorSearch", errs.NotFound, indexName, nil)
	}

	var allow map[string]bool
	if len(whitelist) > 0 {
		allow = make(map[string]bool, len(whitelist))
		for _, pk := range whitelist {
			allow[pk] = true
		}
	}

	scored, err := ex.RunPKs(ctx, nil, query.VectorKNN{
		IndexName: indexName,
		Query:     queryVector,
		K:         k,
		EfSearch:  efSearch,
		Whitelist: allow,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]VectorHit, len(scored))
	for i, s := range scored {
		hits[i] = VectorHit{PK: s.PK, Score: s.Score}
	}
	return hits, nil
}

// VectorSearchByPrefix is VectorSearch's prefix-predicate counterpart
// (spec.md §4.3: whitelist pre-filtering "accepts either a
// materialized set or a prefix predicate"), for callers that want to
// restrict candidates to a pk prefix range without materializing every
// matching key up front.
func (db *DB) VectorSearchByPrefix(ctx context.Context, indexName string, queryVector []float32, k int, collection, keyPrefix string, efSearch int) ([]VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("themisdb.VectorSearchByPrefix", errs.Cancelled, "", err)
	}

	db.mu.RLock()
	_, ok := db.vectors[indexName]
	ex := db.executor()
	db.mu.RUnlock()
	if !ok {
		return nil, errs.New("themisdb.VectorSearchByPrefix", errs.NotFound, indexName, nil)
	}

	scored, err := ex.RunPKs(ctx, nil, query.VectorKNN{
		IndexName: indexName,
		Query:     queryVector,
		K:         k,
		EfSearch:  efSearch,
		WhitelistPrefix: func(pk types.PK) bool {
			return pk.Collection == collection && strings.HasPrefix(pk.Key, keyPrefix)
		},
	})
	if err != nil {
		return nil, err
	}

	hits := make([]VectorHit, len(scored))
	for i, s := range scored {
		hits[i] = VectorHit{PK: s.PK, Score: s.Score}
	}
	return hits, nil
}
