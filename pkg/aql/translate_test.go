package aql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/query"
)

func mustTranslate(t *testing.T, src string, cat *Catalog) query.Op {
	t.Helper()
	q, err := Parse(src)
	require.NoError(t, err)
	for i, fc := range q.Filters {
		q.Filters[i] = FilterClause{Predicate: Rewrite(fc.Predicate)}
	}
	op, err := Translate(q, cat)
	require.NoError(t, err)
	return op
}

// findFetch descends through a chain of PostFilter/Project/PostSort/
// Distinct/Limit wrappers down to the underlying Fetch, the same way a
// reader would trace a plan top-down.
func findFetch(t *testing.T, op query.Op) query.Fetch {
	t.Helper()
	switch o := op.(type) {
	case query.Fetch:
		return o
	case query.PostFilter:
		return findFetch(t, o.Input)
	case query.PostSort:
		return findFetch(t, o.Input)
	case query.Project:
		return findFetch(t, o.Input)
	case query.Distinct:
		return findFetch(t, o.Input)
	case query.Limit:
		return findFetch(t, o.Input)
	default:
		t.Fatalf("no Fetch found under %T", op)
		return query.Fetch{}
	}
}

func TestTranslateEqualityFilterUsesIndexScan(t *testing.T) {
	cat := NewCatalog()
	cat.AddIndex("users", IndexMeta{Name: "users_by_email", Kind: EqualityIndex, Fields: []string{"email"}})

	op := mustTranslate(t, `FOR u IN users FILTER u.email == "a@example.com" RETURN u`, cat)
	fetch := findFetch(t, op)
	scan, ok := fetch.Input.(query.IndexScan)
	require.True(t, ok, "expected an IndexScan under Fetch, got %T", fetch.Input)
	assert.Equal(t, "users_by_email", scan.IndexName)
}

func TestTranslateRangeFilterUsesRangeScan(t *testing.T) {
	cat := NewCatalog()
	cat.AddIndex("events", IndexMeta{Name: "events_by_ts", Kind: RangeIndex, Fields: []string{"ts"}})

	op := mustTranslate(t, `FOR e IN events FILTER e.ts >= 100 RETURN e`, cat)
	fetch := findFetch(t, op)
	scan, ok := fetch.Input.(query.RangeScan)
	require.True(t, ok, "expected a RangeScan under Fetch, got %T", fetch.Input)
	assert.Equal(t, "events_by_ts", scan.IndexName)
	require.NotNil(t, scan.Lo)
}

func TestTranslateUnindexedFilterFallsBackToFullScanWithPostFilter(t *testing.T) {
	cat := NewCatalog() // no indexes registered
	op := mustTranslate(t, `FOR u IN users FILTER u.age >= 21 RETURN u`, cat)

	project, ok := op.(query.Project)
	require.True(t, ok, "expected top-level Project (the RETURN projection), got %T", op)
	pf, ok := project.Input.(query.PostFilter)
	require.True(t, ok, "expected a PostFilter under the projection, got %T", project.Input)
	fetch := findFetch(t, pf.Input)
	_, ok = fetch.Input.(query.FullScan)
	assert.True(t, ok)
}

func TestTranslateFulltextCallUsesFulltextScan(t *testing.T) {
	cat := NewCatalog()
	cat.AddIndex("articles", IndexMeta{Name: "articles_title_ft", Kind: FulltextIndexK, Fields: []string{"title"}})

	op := mustTranslate(t, `FOR a IN articles FILTER FULLTEXT(a.title, "go concurrency", 5) RETURN a`, cat)
	fetch := findFetch(t, op)
	scan, ok := fetch.Input.(query.FulltextScan)
	require.True(t, ok, "expected a FulltextScan under Fetch, got %T", fetch.Input)
	assert.Equal(t, "articles_title_ft", scan.IndexName)
	assert.Equal(t, "go concurrency", scan.Query)
	assert.Equal(t, 5, scan.Limit)
}

func TestTranslateEquiJoinUsesHashJoin(t *testing.T) {
	cat := NewCatalog()
	op := mustTranslate(t, `
		FOR o IN orders
		FOR c IN customers
		FILTER o.customerId == c.id
		RETURN o
	`, cat)

	project, ok := op.(query.Project)
	require.True(t, ok)
	_, ok = project.Input.(query.HashJoin)
	assert.True(t, ok, "expected HashJoin, got %T", project.Input)
}

func TestTranslateLimitAndDistinctWrapReturnProjection(t *testing.T) {
	cat := NewCatalog()
	q, err := Parse(`FOR u IN users LIMIT 3 RETURN DISTINCT u.country`)
	require.NoError(t, err)
	op, err := Translate(q, cat)
	require.NoError(t, err)

	limit, ok := op.(query.Limit)
	require.True(t, ok)
	assert.Equal(t, 3, limit.Count)
	_, ok = limit.Input.(query.Distinct)
	assert.True(t, ok)
}
