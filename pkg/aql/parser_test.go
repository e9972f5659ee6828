package aql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleForFilterReturn(t *testing.T) {
	q, err := Parse(`FOR doc IN users FILTER doc.age >= 21 RETURN doc`)
	require.NoError(t, err)

	require.Len(t, q.Fors, 1)
	assert.Equal(t, "doc", q.Fors[0].Var)
	assert.Equal(t, "users", q.Fors[0].Collection)
	assert.False(t, q.Fors[0].Traversal)

	require.Len(t, q.Filters, 1)
	cmp, ok := q.Filters[0].Predicate.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, ">=", cmp.Op)

	assert.False(t, q.Return.Distinct)
	ident, ok := q.Return.Value.(Ident)
	require.True(t, ok)
	assert.Equal(t, "doc", ident.Name)
}

func TestParseCollectAggregateHaving(t *testing.T) {
	q, err := Parse(`
		FOR o IN orders
		COLLECT customer = o.customer AGGREGATE total = SUM(o.amount) HAVING total > 100
		SORT total DESC
		LIMIT 5, 10
		RETURN total
	`)
	require.NoError(t, err)

	require.NotNil(t, q.Collect)
	assert.Equal(t, []string{"customer"}, q.Collect.GroupVars)
	require.Len(t, q.Collect.Aggregates, 1)
	assert.Equal(t, "SUM", q.Collect.Aggregates[0].Func)
	assert.Equal(t, "total", q.Collect.Aggregates[0].Var)
	require.NotNil(t, q.Collect.Having)

	require.NotNil(t, q.Sort)
	require.Len(t, q.Sort.Keys, 1)
	assert.True(t, q.Sort.Keys[0].Desc)

	require.NotNil(t, q.Limit)
	offsetLit, ok := q.Limit.Offset.(NumberLit)
	require.True(t, ok)
	assert.Equal(t, float64(5), offsetLit.Value)
	countLit, ok := q.Limit.Count.(NumberLit)
	require.True(t, ok)
	assert.Equal(t, float64(10), countLit.Value)
}

func TestParseGraphTraversalFor(t *testing.T) {
	q, err := Parse(`
		FOR v, e IN 1..3 OUTBOUND "people/alice" GRAPH "social"
		RETURN v
	`)
	require.NoError(t, err)

	require.Len(t, q.Fors, 1)
	f := q.Fors[0]
	assert.True(t, f.Traversal)
	assert.Equal(t, "v", f.Var)
	assert.Equal(t, "e", f.EdgeVar)
	assert.Equal(t, 1, f.MinDepth)
	assert.Equal(t, 3, f.MaxDepth)
	assert.Equal(t, "outbound", f.Direction)
	assert.Equal(t, "social", f.GraphName)
	startLit, ok := f.Start.(StringLit)
	require.True(t, ok)
	assert.Equal(t, "people/alice", startLit.Value)
}

func TestParseWithCTE(t *testing.T) {
	q, err := Parse(`
		WITH recent AS (FOR o IN orders FILTER o.year == 2026 RETURN o)
		FOR r IN recent
		RETURN r
	`)
	require.NoError(t, err)
	require.Len(t, q.CTEs, 1)
	assert.Equal(t, "recent", q.CTEs[0].Name)
	require.NotNil(t, q.CTEs[0].Query)
	assert.Len(t, q.CTEs[0].Query.Fors, 1)
}

func TestParseNestedAndOrPrecedence(t *testing.T) {
	q, err := Parse(`FOR x IN c FILTER x.a == 1 AND x.b == 2 OR x.c == 3 RETURN x`)
	require.NoError(t, err)
	top, ok := q.Filters[0].Predicate.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", top.Op)
	left, ok := top.Left.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "AND", left.Op)
}

func TestParseErrorReportsLineAndColumn(t *testing.T) {
	_, err := Parse("FOR x IN c RETURN")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line")
	assert.Contains(t, err.Error(), "column")
}

func TestParseFunctionCall(t *testing.T) {
	q, err := Parse(`FOR x IN c FILTER FULLTEXT(x.title, "foo", 5) RETURN x`)
	require.NoError(t, err)
	call, ok := q.Filters[0].Predicate.(Call)
	require.True(t, ok)
	assert.Equal(t, "FULLTEXT", call.Name)
	require.Len(t, call.Args, 3)
}
