package aql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseFilter(t *testing.T, src string) Expr {
	t.Helper()
	q, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, q.Filters, 1)
	return q.Filters[0].Predicate
}

func TestRewritePushesNotThroughAnd(t *testing.T) {
	e := mustParseFilter(t, `FOR x IN c FILTER NOT (x.a == 1 AND x.b == 2) RETURN x`)
	r := Rewrite(e)
	top, ok := r.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", top.Op)

	// NOT(x.a == 1) normalizes to (x.a < 1) OR (x.a > 1), so each side of
	// the top-level OR is itself an OR of the expanded complement.
	left, ok := top.Left.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", left.Op)
}

func TestRewritePushesNotThroughOr(t *testing.T) {
	e := mustParseFilter(t, `FOR x IN c FILTER NOT (x.a == 1 OR x.b == 2) RETURN x`)
	r := Rewrite(e)
	top, ok := r.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "AND", top.Op)
}

func TestRewriteEliminatesDoubleNegation(t *testing.T) {
	e := mustParseFilter(t, `FOR x IN c FILTER NOT (NOT (x.a == 1)) RETURN x`)
	r := Rewrite(e)
	cmp, ok := r.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "==", cmp.Op)
}

func TestRewriteExpandsNotEquals(t *testing.T) {
	e := mustParseFilter(t, `FOR x IN c FILTER x.a != 1 RETURN x`)
	r := Rewrite(e)
	top, ok := r.(BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, "OR", top.Op)
	left := top.Left.(BinaryExpr)
	right := top.Right.(BinaryExpr)
	assert.Equal(t, "<", left.Op)
	assert.Equal(t, ">", right.Op)
}

func TestToDNFDistributesOrOverAnd(t *testing.T) {
	e := mustParseFilter(t, `FOR x IN c FILTER x.a == 1 AND (x.b == 2 OR x.c == 3) RETURN x`)
	dnf := ToDNF(Rewrite(e))
	disjuncts := Disjuncts(dnf)
	require.Len(t, disjuncts, 2)
	for _, d := range disjuncts {
		conjuncts := Conjuncts(d)
		assert.Len(t, conjuncts, 2)
	}
}

func TestDisjunctsAndConjunctsFlattenChains(t *testing.T) {
	e := mustParseFilter(t, `FOR x IN c FILTER x.a == 1 OR x.b == 2 OR x.c == 3 RETURN x`)
	disjuncts := Disjuncts(Rewrite(e))
	assert.Len(t, disjuncts, 3)
}
