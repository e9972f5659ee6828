package optimizer

import (
	"sort"

	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// Reorder rewrites q's FILTER clauses in place so each one's top-level
// AND-conjuncts run smallest-estimated-cardinality first (spec.md
// §4.6: "orders conjuncts by increasing estimated cardinality"). Each
// predicate is expected to already be negation-normalized
// (aql.Rewrite ran first, as translate_test.go's callers always do);
// Reorder only flattens and reorders the top-level AND chain, it does
// not change boolean structure.
//
// Reordering here has two effects once aql.Translate runs on the
// result: the first indexable conjunct in the new order becomes the
// FOR clause's driving scan predicate (the translator always picks
// the first match it finds), and every conjunct demoted to a residual
// PostFilter is AND-evaluated in the same cheapest-first order, so a
// short-circuit failure on the most selective condition skips
// evaluating the rest.
func Reorder(q *aql.Query, cat *aql.Catalog, est Estimator, txn *storage.Txn) {
	for i, fc := range q.Filters {
		conjuncts := aql.Conjuncts(fc.Predicate)
		if len(conjuncts) < 2 {
			continue
		}
		costs := make([]int, len(conjuncts))
		for j, c := range conjuncts {
			costs[j] = estimateConjunct(c, q.Fors, cat, est, txn)
		}
		order := make([]int, len(conjuncts))
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool { return costs[order[a]] < costs[order[b]] })

		ordered := make([]aql.Expr, len(conjuncts))
		for j, k := range order {
			ordered[j] = conjuncts[k]
		}
		q.Filters[i] = aql.FilterClause{Predicate: rebuildAnd(ordered)}
	}
}

func rebuildAnd(conjuncts []aql.Expr) aql.Expr {
	out := conjuncts[0]
	for _, c := range conjuncts[1:] {
		out = aql.BinaryExpr{Op: "AND", Left: out, Right: c}
	}
	return out
}

// estimateConjunct probes the index a conjunct would drive a scan
// from, mirroring the comparison shapes aql's translator recognizes
// (`var.field OP literal`, either operand order). Anything else —
// cross-variable predicates, non-comparisons, unindexed fields —
// estimates as FullScanCardinality so it sorts last.
func estimateConjunct(e aql.Expr, fors []aql.ForClause, cat *aql.Catalog, est Estimator, txn *storage.Txn) int {
	b, ok := e.(aql.BinaryExpr)
	if !ok {
		return FullScanCardinality
	}
	variable, field, lit, order, ok := fieldCompareLiteral(b)
	if !ok {
		return FullScanCardinality
	}
	collection, ok := aql.ForCollection(fors, variable)
	if !ok {
		return FullScanCardinality
	}
	metas := cat.IndexesFor(collection)

	switch b.Op {
	case "==":
		if name := findIndexName(metas, aql.EqualityIndex, field); name != "" {
			return est.ProbeEquality(txn, name, []types.Value{lit})
		}
		if name := findIndexName(metas, aql.SparseIndex, field); name != "" {
			return est.ProbeEquality(txn, name, []types.Value{lit})
		}
	case "<", "<=", ">", ">=":
		if name := findIndexName(metas, aql.RangeIndex, field); name != "" {
			lo, hi := rangeProbeBounds(b.Op, lit, order)
			return est.ProbeRange(txn, name, lo, hi)
		}
	}
	return FullScanCardinality
}

func findIndexName(metas []aql.IndexMeta, kind aql.IndexKind, field string) string {
	for _, m := range metas {
		if m.Kind != kind {
			continue
		}
		if len(m.Fields) == 1 && m.Fields[0] == field {
			return m.Name
		}
	}
	return ""
}

// fieldCompareLiteral recognizes `var.field OP literal` or
// `literal OP var.field`; order is false when the operands were
// reversed, so the caller needs to flip the comparison direction the
// same way aql's translator does.
func fieldCompareLiteral(b aql.BinaryExpr) (variable, field string, lit types.Value, order, ok bool) {
	if v, f, litVal, litOk := identFieldLiteral(b.Left, b.Right); litOk {
		return v, f, litVal, true, true
	}
	if v, f, litVal, litOk := identFieldLiteral(b.Right, b.Left); litOk {
		return v, f, litVal, false, true
	}
	return "", "", types.Value{}, false, false
}

func identFieldLiteral(fieldSide, litSide aql.Expr) (variable, field string, lit types.Value, ok bool) {
	fa, isFA := fieldSide.(aql.FieldAccess)
	if !isFA {
		return "", "", types.Value{}, false
	}
	id, isID := fa.Target.(aql.Ident)
	if !isID {
		return "", "", types.Value{}, false
	}
	v, litOk := literalValue(litSide)
	if !litOk {
		return "", "", types.Value{}, false
	}
	return id.Name, fa.Path, v, true
}

func literalValue(e aql.Expr) (types.Value, bool) {
	switch n := e.(type) {
	case aql.NullLit:
		return types.Null(), true
	case aql.BoolLit:
		return types.Bool(n.Value), true
	case aql.NumberLit:
		return types.F64(n.Value), true
	case aql.StringLit:
		return types.Str(n.Value), true
	default:
		return types.Value{}, false
	}
}

// rangeProbeBounds mirrors aql's translator-internal rangeBounds: it
// turns one comparison operator plus its literal bound into (lo, hi)
// pointers, flipping direction when the field appeared on the right
// of the comparison.
func rangeProbeBounds(op string, lit types.Value, order bool) (lo, hi *types.Value) {
	if !order {
		switch op {
		case "<":
			op = ">"
		case "<=":
			op = ">="
		case ">":
			op = "<"
		case ">=":
			op = "<="
		}
	}
	v := lit
	switch op {
	case "<", "<=":
		return nil, &v
	default:
		return &v, nil
	}
}
