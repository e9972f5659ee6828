package query

import "github.com/themisdb/themis/pkg/types"

// valueKey renders v as a stable comparison/grouping key via its
// canonical JSON encoding, so GroupBy/Distinct/partition keys don't
// need a bespoke scalar-to-string conversion per Value kind.
func valueKey(v types.Value) string {
	b, err := types.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Row is one materialized result row: variable name to bound value.
// Fetch additionally binds "<var>@pk" and "<var>@score" so downstream
// joins/sorts/filters can reference the originating pk and the ranking
// score that produced the row without re-deriving either.
type Row map[string]types.Value

func pkKey(v string) string    { return v + "@pk" }
func scoreKey(v string) string { return v + "@score" }

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// merge returns a new row containing both r and other's bindings,
// other's taking precedence on key collision.
func (r Row) merge(other Row) Row {
	out := r.clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Scored is one ranked primary-key result: the pk plus whatever scalar
// score produced its rank (a fulltext BM25 score, a vector distance, a
// traversal depth/cost, or zero for a plain set-membership scan).
type Scored struct {
	PK    types.PK
	Score float64
}

func scoredSet(in []Scored) map[string]Scored {
	out := make(map[string]Scored, len(in))
	for _, s := range in {
		out[s.PK.String()] = s
	}
	return out
}
