package optimizer

import (
	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/storage"
)

// Optimize reorders q's filter conjuncts, translates q against cat,
// balances every hash join's build side, and returns both the
// resulting plan and its Explain tree. q's filter predicates must
// already be negation-normalized (aql.Rewrite applied to each
// FilterClause) before calling Optimize — the same precondition
// aql.Translate itself carries.
func Optimize(q *aql.Query, cat *aql.Catalog, est Estimator, txn *storage.Txn) (query.Op, *ExplainNode, error) {
	Reorder(q, cat, est, txn)

	op, err := aql.Translate(q, cat)
	if err != nil {
		return nil, nil, err
	}

	op = Balance(op, est, txn)
	return op, Plan(op, est, txn), nil
}
