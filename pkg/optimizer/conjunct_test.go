package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

// findScanIn descends through the Project/PostFilter/Fetch wrappers
// aql.Translate always produces down to the driving IndexScan.
func findScanIn(t *testing.T, op query.Op) query.IndexScan {
	t.Helper()
	switch o := op.(type) {
	case query.IndexScan:
		return o
	case query.Project:
		return findScanIn(t, o.Input)
	case query.PostFilter:
		return findScanIn(t, o.Input)
	case query.Fetch:
		return findScanIn(t, o.Input)
	default:
		t.Fatalf("no IndexScan found under %T", op)
		return query.IndexScan{}
	}
}

// fakeEstimator reports a fixed cardinality per index name, so
// Reorder's ordering can be tested without standing up real indexes.
type fakeEstimator struct {
	equality map[string]int
	ranges   map[string]int
}

func (f *fakeEstimator) ProbeEquality(_ *storage.Txn, indexName string, _ []types.Value) int {
	if n, ok := f.equality[indexName]; ok {
		return n
	}
	return FullScanCardinality
}

func (f *fakeEstimator) ProbeRange(_ *storage.Txn, indexName string, _, _ *types.Value) int {
	if n, ok := f.ranges[indexName]; ok {
		return n
	}
	return FullScanCardinality
}

func TestReorderPutsCheaperIndexedConjunctFirst(t *testing.T) {
	q, err := aql.Parse(`FOR u IN users FILTER u.country == "US" AND u.email == "a@x.com" RETURN u`)
	require.NoError(t, err)

	cat := aql.NewCatalog()
	cat.AddIndex("users", aql.IndexMeta{Name: "users_by_country", Kind: aql.EqualityIndex, Fields: []string{"country"}})
	cat.AddIndex("users", aql.IndexMeta{Name: "users_by_email", Kind: aql.EqualityIndex, Fields: []string{"email"}})

	est := &fakeEstimator{equality: map[string]int{"users_by_country": 5000, "users_by_email": 1}}

	Reorder(q, cat, est, nil)

	conjuncts := aql.Conjuncts(q.Filters[0].Predicate)
	require.Len(t, conjuncts, 2)
	first := conjuncts[0].(aql.BinaryExpr)
	field, ok := first.Left.(aql.FieldAccess)
	require.True(t, ok)
	assert.Equal(t, "email", field.Path)
}

func TestReorderLeavesSingleConjunctUntouched(t *testing.T) {
	q, err := aql.Parse(`FOR u IN users FILTER u.age >= 21 RETURN u`)
	require.NoError(t, err)

	est := &fakeEstimator{}
	Reorder(q, aql.NewCatalog(), est, nil)

	cmp, ok := q.Filters[0].Predicate.(aql.BinaryExpr)
	require.True(t, ok)
	assert.Equal(t, ">=", cmp.Op)
}

func TestReorderTranslatesIntoCheaperIndexScan(t *testing.T) {
	eqIx1 := equality.New("users_by_country", "users", []string{"country"})
	eqIx2 := equality.New("users_by_email", "users", []string{"email"})
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, eqIx1.ColumnFamily(), eqIx2.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(eqIx1)
	layer.Register(eqIx2)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err := layer.Put(txn, "users", string(rune('a'+i)), types.Object(map[string]types.Value{
			"country": types.Str("US"),
			"email":   types.Str("other@example.com"),
		}))
		require.NoError(t, err)
	}
	_, err = layer.Put(txn, "users", "z", types.Object(map[string]types.Value{
		"country": types.Str("US"),
		"email":   types.Str("a@x.com"),
	}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	q, err := aql.Parse(`FOR u IN users FILTER u.country == "US" AND u.email == "a@x.com" RETURN u`)
	require.NoError(t, err)
	for i, fc := range q.Filters {
		q.Filters[i] = aql.FilterClause{Predicate: aql.Rewrite(fc.Predicate)}
	}

	cat := aql.NewCatalog()
	cat.AddIndex("users", aql.IndexMeta{Name: "users_by_country", Kind: aql.EqualityIndex, Fields: []string{"country"}})
	cat.AddIndex("users", aql.IndexMeta{Name: "users_by_email", Kind: aql.EqualityIndex, Fields: []string{"email"}})

	est := &IndexEstimator{Equality: map[string]*equality.Index{
		"users_by_country": eqIx1,
		"users_by_email":   eqIx2,
	}}

	Reorder(q, cat, est, reader)
	op, err := aql.Translate(q, cat)
	require.NoError(t, err)

	scan := findScanIn(t, op)
	assert.Equal(t, "users_by_email", scan.IndexName)
}
