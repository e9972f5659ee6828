package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func TestOptimizeReordersTranslatesAndExplains(t *testing.T) {
	eqCountry := equality.New("users_by_country", "users", []string{"country"})
	eqEmail := equality.New("users_by_email", "users", []string{"email"})
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, eqCountry.ColumnFamily(), eqEmail.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(eqCountry)
	layer.Register(eqEmail)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
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
		"users_by_country": eqCountry,
		"users_by_email":   eqEmail,
	}}

	op, explain, err := Optimize(q, cat, est, reader)
	require.NoError(t, err)
	require.NotNil(t, explain)

	scan := findScanIn(t, op)
	assert.Equal(t, "users_by_email", scan.IndexName)

	// Explain's root is the RETURN projection; the driving scan
	// somewhere underneath should report the cheaper index by name.
	var found bool
	var walk func(n *ExplainNode)
	walk = func(n *ExplainNode) {
		if n.Operator == "IndexScan" && n.Metrics["index_name"] == "users_by_email" {
			found = true
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(explain)
	assert.True(t, found, "expected the cheaper index_name to appear in the explain tree")
}
