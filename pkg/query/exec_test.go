package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/index/rangeidx"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func setup(t *testing.T, cfs []string) *storage.Engine {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), storage.Options{ColumnFamilies: append([]string{entity.RecordsCF}, cfs...)})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestIndexScanThenFetchReturnsMatchingRows(t *testing.T) {
	byStatus := equality.New("by_status", "orders", []string{"status"})
	engine := setup(t, []string{byStatus.ColumnFamily()})
	layer := entity.New(engine)
	layer.Register(byStatus)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "orders", "1", types.Object(map[string]types.Value{"status": types.Str("open")}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "orders", "2", types.Object(map[string]types.Value{"status": types.Str("closed")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	ex := &Executor{Entity: layer, Equality: map[string]*equality.Index{"by_status": byStatus}}
	rows, err := ex.RunRows(context.Background(), reader, Fetch{As: "o", Input: IndexScan{IndexName: "by_status", Fields: []types.Value{types.Str("open")}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", mustString(t, rows[0]["o"].Field("status")))
}

func mustString(t *testing.T, v types.Value) string {
	t.Helper()
	s, err := v.GetAsString()
	require.NoError(t, err)
	return s
}

func TestIntersectionNarrowsToCommonPKs(t *testing.T) {
	byStatus := equality.New("by_status", "orders", []string{"status"})
	byRegion := equality.New("by_region", "orders", []string{"region"})
	engine := setup(t, []string{byStatus.ColumnFamily(), byRegion.ColumnFamily()})
	layer := entity.New(engine)
	layer.Register(byStatus)
	layer.Register(byRegion)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "orders", "1", types.Object(map[string]types.Value{
		"status": types.Str("open"), "region": types.Str("eu"),
	}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "orders", "2", types.Object(map[string]types.Value{
		"status": types.Str("open"), "region": types.Str("us"),
	}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	ex := &Executor{Entity: layer, Equality: map[string]*equality.Index{"by_status": byStatus, "by_region": byRegion}}
	hits, err := ex.RunPKs(context.Background(), reader, Intersection{Inputs: []Op{
		IndexScan{IndexName: "by_status", Fields: []types.Value{types.Str("open")}},
		IndexScan{IndexName: "by_region", Fields: []types.Value{types.Str("eu")}},
	}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].PK.Key)
}

func TestRangeScanOrdersBySortKey(t *testing.T) {
	byPrice := rangeidx.New("by_price", "products", "price")
	engine := setup(t, []string{byPrice.ColumnFamily()})
	layer := entity.New(engine)
	layer.Register(byPrice)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "products", "cheap", types.Object(map[string]types.Value{"price": types.I64(5)}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "products", "mid", types.Object(map[string]types.Value{"price": types.I64(50)}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "products", "pricey", types.Object(map[string]types.Value{"price": types.I64(500)}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	ex := &Executor{Entity: layer, Range: map[string]*rangeidx.Index{"by_price": byPrice}}
	lo := types.I64(10)
	hits, err := ex.RunPKs(context.Background(), reader, RangeScan{IndexName: "by_price", Lo: &lo})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "mid", hits[0].PK.Key)
	assert.Equal(t, "pricey", hits[1].PK.Key)
}

func TestGroupByComputesCountAndSum(t *testing.T) {
	ex := &Executor{}
	rows := []Row{
		{"o": types.Object(map[string]types.Value{"region": types.Str("eu"), "total": types.I64(10)})},
		{"o": types.Object(map[string]types.Value{"region": types.Str("eu"), "total": types.I64(20)})},
		{"o": types.Object(map[string]types.Value{"region": types.Str("us"), "total": types.I64(5)})},
	}
	groupBy := GroupBy{
		Input:      RowsLiteral{Rows: rows},
		GroupExprs: []func(Row) types.Value{func(r Row) types.Value { return r["o"].Field("region") }},
		GroupNames: []string{"region"},
		Aggregates: []Aggregate{
			{Name: "count", Func: "COUNT"},
			{Name: "sum", Func: "SUM", Expr: func(r Row) types.Value { return r["o"].Field("total") }},
		},
	}
	out, err := ex.runGroupBy(context.Background(), nil, groupBy)
	require.NoError(t, err)
	require.Len(t, out, 2)

	byRegion := map[string]Row{}
	for _, r := range out {
		region, _ := r["region"].GetAsString()
		byRegion[region] = r
	}
	euCount, _ := byRegion["eu"]["count"].GetAsI64()
	assert.Equal(t, int64(2), euCount)
	euSum, _ := byRegion["eu"]["sum"].GetAsF64()
	assert.Equal(t, float64(30), euSum)
}

func TestLimitAppliesOffsetAndCount(t *testing.T) {
	ex := &Executor{}
	rows := []Row{{"x": types.I64(1)}, {"x": types.I64(2)}, {"x": types.I64(3)}}
	out, err := ex.RunRows(context.Background(), nil, Limit{Input: RowsLiteral{Rows: rows}, Offset: 1, Count: 1})
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0]["x"].GetAsI64()
	assert.Equal(t, int64(2), v)
}

func TestRunRowsReturnsCancelledWhenContextAlreadyDone(t *testing.T) {
	ex := &Executor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.RunRows(ctx, nil, Limit{Input: RowsLiteral{Rows: []Row{{"x": types.I64(1)}}}})
	require.Error(t, err)
	assert.Equal(t, errs.Cancelled, errs.KindOf(err))
}

func TestScoreFusionRRFRanksOverlapHighest(t *testing.T) {
	ex := &Executor{}
	pkA := types.PK{Collection: "docs", Key: "a"}
	pkB := types.PK{Collection: "docs", Key: "b"}
	text := PKsLiteral{Hits: []Scored{{PK: pkA, Score: 5}, {PK: pkB, Score: 1}}}
	vector := PKsLiteral{Hits: []Scored{{PK: pkA, Score: 0.1}}}

	rows, err := ex.RunRows(context.Background(), nil, ScoreFusion{Text: text, Vector: vector, Mode: ReciprocalRankFusion, RRFK: 60})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	first, _ := rows[0]["pk"].GetAsString()
	assert.Equal(t, pkA.String(), first)
}
