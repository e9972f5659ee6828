package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/index/equality"
	"github.com/themisdb/themis/pkg/index/rangeidx"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func newEstimatorEnv(t *testing.T) (*storage.Engine, *entity.Layer, *equality.Index, *rangeidx.Index) {
	t.Helper()
	eqIx := equality.New("by_country", "users", []string{"country"})
	rangeIx := rangeidx.New("by_age", "users", "age")

	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, eqIx.ColumnFamily(), rangeIx.ColumnFamily()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	layer := entity.New(engine)
	layer.Register(eqIx)
	layer.Register(rangeIx)
	return engine, layer, eqIx, rangeIx
}

func TestIndexEstimatorProbeEqualityCountsMatches(t *testing.T) {
	engine, layer, eqIx, _ := newEstimatorEnv(t)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	for i, country := range []string{"US", "US", "US", "DE"} {
		_, err := layer.Put(txn, "users", string(rune('a'+i)), types.Object(map[string]types.Value{"country": types.Str(country)}))
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	est := &IndexEstimator{Equality: map[string]*equality.Index{"by_country": eqIx}}
	assert.Equal(t, 3, est.ProbeEquality(reader, "by_country", []types.Value{types.Str("US")}))
	assert.Equal(t, 1, est.ProbeEquality(reader, "by_country", []types.Value{types.Str("DE")}))
}

func TestIndexEstimatorProbeRangeCountsInBounds(t *testing.T) {
	engine, layer, _, rangeIx := newEstimatorEnv(t)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	for key, age := range map[string]int64{"a": 10, "b": 25, "c": 40, "d": 70} {
		_, err := layer.Put(txn, "users", key, types.Object(map[string]types.Value{"age": types.I64(age)}))
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	est := &IndexEstimator{Range: map[string]*rangeidx.Index{"by_age": rangeIx}}
	lo := types.I64(20)
	assert.Equal(t, 3, est.ProbeRange(reader, "by_age", &lo, nil))
}

func TestIndexEstimatorUnknownIndexReturnsFullScanCardinality(t *testing.T) {
	est := &IndexEstimator{}
	assert.Equal(t, FullScanCardinality, est.ProbeEquality(nil, "missing", nil))
	assert.Equal(t, FullScanCardinality, est.ProbeRange(nil, "missing", nil, nil))
}
