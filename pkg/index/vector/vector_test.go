package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func vecValue(v ...float32) types.Value {
	return types.Object(map[string]types.Value{"embedding": types.Vector(v)})
}

func newTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), storage.Options{ColumnFamilies: []string{entity.RecordsCF}})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestInsertAndSearchFindsNearestNeighbor(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 3, Metric: L2})
	engine := newTestEngine(t)
	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "docs", "close", vecValue(1, 0, 0))
	require.NoError(t, err)
	_, err = layer.Put(txn, "docs", "far", vecValue(10, 10, 10))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	hits, _, err := ix.Search(context.Background(), []float32{1, 0, 0.1}, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "close", hits[0].PK.Key)
}

func TestSearchDimensionMismatchErrors(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 3, Metric: L2})
	_, _, err := ix.Search(context.Background(), []float32{1, 2}, 1, 0, nil)
	require.Error(t, err)
}

func TestOnPutDimensionMismatchFailsTransaction(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 3, Metric: L2})
	engine := newTestEngine(t)
	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "docs", "bad", vecValue(1, 2))
	require.Error(t, err)
	txn.Abort()
}

func TestDeleteRemovesVectorFromResults(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 2, Metric: L2})
	engine := newTestEngine(t)
	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "docs", "1", vecValue(1, 1))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, layer.Delete(txn2, "docs", "1"))
	require.NoError(t, txn2.Commit())

	hits, _, err := ix.Search(context.Background(), []float32{1, 1}, 5, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchWhitelistFiltersCandidates(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 2, Metric: L2})
	engine := newTestEngine(t)
	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "docs", "a", vecValue(0, 0))
	require.NoError(t, err)
	_, err = layer.Put(txn, "docs", "b", vecValue(0.1, 0))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	hits, _, err := ix.Search(context.Background(), []float32{0, 0}, 5, 0, func(pk string) bool { return pk == "docs:b" })
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].PK.Key)
}

func TestSearchReturnsCancelledWhenContextAlreadyDone(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 2, Metric: L2})
	ix.insert("docs:a", []float32{1, 1})
	ix.insert("docs:b", []float32{2, 2})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := ix.Search(ctx, []float32{1, 1}, 1, 0, nil)
	require.Error(t, err)
}

func TestBruteForceFallbackUsedWhenGraphBroken(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 2, Metric: L2})
	ix.insert("docs:a", []float32{1, 1})
	ix.brokenGraph = true

	hits, fellBack, err := ix.Search(context.Background(), []float32{1, 1}, 1, 0, nil)
	require.NoError(t, err)
	assert.True(t, fellBack)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].PK.Key)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dim := 4
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: dim, Metric: L2})
	for i, vec := range [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}} {
		ix.insert(types.PK{Collection: "docs", Key: string(rune('a' + i))}.String(), vec)
	}

	dir := t.TempDir()
	require.NoError(t, ix.SaveToFiles(dir))

	fresh := New("by_embedding", "docs", "embedding", Options{Dimension: dim, Metric: L2})
	require.NoError(t, fresh.LoadFromFiles(dir))

	hits, _, err := fresh.Search(context.Background(), []float32{1, 0, 0, 0}, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestLoadFromFilesRejectsDimensionMismatch(t *testing.T) {
	ix := New("by_embedding", "docs", "embedding", Options{Dimension: 4, Metric: L2})
	ix.insert("docs:a", []float32{1, 0, 0, 0})

	dir := t.TempDir()
	require.NoError(t, ix.SaveToFiles(dir))

	mismatched := New("by_embedding", "docs", "embedding", Options{Dimension: 8, Metric: L2})
	err := mismatched.LoadFromFiles(dir)
	require.Error(t, err)
}
