package fulltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func TestTokenizeLowercasesAndSplits(t *testing.T) {
	ix := New("by_body", "articles", "body", DefaultAnalyzer())
	tokens := ix.Tokenize("The Quick Brown Fox!")
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, tokens)
}

func TestSearchRanksMoreRelevantDocHigher(t *testing.T) {
	ix := New("by_body", "articles", "body", DefaultAnalyzer())
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "articles", "1", types.Object(map[string]types.Value{
		"body": types.Str("go go go the go programming language"),
	}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "articles", "2", types.Object(map[string]types.Value{
		"body": types.Str("a short note about go"),
	}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	hits, err := ix.Search(reader, "go")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "1", hits[0].PK.Key)
}

func TestSearchUnmatchedTermReturnsNoHits(t *testing.T) {
	ix := New("by_body", "articles", "body", DefaultAnalyzer())
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "articles", "1", types.Object(map[string]types.Value{"body": types.Str("hello world")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	hits, err := ix.Search(reader, "nonexistent")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestDeleteRetractsPostingsAndStats(t *testing.T) {
	ix := New("by_body", "articles", "body", DefaultAnalyzer())
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "articles", "1", types.Object(map[string]types.Value{"body": types.Str("hello world")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, layer.Delete(txn2, "articles", "1"))
	require.NoError(t, txn2.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	hits, err := ix.Search(reader, "hello")
	require.NoError(t, err)
	assert.Empty(t, hits)
}
