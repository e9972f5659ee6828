package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func edgeValue(graphID, from, to, edgeType string) types.Value {
	return types.Object(map[string]types.Value{
		"graph_id":  types.Str(graphID),
		"from_pk":   types.Str(from),
		"to_pk":     types.Str(to),
		"edge_type": types.Str(edgeType),
	})
}

func TestAddCreatesSymmetricAdjacency(t *testing.T) {
	ix := New("social", "edges")
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "edges", "e1", edgeValue("g1", "users:alice", "users:bob", "follows"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	out := ix.Neighbors("g1", "users:alice", types.Outbound, "", time.Now())
	require.Len(t, out, 1)
	assert.Equal(t, "users:bob", out[0].To.String())

	in := ix.Neighbors("g1", "users:bob", types.Inbound, "", time.Now())
	require.Len(t, in, 1)
	assert.Equal(t, "users:alice", in[0].From.String())
}

func TestDeleteRemovesFromBothSides(t *testing.T) {
	ix := New("social", "edges")
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "edges", "e1", edgeValue("g1", "users:alice", "users:bob", "follows"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, layer.Delete(txn2, "edges", "e1"))
	require.NoError(t, txn2.Commit())

	assert.Empty(t, ix.Neighbors("g1", "users:alice", types.Outbound, "", time.Now()))
	assert.Empty(t, ix.Neighbors("g1", "users:bob", types.Inbound, "", time.Now()))
}

func TestRebuildRepopulatesFromDisk(t *testing.T) {
	ix := New("social", "edges")
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "edges", "e1", edgeValue("g1", "users:alice", "users:bob", "follows"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	fresh := New("social", "edges")
	rebuildTxn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer rebuildTxn.Abort()

	require.NoError(t, fresh.Rebuild(rebuildTxn))
	out := fresh.Neighbors("g1", "users:alice", types.Outbound, "", time.Now())
	require.Len(t, out, 1)
}

func TestNeighborsFiltersExpiredEdges(t *testing.T) {
	ix := New("social", "edges")
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	past := time.Now().Add(-time.Hour).UnixMilli()
	val := edgeValue("g1", "users:alice", "users:bob", "follows")
	obj, _ := val.GetAsObject()
	obj["valid_to"] = types.I64(past)
	val = types.Object(obj)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "edges", "e1", val)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Empty(t, ix.Neighbors("g1", "users:alice", types.Outbound, "", time.Now()))
}
