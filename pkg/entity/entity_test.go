package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

type recordedCall struct {
	before, after *types.Record
	deleted       *types.Record
}

type fakeMaintainer struct {
	name  string
	calls []recordedCall
	err   error
}

func (f *fakeMaintainer) Name() string { return f.name }

func (f *fakeMaintainer) OnPut(txn *storage.Txn, before, after *types.Record) error {
	f.calls = append(f.calls, recordedCall{before: before, after: after})
	return f.err
}

func (f *fakeMaintainer) OnDelete(txn *storage.Txn, before *types.Record) error {
	f.calls = append(f.calls, recordedCall{deleted: before})
	return f.err
}

func newTestLayer(t *testing.T) (*Layer, *storage.Engine) {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), storage.Options{ColumnFamilies: []string{RecordsCF}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return New(engine), engine
}

func TestPutFirstVersionHasNoBefore(t *testing.T) {
	layer, engine := newTestLayer(t)
	maint := &fakeMaintainer{name: "test"}
	layer.Register(maint)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)

	rec, err := layer.Put(txn, "users", "42", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	assert.Equal(t, uint64(1), rec.Version)
	require.Len(t, maint.calls, 1)
	assert.Nil(t, maint.calls[0].before)
	assert.Equal(t, uint64(1), maint.calls[0].after.Version)
}

func TestPutIncrementsVersionAndRecomputesHash(t *testing.T) {
	layer, engine := newTestLayer(t)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "users", "42", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	rec2, err := layer.Put(txn2, "users", "42", types.Object(map[string]types.Value{"name": types.Str("grace")}))
	require.NoError(t, err)
	require.NoError(t, txn2.Commit())

	assert.Equal(t, uint64(2), rec2.Version)

	txn1, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer txn1.Abort()
	first, err := layer.Put(txn1, "users", "other", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	assert.NotEqual(t, rec2.Hash, first.Hash)
}

func TestGetNotFound(t *testing.T) {
	_, engine := newTestLayer(t)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer txn.Abort()

	_, err = Get(txn, "users", "missing")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeleteRetractsFromMaintainers(t *testing.T) {
	layer, engine := newTestLayer(t)
	maint := &fakeMaintainer{name: "test"}
	layer.Register(maint)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "users", "42", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	txn2, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, layer.Delete(txn2, "users", "42"))
	require.NoError(t, txn2.Commit())

	require.Len(t, maint.calls, 2)
	assert.NotNil(t, maint.calls[1].deleted)

	txn3, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer txn3.Abort()
	_, err = Get(txn3, "users", "42")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeleteMissingIsNoOp(t *testing.T) {
	layer, engine := newTestLayer(t)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer txn.Abort()

	assert.NoError(t, layer.Delete(txn, "users", "missing"))
}

func TestScanCollectionOrdersByKey(t *testing.T) {
	layer, engine := newTestLayer(t)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	for _, key := range []string{"c", "a", "b"} {
		_, err := layer.Put(txn, "users", key, types.Object(map[string]types.Value{"k": types.Str(key)}))
		require.NoError(t, err)
	}
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	next := ScanCollection(reader, "users", "")
	var keys []string
	for {
		rec, ok := next()
		if !ok {
			break
		}
		keys = append(keys, rec.PK.Key)
	}
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
