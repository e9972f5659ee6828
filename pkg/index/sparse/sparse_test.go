package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func TestSparseSkipsRecordsMissingField(t *testing.T) {
	ix := New("by_nickname", "users", "nickname")
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "users", "1", types.Object(map[string]types.Value{"nickname": types.Str("ace")}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "users", "2", types.Object(map[string]types.Value{"name": types.Str("no nickname")}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	pks, err := ix.Scan(reader, types.Str("ace"))
	require.NoError(t, err)
	require.Len(t, pks, 1)
	assert.Equal(t, "1", pks[0].Key)
}
