package ttl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func TestSweepExpiredFindsOnlyPastDeadlines(t *testing.T) {
	ix := New("sessions_ttl", "sessions", "created_at", 60) // 60s TTL
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	_, err = layer.Put(txn, "sessions", "expired", types.Object(map[string]types.Value{
		"created_at": types.I64(now.Add(-2 * time.Minute).Unix()),
	}))
	require.NoError(t, err)
	_, err = layer.Put(txn, "sessions", "fresh", types.Object(map[string]types.Value{
		"created_at": types.I64(now.Unix()),
	}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	expired, err := ix.SweepExpired(reader, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired", expired[0].Key)
}
