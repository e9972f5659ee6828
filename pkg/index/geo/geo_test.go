package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func TestScanRadiusFindsNearbyPoints(t *testing.T) {
	ix := New("by_location", "stores", "location")
	engine, err := storage.Open(t.TempDir(), storage.Options{
		ColumnFamilies: []string{entity.RecordsCF, ix.ColumnFamily()},
	})
	require.NoError(t, err)
	defer engine.Close()

	layer := entity.New(engine)
	layer.Register(ix)

	txn, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	// Paris
	_, err = layer.Put(txn, "stores", "paris", types.Object(map[string]types.Value{
		"location": types.Geo(48.8566, 2.3522),
	}))
	require.NoError(t, err)
	// Berlin, ~880km from Paris
	_, err = layer.Put(txn, "stores", "berlin", types.Object(map[string]types.Value{
		"location": types.Geo(52.5200, 13.4050),
	}))
	require.NoError(t, err)
	// Tokyo, far away
	_, err = layer.Put(txn, "stores", "tokyo", types.Object(map[string]types.Value{
		"location": types.Geo(35.6762, 139.6503),
	}))
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	reader, err := engine.BeginTransaction(storage.TxnOptions{})
	require.NoError(t, err)
	defer reader.Abort()

	hits, err := ix.ScanRadius(reader, 48.8566, 2.3522, 1000)
	require.NoError(t, err)

	var keys []string
	for _, h := range hits {
		keys = append(keys, h.PK.Key)
	}
	assert.Contains(t, keys, "paris")
	assert.Contains(t, keys, "berlin")
	assert.NotContains(t, keys, "tokyo")
}

func TestHaversineKnownDistance(t *testing.T) {
	d := haversine(48.8566, 2.3522, 52.5200, 13.4050)
	assert.InDelta(t, 878, d, 30)
}
