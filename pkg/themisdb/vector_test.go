package themisdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/types"
)

func TestVectorSearchReturnsNearestNeighbor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateIndex("docs", []string{"embedding"}, VectorIndex, Config{
		Vector: VectorConfig{Dim: 2, Metric: "l2", M: 8, EfConstruction: 32, EfSearch: 16},
	}))

	_, err := db.Put(ctx, "docs", "near", types.Object(map[string]types.Value{
		"embedding": types.Vector([]float32{1, 0}),
	}))
	require.NoError(t, err)
	_, err = db.Put(ctx, "docs", "far", types.Object(map[string]types.Value{
		"embedding": types.Vector([]float32{100, 100}),
	}))
	require.NoError(t, err)

	hits, err := db.VectorSearch(ctx, "docs_by_embedding", []float32{1, 1}, 1, nil, 16)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].PK.Key)
}

func TestVectorSearchRejectsUnknownIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.VectorSearch(ctx, "missing", []float32{1, 1}, 1, nil, 16)
	require.Error(t, err)
}

func TestVectorSearchByPrefixRestrictsToMatchingKeys(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateIndex("docs", []string{"embedding"}, VectorIndex, Config{
		Vector: VectorConfig{Dim: 2, Metric: "l2", M: 8, EfConstruction: 32, EfSearch: 16},
	}))

	_, err := db.Put(ctx, "docs", "reports/a", types.Object(map[string]types.Value{
		"embedding": types.Vector([]float32{1, 0}),
	}))
	require.NoError(t, err)
	_, err = db.Put(ctx, "docs", "drafts/b", types.Object(map[string]types.Value{
		"embedding": types.Vector([]float32{1, 0}),
	}))
	require.NoError(t, err)

	hits, err := db.VectorSearchByPrefix(ctx, "docs_by_embedding", []float32{1, 0}, 5, "docs", "reports/", 16)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "reports/a", hits[0].PK.Key)
}
