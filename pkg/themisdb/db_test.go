package themisdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPutGetDeleteRoundTrips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec, err := db.Put(ctx, "users", "u1", types.Object(map[string]types.Value{
		"name": types.Str("ada"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.PK.Key)

	got, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)
	name, err := got.Value.Field("name").GetAsString()
	require.NoError(t, err)
	assert.Equal(t, "ada", name)

	require.NoError(t, db.Delete(ctx, "users", "u1"))

	_, err = db.Get(ctx, "users", "u1")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestCreateIndexThenQueryUsesIt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.CreateIndex("users", []string{"country"}, EqualityIndex, Config{}))

	_, err := db.Put(ctx, "users", "u1", types.Object(map[string]types.Value{
		"country": types.Str("US"),
	}))
	require.NoError(t, err)
	_, err = db.Put(ctx, "users", "u2", types.Object(map[string]types.Value{
		"country": types.Str("DE"),
	}))
	require.NoError(t, err)

	result, err := db.ExecuteAQL(ctx, `FOR u IN users FILTER u.country == "US" RETURN u`, nil, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
}

func TestExecuteAQLSubstitutesBindParameters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "users", "u1", types.Object(map[string]types.Value{
		"country": types.Str("US"),
	}))
	require.NoError(t, err)

	result, err := db.ExecuteAQL(ctx, `FOR u IN users FILTER u.country == @country RETURN u`,
		map[string]types.Value{"country": types.Str("US")}, ExecOptions{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
}

func TestExecuteAQLRejectsUnknownBindParameter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecuteAQL(ctx, `FOR u IN users FILTER u.country == @missing RETURN u`, nil, ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidQuery, errs.KindOf(err))
}

func TestExecuteAQLRejectsFullScanUnlessAllowed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "users", "u1", types.Object(map[string]types.Value{"country": types.Str("US")}))
	require.NoError(t, err)

	_, err = db.ExecuteAQL(ctx, `FOR u IN users RETURN u`, nil, ExecOptions{})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidQuery, errs.KindOf(err))

	result, err := db.ExecuteAQL(ctx, `FOR u IN users RETURN u`, nil, ExecOptions{AllowFullScan: true})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
}

func TestExecuteAQLPagesWithCursor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := db.Put(ctx, "users", string(rune('a'+i)), types.Object(map[string]types.Value{
			"country": types.Str("US"),
		}))
		require.NoError(t, err)
	}
	require.NoError(t, db.CreateIndex("users", []string{"country"}, EqualityIndex, Config{}))

	first, err := db.ExecuteAQL(ctx, `FOR u IN users FILTER u.country == "US" RETURN u`, nil, ExecOptions{
		UseCursor: true,
		Count:     2,
		PKVar:     "u",
	})
	require.NoError(t, err)
	assert.Len(t, first.Rows, 2)
	assert.True(t, first.HasMore)
	require.NotEmpty(t, first.NextCursor)

	second, err := db.ExecuteAQL(ctx, `FOR u IN users FILTER u.country == "US" RETURN u`, nil, ExecOptions{
		UseCursor: true,
		Count:     2,
		Cursor:    first.NextCursor,
		PKVar:     "u",
	})
	require.NoError(t, err)
	assert.Len(t, second.Rows, 2)
}

func TestDropIndexRemovesItFromCatalog(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.CreateIndex("users", []string{"country"}, EqualityIndex, Config{}))
	require.Len(t, db.ListIndexes(), 1)

	require.NoError(t, db.DropIndex("users_by_country"))
	assert.Len(t, db.ListIndexes(), 0)
}

func TestPutFiresAuditHookAfterCommit(t *testing.T) {
	var calledTxnID string
	hookDB, err := Open(t.TempDir(), Options{AuditHook: func(ctx context.Context, txnID string, payload []byte) ([]byte, error) {
		calledTxnID = txnID
		return payload, nil
	}})
	require.NoError(t, err)
	defer hookDB.Close()

	ctx := context.Background()
	rec, err := hookDB.Put(ctx, "users", "u1", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	assert.NotEmpty(t, calledTxnID)
	assert.Equal(t, "u1", rec.PK.Key)
}
