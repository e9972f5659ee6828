package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/entity"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), storage.Options{ColumnFamilies: []string{entity.RecordsCF}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return New(engine, entity.New(engine))
}

func TestBeginRejectsCancelledContext(t *testing.T) {
	m := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Begin(ctx)
	assert.True(t, errs.Is(err, errs.Cancelled))
}

func TestCommitMakesWritesVisibleToNewTransactions(t *testing.T) {
	m := newTestManager(t)

	writer, err := m.Begin(context.Background())
	require.NoError(t, err)
	_, err = writer.Put("users", "42", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	reader, err := m.Begin(context.Background())
	require.NoError(t, err)
	defer reader.Abort()

	rec, err := reader.Get("users", "42")
	require.NoError(t, err)
	name, err := rec.Value.Field("name").GetAsString()
	require.NoError(t, err)
	assert.Equal(t, "ada", name)
}

func TestAbortDiscardsWrites(t *testing.T) {
	m := newTestManager(t)

	writer, err := m.Begin(context.Background())
	require.NoError(t, err)
	_, err = writer.Put("users", "42", types.Object(map[string]types.Value{"name": types.Str("ada")}))
	require.NoError(t, err)
	writer.Abort()

	reader, err := m.Begin(context.Background())
	require.NoError(t, err)
	defer reader.Abort()

	_, err = reader.Get("users", "42")
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestConcurrentWritersSecondGetsConflict(t *testing.T) {
	m := newTestManager(t)

	t1, err := m.Begin(context.Background())
	require.NoError(t, err)
	t2, err := m.Begin(context.Background())
	require.NoError(t, err)

	_, err = t1.Put("users", "42", types.Object(map[string]types.Value{"name": types.Str("t1")}))
	require.NoError(t, err)

	_, err = t2.Put("users", "42", types.Object(map[string]types.Value{"name": types.Str("t2")}))
	assert.True(t, errs.Is(err, errs.Conflict))

	require.NoError(t, t1.Commit())
	t2.Abort()
}
