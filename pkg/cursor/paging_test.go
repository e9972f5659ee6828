package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

func ageRows(ages []int64) []query.Row {
	rows := make([]query.Row, len(ages))
	for i, age := range ages {
		rows[i] = query.Row{
			"u":    types.Object(map[string]types.Value{"age": types.I64(age)}),
			"u@pk": types.Str(types.PK{Collection: "users", Key: string(rune('a' + i))}.String()),
			"age":  types.I64(age),
		}
	}
	return rows
}

func TestPageFirstPageSetsHasMoreAndCursor(t *testing.T) {
	rows := ageRows([]int64{10, 20, 30, 40, 50})

	result, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Count: 2,
	})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.True(t, result.HasMore)
	require.NotEmpty(t, result.NextCursor)

	tok, err := Decode(result.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "users", tok.Collection)
	assert.Equal(t, "users_by_age", tok.IndexName)
	assert.Equal(t, pkOf(rows[1], "u"), tok.PK)
}

func TestPageResumesStrictlyAfterCursor(t *testing.T) {
	rows := ageRows([]int64{10, 20, 30, 40, 50})

	first, err := Page(rows, Options{PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Count: 2})
	require.NoError(t, err)

	second, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Count: 2,
		Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, second.Rows, 2)
	assert.Equal(t, int64(30), mustAge(second.Rows[0]))
	assert.Equal(t, int64(40), mustAge(second.Rows[1]))
	assert.True(t, second.HasMore)

	third, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Count: 2,
		Cursor: second.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, third.Rows, 1)
	assert.Equal(t, int64(50), mustAge(third.Rows[0]))
	assert.False(t, third.HasMore)
	assert.Empty(t, third.NextCursor)
}

func TestPageDescendingOrderResumes(t *testing.T) {
	rows := ageRows([]int64{50, 40, 30, 20, 10})

	first, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Desc: true, Count: 2,
	})
	require.NoError(t, err)
	require.Len(t, first.Rows, 2)
	assert.True(t, first.HasMore)

	second, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Desc: true, Count: 2,
		Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, second.Rows, 2)
	assert.Equal(t, int64(30), mustAge(second.Rows[0]))
	assert.Equal(t, int64(20), mustAge(second.Rows[1]))
}

func TestPageMalformedCursorYieldsEmptyNonErrorPage(t *testing.T) {
	rows := ageRows([]int64{10, 20, 30})

	result, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Count: 2,
		Cursor: "garbage-token",
	})
	require.NoError(t, err)
	assert.False(t, result.HasMore)
	assert.Empty(t, result.Rows)
	assert.Empty(t, result.NextCursor)
}

func TestPageCollectionMismatchYieldsEmptyPage(t *testing.T) {
	rows := ageRows([]int64{10, 20, 30})

	first, err := Page(rows, Options{PKVar: "u", SortField: "age", Collection: "users", IndexName: "users_by_age", Count: 1})
	require.NoError(t, err)

	result, err := Page(rows, Options{
		PKVar: "u", SortField: "age", Collection: "orders", IndexName: "users_by_age", Count: 1,
		Cursor: first.NextCursor,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.False(t, result.HasMore)
}

func mustAge(r query.Row) int64 {
	v, err := r["age"].GetAsI64()
	if err != nil {
		panic(err)
	}
	return v
}
