package cursor

import (
	"bytes"
	"strings"
	"time"

	"github.com/themisdb/themis/pkg/index/sortkey"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

// Options configures a single Page call against one already-materialized,
// already-ordered result set. SortField is the row field the set is
// ordered on ("" for a plain, order-only-by-scan result, e.g. a bare pk
// stream with no SORT clause).
type Options struct {
	PKVar      string
	SortField  string
	Collection string
	IndexName  string
	Desc       bool
	Count      int
	Cursor     string
	Now        time.Time
}

// Result is one page of an ordered query plus its resumption state.
type Result struct {
	Rows       []query.Row
	HasMore    bool
	NextCursor string
}

// Page slices rows into a page of at most opts.Count results, resuming
// after opts.Cursor's encoded position when present and fetching
// Count+1 rows to decide HasMore without a second round-trip (spec.md
// §4.7: "cursor paging fetches count+1 rows to decide has_more"). A
// malformed, version-mismatched, collection-mismatched, or expired
// cursor yields an empty, non-error page rather than propagating a
// decode error — spec.md §6's InvalidCursor contract ("empty page,
// has_more=false, non-error status").
//
// rows is assumed already sorted the way the originating query
// requested (by opts.SortField, opts.Desc); a cursor from a released
// snapshot still resumes correctly against it because resumption is a
// value comparison against rows, not a lookup into a retained index
// handle — the "start-after" fallback spec.md §4.7 requires falls out
// of this for free.
func Page(rows []query.Row, opts Options) (Result, error) {
	start := 0
	if opts.Cursor != "" {
		tok, err := Decode(opts.Cursor)
		if err != nil {
			return Result{}, nil
		}
		if tok.Collection != opts.Collection || tok.IndexName != opts.IndexName {
			return Result{}, nil
		}
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		if tok.Expired(now) {
			return Result{}, nil
		}
		start = resumeIndex(rows, opts.PKVar, opts.SortField, tok)
	}

	remaining := rows[start:]
	end := opts.Count + 1
	if end > len(remaining) {
		end = len(remaining)
	}
	page := remaining[:end]

	hasMore := len(page) > opts.Count
	if hasMore {
		page = page[:opts.Count]
	}

	result := Result{Rows: page, HasMore: hasMore}
	if hasMore {
		last := page[len(page)-1]
		tok := Token{
			Version:    Version,
			IndexName:  opts.IndexName,
			Collection: opts.Collection,
			Desc:       opts.Desc,
			PK:         pkOf(last, opts.PKVar),
		}
		if opts.SortField != "" {
			if sk, err := sortkey.Encode(last[opts.SortField]); err == nil {
				tok.SortKey = sk
			}
		}
		cursorStr, err := Encode(tok)
		if err != nil {
			return Result{}, err
		}
		result.NextCursor = cursorStr
	}
	return result, nil
}

// pkOf reads the pk the executor bound for pkVar during Fetch
// ("<var>@pk", spec.md §6 via pkg/query.Row's own doc comment), parsing
// it back into a types.PK. A row missing the binding (pkVar never
// fetched) yields the zero PK, which simply never matches any cursor.
func pkOf(r query.Row, pkVar string) types.PK {
	v, ok := r[pkVar+"@pk"]
	if !ok {
		return types.PK{}
	}
	s, err := v.GetAsString()
	if err != nil {
		return types.PK{}
	}
	pk, _ := types.ParsePK(s)
	return pk
}

// resumeIndex returns the index of the first row strictly past tok's
// encoded position: strictly after for ascending order, strictly before
// for descending, ties on the sort key broken by pk (spec.md §4.7:
// "ties on the sort column are broken by pk"). Returns len(rows) if
// every row is at or before the cursor, i.e. the page is exhausted.
func resumeIndex(rows []query.Row, pkVar, sortField string, tok Token) int {
	for i, r := range rows {
		var sortCmp int
		if sortField != "" {
			if sk, err := sortkey.Encode(r[sortField]); err == nil {
				sortCmp = bytes.Compare(sk, tok.SortKey)
			}
		}
		pkCmp := strings.Compare(pkOf(r, pkVar).String(), tok.PK.String())

		var past bool
		if tok.Desc {
			past = sortCmp < 0 || (sortCmp == 0 && pkCmp < 0)
		} else {
			past = sortCmp > 0 || (sortCmp == 0 && pkCmp > 0)
		}
		if past {
			return i
		}
	}
	return len(rows)
}
