package themisdb

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/themisdb/themis/pkg/aql"
	"github.com/themisdb/themis/pkg/cursor"
	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/log"
	"github.com/themisdb/themis/pkg/metrics"
	"github.com/themisdb/themis/pkg/optimizer"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

// ExecOptions mirrors spec.md §6's executeAQL options: pagination,
// explain output, a deadline, and whether a plan may fall back to a
// full collection scan.
type ExecOptions struct {
	UseCursor     bool
	Cursor        string
	Count         int
	Explain       bool
	Timeout       time.Duration
	AllowFullScan bool

	// PKVar and SortField select which bound variable and, optionally,
	// which of its fields cursor paging resumes on. Left empty, paging
	// resumes on the query's sole FOR variable by primary key order
	// alone.
	PKVar     string
	SortField string
}

// Result is executeAQL's return shape (spec.md §6): either row-shaped
// results or a graph traversal's vertices/edges, paged by HasMore/
// NextCursor, with an optional Explain tree when requested.
type Result struct {
	Rows       []query.Row
	HasMore    bool
	NextCursor string
	Explain    *optimizer.ExplainNode
}

// ExecuteAQL parses, rewrites, plans, and runs queryText against the
// current snapshot, returning a page of rows. Bind parameters (@name
// tokens) are substituted as literals before parsing, since the
// parser's grammar has no bind-parameter AST node of its own — array
// and scalar parameter values are supported; Object/Vector/Bytes/
// GeoPoint values are rejected as unsupported bind types (an
// InvalidQuery error), since no AQL literal syntax exists for them.
func (db *DB) ExecuteAQL(ctx context.Context, queryText string, params map[string]types.Value, opts ExecOptions) (*Result, error) {
	timer := metrics.NewTimer()
	outcome := "error"
	defer func() { timer.ObserveDurationVec(metrics.QueryDuration, outcome) }()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	substituted, err := substituteParams(queryText, params)
	if err != nil {
		return nil, err
	}

	q, err := aql.Parse(substituted)
	if err != nil {
		return nil, err
	}
	for i, fc := range q.Filters {
		q.Filters[i] = aql.FilterClause{Predicate: aql.Rewrite(fc.Predicate)}
	}

	txn, err := db.txns.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer txn.Abort()

	db.mu.RLock()
	cat, est, ex := db.catalog, db.estimator, db.executor()
	db.mu.RUnlock()

	op, explain, err := optimizer.Optimize(q, cat, est, txn.Storage())
	if err != nil {
		return nil, err
	}
	if _, isFull := op.(query.FullScan); isFull && !opts.AllowFullScan {
		return nil, errs.New("themisdb.ExecuteAQL", errs.InvalidQuery, "", nil)
	}

	if err := ctx.Err(); err != nil {
		metrics.QueryCancelledTotal.Inc()
		return nil, errs.New("themisdb.ExecuteAQL", errs.Cancelled, "", err)
	}

	rows, err := ex.RunRows(ctx, txn.Storage(), op)
	if err != nil {
		return nil, err
	}

	result := &Result{Rows: rows, HasMore: false}
	if opts.Explain {
		result.Explain = explain
	}

	if opts.UseCursor {
		pkVar := opts.PKVar
		if pkVar == "" && len(q.Fors) > 0 {
			pkVar = q.Fors[0].Var
		}
		count := opts.Count
		if count <= 0 {
			count = len(rows)
		}
		page, err := cursor.Page(rows, cursor.Options{
			PKVar:      pkVar,
			SortField:  opts.SortField,
			Collection: collectionOf(q, pkVar),
			IndexName:  scanIndexName(op),
			Count:      count,
			Cursor:     opts.Cursor,
		})
		if err != nil {
			return nil, err
		}
		result.Rows, result.HasMore, result.NextCursor = page.Rows, page.HasMore, page.NextCursor
	}

	outcome = "ok"
	log.WithComponent("themisdb").Debug().Int("rows", len(result.Rows)).Msg("query executed")
	return result, nil
}

func collectionOf(q *aql.Query, varName string) string {
	coll, _ := aql.ForCollection(q.Fors, varName)
	return coll
}

func scanIndexName(op query.Op) string {
	switch o := op.(type) {
	case query.IndexScan:
		return o.IndexName
	case query.RangeScan:
		return o.IndexName
	case query.Fetch:
		return scanIndexName(o.Input)
	default:
		return ""
	}
}

var bindParamRe = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)

func substituteParams(queryText string, params map[string]types.Value) (string, error) {
	var outErr error
	out := bindParamRe.ReplaceAllStringFunc(queryText, func(match string) string {
		if outErr != nil {
			return match
		}
		name := match[1:]
		v, ok := params[name]
		if !ok {
			outErr = errs.New("themisdb.ExecuteAQL", errs.InvalidQuery, name, nil)
			return match
		}
		lit, err := renderLiteral(v)
		if err != nil {
			outErr = err
			return match
		}
		return lit
	})
	if outErr != nil {
		return "", outErr
	}
	return out, nil
}

func renderLiteral(v types.Value) (string, error) {
	switch v.Kind {
	case types.KindNull:
		return "null", nil
	case types.KindBool:
		return strconv.FormatBool(v.Bool), nil
	case types.KindI64:
		return strconv.FormatInt(v.I64, 10), nil
	case types.KindF64:
		return strconv.FormatFloat(v.F64, 'f', -1, 64), nil
	case types.KindString:
		return `"` + strings.ReplaceAll(strings.ReplaceAll(v.Str, `\`, `\\`), `"`, `\"`) + `"`, nil
	case types.KindArray:
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			lit, err := renderLiteral(e)
			if err != nil {
				return "", err
			}
			parts[i] = lit
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", errs.New("themisdb.renderLiteral", errs.InvalidQuery, "", nil)
	}
}
