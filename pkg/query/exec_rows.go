package query

import (
	"context"
	"math"
	"sort"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/storage"
	"github.com/themisdb/themis/pkg/types"
)

func (ex *Executor) runHashJoin(ctx context.Context, txn *storage.Txn, o HashJoin) ([]Row, error) {
	left, err := ex.RunRows(ctx, txn, o.Left)
	if err != nil {
		return nil, err
	}
	right, err := ex.RunRows(ctx, txn, o.Right)
	if err != nil {
		return nil, err
	}

	// Build side is whichever input is smaller, per spec.md §4.6 ("the
	// side with smaller estimated cardinality becomes the hash-join
	// build side"); the optimizer decides Left vs Right ahead of time,
	// so here the build side is always Right by convention.
	buildIndex := map[string][]Row{}
	for _, r := range right {
		k := fieldString(r, o.Key.RightVar, o.Key.RightField)
		buildIndex[k] = append(buildIndex[k], r)
	}

	var out []Row
	for _, l := range left {
		k := fieldString(l, o.Key.LeftVar, o.Key.LeftField)
		for _, r := range buildIndex[k] {
			out = append(out, l.merge(r))
		}
	}
	return out, nil
}

func (ex *Executor) runNestedLoopJoin(ctx context.Context, txn *storage.Txn, o NestedLoopJoin) ([]Row, error) {
	left, err := ex.RunRows(ctx, txn, o.Left)
	if err != nil {
		return nil, err
	}
	right, err := ex.RunRows(ctx, txn, o.Right)
	if err != nil {
		return nil, err
	}

	var out []Row
	for _, l := range left {
		for _, r := range right {
			if o.Predicate == nil || o.Predicate(l, r) {
				out = append(out, l.merge(r))
			}
		}
	}
	return out, nil
}

func fieldString(r Row, variable, field string) string {
	v, ok := r[variable]
	if !ok {
		return ""
	}
	target := v.Field(field)
	s, err := target.GetAsString()
	if err == nil {
		return s
	}
	return valueKey(target)
}

func (ex *Executor) runGroupBy(ctx context.Context, txn *storage.Txn, o GroupBy) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		groupRow Row
		members  []Row
	}
	order := []string{}
	buckets := map[string]*bucket{}

	for _, r := range rows {
		keyRow := Row{}
		var key string
		for i, expr := range o.GroupExprs {
			v := expr(r)
			name := o.GroupNames[i]
			keyRow[name] = v
			key += valueKey(v) + "\x1f"
		}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{groupRow: keyRow}
			buckets[key] = b
			order = append(order, key)
		}
		b.members = append(b.members, r)
	}

	var out []Row
	for _, key := range order {
		b := buckets[key]
		row := b.groupRow.clone()
		for _, agg := range o.Aggregates {
			row[agg.Name] = computeAggregate(agg, b.members)
		}
		if o.Having == nil || o.Having(row) {
			out = append(out, row)
		}
	}
	return out, nil
}

func computeAggregate(agg Aggregate, rows []Row) types.Value {
	if len(rows) == 0 {
		return types.Null()
	}
	if agg.Func == "COUNT" {
		return types.I64(int64(len(rows)))
	}

	values := make([]float64, 0, len(rows))
	for _, r := range rows {
		v := agg.Expr(r)
		if f, err := v.GetAsF64(); err == nil {
			values = append(values, f)
		} else if i, err := v.GetAsI64(); err == nil {
			values = append(values, float64(i))
		}
	}
	if len(values) == 0 {
		return types.Null()
	}

	switch agg.Func {
	case "SUM":
		return types.F64(sumFloats(values))
	case "AVG":
		return types.F64(sumFloats(values) / float64(len(values)))
	case "MIN":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return types.F64(m)
	case "MAX":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return types.F64(m)
	case "STDDEV":
		return types.F64(math.Sqrt(variance(values)))
	case "VARIANCE":
		return types.F64(variance(values))
	case "MEDIAN":
		return types.F64(percentile(values, 0.5))
	case "PERCENTILE":
		return types.F64(percentile(values, agg.Arg))
	default:
		return types.Null()
	}
}

func sumFloats(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}

func variance(values []float64) float64 {
	mean := sumFloats(values) / float64(len(values))
	var acc float64
	for _, v := range values {
		d := v - mean
		acc += d * d
	}
	return acc / float64(len(values))
}

func percentile(values []float64, p float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func (ex *Executor) runWindowAggregate(ctx context.Context, txn *storage.Txn, o WindowAggregate) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}

	partitions := map[string][]int{}
	order := []string{}
	for i, r := range rows {
		key := ""
		if o.PartitionBy != nil {
			key = valueKey(o.PartitionBy(r))
		}
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], i)
	}

	out := make([]Row, len(rows))
	copy(out, rows)

	for _, key := range order {
		idxs := partitions[key]
		if o.OrderBy != nil {
			sort.SliceStable(idxs, func(a, b int) bool { return o.OrderBy(rows[idxs[a]], rows[idxs[b]]) })
		}
		applyWindowFunc(o, rows, out, idxs)
	}
	return out, nil
}

func applyWindowFunc(o WindowAggregate, rows, out []Row, idxs []int) {
	rank, dense := 1, 1
	for pos, i := range idxs {
		row := out[i].clone()
		switch o.Func {
		case RowNumber:
			row[o.As] = types.I64(int64(pos + 1))
		case Rank:
			if pos > 0 && o.OrderBy != nil && !o.OrderBy(rows[idxs[pos-1]], rows[i]) && !o.OrderBy(rows[i], rows[idxs[pos-1]]) {
				row[o.As] = types.I64(int64(rank))
			} else {
				rank = pos + 1
				row[o.As] = types.I64(int64(rank))
			}
		case DenseRank:
			if pos > 0 && o.OrderBy != nil && !o.OrderBy(rows[idxs[pos-1]], rows[i]) && !o.OrderBy(rows[i], rows[idxs[pos-1]]) {
				row[o.As] = types.I64(int64(dense))
			} else {
				if pos > 0 {
					dense++
				}
				row[o.As] = types.I64(int64(dense))
			}
		case Lag:
			src := pos - o.Offset
			if src >= 0 {
				row[o.As] = valueAt(rows, idxs, src, o.ValueExpr)
			} else {
				row[o.As] = types.Null()
			}
		case Lead:
			src := pos + o.Offset
			if src < len(idxs) {
				row[o.As] = valueAt(rows, idxs, src, o.ValueExpr)
			} else {
				row[o.As] = types.Null()
			}
		case FirstValue:
			row[o.As] = valueAt(rows, idxs, 0, o.ValueExpr)
		case LastValue:
			row[o.As] = valueAt(rows, idxs, len(idxs)-1, o.ValueExpr)
		}
		out[i] = row
	}
}

func valueAt(rows []Row, idxs []int, pos int, expr func(Row) types.Value) types.Value {
	if expr == nil {
		return types.Null()
	}
	return expr(rows[idxs[pos]])
}

func (ex *Executor) runPostFilter(ctx context.Context, txn *storage.Txn, o PostFilter) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, r := range rows {
		keep, err := o.Predicate(r)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, r)
		}
	}
	return out, nil
}

func (ex *Executor) runPostSort(ctx context.Context, txn *storage.Txn, o PostSort) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return o.Less(rows[i], rows[j]) })
	return rows, nil
}

func (ex *Executor) runDistinct(ctx context.Context, txn *storage.Txn, o Distinct) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []Row
	for _, r := range rows {
		k := o.Key(r)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out, nil
}

func (ex *Executor) runLimit(ctx context.Context, txn *storage.Txn, o Limit) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}
	if o.Offset >= len(rows) {
		return nil, nil
	}
	end := o.Offset + o.Count
	if o.Count <= 0 || end > len(rows) {
		end = len(rows)
	}
	return rows[o.Offset:end], nil
}

func (ex *Executor) runProject(ctx context.Context, txn *storage.Txn, o Project) ([]Row, error) {
	rows, err := ex.RunRows(ctx, txn, o.Input)
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		projected := Row{}
		for name, expr := range o.Columns {
			projected[name] = expr(r)
		}
		out[i] = projected
	}
	return out, nil
}

// runScoreFusion evaluates Text and Vector as pk-streams (not row
// streams — both operands are scored scans, fused before any Fetch),
// combines their scores per Mode, and returns one row per surviving pk
// with its fused score bound as "$fused".
func (ex *Executor) runScoreFusion(ctx context.Context, txn *storage.Txn, o ScoreFusion) ([]Row, error) {
	textHits, err := ex.RunPKs(ctx, txn, o.Text)
	if err != nil {
		return nil, err
	}
	vecHits, err := ex.RunPKs(ctx, txn, o.Vector)
	if err != nil {
		return nil, err
	}

	var fused map[string]float64
	switch o.Mode {
	case ReciprocalRankFusion:
		fused = rrfFuse(textHits, vecHits, o.RRFK)
	case MinMaxWeighted:
		fused = minMaxFuse(textHits, vecHits, o.WeightText, o.WeightVec)
	default:
		return nil, errs.New("query.runScoreFusion", errs.InvalidQuery, string(o.Mode), nil)
	}

	pks := map[string]types.PK{}
	for _, h := range textHits {
		pks[h.PK.String()] = h.PK
	}
	for _, h := range vecHits {
		pks[h.PK.String()] = h.PK
	}

	out := make([]Row, 0, len(fused))
	for k, score := range fused {
		out = append(out, Row{
			"pk":     types.Str(k),
			"$fused": types.F64(score),
			"$pk":    types.Str(pks[k].String()),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["$fused"].GetAsF64()
		b, _ := out[j]["$fused"].GetAsF64()
		return a > b
	})
	return out, nil
}

func rrfFuse(text, vec []Scored, k int) map[string]float64 {
	if k <= 0 {
		k = 60
	}
	fused := map[string]float64{}
	for rank, h := range rankedByScore(text, true) {
		fused[h.PK.String()] += 1.0 / float64(k+rank+1)
	}
	for rank, h := range rankedByScore(vec, false) {
		fused[h.PK.String()] += 1.0 / float64(k+rank+1)
	}
	return fused
}

func minMaxFuse(text, vec []Scored, wText, wVec float64) map[string]float64 {
	fused := map[string]float64{}
	tMin, tMax := minMaxScore(text)
	vMin, vMax := minMaxScore(vec)
	for _, h := range text {
		fused[h.PK.String()] += wText * normalizeScore(h.Score, tMin, tMax)
	}
	for _, h := range vec {
		// Vector scores are distances (lower is better); invert before
		// blending with text relevance (higher is better).
		fused[h.PK.String()] += wVec * (1 - normalizeScore(h.Score, vMin, vMax))
	}
	return fused
}

func minMaxScore(hits []Scored) (float64, float64) {
	if len(hits) == 0 {
		return 0, 0
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	return min, max
}

func normalizeScore(v, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (v - min) / (max - min)
}

// rankedByScore sorts hits best-first: descending for text relevance
// (higher BM25 is better), ascending for vector distance (lower is
// better).
func rankedByScore(hits []Scored, descending bool) []Scored {
	out := append([]Scored{}, hits...)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Score > out[j].Score
		}
		return out[i].Score < out[j].Score
	})
	return out
}
