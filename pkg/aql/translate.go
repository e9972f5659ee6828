package aql

import (
	"fmt"
	"strings"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

// IndexKind classifies a catalog entry by which pkg/query scan operator
// it can serve.
type IndexKind string

const (
	EqualityIndex  IndexKind = "equality"
	SparseIndex    IndexKind = "sparse"
	RangeIndex     IndexKind = "range"
	FulltextIndexK IndexKind = "fulltext"
	VectorIndexK   IndexKind = "vector"
)

// IndexMeta describes one index available to the translator: which
// collection it covers, which field(s), and what scan operator it
// serves. Fields has more than one entry only for a composite
// equality index.
type IndexMeta struct {
	Name   string
	Kind   IndexKind
	Fields []string
}

// GraphMeta describes one named graph: the graph identity Traversal
// needs plus the vertex collection a bare traversal Start literal is
// resolved against.
type GraphMeta struct {
	Name             string
	ID               string
	VertexCollection string
}

// Catalog is the translator's view of schema: which indexes cover
// which collection/field, and which graphs exist. themisdb builds and
// owns the live Catalog; tests build throwaway ones inline.
type Catalog struct {
	indexes map[string][]IndexMeta
	graphs  map[string]GraphMeta
}

func NewCatalog() *Catalog {
	return &Catalog{indexes: map[string][]IndexMeta{}, graphs: map[string]GraphMeta{}}
}

func (c *Catalog) AddIndex(collection string, meta IndexMeta) {
	c.indexes[collection] = append(c.indexes[collection], meta)
}

func (c *Catalog) AddGraph(meta GraphMeta) { c.graphs[meta.Name] = meta }

func (c *Catalog) indexesFor(collection string) []IndexMeta { return c.indexes[collection] }

// IndexesFor exposes a collection's registered indexes to callers
// outside this package, e.g. pkg/optimizer estimating a conjunct's
// selectivity ahead of translation.
func (c *Catalog) IndexesFor(collection string) []IndexMeta { return c.indexesFor(collection) }

// ForCollection returns the collection a bound FOR variable ranges
// over and whether variable is a plain (non-traversal) FOR variable at
// all.
func ForCollection(fors []ForClause, variable string) (string, bool) {
	for _, f := range fors {
		if f.Var == variable && !f.Traversal {
			return f.Collection, true
		}
	}
	return "", false
}

func findIndex(metas []IndexMeta, kind IndexKind, field string) string {
	for _, m := range metas {
		if m.Kind != kind {
			continue
		}
		if len(m.Fields) == 1 && m.Fields[0] == field {
			return m.Name
		}
	}
	return ""
}

// ReturnColumn is the Row key Translate's top-level Project binds the
// RETURN expression's value under.
const ReturnColumn = "$return"

// Translate lowers a parsed, rewritten Query into a pkg/query physical
// plan against cat. The returned Op is always a row-producing operator
// (suitable for Executor.RunRows); ExtractReturn pulls the final
// projected values back out.
func Translate(q *Query, cat *Catalog) (query.Op, error) {
	if len(q.Fors) == 0 {
		return nil, errs.New("aql.Translate", errs.InvalidQuery, "", fmt.Errorf("query has no FOR clause"))
	}

	perVar, cross := partitionFilters(q.Filters)

	op, scope, err := translateFor(q.Fors[0], perVar[q.Fors[0].Var], cat)
	if err != nil {
		return nil, err
	}
	for _, f := range q.Fors[1:] {
		op, scope, err = joinFor(op, scope, f, perVar[f.Var], cross, cat)
		if err != nil {
			return nil, err
		}
	}

	for _, let := range q.Lets {
		op = applyLet(op, scope, let)
		scope = append(scope, let.Var)
	}

	if q.Collect != nil {
		op = applyCollect(op, q.Collect)
		scope = collectScope(q.Collect)
	}

	if q.Sort != nil {
		op = query.PostSort{Input: op, Less: sortLess(q.Sort)}
	}

	op = query.Project{Input: op, Columns: map[string]func(query.Row) types.Value{
		ReturnColumn: func(r query.Row) types.Value {
			v, err := Eval(q.Return.Value, r)
			if err != nil {
				return types.Null()
			}
			return v
		},
	}}

	if q.Return.Distinct {
		op = query.Distinct{Input: op, Key: func(r query.Row) string { return valueKeyOf(r[ReturnColumn]) }}
	}

	if q.Limit != nil {
		offset, count := evalConstInt(q.Limit.Offset), evalConstInt(q.Limit.Count)
		op = query.Limit{Input: op, Offset: offset, Count: count}
	}

	return op, nil
}

// ExtractReturn pulls the RETURN column back out of Translate's result
// rows, in order.
func ExtractReturn(rows []query.Row) []types.Value {
	out := make([]types.Value, len(rows))
	for i, r := range rows {
		out[i] = r[ReturnColumn]
	}
	return out
}

func valueKeyOf(v types.Value) string {
	b, err := types.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// partitionFilters flattens every FILTER clause's top-level AND chain
// into individual conjuncts (so `FILTER a == 1 AND b == 2` is
// considered exactly like two separate FILTER statements), then splits
// those conjuncts into ones that reference exactly one FOR variable
// (pushed toward that variable's own scan) and ones that reference
// more than one (join predicates).
func partitionFilters(filters []FilterClause) (map[string][]Expr, []Expr) {
	perVar := map[string][]Expr{}
	var cross []Expr
	for _, fc := range filters {
		for _, conjunct := range Conjuncts(fc.Predicate) {
			vars := uniqueVars(referencedVars(conjunct))
			if len(vars) <= 1 {
				if len(vars) == 1 {
					perVar[vars[0]] = append(perVar[vars[0]], conjunct)
				}
				continue
			}
			cross = append(cross, conjunct)
		}
	}
	return perVar, cross
}

func uniqueVars(vars []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range vars {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// translateFor builds the scan+fetch plan for a single FOR clause
// given the filter predicates that reference only its own variable,
// returning the resulting row-producing Op and the variable now in
// scope.
func translateFor(f ForClause, ownFilters []Expr, cat *Catalog) (query.Op, []string, error) {
	if f.Traversal {
		op, err := translateTraversalFor(f, cat)
		if err != nil {
			return nil, nil, err
		}
		if len(ownFilters) > 0 {
			op = query.PostFilter{Input: op, Predicate: rowPredicate(conjunctionOf(ownFilters))}
		}
		return op, []string{f.Var}, nil
	}
	scanOp, residual := buildScanForVar(f, ownFilters, cat)
	op := query.Op(query.Fetch{Input: scanOp, As: f.Var})
	if len(residual) > 0 {
		op = query.PostFilter{Input: op, Predicate: rowPredicate(conjunctionOf(residual))}
	}
	return op, []string{f.Var}, nil
}

// buildScanForVar looks for one recognized indexable predicate among
// filters (a FULLTEXT/VECTOR_KNN call, an equality comparison, or a
// range comparison) and turns it into the matching pkg/query scan
// operator; every other filter, including ones on the same field the
// index doesn't fully resolve, is returned as residual for a
// PostFilter layered on top of the Fetch. Only one driving predicate is
// extracted per FOR clause — a known simplification; see DESIGN.md.
func buildScanForVar(f ForClause, filters []Expr, cat *Catalog) (query.Op, []Expr) {
	metas := cat.indexesFor(f.Collection)

	for i, e := range filters {
		call, ok := e.(Call)
		if !ok {
			continue
		}
		switch call.Name {
		case "FULLTEXT":
			if len(call.Args) < 2 {
				continue
			}
			field, ok := fieldName(call.Args[0])
			if !ok {
				continue
			}
			idxName := findIndex(metas, FulltextIndexK, field)
			if idxName == "" {
				continue
			}
			qVal, err := Eval(call.Args[1], query.Row{})
			if err != nil {
				continue
			}
			limit := 0
			if len(call.Args) >= 3 {
				limit = evalConstInt(call.Args[2])
			}
			return query.FulltextScan{IndexName: idxName, Query: qVal.Str, Limit: limit}, without(filters, i)
		case "VECTOR_KNN":
			if len(call.Args) < 3 {
				continue
			}
			field, ok := fieldName(call.Args[0])
			if !ok {
				continue
			}
			idxName := findIndex(metas, VectorIndexK, field)
			if idxName == "" {
				continue
			}
			qv, ok := floatVector(call.Args[1])
			if !ok {
				continue
			}
			k := evalConstInt(call.Args[2])
			return query.VectorKNN{IndexName: idxName, Query: qv, K: k}, without(filters, i)
		}
	}

	for i, e := range filters {
		b, ok := e.(BinaryExpr)
		if !ok {
			continue
		}
		field, lit, order, ok := fieldCompareLiteral(b)
		if !ok {
			continue
		}
		switch b.Op {
		case "==":
			if idxName := findIndex(metas, EqualityIndex, field); idxName != "" {
				return query.IndexScan{IndexName: idxName, Fields: []types.Value{lit}}, without(filters, i)
			}
			if idxName := findIndex(metas, SparseIndex, field); idxName != "" {
				return query.IndexScan{IndexName: idxName, Fields: []types.Value{lit}}, without(filters, i)
			}
		case "<", "<=", ">", ">=":
			if idxName := findIndex(metas, RangeIndex, field); idxName != "" {
				lo, hi := rangeBounds(b.Op, lit, order)
				return query.RangeScan{IndexName: idxName, Lo: lo, Hi: hi}, without(filters, i)
			}
		}
	}

	return query.FullScan{Collection: f.Collection}, filters
}

// fieldCompareLiteral recognizes `var.field OP literal` or
// `literal OP var.field`, returning the field path, the literal value,
// and whether the operands were already in field-then-literal order
// (order==false means they were reversed, so the comparison direction
// needs flipping by the caller).
func fieldCompareLiteral(b BinaryExpr) (field string, lit types.Value, order bool, ok bool) {
	if _, f, fok := identField(b.Left); fok {
		if v, lok := literalValue(b.Right); lok {
			return f, v, true, true
		}
	}
	if _, f, fok := identField(b.Right); fok {
		if v, lok := literalValue(b.Left); lok {
			return f, v, false, true
		}
	}
	return "", types.Value{}, false, false
}

func identField(e Expr) (variable, field string, ok bool) {
	fa, isFA := e.(FieldAccess)
	if !isFA {
		return "", "", false
	}
	id, isID := fa.Target.(Ident)
	if !isID {
		return "", "", false
	}
	return id.Name, fa.Path, true
}

func literalValue(e Expr) (types.Value, bool) {
	switch n := e.(type) {
	case NullLit:
		return types.Null(), true
	case BoolLit:
		return types.Bool(n.Value), true
	case NumberLit:
		return types.F64(n.Value), true
	case StringLit:
		return types.Str(n.Value), true
	default:
		return types.Value{}, false
	}
}

func fieldName(e Expr) (string, bool) {
	if fa, ok := e.(FieldAccess); ok {
		return fa.Path, true
	}
	if id, ok := e.(Ident); ok {
		return id.Name, true
	}
	return "", false
}

func floatVector(e Expr) ([]float32, bool) {
	arr, ok := e.(ArrayLit)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(arr.Elements))
	for i, el := range arr.Elements {
		n, ok := el.(NumberLit)
		if !ok {
			return nil, false
		}
		out[i] = float32(n.Value)
	}
	return out, true
}

// rangeBounds turns one comparison operator plus its literal bound
// into (lo, hi) pointers, flipping direction when the field appeared
// on the right of the comparison (order==false).
func rangeBounds(op string, lit types.Value, order bool) (lo, hi *types.Value) {
	v := lit
	if !order {
		switch op {
		case "<":
			op = ">"
		case "<=":
			op = ">="
		case ">":
			op = "<"
		case ">=":
			op = "<="
		}
	}
	switch op {
	case "<", "<=":
		return nil, &v
	default:
		return &v, nil
	}
}

func without(exprs []Expr, idx int) []Expr {
	out := make([]Expr, 0, len(exprs)-1)
	for i, e := range exprs {
		if i != idx {
			out = append(out, e)
		}
	}
	return out
}

// translateTraversalFor supports a literal or CTE-resolved Start value
// only: a Start expression that itself references a prior FOR's bound
// row (a correlated per-row traversal start) is a known simplification
// not yet implemented — see DESIGN.md.
func translateTraversalFor(f ForClause, cat *Catalog) (query.Op, error) {
	g, ok := cat.graphs[f.GraphName]
	if !ok {
		return nil, errs.New("aql.Translate", errs.InvalidQuery, f.GraphName, fmt.Errorf("unknown graph %q", f.GraphName))
	}
	startVal, err := Eval(f.Start, query.Row{})
	if err != nil {
		return nil, err
	}
	startKey, err := startVal.GetAsString()
	if err != nil {
		return nil, errs.New("aql.Translate", errs.InvalidQuery, "", fmt.Errorf("traversal start must be a string key: %w", err))
	}
	start := types.PK{Collection: g.VertexCollection, Key: startKey}

	dir := types.Any
	switch strings.ToLower(f.Direction) {
	case "outbound":
		dir = types.Outbound
	case "inbound":
		dir = types.Inbound
	}

	traversal := query.Traversal{
		GraphName: f.GraphName,
		GraphID:   g.ID,
		Start:     start,
		MinDepth:  f.MinDepth,
		MaxDepth:  f.MaxDepth,
		Direction: dir,
		EdgeType:  f.EdgeType,
	}
	return query.Fetch{Input: traversal, As: f.Var}, nil
}

// joinFor extends an in-progress row plan with another FOR clause.
// Cross-variable filters that mention both the new variable and an
// already-in-scope one become the join predicate (HashJoin for a
// direct field-to-field equality, NestedLoopJoin otherwise); ownFilters
// (referencing only the new variable) are pushed into its own scan the
// same way a first FOR clause's filters are.
func joinFor(left query.Op, scope []string, f ForClause, ownFilters, cross []Expr, cat *Catalog) (query.Op, []string, error) {
	right, rightScope, err := translateFor(f, ownFilters, cat)
	if err != nil {
		return nil, nil, err
	}

	var relevant []Expr
	for _, e := range cross {
		vars := referencedVars(e)
		if intersects(vars, scope) && intersects(vars, rightScope) {
			relevant = append(relevant, e)
		}
	}

	newScope := append(append([]string{}, scope...), rightScope...)

	if key, ok := equiJoinKey(relevant, scope, rightScope); ok {
		return query.HashJoin{Left: left, Right: right, Key: key}, newScope, nil
	}

	pred := conjunctionOf(relevant)
	return query.NestedLoopJoin{
		Left:  left,
		Right: right,
		Predicate: func(l, r query.Row) bool {
			if pred == nil {
				return true
			}
			merged := make(query.Row, len(l)+len(r))
			for k, val := range l {
				merged[k] = val
			}
			for k, val := range r {
				merged[k] = val
			}
			v, err := Eval(pred, merged)
			if err != nil {
				return false
			}
			return truthy(v)
		},
	}, newScope, nil
}

func intersects(vars, names []string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	for _, v := range vars {
		if set[v] {
			return true
		}
	}
	return false
}

func referencedVars(e Expr) []string {
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Ident:
			out = append(out, n.Name)
		case FieldAccess:
			walk(n.Target)
		case BinaryExpr:
			walk(n.Left)
			walk(n.Right)
		case UnaryExpr:
			walk(n.Operand)
		case Call:
			for _, a := range n.Args {
				walk(a)
			}
		case ArrayLit:
			for _, el := range n.Elements {
				walk(el)
			}
		}
	}
	walk(e)
	return out
}

// equiJoinKey recognizes a single cross-variable predicate of the exact
// shape `left.field == right.field` (in either operand order) and turns
// it into a HashJoin key; anything else falls back to NestedLoopJoin.
func equiJoinKey(crossFilters []Expr, left, right []string) (query.JoinKey, bool) {
	if len(crossFilters) != 1 {
		return query.JoinKey{}, false
	}
	b, ok := crossFilters[0].(BinaryExpr)
	if !ok || b.Op != "==" {
		return query.JoinKey{}, false
	}
	lv, lf, lok := identField(b.Left)
	rv, rf, rok := identField(b.Right)
	if !lok || !rok {
		return query.JoinKey{}, false
	}
	leftSet := map[string]bool{}
	for _, n := range left {
		leftSet[n] = true
	}
	if leftSet[lv] && !leftSet[rv] {
		return query.JoinKey{LeftVar: lv, LeftField: lf, RightVar: rv, RightField: rf}, true
	}
	if leftSet[rv] && !leftSet[lv] {
		return query.JoinKey{LeftVar: rv, LeftField: rf, RightVar: lv, RightField: lf}, true
	}
	return query.JoinKey{}, false
}

func conjunctionOf(exprs []Expr) Expr {
	if len(exprs) == 0 {
		return nil
	}
	out := exprs[0]
	for _, e := range exprs[1:] {
		out = BinaryExpr{Op: "AND", Left: out, Right: e}
	}
	return out
}

func rowPredicate(pred Expr) func(query.Row) (bool, error) {
	return func(r query.Row) (bool, error) {
		if pred == nil {
			return true, nil
		}
		v, err := Eval(pred, r)
		if err != nil {
			return false, err
		}
		return truthy(v), nil
	}
}

func applyLet(op query.Op, scope []string, let LetClause) query.Op {
	columns := map[string]func(query.Row) types.Value{}
	for _, v := range scope {
		name := v
		columns[name] = func(r query.Row) types.Value { return r[name] }
	}
	columns[let.Var] = func(r query.Row) types.Value {
		v, err := Eval(let.Value, r)
		if err != nil {
			return types.Null()
		}
		return v
	}
	return query.Project{Input: op, Columns: columns}
}

func applyCollect(op query.Op, c *CollectClause) query.Op {
	groupExprs := make([]func(query.Row) types.Value, len(c.GroupExprs))
	for i, e := range c.GroupExprs {
		expr := e
		groupExprs[i] = func(r query.Row) types.Value {
			v, err := Eval(expr, r)
			if err != nil {
				return types.Null()
			}
			return v
		}
	}
	aggregates := make([]query.Aggregate, len(c.Aggregates))
	for i, a := range c.Aggregates {
		arg := a.Arg
		aggregates[i] = query.Aggregate{
			Name: a.Var,
			Func: a.Func,
			Expr: func(r query.Row) types.Value {
				if arg == nil {
					return types.Null()
				}
				v, err := Eval(arg, r)
				if err != nil {
					return types.Null()
				}
				return v
			},
		}
	}
	var having func(query.Row) bool
	if c.Having != nil {
		h := c.Having
		having = func(r query.Row) bool {
			v, err := Eval(h, r)
			return err == nil && truthy(v)
		}
	}
	return query.GroupBy{
		Input:      op,
		GroupExprs: groupExprs,
		GroupNames: c.GroupVars,
		Aggregates: aggregates,
		Having:     having,
	}
}

func collectScope(c *CollectClause) []string {
	out := append([]string{}, c.GroupVars...)
	for _, a := range c.Aggregates {
		out = append(out, a.Var)
	}
	return out
}

func sortLess(s *SortClause) func(a, b query.Row) bool {
	return func(ra, rb query.Row) bool {
		for _, key := range s.Keys {
			va, erra := Eval(key.Expr, ra)
			vb, errb := Eval(key.Expr, rb)
			if erra != nil || errb != nil {
				continue
			}
			cmp, comparable := CompareValues(va, vb)
			if !comparable || cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	}
}

func evalConstInt(e Expr) int {
	if e == nil {
		return 0
	}
	v, err := Eval(e, query.Row{})
	if err != nil {
		return 0
	}
	f, err := v.GetAsF64()
	if err != nil {
		return 0
	}
	return int(f)
}
