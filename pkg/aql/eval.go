package aql

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/themisdb/themis/pkg/errs"
	"github.com/themisdb/themis/pkg/query"
	"github.com/themisdb/themis/pkg/types"
)

// Eval computes e against a bound row, used by translate.go to build
// PostFilter/PostSort/Project closures that pkg/query's executor runs
// row-at-a-time once the index layer can narrow the candidate set no
// further.
func Eval(e Expr, row query.Row) (types.Value, error) {
	switch n := e.(type) {
	case NullLit:
		return types.Null(), nil
	case BoolLit:
		return types.Bool(n.Value), nil
	case NumberLit:
		return types.F64(n.Value), nil
	case StringLit:
		return types.Str(n.Value), nil
	case Ident:
		v, ok := row[n.Name]
		if !ok {
			return types.Null(), nil
		}
		return v, nil
	case FieldAccess:
		target, err := Eval(n.Target, row)
		if err != nil {
			return types.Value{}, err
		}
		return target.Field(n.Path), nil
	case ArrayLit:
		elems := make([]types.Value, len(n.Elements))
		for i, el := range n.Elements {
			v, err := Eval(el, row)
			if err != nil {
				return types.Value{}, err
			}
			elems[i] = v
		}
		return types.Array(elems), nil
	case UnaryExpr:
		return evalUnary(n, row)
	case BinaryExpr:
		return evalBinary(n, row)
	case Call:
		return evalCall(n, row)
	default:
		return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("unsupported expression %T", e))
	}
}

func truthy(v types.Value) bool {
	switch v.Kind {
	case types.KindNull:
		return false
	case types.KindBool:
		return v.Bool
	case types.KindI64:
		return v.I64 != 0
	case types.KindF64:
		return v.F64 != 0
	case types.KindString:
		return v.Str != ""
	case types.KindArray:
		return len(v.Array) > 0
	case types.KindObject:
		return len(v.Object) > 0
	default:
		return true
	}
}

func evalUnary(n UnaryExpr, row query.Row) (types.Value, error) {
	v, err := Eval(n.Operand, row)
	if err != nil {
		return types.Value{}, err
	}
	switch n.Op {
	case "NOT":
		return types.Bool(!truthy(v)), nil
	case "-":
		f, err := v.GetAsF64()
		if err != nil {
			return types.Value{}, err
		}
		return types.F64(-f), nil
	default:
		return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("unknown unary operator %q", n.Op))
	}
}

func evalBinary(n BinaryExpr, row query.Row) (types.Value, error) {
	switch n.Op {
	case "AND":
		left, err := Eval(n.Left, row)
		if err != nil {
			return types.Value{}, err
		}
		if !truthy(left) {
			return types.Bool(false), nil
		}
		right, err := Eval(n.Right, row)
		if err != nil {
			return types.Value{}, err
		}
		return types.Bool(truthy(right)), nil
	case "OR":
		left, err := Eval(n.Left, row)
		if err != nil {
			return types.Value{}, err
		}
		if truthy(left) {
			return types.Bool(true), nil
		}
		right, err := Eval(n.Right, row)
		if err != nil {
			return types.Value{}, err
		}
		return types.Bool(truthy(right)), nil
	case "XOR":
		left, err := Eval(n.Left, row)
		if err != nil {
			return types.Value{}, err
		}
		right, err := Eval(n.Right, row)
		if err != nil {
			return types.Value{}, err
		}
		return types.Bool(truthy(left) != truthy(right)), nil
	}

	left, err := Eval(n.Left, row)
	if err != nil {
		return types.Value{}, err
	}
	right, err := Eval(n.Right, row)
	if err != nil {
		return types.Value{}, err
	}

	switch n.Op {
	case "==", "!=", "<", "<=", ">", ">=":
		cmp, comparable := CompareValues(left, right)
		switch n.Op {
		case "==":
			return types.Bool(comparable && cmp == 0), nil
		case "!=":
			return types.Bool(!comparable || cmp != 0), nil
		}
		if !comparable {
			return types.Bool(false), nil
		}
		switch n.Op {
		case "<":
			return types.Bool(cmp < 0), nil
		case "<=":
			return types.Bool(cmp <= 0), nil
		case ">":
			return types.Bool(cmp > 0), nil
		case ">=":
			return types.Bool(cmp >= 0), nil
		}
	case "+", "-", "*", "/", "%":
		if n.Op == "+" && left.Kind == types.KindString && right.Kind == types.KindString {
			return types.Str(left.Str + right.Str), nil
		}
		lf, err := left.GetAsF64()
		if err != nil {
			return types.Value{}, err
		}
		rf, err := right.GetAsF64()
		if err != nil {
			return types.Value{}, err
		}
		switch n.Op {
		case "+":
			return types.F64(lf + rf), nil
		case "-":
			return types.F64(lf - rf), nil
		case "*":
			return types.F64(lf * rf), nil
		case "/":
			if rf == 0 {
				return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("division by zero"))
			}
			return types.F64(lf / rf), nil
		case "%":
			if rf == 0 {
				return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("modulo by zero"))
			}
			return types.F64(math.Mod(lf, rf)), nil
		}
	}
	return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("unknown binary operator %q", n.Op))
}

// CompareValues orders two values of the same family (null, bool,
// numeric, string). Cross-family comparisons are not comparable: the
// bool result is false and should be treated as "unequal, unordered"
// by the caller rather than an error, matching AQL's null-propagating
// comparison semantics (spec.md §4.4).
func CompareValues(a, b types.Value) (cmp int, comparable bool) {
	if a.Kind == types.KindNull && b.Kind == types.KindNull {
		return 0, true
	}
	if a.Kind == types.KindNull || b.Kind == types.KindNull {
		return 0, false
	}
	if isNumeric(a.Kind) && isNumeric(b.Kind) {
		af, _ := a.GetAsF64()
		bf, _ := b.GetAsF64()
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if a.Kind == types.KindString && b.Kind == types.KindString {
		return strings.Compare(a.Str, b.Str), true
	}
	if a.Kind == types.KindBool && b.Kind == types.KindBool {
		switch {
		case a.Bool == b.Bool:
			return 0, true
		case !a.Bool:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func isNumeric(k types.Kind) bool { return k == types.KindI64 || k == types.KindF64 }

func evalCall(n Call, row query.Row) (types.Value, error) {
	args := make([]types.Value, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, row)
		if err != nil {
			return types.Value{}, err
		}
		args[i] = v
	}

	switch n.Name {
	case "CONCAT":
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(stringOf(a))
		}
		return types.Str(sb.String()), nil
	case "UPPER":
		return types.Str(strings.ToUpper(stringOf(argAt(args, 0)))), nil
	case "LOWER":
		return types.Str(strings.ToLower(stringOf(argAt(args, 0)))), nil
	case "LENGTH":
		v := argAt(args, 0)
		switch v.Kind {
		case types.KindString:
			return types.I64(int64(len(v.Str))), nil
		case types.KindArray:
			return types.I64(int64(len(v.Array))), nil
		case types.KindObject:
			return types.I64(int64(len(v.Object))), nil
		default:
			return types.I64(0), nil
		}
	case "SUBSTRING":
		s := stringOf(argAt(args, 0))
		start := int(numberOf(argAt(args, 1)))
		if start < 0 {
			start = 0
		}
		if start > len(s) {
			start = len(s)
		}
		end := len(s)
		if len(args) > 2 {
			length := int(numberOf(args[2]))
			if start+length < end {
				end = start + length
			}
		}
		return types.Str(s[start:end]), nil
	case "CONTAINS":
		return types.Bool(strings.Contains(stringOf(argAt(args, 0)), stringOf(argAt(args, 1)))), nil
	case "ABS":
		return types.F64(math.Abs(numberOf(argAt(args, 0)))), nil
	case "CEIL":
		return types.F64(math.Ceil(numberOf(argAt(args, 0)))), nil
	case "FLOOR":
		return types.F64(math.Floor(numberOf(argAt(args, 0)))), nil
	case "ROUND":
		return types.F64(math.Round(numberOf(argAt(args, 0)))), nil
	case "POW":
		return types.F64(math.Pow(numberOf(argAt(args, 0)), numberOf(argAt(args, 1)))), nil
	case "NOW":
		return types.Str(nowFunc().UTC().Format(time.RFC3339)), nil
	case "DATE_ADD":
		return dateShift(argAt(args, 0), numberOf(argAt(args, 1)), stringOf(argAt(args, 2)))
	case "DATE_SUB":
		return dateShift(argAt(args, 0), -numberOf(argAt(args, 1)), stringOf(argAt(args, 2)))
	case "DATE_TRUNC":
		return dateTrunc(argAt(args, 0), stringOf(argAt(args, 1)))
	case "BM25", "VECTOR_SIMILARITY", "FULLTEXT", "VECTOR_KNN":
		// FULLTEXT and VECTOR_KNN filters on a FOR variable are consumed
		// by the translator into FulltextScan/VectorKNN operators, so
		// reaching them here means the predicate escaped translation.
		// BM25 and VECTOR_SIMILARITY have no translation and always
		// fail here.
		return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("%s is only valid as a top-level filter predicate", n.Name))
	default:
		return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", unknownFunctionErr(Token{Text: n.Name}))
	}
}

// nowFunc is a package variable (not a plain time.Now() call) so tests
// can stub a fixed clock for DATE_*/NOW evaluation.
var nowFunc = time.Now

func argAt(args []types.Value, i int) types.Value {
	if i < len(args) {
		return args[i]
	}
	return types.Null()
}

func stringOf(v types.Value) string {
	if v.Kind == types.KindString {
		return v.Str
	}
	return valueKeyString(v)
}

func numberOf(v types.Value) float64 {
	f, _ := v.GetAsF64()
	return f
}

func valueKeyString(v types.Value) string {
	b, err := types.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func dateShift(v types.Value, amount float64, unit string) (types.Value, error) {
	t, err := parseTime(v)
	if err != nil {
		return types.Value{}, err
	}
	var d time.Duration
	switch strings.ToLower(unit) {
	case "second", "seconds":
		d = time.Duration(amount) * time.Second
	case "minute", "minutes":
		d = time.Duration(amount) * time.Minute
	case "hour", "hours":
		d = time.Duration(amount) * time.Hour
	case "day", "days":
		d = time.Duration(amount) * 24 * time.Hour
	case "week", "weeks":
		d = time.Duration(amount) * 7 * 24 * time.Hour
	default:
		return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("unknown date unit %q", unit))
	}
	return types.Str(t.Add(d).UTC().Format(time.RFC3339)), nil
}

func dateTrunc(v types.Value, unit string) (types.Value, error) {
	t, err := parseTime(v)
	if err != nil {
		return types.Value{}, err
	}
	switch strings.ToLower(unit) {
	case "day":
		t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case "hour":
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	case "minute":
		t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	case "month":
		t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	case "year":
		t = time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	default:
		return types.Value{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("unknown date unit %q", unit))
	}
	return types.Str(t.UTC().Format(time.RFC3339)), nil
}

func parseTime(v types.Value) (time.Time, error) {
	if v.Kind != types.KindString {
		return time.Time{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("expected ISO-8601 date string"))
	}
	t, err := time.Parse(time.RFC3339, v.Str)
	if err != nil {
		return time.Time{}, errs.New("aql.Eval", errs.InvalidQuery, "", fmt.Errorf("invalid ISO-8601 date %q: %w", v.Str, err))
	}
	return t, nil
}
