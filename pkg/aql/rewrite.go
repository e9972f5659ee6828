package aql

// Rewrite normalizes a boolean expression tree: negations are pushed
// down to the leaves via De Morgan's laws, != is expanded into an OR of
// < and >, and double negation is eliminated. The translator (translate.go)
// relies on this normal form to recognize index-friendly conjuncts. A
// top-level OR is not turned into an index union: the translator treats
// it like any other predicate it cannot push into a scan.
func Rewrite(e Expr) Expr {
	return pushNot(e, false)
}

// pushNot rewrites e, applying a pending negation (negate) by pushing
// it toward the leaves rather than leaving a NOT wrapping a compound
// expression.
func pushNot(e Expr, negate bool) Expr {
	switch n := e.(type) {
	case UnaryExpr:
		if n.Op == "NOT" {
			return pushNot(n.Operand, !negate)
		}
		if !negate {
			return UnaryExpr{Op: n.Op, Operand: Rewrite(n.Operand)}
		}
		// unary minus has no boolean negation; wrap as NOT(-x) which is
		// only reachable if a query negates a non-boolean expression.
		return UnaryExpr{Op: "NOT", Operand: UnaryExpr{Op: n.Op, Operand: Rewrite(n.Operand)}}

	case BinaryExpr:
		switch n.Op {
		case "AND":
			if negate {
				// NOT(A AND B) -> (NOT A) OR (NOT B)
				return BinaryExpr{Op: "OR", Left: pushNot(n.Left, true), Right: pushNot(n.Right, true)}
			}
			return BinaryExpr{Op: "AND", Left: pushNot(n.Left, false), Right: pushNot(n.Right, false)}
		case "OR":
			if negate {
				// NOT(A OR B) -> (NOT A) AND (NOT B)
				return BinaryExpr{Op: "AND", Left: pushNot(n.Left, true), Right: pushNot(n.Right, true)}
			}
			return BinaryExpr{Op: "OR", Left: pushNot(n.Left, false), Right: pushNot(n.Right, false)}
		case "XOR":
			left, right := Rewrite(n.Left), Rewrite(n.Right)
			if negate {
				// NOT(A XOR B) == (A AND B) OR (NOT A AND NOT B)
				return BinaryExpr{
					Op:   "OR",
					Left: BinaryExpr{Op: "AND", Left: left, Right: right},
					Right: BinaryExpr{Op: "AND",
						Left:  UnaryExpr{Op: "NOT", Operand: left},
						Right: UnaryExpr{Op: "NOT", Operand: right}},
				}
			}
			return BinaryExpr{Op: "XOR", Left: left, Right: right}
		case "==", "!=", "<", "<=", ">", ">=":
			return negateComparison(n, negate)
		default:
			// arithmetic operators are not boolean; negate wraps them.
			r := BinaryExpr{Op: n.Op, Left: Rewrite(n.Left), Right: Rewrite(n.Right)}
			if negate {
				return UnaryExpr{Op: "NOT", Operand: r}
			}
			return r
		}

	case FieldAccess:
		r := FieldAccess{Target: Rewrite(n.Target), Path: n.Path}
		if negate {
			return UnaryExpr{Op: "NOT", Operand: r}
		}
		return r

	case Call:
		args := make([]Expr, len(n.Args))
		for i, a := range n.Args {
			args[i] = Rewrite(a)
		}
		r := Call{Name: n.Name, Args: args}
		if negate {
			return UnaryExpr{Op: "NOT", Operand: r}
		}
		return r

	case ArrayLit:
		elems := make([]Expr, len(n.Elements))
		for i, el := range n.Elements {
			elems[i] = Rewrite(el)
		}
		r := ArrayLit{Elements: elems}
		if negate {
			return UnaryExpr{Op: "NOT", Operand: r}
		}
		return r

	default:
		// Ident, literals: nothing to push into.
		if negate {
			return UnaryExpr{Op: "NOT", Operand: e}
		}
		return e
	}
}

var complementOp = map[string]string{
	"==": "!=", "!=": "==",
	"<": ">=", ">=": "<",
	">": "<=", "<=": ">",
}

func negateComparison(n BinaryExpr, negate bool) Expr {
	left, right := Rewrite(n.Left), Rewrite(n.Right)
	op := n.Op
	if negate {
		op = complementOp[op]
	}
	if op == "!=" {
		// A != B -> (A < B) OR (A > B)
		return BinaryExpr{
			Op:    "OR",
			Left:  BinaryExpr{Op: "<", Left: left, Right: right},
			Right: BinaryExpr{Op: ">", Left: left, Right: right},
		}
	}
	return BinaryExpr{Op: op, Left: left, Right: right}
}

// ToDNF converts a rewritten (negation-pushed) boolean expression into
// disjunctive normal form: a top-level OR of AND-conjunctions. Non-
// boolean subtrees are left untouched. The translator does not call
// it, so no plan is built as a union of per-disjunct scans.
func ToDNF(e Expr) Expr {
	switch n := e.(type) {
	case BinaryExpr:
		switch n.Op {
		case "OR":
			return BinaryExpr{Op: "OR", Left: ToDNF(n.Left), Right: ToDNF(n.Right)}
		case "AND":
			return distributeAnd(ToDNF(n.Left), ToDNF(n.Right))
		default:
			return n
		}
	default:
		return e
	}
}

// distributeAnd applies the distributive law (A OR B) AND C ==
// (A AND C) OR (B AND C) until neither side of the AND is itself an OR.
func distributeAnd(left, right Expr) Expr {
	if lo, ok := left.(BinaryExpr); ok && lo.Op == "OR" {
		return BinaryExpr{
			Op:    "OR",
			Left:  distributeAnd(lo.Left, right),
			Right: distributeAnd(lo.Right, right),
		}
	}
	if ro, ok := right.(BinaryExpr); ok && ro.Op == "OR" {
		return BinaryExpr{
			Op:    "OR",
			Left:  distributeAnd(left, ro.Left),
			Right: distributeAnd(left, ro.Right),
		}
	}
	return BinaryExpr{Op: "AND", Left: left, Right: right}
}

// Disjuncts flattens a DNF tree's top-level ORs into a list of
// conjunction expressions (each itself possibly a single comparison).
func Disjuncts(e Expr) []Expr {
	if b, ok := e.(BinaryExpr); ok && b.Op == "OR" {
		return append(Disjuncts(b.Left), Disjuncts(b.Right)...)
	}
	return []Expr{e}
}

// Conjuncts flattens a single conjunction's top-level ANDs into a list
// of individual predicate expressions.
func Conjuncts(e Expr) []Expr {
	if b, ok := e.(BinaryExpr); ok && b.Op == "AND" {
		return append(Conjuncts(b.Left), Conjuncts(b.Right)...)
	}
	return []Expr{e}
}
