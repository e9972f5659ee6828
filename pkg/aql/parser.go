package aql

import (
	"strconv"
	"strings"

	"github.com/themisdb/themis/pkg/errs"
)

// Parser consumes a Lexer's token stream with one token of lookahead.
type Parser struct {
	lex  *Lexer
	cur  Token
	next *Token
}

// Parse tokenizes and parses src into a Query.
func Parse(src string) (*Query, error) {
	p := &Parser{lex: NewLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind != TokEOF {
		return nil, errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "end of query"))
	}
	return q, nil
}

func (p *Parser) advance() error {
	if p.next != nil {
		p.cur = *p.next
		p.next = nil
		return nil
	}
	tok, err := p.lex.Next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *Parser) peekNext() (Token, error) {
	if p.next == nil {
		tok, err := p.lex.Next()
		if err != nil {
			return Token{}, err
		}
		p.next = &tok
	}
	return *p.next, nil
}

func (p *Parser) isKeyword(word string) bool {
	return p.cur.Kind == TokKeyword && strings.EqualFold(p.cur.Text, word)
}

func (p *Parser) expectKeyword(word string) error {
	if !p.isKeyword(word) {
		return errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, word))
	}
	return p.advance()
}

func (p *Parser) expectPunct(text string) error {
	if p.cur.Kind != TokPunct || p.cur.Text != text {
		return errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, text))
	}
	return p.advance()
}

func (p *Parser) expectIdent() (string, error) {
	if p.cur.Kind != TokIdent {
		return "", errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "identifier"))
	}
	name := p.cur.Text
	return name, p.advance()
}

func (p *Parser) parseQuery() (*Query, error) {
	q := &Query{}

	for p.isKeyword("with") {
		cte, err := p.parseCTE()
		if err != nil {
			return nil, err
		}
		q.CTEs = append(q.CTEs, cte)
	}

	for p.isKeyword("for") {
		f, err := p.parseFor()
		if err != nil {
			return nil, err
		}
		q.Fors = append(q.Fors, f)

		for p.isKeyword("filter") || p.isKeyword("let") || p.isKeyword("collect") {
			switch {
			case p.isKeyword("filter"):
				fc, err := p.parseFilter()
				if err != nil {
					return nil, err
				}
				q.Filters = append(q.Filters, fc)
			case p.isKeyword("let"):
				lc, err := p.parseLet()
				if err != nil {
					return nil, err
				}
				q.Lets = append(q.Lets, lc)
			case p.isKeyword("collect"):
				cc, err := p.parseCollect()
				if err != nil {
					return nil, err
				}
				q.Collect = cc
			}
		}
	}
	if len(q.Fors) == 0 {
		return nil, errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "FOR"))
	}

	if p.isKeyword("sort") {
		sc, err := p.parseSort()
		if err != nil {
			return nil, err
		}
		q.Sort = sc
	}
	if p.isKeyword("limit") {
		lc, err := p.parseLimit()
		if err != nil {
			return nil, err
		}
		q.Limit = lc
	}

	if err := p.expectKeyword("return"); err != nil {
		return nil, err
	}
	distinct := false
	if p.isKeyword("distinct") {
		distinct = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	value, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	q.Return = ReturnClause{Distinct: distinct, Value: value}
	return q, nil
}

func (p *Parser) parseCTE() (CTEClause, error) {
	if err := p.expectKeyword("with"); err != nil {
		return CTEClause{}, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return CTEClause{}, err
	}
	if err := p.expectKeyword("as"); err != nil {
		return CTEClause{}, err
	}
	if err := p.expectPunct("("); err != nil {
		return CTEClause{}, err
	}
	inner, err := p.parseQuery()
	if err != nil {
		return CTEClause{}, err
	}
	if err := p.expectPunct(")"); err != nil {
		return CTEClause{}, err
	}
	return CTEClause{Name: name, Query: inner}, nil
}

func (p *Parser) parseFor() (ForClause, error) {
	if err := p.expectKeyword("for"); err != nil {
		return ForClause{}, err
	}
	firstVar, err := p.expectIdent()
	if err != nil {
		return ForClause{}, err
	}

	var edgeVar, pathVar string
	for p.cur.Kind == TokPunct && p.cur.Text == "," {
		if err := p.advance(); err != nil {
			return ForClause{}, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return ForClause{}, err
		}
		if edgeVar == "" {
			edgeVar = name
		} else {
			pathVar = name
		}
	}

	if err := p.expectKeyword("in"); err != nil {
		return ForClause{}, err
	}

	// Traversal form: min..max (OUTBOUND|INBOUND|ANY) [edgeType] start GRAPH name
	if p.cur.Kind == TokNumber {
		return p.parseTraversalFor(firstVar, edgeVar, pathVar)
	}

	collection, err := p.expectIdent()
	if err != nil {
		return ForClause{}, err
	}
	return ForClause{Var: firstVar, Collection: collection}, nil
}

func (p *Parser) parseTraversalFor(v, edgeVar, pathVar string) (ForClause, error) {
	minTok := p.cur.Text
	min, _ := strconv.Atoi(minTok)
	if err := p.advance(); err != nil {
		return ForClause{}, err
	}
	if err := p.expectOperator(".."); err != nil {
		return ForClause{}, err
	}
	maxTok := p.cur.Text
	max, _ := strconv.Atoi(maxTok)
	if err := p.advance(); err != nil {
		return ForClause{}, err
	}

	var direction string
	switch {
	case p.isKeyword("outbound"):
		direction = "outbound"
	case p.isKeyword("inbound"):
		direction = "inbound"
	case p.isKeyword("any"):
		direction = "any"
	default:
		return ForClause{}, errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "OUTBOUND, INBOUND or ANY"))
	}
	if err := p.advance(); err != nil {
		return ForClause{}, err
	}

	// A string here is the edge type only when another token follows it
	// before GRAPH; a string directly before GRAPH is the start vertex.
	edgeType := ""
	if p.cur.Kind == TokString {
		next, err := p.peekNext()
		if err != nil {
			return ForClause{}, err
		}
		if !(next.Kind == TokKeyword && strings.EqualFold(next.Text, "graph")) {
			edgeType = p.cur.Text
			if err := p.advance(); err != nil {
				return ForClause{}, err
			}
		}
	}

	start, err := p.parseUnary()
	if err != nil {
		return ForClause{}, err
	}

	if err := p.expectKeyword("graph"); err != nil {
		return ForClause{}, err
	}
	if p.cur.Kind != TokString {
		return ForClause{}, errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "graph name string"))
	}
	graphName := p.cur.Text
	if err := p.advance(); err != nil {
		return ForClause{}, err
	}

	return ForClause{
		Var: v, EdgeVar: edgeVar, PathVar: pathVar, Traversal: true,
		MinDepth: min, MaxDepth: max, Direction: direction, EdgeType: edgeType,
		Start: start, GraphName: graphName,
	}, nil
}

func (p *Parser) expectOperator(text string) error {
	if p.cur.Kind != TokOperator || p.cur.Text != text {
		return errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, text))
	}
	return p.advance()
}

func (p *Parser) parseFilter() (FilterClause, error) {
	if err := p.expectKeyword("filter"); err != nil {
		return FilterClause{}, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return FilterClause{}, err
	}
	return FilterClause{Predicate: e}, nil
}

func (p *Parser) parseLet() (LetClause, error) {
	if err := p.expectKeyword("let"); err != nil {
		return LetClause{}, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return LetClause{}, err
	}
	if err := p.expectOperator("="); err != nil {
		return LetClause{}, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return LetClause{}, err
	}
	return LetClause{Var: name, Value: e}, nil
}

func (p *Parser) parseCollect() (*CollectClause, error) {
	if err := p.expectKeyword("collect"); err != nil {
		return nil, err
	}
	cc := &CollectClause{}

	for {
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectOperator("="); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cc.GroupVars = append(cc.GroupVars, name)
		cc.GroupExprs = append(cc.GroupExprs, e)
		if p.cur.Kind == TokPunct && p.cur.Text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	if p.isKeyword("aggregate") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectOperator("="); err != nil {
				return nil, err
			}
			fn, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			var arg Expr
			if !(p.cur.Kind == TokPunct && p.cur.Text == ")") {
				arg, err = p.parseExpr()
				if err != nil {
					return nil, err
				}
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			cc.Aggregates = append(cc.Aggregates, AggregateBinding{Var: name, Func: strings.ToUpper(fn), Arg: arg})
			if p.cur.Kind == TokPunct && p.cur.Text == "," {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}

	if p.isKeyword("having") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		cc.Having = e
	}
	return cc, nil
}

func (p *Parser) parseSort() (*SortClause, error) {
	if err := p.expectKeyword("sort"); err != nil {
		return nil, err
	}
	sc := &SortClause{}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		desc := false
		if p.isKeyword("asc") {
			if err := p.advance(); err != nil {
				return nil, err
			}
		} else if p.isKeyword("desc") {
			desc = true
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		sc.Keys = append(sc.Keys, SortKey{Expr: e, Desc: desc})
		if p.cur.Kind == TokPunct && p.cur.Text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return sc, nil
}

func (p *Parser) parseLimit() (*LimitClause, error) {
	if err := p.expectKeyword("limit"); err != nil {
		return nil, err
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind == TokPunct && p.cur.Text == "," {
		if err := p.advance(); err != nil {
			return nil, err
		}
		count, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &LimitClause{Offset: first, Count: count}, nil
	}
	return &LimitClause{Offset: NumberLit{Value: 0}, Count: first}, nil
}

// Expression grammar, lowest to highest precedence:
// or -> xor -> and -> not -> comparison -> additive -> multiplicative -> unary -> postfix -> primary

func (p *Parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *Parser) parseOr() (Expr, error) {
	left, err := p.parseXor()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseXor()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseXor() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("xor") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "XOR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.isKeyword("not") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "NOT", Operand: operand}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *Parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if p.cur.Kind == TokOperator && comparisonOps[p.cur.Text] {
		op := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return BinaryExpr{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokOperator && (p.cur.Text == "+" || p.cur.Text == "-") {
		op := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokOperator && (p.cur.Text == "*" || p.cur.Text == "/" || p.cur.Text == "%") {
		op := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Expr, error) {
	if p.cur.Kind == TokOperator && p.cur.Text == "-" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (Expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur.Kind == TokPunct && p.cur.Text == "." {
		if err := p.advance(); err != nil {
			return nil, err
		}
		field, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		e = FieldAccess{Target: e, Path: field}
	}
	return e, nil
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch {
	case p.cur.Kind == TokNumber:
		f, err := strconv.ParseFloat(p.cur.Text, 64)
		if err != nil {
			return nil, errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "number"))
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return NumberLit{Value: f}, nil
	case p.cur.Kind == TokString:
		s := p.cur.Text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return StringLit{Value: s}, nil
	case p.isKeyword("null"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return NullLit{}, nil
	case p.isKeyword("true"), p.isKeyword("false"):
		v := p.isKeyword("true")
		if err := p.advance(); err != nil {
			return nil, err
		}
		return BoolLit{Value: v}, nil
	case p.cur.Kind == TokPunct && p.cur.Text == "(":
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return e, nil
	case p.cur.Kind == TokPunct && p.cur.Text == "[":
		return p.parseArrayLit()
	case p.cur.Kind == TokIdent:
		return p.parseIdentOrCall()
	default:
		return nil, errs.New("aql.Parse", errs.InvalidQuery, "", unexpectedTokenErr(p.cur, "expression"))
	}
}

func (p *Parser) parseArrayLit() (Expr, error) {
	if err := p.expectPunct("["); err != nil {
		return nil, err
	}
	var elems []Expr
	for !(p.cur.Kind == TokPunct && p.cur.Text == "]") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, e)
		if p.cur.Kind == TokPunct && p.cur.Text == "," {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expectPunct("]"); err != nil {
		return nil, err
	}
	return ArrayLit{Elements: elems}, nil
}

func (p *Parser) parseIdentOrCall() (Expr, error) {
	name := p.cur.Text
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.Kind == TokPunct && p.cur.Text == "(" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []Expr
		for !(p.cur.Kind == TokPunct && p.cur.Text == ")") {
			a, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			if p.cur.Kind == TokPunct && p.cur.Text == "," {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return Call{Name: strings.ToUpper(name), Args: args}, nil
	}
	return Ident{Name: name}, nil
}
