// Package aql implements Themis's query language surface (spec.md
// §4.5): a tokenizer, a recursive-descent parser producing an AST, De
// Morgan/DNF boolean rewriting, and a translator from AST to a
// pkg/query physical plan. Grounded on the teacher's general
// hand-written-parser absence — warren has no query language of its
// own — so the tokenizer/parser shape follows textbook recursive
// descent, the same treatment already given to HNSW and BM25 (a
// well-known technique implemented from its definition, not borrowed
// from a library).
package aql

import (
	"strings"
	"unicode/utf8"

	"github.com/themisdb/themis/pkg/errs"
)

// TokenKind classifies one lexical token.
type TokenKind int

const (
	TokEOF TokenKind = iota
	TokIdent
	TokKeyword
	TokString
	TokNumber
	TokOperator
	TokPunct
)

// Token is one lexical unit with its 1-based source position, used to
// build `InvalidQuery` errors that carry line/column (spec.md §4.5:
// "errors carry line/column").
type Token struct {
	Kind   TokenKind
	Text   string
	Line   int
	Column int
}

var keywords = map[string]bool{
	"for": true, "in": true, "filter": true, "let": true, "collect": true,
	"aggregate": true, "having": true, "sort": true, "asc": true, "desc": true,
	"limit": true, "return": true, "distinct": true, "and": true, "or": true,
	"not": true, "xor": true, "null": true, "true": true, "false": true,
	"outbound": true, "inbound": true, "any": true, "graph": true,
	"with": true, "as": true, "exists": true,
}

// IsKeyword reports whether word (case-insensitive) is an AQL keyword.
func IsKeyword(word string) bool { return keywords[strings.ToLower(word)] }

// Lexer turns AQL source into a Token stream, tracking line/column.
type Lexer struct {
	src    string
	pos    int
	line   int
	column int
}

func NewLexer(src string) *Lexer {
	return &Lexer{src: src, line: 1, column: 1}
}

func (l *Lexer) peekByte() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) advance() byte {
	b := l.src[l.pos]
	l.pos++
	if b == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	return b
}

func (l *Lexer) skipTrivia() {
	for l.pos < len(l.src) {
		c := l.peekByte()
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.peekByte() != '\n' {
				l.advance()
			}
		default:
			return
		}
	}
}

// Next returns the next token, or a TokEOF token at end of input.
func (l *Lexer) Next() (Token, error) {
	l.skipTrivia()
	if l.pos >= len(l.src) {
		return Token{Kind: TokEOF, Line: l.line, Column: l.column}, nil
	}

	startLine, startCol := l.line, l.column
	c := l.peekByte()

	switch {
	case c == '"' || c == '\'':
		return l.lexString(startLine, startCol)
	case isDigit(c):
		return l.lexNumber(startLine, startCol)
	case isIdentStart(c):
		return l.lexIdent(startLine, startCol)
	default:
		return l.lexOperator(startLine, startCol)
	}
}

func (l *Lexer) lexString(line, col int) (Token, error) {
	quote := l.advance()
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			return Token{}, errs.New("aql.Lex", errs.InvalidQuery, "", unterminatedStringErr(line, col))
		}
		c := l.advance()
		if c == quote {
			break
		}
		if c == '\\' && l.pos < len(l.src) {
			sb.WriteByte(l.advance())
			continue
		}
		sb.WriteByte(c)
	}
	return Token{Kind: TokString, Text: sb.String(), Line: line, Column: col}, nil
}

// lexNumber consumes a plain integer or float literal. ISO-8601 dates
// (spec.md §4.4: "Dates in ISO-8601 ... NOW") are passed as ordinary
// quoted strings and parsed by DATE_* built-ins at evaluation time, not
// as a distinct literal kind here.
func (l *Lexer) lexNumber(line, col int) (Token, error) {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.peekByte()) {
		l.advance()
	}
	if l.peekByte() == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1]) {
		l.advance()
		for l.pos < len(l.src) && isDigit(l.peekByte()) {
			l.advance()
		}
	}
	return Token{Kind: TokNumber, Text: l.src[start:l.pos], Line: line, Column: col}, nil
}

func (l *Lexer) lexIdent(line, col int) (Token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.peekByte()) {
		l.advance()
	}
	text := l.src[start:l.pos]
	kind := TokIdent
	if IsKeyword(text) {
		kind = TokKeyword
	}
	return Token{Kind: kind, Text: text, Line: line, Column: col}, nil
}

var twoCharOps = map[string]bool{
	"==": true, "!=": true, ">=": true, "<=": true, "..": true,
}

func (l *Lexer) lexOperator(line, col int) (Token, error) {
	c := l.advance()
	if l.pos < len(l.src) {
		two := string(c) + string(l.peekByte())
		if twoCharOps[two] {
			l.advance()
			return Token{Kind: TokOperator, Text: two, Line: line, Column: col}, nil
		}
	}
	switch c {
	case '(', ')', '[', ']', '{', '}', ',', '.', ':':
		return Token{Kind: TokPunct, Text: string(c), Line: line, Column: col}, nil
	case '+', '-', '*', '/', '%', '=', '<', '>', '!':
		return Token{Kind: TokOperator, Text: string(c), Line: line, Column: col}, nil
	default:
		r, _ := utf8.DecodeRuneInString(string(c))
		return Token{}, errs.New("aql.Lex", errs.InvalidQuery, "", unexpectedCharErr(line, col, r))
	}
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
