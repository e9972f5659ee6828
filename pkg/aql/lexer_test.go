package aql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lexAll(t *testing.T, src string) []Token {
	t.Helper()
	lex := NewLexer(src)
	var toks []Token
	for {
		tok, err := lex.Next()
		require.NoError(t, err)
		toks = append(toks, tok)
		if tok.Kind == TokEOF {
			return toks
		}
	}
}

func TestLexerTokenizesKeywordsIdentsAndOperators(t *testing.T) {
	toks := lexAll(t, `FOR doc IN users FILTER doc.age >= 21 RETURN doc`)
	var kinds []TokenKind
	var texts []string
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
		texts = append(texts, tok.Text)
	}
	assert.Equal(t, []string{
		"FOR", "doc", "IN", "users", "FILTER", "doc", ".", "age", ">=", "21", "RETURN", "doc", "",
	}, texts)
	assert.Equal(t, TokKeyword, toks[0].Kind)
	assert.Equal(t, TokIdent, toks[1].Kind)
	assert.Equal(t, TokOperator, toks[8].Kind)
	assert.Equal(t, TokNumber, toks[9].Kind)
	assert.Equal(t, TokEOF, toks[len(toks)-1].Kind)
}

func TestLexerTracksLineAndColumnAcrossNewlines(t *testing.T) {
	toks := lexAll(t, "FOR x\nIN y")
	// "IN" starts the second line, column 1.
	var inTok Token
	for _, tok := range toks {
		if tok.Text == "IN" {
			inTok = tok
		}
	}
	assert.Equal(t, 2, inTok.Line)
	assert.Equal(t, 1, inTok.Column)
}

func TestLexerUnterminatedStringErrors(t *testing.T) {
	lex := NewLexer(`"unterminated`)
	_, err := lex.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unterminated string")
}

func TestLexerUnexpectedCharacterErrors(t *testing.T) {
	lex := NewLexer("@")
	_, err := lex.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected character")
}

func TestLexerHandlesFloatsAndLineComments(t *testing.T) {
	toks := lexAll(t, "1.5 // a comment\n2")
	require.GreaterOrEqual(t, len(toks), 2)
	assert.Equal(t, "1.5", toks[0].Text)
	assert.Equal(t, "2", toks[1].Text)
}
