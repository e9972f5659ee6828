package aql

import "fmt"

func unterminatedStringErr(line, col int) error {
	return fmt.Errorf("line %d, column %d: unterminated string", line, col)
}

func unexpectedCharErr(line, col int, r rune) error {
	return fmt.Errorf("line %d, column %d: unexpected character %q", line, col, r)
}

func unexpectedTokenErr(tok Token, expected string) error {
	return fmt.Errorf("line %d, column %d: expected %s, found %q", tok.Line, tok.Column, expected, tok.Text)
}

func unknownFunctionErr(tok Token) error {
	return fmt.Errorf("line %d, column %d: unknown function %q", tok.Line, tok.Column, tok.Text)
}
