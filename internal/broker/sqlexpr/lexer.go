// Package sqlexpr implements the SQL-subset rule filter language: boolean
// combinations of comparisons over message system fields and user
// properties. Evaluation is total; any lex, parse or type failure makes the
// predicate evaluate to false rather than error.
package sqlexpr

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokAnd
	tokOr
	tokNot
	tokIn
	tokTrue
	tokFalse
	tokEQ     // =
	tokNE     // != or <>
	tokLT     // <
	tokLE     // <=
	tokGT     // >
	tokGE     // >=
	tokLParen // (
	tokRParen // )
	tokComma  // ,
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lexer turns an expression string into tokens. Keywords are recognized
// case-insensitively; identifiers may carry a single dotted segment
// (e.g. sys.Label).
type lexer struct {
	input string
	pos   int
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) next() (token, error) {
	l.skipSpaces()
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.input[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ",", pos: start}, nil
	case c == '=':
		l.pos++
		return token{kind: tokEQ, text: "=", pos: start}, nil
	case c == '!':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return token{kind: tokNE, text: "!=", pos: start}, nil
		}
		return token{}, fmt.Errorf("unexpected character %q at %d", string(c), start)
	case c == '<':
		switch l.peekAt(l.pos + 1) {
		case '>':
			l.pos += 2
			return token{kind: tokNE, text: "<>", pos: start}, nil
		case '=':
			l.pos += 2
			return token{kind: tokLE, text: "<=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokLT, text: "<", pos: start}, nil
	case c == '>':
		if l.peekAt(l.pos+1) == '=' {
			l.pos += 2
			return token{kind: tokGE, text: ">=", pos: start}, nil
		}
		l.pos++
		return token{kind: tokGT, text: ">", pos: start}, nil
	case c == '\'':
		return l.lexString()
	case c >= '0' && c <= '9':
		return l.lexNumber()
	case isIdentStart(c):
		return l.lexIdent()
	}
	return token{}, fmt.Errorf("unexpected character %q at %d", string(c), start)
}

func (l *lexer) skipSpaces() {
	for l.pos < len(l.input) {
		switch l.input[l.pos] {
		case ' ', '\t', '\r', '\n':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) peekAt(i int) byte {
	if i >= len(l.input) {
		return 0
	}
	return l.input[i]
}

// lexString scans a single-quoted string; a doubled quote escapes a literal
// quote, as in SQL.
func (l *lexer) lexString() (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\'' {
			if l.peekAt(l.pos+1) == '\'' {
				sb.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return token{kind: tokString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, fmt.Errorf("unterminated string literal at %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c >= '0' && c <= '9' {
			l.pos++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			l.pos++
			continue
		}
		break
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	// One optional dotted segment, e.g. sys.Label.
	if l.peekAt(l.pos) == '.' && isIdentStart(l.peekAt(l.pos+1)) {
		l.pos += 2
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
	}
	text := l.input[start:l.pos]
	switch strings.ToUpper(text) {
	case "AND":
		return token{kind: tokAnd, text: text, pos: start}, nil
	case "OR":
		return token{kind: tokOr, text: text, pos: start}, nil
	case "NOT":
		return token{kind: tokNot, text: text, pos: start}, nil
	case "IN":
		return token{kind: tokIn, text: text, pos: start}, nil
	case "TRUE":
		return token{kind: tokTrue, text: text, pos: start}, nil
	case "FALSE":
		return token{kind: tokFalse, text: text, pos: start}, nil
	}
	return token{kind: tokIdent, text: text, pos: start}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
