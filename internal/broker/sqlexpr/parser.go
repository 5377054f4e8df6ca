package sqlexpr

import "fmt"

// Grammar (keywords case-insensitive, NOT > AND > OR):
//
//	expr       := or-expr
//	or-expr    := and-expr ( "OR" and-expr )*
//	and-expr   := unary    ( "AND" unary )*
//	unary      := "NOT" unary | primary
//	primary    := "(" expr ")" | comparison | in-expr
//	comparison := operand op operand
//	in-expr    := ident "IN" "(" literal ( "," literal )* ")"
type node interface {
	eval(env Env) bool
}

type orNode struct{ left, right node }

type andNode struct{ left, right node }

type notNode struct{ inner node }

type compareNode struct {
	op          tokenKind
	left, right operand
}

type inNode struct {
	ident string
	items []string
}

// operand is either an identifier reference or a literal value.
type operand struct {
	isIdent bool
	ident   string
	lit     value
}

// Parse compiles an expression into an evaluable tree. Callers that need
// total evaluation use Match instead, which maps errors to false.
func Parse(input string) (node, error) {
	p := &parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing token %q at %d", p.cur.text, p.cur.pos)
	}
	return n, nil
}

type parser struct {
	lex *lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.cur.kind == tokNot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.cur.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.cur.kind == tokIn {
		if !left.isIdent {
			return nil, fmt.Errorf("IN requires an identifier at %d", p.cur.pos)
		}
		return p.parseInTail(left.ident)
	}

	op := p.cur.kind
	switch op {
	case tokEQ, tokNE, tokLT, tokLE, tokGT, tokGE:
	default:
		return nil, fmt.Errorf("expected comparison operator at %d, got %q", p.cur.pos, p.cur.text)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseInTail(ident string) (node, error) {
	if err := p.advance(); err != nil { // consume IN
		return nil, err
	}
	if p.cur.kind != tokLParen {
		return nil, fmt.Errorf("expected ( after IN at %d", p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var items []string
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		items = append(items, lit.s)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.cur.kind != tokRParen {
		return nil, fmt.Errorf("expected ) closing IN list at %d", p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return inNode{ident: ident, items: items}, nil
}

func (p *parser) parseOperand() (operand, error) {
	switch p.cur.kind {
	case tokIdent:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return operand{}, err
		}
		return operand{isIdent: true, ident: name}, nil
	case tokString, tokNumber, tokTrue, tokFalse:
		lit, err := p.parseLiteral()
		if err != nil {
			return operand{}, err
		}
		return operand{lit: lit}, nil
	}
	return operand{}, fmt.Errorf("expected identifier or literal at %d, got %q", p.cur.pos, p.cur.text)
}

func (p *parser) parseLiteral() (value, error) {
	var v value
	switch p.cur.kind {
	case tokString:
		v = stringValue(p.cur.text)
	case tokNumber:
		v = stringValue(p.cur.text)
	case tokTrue:
		v = boolValue(true)
	case tokFalse:
		v = boolValue(false)
	default:
		return value{}, fmt.Errorf("expected literal at %d, got %q", p.cur.pos, p.cur.text)
	}
	if err := p.advance(); err != nil {
		return value{}, err
	}
	return v, nil
}
