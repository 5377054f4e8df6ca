package sqlexpr

import "strconv"

// Env resolves identifiers against the two-scope message environment:
// identifiers prefixed "sys." address system fields, bare identifiers
// address user properties. A missing identifier resolves to null
// (ok=false), which fails every comparison it participates in.
type Env interface {
	Resolve(ident string) (string, bool)
}

// Match evaluates expr against env. It is total: lex, parse and evaluation
// failures all yield false.
func Match(expr string, env Env) bool {
	n, err := Parse(expr)
	if err != nil {
		return false
	}
	return n.eval(env)
}

// value is a resolved operand. Booleans are tracked separately because they
// never participate in numeric comparison.
type value struct {
	null   bool
	isBool bool
	b      bool
	s      string
}

func stringValue(s string) value { return value{s: s} }

func boolValue(b bool) value {
	v := value{isBool: true, b: b}
	if b {
		v.s = "true"
	} else {
		v.s = "false"
	}
	return v
}

func nullValue() value { return value{null: true} }

func (o operand) resolve(env Env) value {
	if !o.isIdent {
		return o.lit
	}
	s, ok := env.Resolve(o.ident)
	if !ok {
		return nullValue()
	}
	return stringValue(s)
}

func (n orNode) eval(env Env) bool  { return n.left.eval(env) || n.right.eval(env) }
func (n andNode) eval(env Env) bool { return n.left.eval(env) && n.right.eval(env) }
func (n notNode) eval(env Env) bool { return !n.inner.eval(env) }

func (n compareNode) eval(env Env) bool {
	l := n.left.resolve(env)
	r := n.right.resolve(env)
	if l.null || r.null {
		return false
	}
	// Numeric comparison when both sides parse as numbers; booleans are
	// non-numeric. Otherwise compare as strings.
	if !l.isBool && !r.isBool {
		if lf, err := strconv.ParseFloat(l.s, 64); err == nil {
			if rf, err := strconv.ParseFloat(r.s, 64); err == nil {
				return compareFloats(n.op, lf, rf)
			}
		}
	}
	return compareStrings(n.op, l.s, r.s)
}

func (n inNode) eval(env Env) bool {
	s, ok := env.Resolve(n.ident)
	if !ok {
		return false
	}
	for _, item := range n.items {
		if s == item {
			return true
		}
	}
	return false
}

func compareFloats(op tokenKind, l, r float64) bool {
	switch op {
	case tokEQ:
		return l == r
	case tokNE:
		return l != r
	case tokLT:
		return l < r
	case tokLE:
		return l <= r
	case tokGT:
		return l > r
	case tokGE:
		return l >= r
	}
	return false
}

func compareStrings(op tokenKind, l, r string) bool {
	switch op {
	case tokEQ:
		return l == r
	case tokNE:
		return l != r
	case tokLT:
		return l < r
	case tokLE:
		return l <= r
	case tokGT:
		return l > r
	case tokGE:
		return l >= r
	}
	return false
}
