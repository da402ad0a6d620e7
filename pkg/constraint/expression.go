package constraint

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Implicit node properties available to every expression
const (
	PropertyNodeName      = "NodeName"
	PropertyFaultDomain   = "FaultDomain"
	PropertyUpgradeDomain = "UpgradeDomain"
)

// IsImplicitProperty reports whether key is provided for every node without
// being declared in node properties.
func IsImplicitProperty(key string) bool {
	switch key {
	case PropertyNodeName, PropertyFaultDomain, PropertyUpgradeDomain:
		return true
	}
	return false
}

// Expression is a parsed placement constraint such as
// "(NodeType == FrontEnd && Disk >= 100) || !(Color == Red)".
type Expression struct {
	source string
	root   node
}

type node interface {
	eval(props map[string]string) bool
	keys(out map[string]struct{})
}

type compareOp int

const (
	opEq compareOp = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

type comparison struct {
	key   string
	op    compareOp
	value string
}

type andNode struct{ left, right node }
type orNode struct{ left, right node }
type notNode struct{ inner node }

func (c comparison) eval(props map[string]string) bool {
	actual, ok := props[c.key]
	if !ok {
		return false
	}

	af, aerr := strconv.ParseFloat(actual, 64)
	vf, verr := strconv.ParseFloat(c.value, 64)
	if aerr == nil && verr == nil {
		switch c.op {
		case opEq:
			return af == vf
		case opNe:
			return af != vf
		case opLt:
			return af < vf
		case opLe:
			return af <= vf
		case opGt:
			return af > vf
		case opGe:
			return af >= vf
		}
	}

	switch c.op {
	case opEq:
		return strings.EqualFold(actual, c.value)
	case opNe:
		return !strings.EqualFold(actual, c.value)
	case opLt:
		return actual < c.value
	case opLe:
		return actual <= c.value
	case opGt:
		return actual > c.value
	case opGe:
		return actual >= c.value
	}
	return false
}

func (c comparison) keys(out map[string]struct{}) { out[c.key] = struct{}{} }

func (n andNode) eval(props map[string]string) bool {
	return n.left.eval(props) && n.right.eval(props)
}
func (n andNode) keys(out map[string]struct{}) { n.left.keys(out); n.right.keys(out) }

func (n orNode) eval(props map[string]string) bool {
	return n.left.eval(props) || n.right.eval(props)
}
func (n orNode) keys(out map[string]struct{}) { n.left.keys(out); n.right.keys(out) }

func (n notNode) eval(props map[string]string) bool { return !n.inner.eval(props) }
func (n notNode) keys(out map[string]struct{}) { n.inner.keys(out) }

// Parse parses a placement constraint. An empty string parses to an
// expression that every node satisfies.
func Parse(source string) (*Expression, error) {
	expr := &Expression{source: source}
	if strings.TrimSpace(source) == "" {
		return expr, nil
	}

	tokens, err := tokenize(source)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.tokens[p.pos].text, p.tokens[p.pos].offset)
	}
	expr.root = root
	return expr, nil
}

// String returns the source text
func (e *Expression) String() string {
	return e.source
}

// Eval evaluates the expression against node properties
func (e *Expression) Eval(props map[string]string) bool {
	if e.root == nil {
		return true
	}
	return e.root.eval(props)
}

// Keys returns the property keys referenced by the expression
func (e *Expression) Keys() []string {
	if e.root == nil {
		return nil
	}
	set := make(map[string]struct{})
	e.root.keys(set)
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokOp
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func tokenize(s string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case strings.HasPrefix(s[i:], "&&"):
			tokens = append(tokens, token{tokAnd, "&&", i})
			i += 2
		case strings.HasPrefix(s[i:], "||"):
			tokens = append(tokens, token{tokOr, "||", i})
			i += 2
		case strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], "<="), strings.HasPrefix(s[i:], ">="):
			tokens = append(tokens, token{tokOp, s[i : i+2], i})
			i += 2
		case c == '<' || c == '>':
			tokens = append(tokens, token{tokOp, string(c), i})
			i++
		case c == '!':
			tokens = append(tokens, token{tokNot, "!", i})
			i++
		case c == '"' || c == '\'':
			end := strings.IndexRune(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			tokens = append(tokens, token{tokString, s[i+1 : i+1+end], i})
			i += end + 2
		case isIdentRune(c):
			start := i
			for i < len(s) && isIdentRune(rune(s[i])) {
				i++
			}
			tokens = append(tokens, token{tokIdent, s[start:i], start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return tokens, nil
}

func isIdentRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '-' || c == ':' || c == '/'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokNot:
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at offset %d", t.offset)
		}
		p.pos++
		return inner, nil
	default:
		return p.parseComparison()
	}
}

func (p *parser) parseComparison() (node, error) {
	key, ok := p.peek()
	if !ok || key.kind != tokIdent {
		return nil, fmt.Errorf("expected property name at offset %d", key.offset)
	}
	p.pos++

	opTok, ok := p.peek()
	if !ok || opTok.kind != tokOp {
		return nil, fmt.Errorf("expected comparison after %q", key.text)
	}
	p.pos++

	value, ok := p.peek()
	if !ok || (value.kind != tokIdent && value.kind != tokString) {
		return nil, fmt.Errorf("expected value after %q %s", key.text, opTok.text)
	}
	p.pos++

	ops := map[string]compareOp{"==": opEq, "!=": opNe, "<": opLt, "<=": opLe, ">": opGt, ">=": opGe}
	return comparison{key: key.text, op: ops[opTok.text], value: value.text}, nil
}
