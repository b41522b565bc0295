package expr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSyntax is returned by Compile for malformed expressions.
var ErrSyntax = errors.New("expr: syntax error")

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokWord
	tokString
	tokCompare
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}

// keywords are only recognized as whole words, so identifiers such as
// "orders" or "notes" stay identifiers.
var keywords = map[string]tokenKind{
	"and":        tokAnd,
	"or":         tokOr,
	"not":        tokNot,
	"contains":   tokCompare,
	"startsWith": tokCompare,
}

func isSymbol(c byte) bool {
	switch c {
	case '=', '!', '<', '>', '(', ')', '\'', '"':
		return true
	}
	return false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case isSpace(c):
			i++
		case c == '\'' || c == '"':
			s, end, err := scanString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i = end
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			next := byte(0)
			if i+1 < len(src) {
				next = src[i+1]
			}
			switch {
			case next == '=':
				toks = append(toks, token{kind: tokCompare, text: src[i : i+2], pos: i})
				i += 2
			case c == '!':
				toks = append(toks, token{kind: tokNot, text: "!", pos: i})
				i++
			case c == '=':
				return nil, fmt.Errorf("%w at offset %d: single '=' (use '==')", ErrSyntax, i)
			default:
				toks = append(toks, token{kind: tokCompare, text: string(c), pos: i})
				i++
			}
		default:
			start := i
			for i < len(src) && !isSpace(src[i]) && !isSymbol(src[i]) {
				i++
			}
			word := src[start:i]
			kind, ok := keywords[word]
			if !ok {
				kind = tokWord
			}
			toks = append(toks, token{kind: kind, text: word, pos: start})
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// scanString reads a quoted literal starting at src[start]. A backslash
// escapes the next byte.
func scanString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	for i := start + 1; i < len(src); i++ {
		switch src[i] {
		case '\\':
			if i+1 < len(src) {
				i++
				b.WriteByte(src[i])
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(src[i])
		}
	}
	return "", 0, fmt.Errorf("%w at offset %d: unterminated string", ErrSyntax, start)
}

// node is a compiled expression tree.
type node interface {
	eval(vars map[string]any) any
}

type literalNode struct{ value any }

func (n literalNode) eval(map[string]any) any { return n.value }

// identNode defers to Resolve so that unknown bare words still act as
// literals and dotted paths reach into nested objects.
type identNode struct{ name string }

func (n identNode) eval(vars map[string]any) any { return Resolve(n.name, vars) }

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(vars map[string]any) any {
	ok, _ := Compare(n.left.eval(vars), n.right.eval(vars), n.op)
	return ok
}

type notNode struct{ operand node }

func (n notNode) eval(vars map[string]any) any { return !IsTruthy(n.operand.eval(vars)) }

type andNode struct{ left, right node }

func (n andNode) eval(vars map[string]any) any {
	return IsTruthy(n.left.eval(vars)) && IsTruthy(n.right.eval(vars))
}

type orNode struct{ left, right node }

func (n orNode) eval(vars map[string]any) any {
	return IsTruthy(n.left.eval(vars)) || IsTruthy(n.right.eval(vars))
}

// parser is a recursive descent parser over the token stream. Precedence
// from loosest to tightest: or, and, not, comparison.
type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, t.pos, fmt.Sprintf(format, args...))
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
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
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.peek().kind == tokLParen {
		open := p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, p.errorf(open, "unclosed '('")
		}
		p.next()
		return inner, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokCompare {
		return left, nil
	}
	op := p.next()
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return compareNode{op: op.text, left: left, right: right}, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return literalNode{value: t.text}, nil
	case tokWord:
		p.next()
		return identNode{name: t.text}, nil
	default:
		return nil, p.errorf(t, "expected operand, got %s", t)
	}
}
