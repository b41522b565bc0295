package expr

import (
	"fmt"
	"strings"
)

// Program is a compiled expression. It is immutable and safe for
// concurrent use.
type Program struct {
	source string
	root   node
}

// Compile parses src. Operators missing an operand, dangling and/or/not,
// unbalanced parentheses and unterminated strings are ErrSyntax.
func Compile(src string) (*Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return &Program{source: src, root: root}, nil
}

// Source returns the expression text.
func (p *Program) Source() string { return p.source }

// Eval evaluates the program against vars.
func (p *Program) Eval(vars map[string]any) bool {
	return IsTruthy(p.root.eval(vars))
}

// Eval compiles and evaluates expr in one step. A blank expression is
// false.
func Eval(expr string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, nil
	}
	p, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return p.Eval(vars), nil
}

// Validate reports whether expr compiles.
func Validate(expr string) error {
	_, err := Compile(expr)
	return err
}
