package condition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Operator names a clause comparison.
type Operator string

// Clause operators.
const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "notEquals"
	OpBetween    Operator = "between"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpExists     Operator = "exists"
	OpIncludes   Operator = "includes"
	OpStartsWith Operator = "startsWith"

	// OpRange is produced by Parse for two-sided numeric filters that are
	// not an inclusive between, such as (> 0, < 10).
	OpRange Operator = "range"
)

// Sentinel errors.
var (
	// ErrNegatedBetween is returned by Between on a negated builder.
	ErrNegatedBetween = errors.New("between cannot be negated")

	// ErrEmptySubject indicates a clause without an attribute path.
	ErrEmptySubject = errors.New("empty subject path")

	// ErrPathConflict indicates one path used both as a leaf and as a parent.
	ErrPathConflict = errors.New("path is both a leaf and an object")

	// ErrUnsupportedPattern indicates a filter-policy entry Parse cannot map
	// to a clause.
	ErrUnsupportedPattern = errors.New("unsupported pattern")
)

// Clause is a single node of a condition: a predicate on one attribute path.
type Clause struct {
	Subject  string   `json:"subject" yaml:"subject"`
	Negated  bool     `json:"negated,omitempty" yaml:"negated,omitempty"`
	Operator Operator `json:"operator" yaml:"operator"`
	Operands []any    `json:"operands,omitempty" yaml:"operands,omitempty"`
}

// Builder accumulates the subject and negation of a clause until a terminal
// operator is called.
type Builder struct {
	subject string
	negated bool
}

// When starts a clause on the dotted attribute path.
func When(path string) *Builder {
	return &Builder{subject: path}
}

// Not toggles negation. Calling it twice restores the original polarity.
func (b *Builder) Not() *Builder {
	return &Builder{subject: b.subject, negated: !b.negated}
}

func (b *Builder) clause(op Operator, operands ...any) *Condition {
	return build([]Clause{{
		Subject:  b.subject,
		Negated:  b.negated,
		Operator: op,
		Operands: operands,
	}})
}

// Equals matches attributes equal to v.
func (b *Builder) Equals(v any) *Condition { return b.clause(OpEquals, v) }

// NotEquals matches present attributes different from v.
func (b *Builder) NotEquals(v any) *Condition { return b.clause(OpNotEquals, v) }

// Gt matches numeric attributes greater than n.
func (b *Builder) Gt(n float64) *Condition { return b.clause(OpGt, n) }

// Gte matches numeric attributes greater than or equal to n.
func (b *Builder) Gte(n float64) *Condition { return b.clause(OpGte, n) }

// Lt matches numeric attributes less than n.
func (b *Builder) Lt(n float64) *Condition { return b.clause(OpLt, n) }

// Lte matches numeric attributes less than or equal to n.
func (b *Builder) Lte(n float64) *Condition { return b.clause(OpLte, n) }

// Exists matches when the attribute is present.
func (b *Builder) Exists() *Condition { return b.clause(OpExists) }

// Includes matches attributes equal to any of values. Negated, it matches
// attributes equal to none of them.
func (b *Builder) Includes(values ...any) *Condition {
	return b.clause(OpIncludes, values...)
}

// StartsWith matches string attributes with the given prefix.
func (b *Builder) StartsWith(prefix string) *Condition {
	return b.clause(OpStartsWith, prefix)
}

// Between matches numeric attributes in the closed range [lo, hi].
func (b *Builder) Between(lo, hi float64) (*Condition, error) {
	if b.negated {
		return nil, fmt.Errorf("%s: %w", b.subject, ErrNegatedBetween)
	}
	if lo > hi {
		return nil, fmt.Errorf("%s: between lower bound %v exceeds upper bound %v", b.subject, lo, hi)
	}
	return b.clause(OpBetween, lo, hi), nil
}

// Condition is an immutable conjunction of clauses together with its
// serialized filter policy.
type Condition struct {
	clauses []Clause
	pattern map[string]any
	err     error
}

// New builds a condition from explicit clauses, as decoded from a
// configuration file.
func New(clauses ...Clause) (*Condition, error) {
	for _, c := range clauses {
		if c.Operator == OpBetween && c.Negated {
			return nil, fmt.Errorf("%s: %w", c.Subject, ErrNegatedBetween)
		}
	}
	c := build(clauses)
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

func build(clauses []Clause) *Condition {
	c := &Condition{clauses: clauses}
	c.pattern, c.err = serialize(clauses)
	return c
}

// And returns a condition requiring c and every other condition. Clauses on
// the same path accumulate rather than overwrite.
func (c *Condition) And(others ...*Condition) *Condition {
	merged := append([]Clause(nil), c.Clauses()...)
	for _, o := range others {
		merged = append(merged, o.Clauses()...)
	}
	return build(merged)
}

// Clauses returns a copy of the clause list. A nil condition has none.
func (c *Condition) Clauses() []Clause {
	if c == nil {
		return nil
	}
	return append([]Clause(nil), c.clauses...)
}

// Err reports a serialization problem, such as a path used both as a leaf
// and as a parent.
func (c *Condition) Err() error {
	if c == nil {
		return nil
	}
	return c.err
}

// Value returns the filter-policy form. Numbers are float64, as they would
// be after a JSON round trip. The returned map must not be modified.
func (c *Condition) Value() map[string]any {
	if c == nil || c.pattern == nil {
		return map[string]any{}
	}
	return c.pattern
}

// MarshalJSON encodes the filter-policy form.
func (c *Condition) MarshalJSON() ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(c.Value())
}

// UnmarshalJSON decodes a filter policy.
func (c *Condition) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

// Pretty returns the filter policy as indented JSON without HTML escaping,
// terminated by a newline.
func (c *Condition) Pretty() ([]byte, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Value()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Equal reports whether both conditions serialize to the same filter
// policy.
func (c *Condition) Equal(other *Condition) bool {
	if c.Err() != nil || other.Err() != nil {
		return false
	}
	return reflect.DeepEqual(c.Value(), other.Value())
}

// String returns the JSON form, or the serialization error.
func (c *Condition) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return "invalid condition: " + err.Error()
	}
	return string(data)
}

// Paths returns the dotted leaf paths referenced by the condition.
func (c *Condition) Paths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cl := range c.Clauses() {
		if !seen[cl.Subject] {
			seen[cl.Subject] = true
			out = append(out, cl.Subject)
		}
	}
	return out
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptySubject
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid path %q", path)
		}
	}
	return parts, nil
}
