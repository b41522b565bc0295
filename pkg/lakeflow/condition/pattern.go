package condition

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/expr"
)

// Filter-policy operator keys.
const (
	keyNumeric     = "numeric"
	keyExists      = "exists"
	keyPrefix      = "prefix"
	keyAnythingBut = "anything-but"
)

// comparison symbols, plain and negated
var numericSymbols = map[Operator][2]string{
	OpGt:  {">", "<="},
	OpGte: {">=", "<"},
	OpLt:  {"<", ">="},
	OpLte: {"<=", ">"},
}

func serialize(clauses []Clause) (map[string]any, error) {
	root := make(map[string]any)
	for _, cl := range clauses {
		parts, err := splitPath(cl.Subject)
		if err != nil {
			return nil, err
		}
		entries, err := cl.entries()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cl.Subject, err)
		}
		if err := insert(root, parts, entries); err != nil {
			return nil, fmt.Errorf("%s: %w", cl.Subject, err)
		}
	}
	return normalize(root)
}

// normalize passes the tree through JSON so that numbers compare as they
// will after the policy is shipped and re-parsed.
func normalize(tree map[string]any) (map[string]any, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode pattern: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode pattern: %w", err)
	}
	return out, nil
}

func insert(root map[string]any, parts []string, entries []any) error {
	node := root
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p]
		if !ok {
			next := make(map[string]any)
			node[p] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			return ErrPathConflict
		}
		node = next
	}

	leaf := parts[len(parts)-1]
	existing, ok := node[leaf]
	if !ok {
		node[leaf] = append([]any(nil), entries...)
		return nil
	}
	arr, ok := existing.([]any)
	if !ok {
		return ErrPathConflict
	}
	node[leaf] = append(arr, entries...)
	return nil
}

// entries renders a clause as the array entries of its leaf.
func (cl Clause) entries() ([]any, error) {
	op, neg := cl.Operator, cl.Negated
	if op == OpNotEquals {
		op, neg = OpEquals, !neg
	}

	switch op {
	case OpEquals:
		if len(cl.Operands) != 1 {
			return nil, fmt.Errorf("%s takes one operand, got %d", op, len(cl.Operands))
		}
		if !isScalar(cl.Operands[0]) {
			return nil, fmt.Errorf("%s operand must be a scalar, got %T", op, cl.Operands[0])
		}
		if neg {
			return []any{map[string]any{keyAnythingBut: []any{cl.Operands[0]}}}, nil
		}
		return []any{cl.Operands[0]}, nil

	case OpIncludes:
		if len(cl.Operands) == 0 {
			return nil, fmt.Errorf("%s needs at least one operand", op)
		}
		for _, v := range cl.Operands {
			if !isScalar(v) {
				return nil, fmt.Errorf("%s operand must be a scalar, got %T", op, v)
			}
		}
		values := append([]any(nil), cl.Operands...)
		if neg {
			return []any{map[string]any{keyAnythingBut: values}}, nil
		}
		return values, nil

	case OpGt, OpGte, OpLt, OpLte:
		n, err := numericOperand(op, cl.Operands)
		if err != nil {
			return nil, err
		}
		symbol := numericSymbols[op][0]
		if neg {
			symbol = numericSymbols[op][1]
		}
		return []any{map[string]any{keyNumeric: []any{symbol, n}}}, nil

	case OpBetween:
		if neg {
			return nil, ErrNegatedBetween
		}
		if len(cl.Operands) != 2 {
			return nil, fmt.Errorf("%s takes two operands, got %d", op, len(cl.Operands))
		}
		lo, ok1 := expr.AsNumber(cl.Operands[0])
		hi, ok2 := expr.AsNumber(cl.Operands[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s operands must be numbers", op)
		}
		return []any{map[string]any{keyNumeric: []any{">=", lo, "<=", hi}}}, nil

	case OpRange:
		if neg {
			return nil, fmt.Errorf("%s cannot be negated", op)
		}
		if err := validRange(cl.Operands); err != nil {
			return nil, err
		}
		return []any{map[string]any{keyNumeric: append([]any(nil), cl.Operands...)}}, nil

	case OpExists:
		return []any{map[string]any{keyExists: !neg}}, nil

	case OpStartsWith:
		if len(cl.Operands) != 1 {
			return nil, fmt.Errorf("%s takes one operand, got %d", op, len(cl.Operands))
		}
		prefix, ok := cl.Operands[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s operand must be a string, got %T", op, cl.Operands[0])
		}
		if neg {
			return []any{map[string]any{keyAnythingBut: map[string]any{keyPrefix: prefix}}}, nil
		}
		return []any{map[string]any{keyPrefix: prefix}}, nil

	default:
		return nil, fmt.Errorf("unknown operator %q", cl.Operator)
	}
}

func numericOperand(op Operator, operands []any) (float64, error) {
	if len(operands) != 1 {
		return 0, fmt.Errorf("%s takes one operand, got %d", op, len(operands))
	}
	n, ok := expr.AsNumber(operands[0])
	if !ok {
		return 0, fmt.Errorf("%s operand must be a number, got %T", op, operands[0])
	}
	return n, nil
}

func validRange(operands []any) error {
	if len(operands) != 4 {
		return fmt.Errorf("range takes four operands, got %d", len(operands))
	}
	lower, _ := operands[0].(string)
	upper, _ := operands[2].(string)
	if (lower != ">" && lower != ">=") || (upper != "<" && upper != "<=") {
		return fmt.Errorf("range must be a lower then an upper bound, got %q %q", lower, upper)
	}
	if _, ok := expr.AsNumber(operands[1]); !ok {
		return fmt.Errorf("range bound must be a number, got %T", operands[1])
	}
	if _, ok := expr.AsNumber(operands[3]); !ok {
		return fmt.Errorf("range bound must be a number, got %T", operands[3])
	}
	return nil
}

func isScalar(v any) bool {
	if v == nil {
		return true
	}
	if _, ok := expr.AsNumber(v); ok {
		return true
	}
	switch v.(type) {
	case string, bool:
		return true
	}
	return false
}

// Parse decodes a filter policy into a condition. Parsing the output of
// MarshalJSON yields an Equal condition.
func Parse(data []byte) (*Condition, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	return FromMap(root)
}

// FromMap builds a condition from an already decoded filter policy, such as
// a section of a YAML pipeline file.
func FromMap(m map[string]any) (*Condition, error) {
	// YAML decoders produce int and map[string]interface{} variants;
	// normalizing first gives Parse a single shape to walk.
	norm, err := normalize(m)
	if err != nil {
		return nil, err
	}
	var clauses []Clause
	if err := walk(norm, "", &clauses); err != nil {
		return nil, err
	}
	return New(clauses...)
}

func walk(node map[string]any, prefix string, out *[]Clause) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch v := node[k].(type) {
		case map[string]any:
			if err := walk(v, path, out); err != nil {
				return err
			}
		case []any:
			if len(v) == 0 {
				return fmt.Errorf("%s: empty pattern array: %w", path, ErrUnsupportedPattern)
			}
			for _, entry := range v {
				cl, err := entryClause(path, entry)
				if err != nil {
					return err
				}
				*out = append(*out, cl)
			}
		default:
			return fmt.Errorf("%s: leaf must be an array, got %T: %w", path, v, ErrUnsupportedPattern)
		}
	}
	return nil
}

func entryClause(path string, entry any) (Clause, error) {
	obj, ok := entry.(map[string]any)
	if !ok {
		if !isScalar(entry) {
			return Clause{}, fmt.Errorf("%s: %T: %w", path, entry, ErrUnsupportedPattern)
		}
		return Clause{Subject: path, Operator: OpEquals, Operands: []any{entry}}, nil
	}
	if len(obj) != 1 {
		return Clause{}, fmt.Errorf("%s: operator object must have one key: %w", path, ErrUnsupportedPattern)
	}

	for key, spec := range obj {
		switch key {
		case keyExists:
			b, ok := spec.(bool)
			if !ok {
				break
			}
			return Clause{Subject: path, Negated: !b, Operator: OpExists}, nil

		case keyPrefix:
			s, ok := spec.(string)
			if !ok {
				break
			}
			return Clause{Subject: path, Operator: OpStartsWith, Operands: []any{s}}, nil

		case keyNumeric:
			return numericClause(path, spec)

		case keyAnythingBut:
			return anythingButClause(path, spec)
		}
	}
	return Clause{}, fmt.Errorf("%s: %v: %w", path, entry, ErrUnsupportedPattern)
}

func numericClause(path string, spec any) (Clause, error) {
	ops, ok := spec.([]any)
	if !ok {
		return Clause{}, fmt.Errorf("%s: numeric must be an array: %w", path, ErrUnsupportedPattern)
	}
	switch len(ops) {
	case 2:
		symbol, _ := ops[0].(string)
		n, ok := expr.AsNumber(ops[1])
		if !ok {
			break
		}
		for op, symbols := range numericSymbols {
			if symbols[0] == symbol {
				return Clause{Subject: path, Operator: op, Operands: []any{n}}, nil
			}
		}
		if symbol == "=" {
			return Clause{Subject: path, Operator: OpEquals, Operands: []any{n}}, nil
		}
	case 4:
		if ops[0] == ">=" && ops[2] == "<=" {
			lo, ok1 := expr.AsNumber(ops[1])
			hi, ok2 := expr.AsNumber(ops[3])
			if ok1 && ok2 {
				return Clause{Subject: path, Operator: OpBetween, Operands: []any{lo, hi}}, nil
			}
		}
		if err := validRange(ops); err != nil {
			return Clause{}, fmt.Errorf("%s: %v: %w", path, err, ErrUnsupportedPattern)
		}
		return Clause{Subject: path, Operator: OpRange, Operands: append([]any(nil), ops...)}, nil
	}
	return Clause{}, fmt.Errorf("%s: numeric %v: %w", path, ops, ErrUnsupportedPattern)
}

func anythingButClause(path string, spec any) (Clause, error) {
	switch v := spec.(type) {
	case []any:
		if len(v) == 0 {
			break
		}
		for _, x := range v {
			if !isScalar(x) {
				return Clause{}, fmt.Errorf("%s: anything-but %T: %w", path, x, ErrUnsupportedPattern)
			}
		}
		if len(v) == 1 {
			return Clause{Subject: path, Negated: true, Operator: OpEquals, Operands: []any{v[0]}}, nil
		}
		return Clause{Subject: path, Negated: true, Operator: OpIncludes, Operands: append([]any(nil), v...)}, nil
	case map[string]any:
		if p, ok := v[keyPrefix].(string); ok && len(v) == 1 {
			return Clause{Subject: path, Negated: true, Operator: OpStartsWith, Operands: []any{p}}, nil
		}
	default:
		if isScalar(v) {
			return Clause{Subject: path, Negated: true, Operator: OpEquals, Operands: []any{v}}, nil
		}
	}
	return Clause{}, fmt.Errorf("%s: anything-but %v: %w", path, spec, ErrUnsupportedPattern)
}
