package condition

import (
	"reflect"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/expr"
)

// Match reports whether attrs satisfy the condition. A nil condition
// matches everything; a condition that failed to serialize matches nothing.
func (c *Condition) Match(attrs map[string]any) bool {
	if c == nil {
		return true
	}
	if c.err != nil {
		return false
	}
	return matchObject(c.pattern, attrs)
}

// MatchEvent matches against the event's JSON attributes.
func (c *Condition) MatchEvent(evt *event.Event) bool {
	if c == nil {
		return true
	}
	if evt == nil {
		return false
	}
	return c.Match(evt.Attributes())
}

func matchObject(pattern, attrs map[string]any) bool {
	for key, pv := range pattern {
		av, present := attrs[key]
		switch p := pv.(type) {
		case map[string]any:
			sub, _ := av.(map[string]any)
			if !matchObject(p, sub) {
				return false
			}
		case []any:
			if !matchLeaf(p, av, present) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func matchLeaf(entries []any, av any, present bool) bool {
	for _, e := range entries {
		if matchEntry(e, av, present) {
			return true
		}
	}
	return false
}

func matchEntry(entry, av any, present bool) bool {
	if obj, ok := entry.(map[string]any); ok {
		if want, ok := obj[keyExists]; ok {
			b, _ := want.(bool)
			return present == b
		}
		if spec, ok := obj[keyAnythingBut]; ok {
			return present && matchAnythingBut(spec, av)
		}
	}
	if !present {
		return false
	}
	if arr, ok := av.([]any); ok {
		for _, el := range arr {
			if matchValue(entry, el) {
				return true
			}
		}
		return false
	}
	return matchValue(entry, av)
}

// matchAnythingBut requires every element of an array attribute to pass.
func matchAnythingBut(spec, av any) bool {
	if arr, ok := av.([]any); ok {
		for _, el := range arr {
			if !notExcluded(spec, el) {
				return false
			}
		}
		return true
	}
	return notExcluded(spec, av)
}

func notExcluded(spec, v any) bool {
	switch s := spec.(type) {
	case []any:
		for _, x := range s {
			if equalValues(v, x) {
				return false
			}
		}
		return true
	case map[string]any:
		prefix, _ := s[keyPrefix].(string)
		str, ok := v.(string)
		if !ok {
			return true
		}
		return !strings.HasPrefix(norm.NFC.String(str), norm.NFC.String(prefix))
	default:
		return !equalValues(v, s)
	}
}

func matchValue(entry, v any) bool {
	obj, ok := entry.(map[string]any)
	if !ok {
		return equalValues(v, entry)
	}
	if p, ok := obj[keyPrefix]; ok {
		prefix, _ := p.(string)
		s, ok := v.(string)
		return ok && strings.HasPrefix(norm.NFC.String(s), norm.NFC.String(prefix))
	}
	if ops, ok := obj[keyNumeric].([]any); ok {
		return matchNumeric(ops, v)
	}
	return false
}

func matchNumeric(ops []any, v any) bool {
	x, ok := expr.AsNumber(v)
	if !ok || len(ops) < 2 {
		return false
	}
	for i := 0; i+1 < len(ops); i += 2 {
		symbol, _ := ops[i].(string)
		bound, ok := expr.AsNumber(ops[i+1])
		if !ok {
			return false
		}
		var hold bool
		switch symbol {
		case ">":
			hold = x > bound
		case ">=":
			hold = x >= bound
		case "<":
			hold = x < bound
		case "<=":
			hold = x <= bound
		case "=":
			hold = x == bound
		}
		if !hold {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if x, ok := expr.AsNumber(a); ok {
		y, ok := expr.AsNumber(b)
		return ok && x == y
	}
	if s, ok := a.(string); ok {
		t, ok := b.(string)
		return ok && norm.NFC.String(s) == norm.NFC.String(t)
	}
	return reflect.DeepEqual(a, b)
}
