package expr

import (
	"fmt"
	"strings"
)

// Compare compares two values using the specified operator.
// Returns an error for unknown operators.
func Compare(left, right any, op string) (bool, error) {
	switch op {
	case "==":
		return compareEquals(left, right), nil
	case "!=":
		return compareNotEquals(left, right), nil
	case "<":
		return compareLT(left, right), nil
	case ">":
		return compareGT(left, right), nil
	case "<=":
		return compareLTE(left, right), nil
	case ">=":
		return compareGTE(left, right), nil
	case "contains":
		return compareContains(left, right), nil
	case "startsWith":
		return compareStartsWith(left, right), nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// compareEquals compares numbers numerically and everything else by its
// string form, so 5 == 5.0 and "5" == 5 both hold.
func compareEquals(left, right any) bool {
	if lf, ok := AsNumber(left); ok {
		if rf, ok := AsNumber(right); ok {
			return lf == rf
		}
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

func compareNotEquals(left, right any) bool {
	return !compareEquals(left, right)
}

func compareLT(left, right any) bool {
	return ToFloat64(left) < ToFloat64(right)
}

func compareGT(left, right any) bool {
	return ToFloat64(left) > ToFloat64(right)
}

func compareLTE(left, right any) bool {
	return ToFloat64(left) <= ToFloat64(right)
}

func compareGTE(left, right any) bool {
	return ToFloat64(left) >= ToFloat64(right)
}

func compareContains(left, right any) bool {
	if items, ok := left.([]any); ok {
		for _, item := range items {
			if compareEquals(item, right) {
				return true
			}
		}
		return false
	}
	return strings.Contains(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right))
}

func compareStartsWith(left, right any) bool {
	return strings.HasPrefix(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right))
}
