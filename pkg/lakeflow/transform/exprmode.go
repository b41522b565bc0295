package transform

import (
	"context"
	"fmt"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/expr"
)

// exprRunner evaluates a boolean expression.
//
// As a predicate the variables are latest (and its alias event), the
// latest event's attributes, and count, the number of stored siblings. As
// a transform the expression runs once per event with event and count
// bound, and the matching events are kept.
type exprRunner struct {
	prog *expr.Program
}

func newExprRunner(source string) (*exprRunner, error) {
	prog, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	return &exprRunner{prog: prog}, nil
}

func (r *exprRunner) run(ctx context.Context, p purpose, in Input) (any, error) {
	if p == purposePredicate {
		attrs := in.Latest.Attributes()
		return r.prog.Eval(map[string]any{
			"latest": attrs,
			"event":  attrs,
			"count":  len(in.Siblings),
		}), nil
	}

	kept := make([]*event.Event, 0, len(in.Events))
	for _, evt := range in.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if r.prog.Eval(map[string]any{
			"event": evt.Attributes(),
			"count": len(in.Events),
		}) {
			kept = append(kept, evt)
		}
	}
	return kept, nil
}
