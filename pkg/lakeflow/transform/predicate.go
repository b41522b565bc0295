package transform

import (
	"context"
	"errors"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Predicate answers whether a chain is complete.
type Predicate struct {
	eval *Evaluator
}

// NewPredicate builds a predicate from spec.
func NewPredicate(spec Spec, opts ...Option) (*Predicate, error) {
	eval, err := NewEvaluator(spec, opts...)
	if err != nil {
		return nil, err
	}
	return &Predicate{eval: eval}, nil
}

// Spec returns the predicate's spec.
func (p *Predicate) Spec() Spec {
	return p.eval.spec
}

// Test evaluates the predicate for latest against every stored event of
// its chain. The logic must produce a boolean; anything else is an
// ErrInvalidResult.
func (p *Predicate) Test(ctx context.Context, latest *event.Event, all []*event.Event) (bool, error) {
	if latest == nil {
		return false, errors.New("predicate needs a latest event")
	}
	return p.eval.test(ctx, latest, all)
}
