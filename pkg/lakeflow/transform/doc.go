// Package transform evaluates pipeline-author logic over events.
//
// One Evaluator implementation serves two callers: the Transform middleware,
// which maps a batch of events to output events, and the Conditional
// reducer, which asks a yes/no question about a chain. The difference is
// only in the inputs handed to the logic: a transform sees its events, a
// predicate additionally sees the latest event and every stored sibling.
//
// # Modes
//
// The execution mode is fixed by a Spec at configuration time:
//
//   - handler: a Go function registered by name in a Registry
//   - cue: a CUE program evaluated in-process with no filesystem or
//     network access; inputs are unified into the fields events, siblings
//     and latest, and the program's answer is its result field
//   - expr: a boolean expression (see package expr); as a transform it
//     keeps the events it matches, as a predicate it tests the latest event
//   - remote: a named function invoked synchronously over HTTP
//
// Every evaluation is bounded by the spec's timeout (default 10s). Remote
// execution errors are returned as RemoteExecutionError and are never
// retried here.
//
// # Example
//
//	eval, err := transform.NewEvaluator(transform.Spec{
//	    Mode:   transform.ModeCUE,
//	    Source: `result: [for e in events if e.data.document.type == "text/plain" {e}]`,
//	})
//	out, err := eval.Evaluate(ctx, events)
package transform
