// Package gate compiles middleware eligibility and user conditions into the
// filter policies attached to inbound subscriptions.
//
// The gate is a wiring-time artifact. Each upstream edge of a middleware
// gets its own subscription whose policy is the middleware's eligibility
// AND-ed with the edge's condition; the bus evaluates it before delivery,
// so ineligible events never reach the handler.
//
//	subs, err := gate.Bind(b, gate.Middleware{
//	    Name:        "ocr",
//	    Eligibility: gate.Eligibility{MimeTypes: []string{"image/*", "application/pdf"}},
//	}, ocr.Handle,
//	    gate.Edge{Topic: "uploads"},
//	    gate.Edge{Topic: "pages", Condition: condition.When("data.metadata.language").Equals("fr")},
//	)
package gate

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/randalmurphal/lakeflow/pkg/lakeflow/bus"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/condition"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/config"
	"github.com/randalmurphal/lakeflow/pkg/lakeflow/event"
)

// Attribute paths constrained by eligibility rules.
const (
	TypePath     = "type"
	MimeTypePath = "data.document.type"
)

// ErrConflictingCondition is returned when a user condition constrains an
// eligibility path in a way the filter format can only express as a union.
var ErrConflictingCondition = errors.New("condition widens middleware eligibility")

// Eligibility lists the inputs a middleware accepts. Empty lists accept
// anything. A mime type ending in "/*" matches by prefix; "*/*" accepts
// every document.
type Eligibility struct {
	Types     []event.Type `json:"types,omitempty" yaml:"types,omitempty"`
	MimeTypes []string     `json:"mimeTypes,omitempty" yaml:"mimeTypes,omitempty"`
}

// EligibilityFromConfig reads "types" and "mimeTypes" lists.
func EligibilityFromConfig(cfg config.Config) Eligibility {
	var e Eligibility
	for _, t := range cfg.StringSlice("types", nil) {
		e.Types = append(e.Types, event.Type(t))
	}
	e.MimeTypes = cfg.StringSlice("mimeTypes", nil)
	return e
}

// AcceptsType reports whether events of type t are eligible.
func (e Eligibility) AcceptsType(t event.Type) bool {
	return len(e.Types) == 0 || slices.Contains(e.Types, t)
}

// AcceptsMimeType reports whether documents of the given type are eligible.
func (e Eligibility) AcceptsMimeType(mime string) bool {
	if e.anyMimeType() {
		return true
	}
	for _, m := range e.MimeTypes {
		if prefix, ok := wildcard(m); ok {
			if strings.HasPrefix(mime, prefix) {
				return true
			}
		} else if m == mime {
			return true
		}
	}
	return false
}

func (e Eligibility) anyMimeType() bool {
	return len(e.MimeTypes) == 0 || slices.Contains(e.MimeTypes, "*/*") || slices.Contains(e.MimeTypes, "*")
}

// wildcard returns the prefix of an "image/*" style pattern.
func wildcard(m string) (string, bool) {
	if strings.HasSuffix(m, "/*") {
		return strings.TrimSuffix(m, "*"), true
	}
	return "", false
}

// clauses renders the eligibility as filter clauses, keyed by path.
func (e Eligibility) clauses() map[string][]condition.Clause {
	out := make(map[string][]condition.Clause)

	if len(e.Types) > 0 {
		types := make([]any, 0, len(e.Types))
		for _, t := range e.Types {
			types = append(types, string(t))
		}
		out[TypePath] = condition.When(TypePath).Includes(types...).Clauses()
	}

	if !e.anyMimeType() {
		var exact []any
		var mime []condition.Clause
		for _, m := range e.MimeTypes {
			if prefix, ok := wildcard(m); ok {
				mime = append(mime, condition.When(MimeTypePath).StartsWith(prefix).Clauses()...)
			} else {
				exact = append(exact, m)
			}
		}
		if len(exact) > 0 {
			mime = append(condition.When(MimeTypePath).Includes(exact...).Clauses(), mime...)
		}
		out[MimeTypePath] = mime
	}
	return out
}

// Compile combines eligibility with an optional user condition into one
// filter policy.
//
// Clauses on one path are alternatives in the filter format, so a user
// clause on an eligibility path cannot simply be appended. When every user
// clause on that path selects values the eligibility accepts, the user
// clauses replace the eligibility ones. Anything else would widen the
// eligibility and returns ErrConflictingCondition.
func Compile(e Eligibility, user *condition.Condition) (*condition.Condition, error) {
	if err := user.Err(); err != nil {
		return nil, err
	}

	rules := e.clauses()
	for _, path := range user.Paths() {
		if _, ok := rules[path]; !ok {
			continue
		}
		if err := narrows(e, path, user.Clauses()); err != nil {
			return nil, err
		}
		delete(rules, path)
	}

	var clauses []condition.Clause
	for _, path := range []string{TypePath, MimeTypePath} {
		clauses = append(clauses, rules[path]...)
	}
	clauses = append(clauses, user.Clauses()...)
	if len(clauses) == 0 {
		return nil, nil
	}
	return condition.New(clauses...)
}

// narrows checks that every user clause on path selects eligible values.
func narrows(e Eligibility, path string, clauses []condition.Clause) error {
	for _, cl := range clauses {
		if cl.Subject != path {
			continue
		}
		if cl.Negated || (cl.Operator != condition.OpEquals && cl.Operator != condition.OpIncludes) {
			return fmt.Errorf("%w: %s clause on %s", ErrConflictingCondition, cl.Operator, path)
		}
		for _, v := range cl.Operands {
			s, ok := v.(string)
			if t, isType := v.(event.Type); isType {
				s, ok = string(t), true
			}
			if !ok || !accepts(e, path, s) {
				return fmt.Errorf("%w: %s %v is not eligible", ErrConflictingCondition, path, v)
			}
		}
	}
	return nil
}

func accepts(e Eligibility, path, v string) bool {
	if path == TypePath {
		return e.AcceptsType(event.Type(v))
	}
	return e.AcceptsMimeType(v)
}

// Middleware identifies a subscriber and the inputs it accepts.
type Middleware struct {
	Name        string
	Eligibility Eligibility
}

// Edge is one upstream source of a middleware. A nil condition admits every
// eligible event on the topic.
type Edge struct {
	Topic     string
	Condition *condition.Condition
}

// EdgeFromConfig reads an edge from a config section with a "topic" and an
// optional "when" filter policy.
func EdgeFromConfig(cfg config.Config) (Edge, error) {
	edge := Edge{Topic: cfg.String("topic", "")}
	if edge.Topic == "" {
		return Edge{}, errors.New("edge needs a topic")
	}
	if cfg.Has("when") {
		cond, err := condition.FromMap(cfg.Section("when").Raw())
		if err != nil {
			return Edge{}, fmt.Errorf("edge %s: %w", edge.Topic, err)
		}
		edge.Condition = cond
	}
	return edge, nil
}

// Subscriber is the part of the bus Bind needs.
type Subscriber interface {
	Subscribe(topic, name string, policy *condition.Condition, handler bus.Handler) (bus.Subscription, error)
}

// Bind subscribes handler once per edge, each with its own compiled policy.
// Several edges on one topic get distinct subscriber names. If any edge
// fails, the subscriptions already made are removed.
func Bind(b Subscriber, mw Middleware, handler bus.Handler, edges ...Edge) ([]bus.Subscription, error) {
	if mw.Name == "" {
		return nil, errors.New("middleware needs a name")
	}
	if len(edges) == 0 {
		return nil, fmt.Errorf("middleware %s: no edges", mw.Name)
	}

	subs := make([]bus.Subscription, 0, len(edges))
	unwind := func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}

	perTopic := make(map[string]int)
	for _, edge := range edges {
		policy, err := Compile(mw.Eligibility, edge.Condition)
		if err != nil {
			unwind()
			return nil, fmt.Errorf("middleware %s, edge %s: %w", mw.Name, edge.Topic, err)
		}

		name := mw.Name
		if n := perTopic[edge.Topic]; n > 0 {
			name = fmt.Sprintf("%s#%d", mw.Name, n+1)
		}
		perTopic[edge.Topic]++

		sub, err := b.Subscribe(edge.Topic, name, policy, handler)
		if err != nil {
			unwind()
			return nil, fmt.Errorf("middleware %s, edge %s: %w", mw.Name, edge.Topic, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
