// Package reference resolves typed references to concrete values at
// evaluation time.
//
// A Reference names where a value comes from: a literal (Value), an
// attribute already present on the event (Attribute), an attribute that
// may point at an external payload (Pointer), or external content behind
// a URL (URL). Middlewares use references to consume the output of a
// previous step without hardcoding where it lives.
//
//	ref := reference.Attribute("data.metadata.language").WithDefault("en")
//	lang, err := resolver.Lookup(evt, ref)
//
// Attribute and Value references resolve synchronously with Lookup.
// Pointer and URL references may fetch and resolve through Resolve or
// ResolveAsync.
package reference

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies where a reference takes its value from.
type Kind string

// Reference kinds.
const (
	KindValue     Kind = "value"
	KindAttribute Kind = "attribute"
	KindPointer   Kind = "pointer"
	KindURL       Kind = "url"
)

// Reference is an immutable description of a value source.
type Reference struct {
	kind       Kind
	subject    string
	value      any
	def        any
	hasDefault bool
}

// Value references a literal.
func Value(v any) Reference {
	return Reference{kind: KindValue, value: v}
}

// Attribute references a dotted attribute path on the event.
func Attribute(path string) Reference {
	return Reference{kind: KindAttribute, subject: path}
}

// Pointer references a dotted attribute path whose value may point at an
// external payload, either a URI string or a document object with a url.
func Pointer(path string) Reference {
	return Reference{kind: KindPointer, subject: path}
}

// URL references external content.
func URL(u string) Reference {
	return Reference{kind: KindURL, subject: u}
}

// WithDefault returns a copy of r that yields v when its attribute is
// absent.
func (r Reference) WithDefault(v any) Reference {
	r.def = v
	r.hasDefault = true
	return r
}

// Kind returns the reference kind.
func (r Reference) Kind() Kind { return r.kind }

// Subject returns the attribute path or URL.
func (r Reference) Subject() string { return r.subject }

// Default returns the default value, if one was set.
func (r Reference) Default() (any, bool) { return r.def, r.hasDefault }

// String returns a short description.
func (r Reference) String() string {
	if r.kind == KindValue {
		return fmt.Sprintf("value(%v)", r.value)
	}
	return fmt.Sprintf("%s(%s)", r.kind, r.subject)
}

type wireReference struct {
	Kind    Kind            `json:"kind"`
	URL     string          `json:"url,omitempty"`
	Path    string          `json:"path,omitempty"`
	Value   any             `json:"value,omitempty"`
	Default json.RawMessage `json:"default,omitempty"`
}

// MarshalJSON encodes the reference for configuration files.
func (r Reference) MarshalJSON() ([]byte, error) {
	w := wireReference{Kind: r.kind}
	switch r.kind {
	case KindValue:
		w.Value = r.value
	case KindURL:
		w.URL = r.subject
	case KindAttribute, KindPointer:
		w.Path = r.subject
	default:
		return nil, fmt.Errorf("unknown reference kind %q", r.kind)
	}
	if r.hasDefault {
		def, err := json.Marshal(r.def)
		if err != nil {
			return nil, fmt.Errorf("encode default: %w", err)
		}
		w.Default = def
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a reference.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var w wireReference
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var out Reference
	switch w.Kind {
	case KindValue:
		out = Value(w.Value)
	case KindURL:
		if w.URL == "" {
			return errors.New("url reference without url")
		}
		out = URL(w.URL)
	case KindAttribute, KindPointer:
		if w.Path == "" {
			return fmt.Errorf("%s reference without path", w.Kind)
		}
		out = Reference{kind: w.Kind, subject: w.Path}
	default:
		return fmt.Errorf("unknown reference kind %q", w.Kind)
	}

	if w.Default != nil {
		var def any
		if err := json.Unmarshal(w.Default, &def); err != nil {
			return fmt.Errorf("decode default: %w", err)
		}
		out = out.WithDefault(def)
	}
	*r = out
	return nil
}
