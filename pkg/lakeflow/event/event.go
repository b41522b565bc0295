package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents specification version carried by events.
const SpecVersion = "1.0"

// Type is the kind of change an event describes.
type Type string

// Event types.
const (
	DocumentCreated Type = "document-created"
	DocumentDeleted Type = "document-deleted"
)

// CompositeType is the mime type of an aggregate document: a JSON array of
// the constituent events.
const CompositeType = "application/cloudevents+json"

// Document references a payload stored outside the event.
type Document struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
	Etag string `json:"etag,omitempty"`
}

// Data is the body of an event.
type Data struct {
	ChainID   string   `json:"chainId"`
	Source    Document `json:"source"`
	Document  Document `json:"document"`
	Metadata  Metadata `json:"metadata"`
	CallStack []string `json:"callStack"`
}

// Event is a CloudEvent flowing through a pipeline.
// Events are shared by pointer; derive new events with Clone rather than
// mutating one that has been published.
type Event struct {
	SpecVersion string    `json:"specversion"`
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Time        time.Time `json:"time"`
	Data        Data      `json:"data"`
}

// Option configures event creation.
type Option func(*Event)

// WithID sets a specific event ID (default: auto-generated UUID).
func WithID(id string) Option {
	return func(e *Event) {
		e.ID = id
	}
}

// WithChainID sets the chain ID (default: a fresh UUID).
func WithChainID(id string) Option {
	return func(e *Event) {
		e.Data.ChainID = id
	}
}

// WithTime sets a specific event time (default: time.Now()).
func WithTime(t time.Time) Option {
	return func(e *Event) {
		e.Time = t
	}
}

// WithDocument sets the current document (default: the source document).
func WithDocument(doc Document) Option {
	return func(e *Event) {
		e.Data.Document = doc
	}
}

// WithMetadata sets the initial metadata.
func WithMetadata(m Metadata) Option {
	return func(e *Event) {
		e.Data.Metadata = m
	}
}

// New creates a pipeline entry event for the given source document.
// Unless overridden, the chain ID is freshly minted and the current
// document is the source document.
func New(typ Type, source Document, opts ...Option) *Event {
	e := &Event{
		SpecVersion: SpecVersion,
		ID:          uuid.New().String(),
		Type:        typ,
		Time:        time.Now().UTC(),
		Data: Data{
			ChainID:   uuid.New().String(),
			Source:    source,
			Document:  source,
			Metadata:  Metadata{},
			CallStack: []string{},
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ChainID returns the chain identifier.
func (e *Event) ChainID() string {
	return e.Data.ChainID
}

// Clone returns a deep copy of the event carrying the same ID and chain ID.
// Middlewares clone, mutate the copy, then publish it.
func (e *Event) Clone() *Event {
	c := *e
	c.Data.Metadata = e.Data.Metadata.Clone()
	c.Data.CallStack = append([]string(nil), e.Data.CallStack...)
	return &c
}

// Derive clones the event under a fresh event ID, keeping the chain ID.
func (e *Event) Derive() *Event {
	c := e.Clone()
	c.ID = uuid.New().String()
	c.Time = time.Now().UTC()
	return c
}

// PushCallStack records a middleware at the head of the call stack.
func (e *Event) PushCallStack(name string) {
	e.Data.CallStack = append([]string{name}, e.Data.CallStack...)
}

// Validate checks the fields every core component relies on.
func (e *Event) Validate() error {
	if e == nil {
		return &MalformedError{Reason: "nil event"}
	}
	if e.ID == "" {
		return &MalformedError{Reason: "missing id", Err: ErrMissingID}
	}
	if e.Type == "" {
		return &MalformedError{EventID: e.ID, Reason: "missing type"}
	}
	if strings.TrimSpace(e.Data.ChainID) == "" {
		return &MalformedError{EventID: e.ID, Reason: "missing data.chainId", Err: ErrMissingChainID}
	}
	return nil
}

// Parse decodes and validates an event from its wire format.
func Parse(data []byte) (*Event, error) {
	var e Event
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		return nil, &MalformedError{Reason: "unparseable event body", Err: err}
	}
	if e.SpecVersion == "" {
		e.SpecVersion = SpecVersion
	}
	if e.Data.Metadata == nil {
		e.Data.Metadata = Metadata{}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Marshal encodes the event to its wire format.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Attributes returns the event as a generic JSON object, suitable for
// dotted-path lookups. Numbers are decoded as float64.
func (e *Event) Attributes() map[string]any {
	raw, err := json.Marshal(e)
	if err != nil {
		return map[string]any{}
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return map[string]any{}
	}
	return attrs
}

// Lookup resolves a dotted path such as "data.document.type" against the
// event attributes.
func (e *Event) Lookup(path string) (any, bool) {
	return LookupPath(e.Attributes(), path)
}

// LookupPath resolves a dotted path against a generic JSON object.
// Intermediate values must be objects; arrays are not indexed.
func LookupPath(attrs map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = attrs
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns a short description for logs.
func (e *Event) String() string {
	return fmt.Sprintf("%s[%s chain=%s]", e.Type, e.ID, e.Data.ChainID)
}
