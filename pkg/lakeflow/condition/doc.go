// Package condition provides a small DSL for building serializable boolean
// predicates over dotted event attribute paths.
//
// Conditions compile to filter policies: a JSON object keyed by attribute
// path whose leaves are arrays of accepted values or operator objects.
// This is the form handed to the transport for pattern matching, so it is
// also the canonical form for equality and evaluation.
//
// # Building
//
//	c := condition.When("data.document.type").Includes("image/png", "image/jpeg").
//		And(condition.When("data.metadata.language").Not().Equals("fr"))
//
// Terminal builder methods return a *Condition. Between returns an error
// when the builder is negated, since a negated range has no single
// filter-policy form.
//
// # Serialized form
//
// The example above serializes to:
//
//	{
//	  "data": {
//	    "document": {"type": ["image/png", "image/jpeg"]},
//	    "metadata": {"language": [{"anything-but": ["fr"]}]}
//	  }
//	}
//
// Conditions on the same path accumulate into one array. Entries in an
// array are alternatives; distinct keys must all match.
//
// # Matching
//
// Match evaluates the serialized pattern against an attribute map, so a
// condition and its parsed copy always agree. Array-valued attributes match
// when any element matches. String comparisons are done on NFC-normalized
// text.
package condition
