/*
Package config provides typed access to pipeline definitions loaded from
YAML or JSON.

# Overview

A pipeline definition is a nested map: reducer strategies, middleware
eligibility, edge conditions and transform specs all live in one document.
Config wraps the decoded map and offers accessors that return a default
instead of failing when a key is missing or has the wrong type. Validation
belongs to the packages that interpret a section, such as
reducer.StrategyFromConfig and gate.EligibilityFromConfig.

# Keys and Sections

Keys may be dotted paths that walk nested maps. The literal key is tried
first, so filter policies whose keys contain dots stay addressable:

	cfg, _ := config.FromYAML([]byte(`
	reducers:
	  pages:
	    reduceType: STATIC_COUNTER
	    eventCount: 12
	`))

	cfg.Int("reducers.pages.eventCount", 0) // 12
	pages := cfg.Section("reducers.pages")
	pages.String("reduceType", "")         // "STATIC_COUNTER"

Section returns an empty Config for a missing or non-map value.

# Type Coercion

Duration accepts a duration string ("30s", "1h30m"), a number of seconds
or a time.Duration. Int accepts whole floats, as produced by JSON decoding;
a fractional value yields the default. StringSlice accepts []string and
[]any of strings; a single string becomes a one-element slice.

# Loading

FromFile picks the format by extension (.yaml, .yml, .json) and expands
${VAR} references from the environment before parsing. FromYAML and
FromJSON parse bytes directly.

Config is safe for concurrent reads. The underlying map must not be
modified after construction.
*/
package config
