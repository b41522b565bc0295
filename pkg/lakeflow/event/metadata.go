package event

// Metadata is the open, mergeable metadata object of an event.
// Middlewares enrich it with fields such as "language" or
// "properties.attrs".
type Metadata map[string]any

// Merge folds other into m. Nested objects are merged recursively; any
// other incoming value replaces the existing one. Keys absent from other
// are left untouched. Merge returns m for chaining; a nil m yields a new
// map.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil {
		m = Metadata{}
	}
	mergeMaps(m, other)
	return m
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		incoming, incomingIsMap := asMap(v)
		existing, existingIsMap := asMap(dst[k])
		if incomingIsMap && existingIsMap {
			mergeMaps(existing, incoming)
			dst[k] = existing
			continue
		}
		dst[k] = cloneValue(v)
	}
}

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// Properties returns the "properties" sub-object, or nil.
func (m Metadata) Properties() map[string]any {
	p, _ := asMap(m["properties"])
	return p
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Metadata:
		return map[string]any(t), true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case Metadata:
		return map[string]any(t.Clone())
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
