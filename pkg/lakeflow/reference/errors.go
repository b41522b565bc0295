package reference

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrRequiresResolve is returned by Lookup for references that may
	// need a fetch.
	ErrRequiresResolve = errors.New("reference must be resolved asynchronously")

	// ErrNoFetcher indicates no fetcher is registered for a URI scheme.
	ErrNoFetcher = errors.New("no fetcher for scheme")
)

// MissingAttributeError reports an attribute or pointer path absent from
// the event when the reference carries no default.
type MissingAttributeError struct {
	Path    string
	EventID string
}

// Error implements the error interface.
func (e *MissingAttributeError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("missing attribute %q on event %s", e.Path, e.EventID)
	}
	return fmt.Sprintf("missing attribute %q", e.Path)
}
