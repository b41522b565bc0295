package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for event validation.
var (
	// ErrMissingChainID indicates an event without data.chainId.
	ErrMissingChainID = errors.New("missing chain id")

	// ErrMissingID indicates an event without an id.
	ErrMissingID = errors.New("missing event id")
)

// MalformedError reports an event that cannot be processed at all.
// It is fatal for that single message and should be dead-lettered, never
// retried.
type MalformedError struct {
	EventID string // empty when the body could not be parsed
	Reason  string
	Err     error
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	msg := "malformed event"
	if e.EventID != "" {
		msg += " " + e.EventID
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

// Unwrap returns the underlying error.
func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Malformed marks the error as unusable input for error categorization.
func (e *MalformedError) Malformed() bool { return true }

// IsMalformed reports whether err is, or wraps, a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
