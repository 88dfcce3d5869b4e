package policy

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no state row exists for a policy key.
	ErrNotFound = errors.New("policy state not found")
	// ErrConflict is returned when a conditional save lost a race with a
	// concurrent writer. Callers reload and recompute.
	ErrConflict = errors.New("policy state modified concurrently")
	// ErrInvalidEvent marks events rejected before any state mutation.
	ErrInvalidEvent = errors.New("invalid outcome event")
	// ErrUnknownKind is returned when no strategy is registered for a kind.
	ErrUnknownKind = errors.New("unknown policy kind")
)

// ValidationError describes why an event was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid outcome event: %s", e.Reason)
	}
	return fmt.Sprintf("invalid outcome event: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}
