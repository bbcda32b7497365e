package request

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is matched by errors.Is against any
// *InvalidTransitionError, so callers can branch without unpacking states.
var ErrInvalidTransition = errors.New("request: invalid transition")

// InvalidTransitionError identifies both the current and the requested state
// of a rejected transition. The request row is left untouched whenever this
// error is returned.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("request: invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// CanTransition is the authoritative transition table consulted by every
// mutating operation:
//
//	pending -> assigned -> in_progress -> completed
//	{pending, assigned, in_progress} -> cancelled
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusAssigned || to == StatusCancelled
	case StatusAssigned:
		return to == StatusInProgress || to == StatusCancelled
	case StatusInProgress:
		return to == StatusCompleted || to == StatusCancelled
	case StatusCompleted, StatusCancelled:
		return false
	default:
		return false
	}
}

// GuardTransition validates a transition and reports the offending pair on
// failure.
func GuardTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
