package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAction is returned for tokens the dispatcher does not know.
	ErrUnknownAction = errors.New("dispatch: unknown action")

	// ErrMissingArgument is returned for parameterised tokens with an empty argument.
	ErrMissingArgument = errors.New("dispatch: missing action argument")

	// ErrUnsupported is returned when an action needs a collaborator that is not wired.
	ErrUnsupported = errors.New("dispatch: action not supported by this setup")
)

// Error wraps the failure of a single action. Dispatch never stops a batch on
// one of these.
type Error struct {
	Action string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Action, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
