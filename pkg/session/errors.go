package session

import (
	"errors"
	"fmt"

	"github.com/CodyCooperGit/cypress/pkg/model"
)

// Session errors.
var (
	// ErrState indicates an operation or event not allowed in the current
	// state. Every *StateError unwraps to it.
	ErrState = errors.New("invalid state")

	// ErrBarcodeMismatch indicates a verification barcode that does not
	// match the participant barcode.
	ErrBarcodeMismatch = fmt.Errorf("%w: barcode mismatch", model.ErrValidation)

	// ErrTooManyObservers indicates a topic already has
	// MaxObserversPerTopic observers.
	ErrTooManyObservers = errors.New("too many observers")

	// ErrClosed indicates an operation on a closed Controller.
	ErrClosed = errors.New("controller closed")

	// ErrInvalidConfig indicates an unusable Config.
	ErrInvalidConfig = errors.New("invalid session config")
)

// StateError reports an operation or event that is not allowed in the
// current state. The state is left unchanged.
type StateError struct {
	// Op is the rejected operation or event.
	Op string

	// State is the state the session was in.
	State State

	// Reason explains a rejection that the transition table alone does
	// not (an outstanding command, an unverified barcode).
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed in state %s: %s", e.Op, e.State, e.Reason)
	}
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Unwrap returns ErrState.
func (e *StateError) Unwrap() error {
	return ErrState
}
