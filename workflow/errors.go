package workflow

import (
	"errors"
	"fmt"
)

// Business-rule rejections. These are checked before any store mutation and
// leave balance, inventory and the interaction table untouched.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrCatNotFound       = errors.New("cat not found")
	ErrUnknownType       = errors.New("unknown interaction type")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrItemNotFound      = errors.New("item not found")
	ErrOutOfStock        = errors.New("item out of stock")
)

// IsRejection reports whether err is a deterministic business rejection, as
// opposed to a transient or infrastructure failure. Rejections are not worth
// redelivering.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrCatNotFound) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrItemNotFound) ||
		errors.Is(err, ErrOutOfStock)
}

// PipelineError wraps a generation failure with the interaction it belongs to.
type PipelineError struct {
	InteractionId string
	Step          string
	Err           error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline failed for interaction %s at step %q: %v", e.InteractionId, e.Step, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure after the pipeline succeeded.
type PersistenceError struct {
	InteractionId string
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting results for interaction %s: %v", e.InteractionId, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
