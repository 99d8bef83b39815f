package chat

import (
	"errors"
	"fmt"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInvalidRole          = errors.New("role must be user or assistant")
	ErrTurnInFlight         = errors.New("a reply is already being generated for this conversation")
	ErrEmptyMessage         = errors.New("message is empty")
)

// PersistenceError wraps a failed storage operation. Mutations that return it
// have been rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
