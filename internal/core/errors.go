package core

import "errors"

var (
	// ErrUnauthorized: the actor lacks the role an operation requires.
	ErrUnauthorized = errors.New("actor not authorized")

	// ErrDuplicateOperation: the idempotency key was already processed.
	ErrDuplicateOperation = errors.New("duplicate operation")
)
