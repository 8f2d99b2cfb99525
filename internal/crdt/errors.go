package crdt

import "errors"

var (
	// ErrInvalidInput reports an operation rejected by its type's validator.
	ErrInvalidInput = errors.New("crdt: invalid input")
	// ErrAccessViolation reports an operation rejected by the type's ACL.
	ErrAccessViolation = errors.New("crdt: access violation")
	// ErrReplayDetected reports an operation that was already applied.
	// It is dropped silently and only counted.
	ErrReplayDetected = errors.New("crdt: replay detected")
	// ErrUnimplemented reports an operation name the type does not know.
	ErrUnimplemented = errors.New("crdt: unimplemented operation")
	// ErrHandlerFailure reports a failure inside a type's handler.
	ErrHandlerFailure = errors.New("crdt: handler failure")
	// ErrClosed reports delivery to an object that has been shut down.
	ErrClosed = errors.New("crdt: object closed")
)
