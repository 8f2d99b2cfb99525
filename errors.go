package opswarm

import (
	"errors"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/ops"
	"github.com/DobryySoul/opswarm/internal/pipe"
)

var (
	// ErrNotFound indicates that a record field is missing.
	ErrNotFound = errors.New("opswarm: field not found")
	// ErrClosed indicates that the node has been closed.
	ErrClosed = errors.New("opswarm: node is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("opswarm: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("opswarm: operation canceled")
)

// Errors reported by the replication layers. Test for them with errors.Is.
var (
	ErrMalformedSpecifier = ops.ErrMalformedSpecifier
	ErrFramingError       = ops.ErrFramingError
	ErrInvalidInput       = crdt.ErrInvalidInput
	ErrAccessViolation    = crdt.ErrAccessViolation
	ErrReplayDetected     = crdt.ErrReplayDetected
	ErrUnimplemented      = crdt.ErrUnimplemented
	ErrHandlerFailure     = crdt.ErrHandlerFailure
	ErrConnectionLost     = pipe.ErrConnectionLost
)
