// Package storage persists object state and logs for a host. A Source
// adapts any Storage to the host's source contract, so the storage is
// just another uplink that answers subscriptions.
package storage

import (
	"context"
	"errors"

	"github.com/DobryySoul/opswarm/internal/ops"
)

var ErrClosed = errors.New("storage: closed")

// Storage keeps, per object, the latest state snapshot and the ops
// committed after it. Each storage namespace belongs to one host.
type Storage interface {
	// On returns the stored snapshot, if any, and the ops logged after it
	// that since does not cover. A nil since returns the whole tail.
	On(ctx context.Context, typeid ops.Spec, since *ops.VV) (*ops.Op, []ops.Op, error)
	// Off tells the storage listener no longer follows the object.
	Off(ctx context.Context, typeid ops.Spec, listener string) error
	// State replaces the snapshot and discards the logged tail.
	State(ctx context.Context, typeid ops.Spec, snapshot ops.Op) error
	// Op appends a committed op to the tail.
	Op(ctx context.Context, typeid ops.Spec, o ops.Op) error
	Close() error
}

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}

// uncovered filters out the ops since already has.
func uncovered(tail []ops.Op, since *ops.VV) []ops.Op {
	out := make([]ops.Op, 0, len(tail))
	for _, o := range tail {
		if since != nil && since.Covers(o.Spec.Version) {
			continue
		}
		out = append(out, o)
	}
	return out
}
