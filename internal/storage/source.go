package storage

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/metrics"
	"github.com/DobryySoul/opswarm/internal/ops"
)

// DefaultSourceID is the source id a host sees for its storage.
const DefaultSourceID = "storage"

// Sink takes the answers of a storage. A host is a sink.
type Sink interface {
	Deliver(o ops.Op) error
}

// Source exposes a Storage as a host source. Deliver only enqueues; Run
// performs the I/O on its own goroutine, in arrival order.
type Source struct {
	id      string
	store   Storage
	queue   *ops.Queue
	logger  log.Logger
	metrics *metrics.Metrics
}

// NewSource wraps store. An empty id uses DefaultSourceID.
func NewSource(id string, store Storage, logger log.Logger, m *metrics.Metrics) *Source {
	if id == "" {
		id = DefaultSourceID
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Source{
		id:      id,
		store:   store,
		queue:   ops.NewQueue(),
		logger:  log.With(logger, "component", "storage"),
		metrics: metrics.OrDiscard(m),
	}
}

func (s *Source) ID() string {
	return s.id
}

// Deliver queues o for the worker.
func (s *Source) Deliver(o ops.Op) {
	s.queue.Push(o)
}

// Pending returns the number of queued operations.
func (s *Source) Pending() int {
	return s.queue.Len()
}

// Run processes queued operations until ctx is done, then writes what is
// left so committed operations are not lost on shutdown.
func (s *Source) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			s.process(context.WithoutCancel(ctx), sink, s.queue.Drain())
			return nil
		case <-s.queue.Ready():
			s.process(ctx, sink, s.queue.Drain())
		}
	}
}

func (s *Source) process(ctx context.Context, sink Sink, list []ops.Op) {
	for _, o := range list {
		if err := s.handle(ctx, sink, o); err != nil {
			s.metrics.StorageErrors.Add(1)
			level.Error(s.logger).Log("msg", "storage operation failed", "spec", o.Spec.String(), "err", err)
		}
	}
}

func (s *Source) handle(ctx context.Context, sink Sink, o ops.Op) error {
	typeid := o.Spec.TypeID()
	switch o.Spec.Op {
	case crdt.OpOn:
		return s.on(ctx, sink, o)
	case crdt.OpOff:
		if err := s.store.Off(ctx, typeid, o.Source); err != nil {
			return err
		}
		s.send(sink, o.Reply(crdt.OpReOff, ""))
		return nil
	case crdt.OpReOn, crdt.OpReOff, crdt.OpError:
		return nil
	case crdt.OpInit:
		return s.store.State(ctx, typeid, o)
	case crdt.OpPatch:
		for _, entry := range o.Patch {
			if err := s.store.Op(ctx, typeid, entry); err != nil {
				return err
			}
		}
		return nil
	default:
		return s.store.Op(ctx, typeid, o)
	}
}

// on answers a subscription with everything stored as one init, then
// reon carrying the vector of what the storage holds.
func (s *Source) on(ctx context.Context, sink Sink, o ops.Op) error {
	typeid := o.Spec.TypeID()
	var since *ops.VV
	if o.Value != "" {
		if vv, err := ops.ParseVV(o.Value); err == nil {
			since = vv
		}
	}
	state, tail, err := s.store.On(ctx, typeid, since)
	if err != nil {
		s.send(sink, o.Reply(crdt.OpError, ops.LineSafe(err.Error())))
		return fmt.Errorf("on %s: %w", typeid.String(), err)
	}

	var patch []ops.Op
	version := "0"
	if state != nil {
		patch = append(patch, state.Patch...)
		if state.Spec.Version != "" {
			version = state.Spec.Version
		}
	}
	patch = append(patch, tail...)
	held := ops.NewVV()
	for _, entry := range patch {
		held.Add(entry.Spec.Version)
		if version == "0" || ops.CompareVersions(entry.Spec.Version, version) > 0 {
			version = entry.Spec.Version
		}
	}

	init := ops.Op{
		Spec:  ops.Spec{Type: typeid.Type, ID: typeid.ID, Version: version, Op: crdt.OpInit},
		Patch: patch,
	}
	s.send(sink, init)
	s.send(sink, o.Reply(crdt.OpReOn, held.String()))
	return nil
}

// send delivers to the sink. Rejections are the sink's to report; the
// worker only logs them.
func (s *Source) send(sink Sink, o ops.Op) {
	o.Source = s.id
	if err := sink.Deliver(o); err != nil {
		level.Debug(s.logger).Log("msg", "answer rejected", "spec", o.Spec.String(), "err", err)
	}
}

// Close closes the storage.
func (s *Source) Close() error {
	return s.store.Close()
}
