package storage

import (
	"context"
	"slices"
	"sync"

	"github.com/DobryySoul/opswarm/internal/ops"
)

type memoryObject struct {
	state *ops.Op
	tail  []ops.Op
}

type memoryStore struct {
	mu      sync.RWMutex
	objects map[ops.Spec]*memoryObject
	closed  bool
}

// NewMemory returns a storage that lives as long as the process.
func NewMemory() Storage {
	return &memoryStore{objects: make(map[ops.Spec]*memoryObject)}
}

func (s *memoryStore) On(ctx context.Context, typeid ops.Spec, since *ops.VV) (*ops.Op, []ops.Op, error) {
	if err := checkContext(ctx); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	obj, ok := s.objects[typeid]
	if !ok {
		return nil, nil, nil
	}
	var state *ops.Op
	if obj.state != nil {
		copied := *obj.state
		copied.Patch = slices.Clone(obj.state.Patch)
		state = &copied
	}
	return state, uncovered(obj.tail, since), nil
}

func (s *memoryStore) Off(ctx context.Context, typeid ops.Spec, listener string) error {
	return checkContext(ctx)
}

func (s *memoryStore) State(ctx context.Context, typeid ops.Spec, snapshot ops.Op) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	snapshot.Source = ""
	snapshot.Patch = slices.Clone(snapshot.Patch)
	s.objects[typeid] = &memoryObject{state: &snapshot}
	return nil
}

func (s *memoryStore) Op(ctx context.Context, typeid ops.Spec, o ops.Op) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	obj, ok := s.objects[typeid]
	if !ok {
		obj = &memoryObject{}
		s.objects[typeid] = obj
	}
	o.Source = ""
	obj.tail = append(obj.tail, o)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
