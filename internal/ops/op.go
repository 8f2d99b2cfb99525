package ops

import (
	"strings"
	"sync"
)

// Op is one operation instance. Source is the peer the operation was
// relayed by and is never serialized. Patch holds the nested entries of a
// snapshot operation.
type Op struct {
	Spec   Spec
	Value  string
	Source string
	Patch  []Op
}

// Name returns the operation name.
func (o Op) Name() string {
	return o.Spec.Op
}

// Version returns the version token.
func (o Op) Version() string {
	return o.Spec.Version
}

// Reply builds an operation sharing type, id and version with o.
func (o Op) Reply(name, value string) Op {
	return Op{
		Spec:  Spec{Op: name}.Compose(o.Spec),
		Value: value,
	}
}

// String returns the wire record, or the specifier alone if o cannot be
// encoded.
func (o Op) String() string {
	buf, err := Append(nil, o)
	if err != nil {
		return o.Spec.String()
	}
	return strings.TrimRight(string(buf), "\n")
}

// LineSafe flattens s onto a single line so it can travel as a payload.
func LineSafe(s string) string {
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	return strings.TrimSpace(s)
}

// Queue is an unbounded FIFO of operations. Push never blocks, which keeps
// fan-out safe to run under the host lock.
type Queue struct {
	mu    sync.Mutex
	items []Op
	ready chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends o and signals Ready.
func (q *Queue) Push(o Op) {
	q.mu.Lock()
	q.items = append(q.items, o)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready fires after a Push; Drain may still return nothing if another
// consumer got there first.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Drain removes and returns everything queued.
func (q *Queue) Drain() []Op {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
