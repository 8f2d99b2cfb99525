package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/ops"
)

var counterType = crdt.RecordType.Derive("Counter")

// bus delivers queued operations between hosts one at a time, so tests
// run the whole exchange deterministically on one goroutine.
type bus struct {
	queue []delivery
}

type delivery struct {
	to deliverer
	op ops.Op
}

type deliverer interface {
	Deliver(o ops.Op) error
}

func (n *bus) pump(t *testing.T) {
	t.Helper()
	for len(n.queue) > 0 {
		d := n.queue[0]
		n.queue = n.queue[1:]
		_ = d.to.Deliver(d.op)
	}
}

// wire is the source a host sees for a remote peer.
type wire struct {
	bus  *bus
	from *Host
	to   *Host
	got  []ops.Op
}

func (w *wire) ID() string { return w.to.ID() }

func (w *wire) Deliver(o ops.Op) {
	w.got = append(w.got, o)
	if o.Spec.Type == HostType {
		return
	}
	o.Source = w.from.ID()
	w.bus.queue = append(w.bus.queue, delivery{to: w.to, op: o})
}

func connect(t *testing.T, n *bus, a, b *Host) (*wire, *wire) {
	t.Helper()
	ab := &wire{bus: n, from: a, to: b}
	ba := &wire{bus: n, from: b, to: a}
	require.NoError(t, a.AddSource(ab, ops.Op{}))
	require.NoError(t, b.AddSource(ba, ops.Op{}))
	return ab, ba
}

// memStore answers subscriptions from what it was sent.
type memStore struct {
	bus     *bus
	host    *Host
	entries map[ops.Spec][]ops.Op
	got     []ops.Op
}

func newMemStore(n *bus, h *Host) *memStore {
	return &memStore{bus: n, host: h, entries: make(map[ops.Spec][]ops.Op)}
}

func (s *memStore) ID() string { return "store" }

func (s *memStore) Deliver(o ops.Op) {
	s.got = append(s.got, o)
	typeid := o.Spec.TypeID()
	reply := func(r ops.Op) {
		r.Source = s.ID()
		s.bus.queue = append(s.bus.queue, delivery{to: s.host, op: r})
	}
	switch o.Spec.Op {
	case crdt.OpOn:
		stored := s.entries[typeid]
		version := "0"
		if len(stored) > 0 {
			version = stored[len(stored)-1].Spec.Version
		}
		reply(ops.Op{Spec: ops.Spec{Type: typeid.Type, ID: typeid.ID, Version: version, Op: crdt.OpInit}, Patch: stored})
		reply(o.Reply(crdt.OpReOn, ""))
	case crdt.OpOff:
		reply(o.Reply(crdt.OpReOff, ""))
	case crdt.OpInit:
		s.entries[typeid] = o.Patch
	case crdt.OpPatch:
		s.entries[typeid] = append(s.entries[typeid], o.Patch...)
	case crdt.OpReOn, crdt.OpReOff, crdt.OpError:
	default:
		s.entries[typeid] = append(s.entries[typeid], o)
	}
}

func newHost(id string) *Host {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	h := New(Config{
		ID:           id,
		Clock:        ops.NewClock(id, func() time.Time { return now }),
		ServerPrefix: DefaultServerPrefix,
	})
	h.Register(counterType)
	return h
}

func TestGetReturnsOneInstance(t *testing.T) {
	h := newHost("swarm~a")
	a, err := h.Get(ops.MustSpec("/Counter#x"))
	require.NoError(t, err)
	b, err := h.Get(ops.MustSpec("/Counter#x!0000A01+z.set"))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, "0", a.Version())

	_, err = h.Get(ops.MustSpec("/Nope#x"))
	assert.ErrorIs(t, err, crdt.ErrUnimplemented)

	h.Release(ops.MustSpec("/Counter#x"))
	assert.Equal(t, 1, h.Len())
	h.Release(ops.MustSpec("/Counter#x"))
	assert.Zero(t, h.Len())
	assert.True(t, a.Closed())
}

func TestSourcesFor(t *testing.T) {
	n := &bus{}
	server := newHost("swarm~s")
	client := newHost("client~c")
	connect(t, n, server, client)

	store := newMemStore(n, server)
	server.SetStorage(store)
	typeid := ops.MustSpec("/Counter#x")

	assert.Equal(t, []string{"store"}, server.SourcesFor(typeid))
	assert.Equal(t, []string{"swarm~s"}, client.SourcesFor(typeid))

	other := newHost("swarm~t")
	connect(t, n, client, other)
	ring := NewRing(DefaultHashPoints)
	ring.Add("swarm~s")
	ring.Add("swarm~t")
	want, _ := ring.Closest(typeid.String())
	assert.Equal(t, []string{want}, client.SourcesFor(typeid))
}

func TestAddSourceAnswersHello(t *testing.T) {
	h := newHost("swarm~a")
	peer := &wire{bus: &bus{}, from: h, to: newHost("client~b")}
	hello := ops.Op{Spec: ops.Spec{Type: HostType, ID: "client~b", Version: "0000A01+client~b", Op: crdt.OpOn}}
	require.NoError(t, h.AddSource(peer, hello))
	require.Len(t, peer.got, 1)
	assert.Equal(t, crdt.OpReOn, peer.got[0].Spec.Op)
	assert.Equal(t, "swarm~a", peer.got[0].Spec.ID)

	self := &wire{bus: &bus{}, from: h, to: h}
	assert.ErrorIs(t, h.AddSource(self, hello), crdt.ErrAccessViolation)
}

func TestDeliverRejectsWithErrorReply(t *testing.T) {
	n := &bus{}
	h := newHost("swarm~a")
	peer := newHost("client~b")
	ab, _ := connect(t, n, h, peer)

	bad := ops.Op{Spec: ops.MustSpec("/Counter#x!0000A01+client~b.set"), Value: "[1]", Source: "client~b"}
	err := h.Deliver(bad)
	assert.ErrorIs(t, err, crdt.ErrInvalidInput)
	require.NotEmpty(t, ab.got)
	last := ab.got[len(ab.got)-1]
	assert.Equal(t, crdt.OpError, last.Spec.Op)
	assert.Equal(t, bad.Spec.Version, last.Spec.Version)
	assert.NotContains(t, last.Value, "\n")

	unknown := ops.Op{Spec: ops.MustSpec("/Nope#x!0000A01+client~b.set"), Value: "{}", Source: "client~b"}
	assert.ErrorIs(t, h.Deliver(unknown), crdt.ErrUnimplemented)
	assert.Equal(t, crdt.OpError, ab.got[len(ab.got)-1].Spec.Op)

	stray := ops.Op{Spec: ops.MustSpec("/Counter#y!0000A01+client~b.off"), Source: "client~b"}
	assert.NoError(t, h.Deliver(stray))
	assert.Zero(t, h.Len())
}

func TestRejectedOpLeavesClock(t *testing.T) {
	h := newHost("swarm~a")
	connect(t, &bus{}, h, newHost("client~b"))

	far := "zzzz001+client~b"
	bad := ops.Op{Spec: ops.MustSpec("/Counter#x!" + far + ".set"), Value: "[1]", Source: "client~b"}
	require.ErrorIs(t, h.Deliver(bad), crdt.ErrInvalidInput)

	h.Lock()
	next := h.Stamp()
	h.Unlock()
	assert.Negative(t, ops.CompareVersions(next, far))
}

func TestDeliverCountsReplayAsSuccess(t *testing.T) {
	h := newHost("swarm~a")
	obj, err := h.Get(ops.MustSpec("/Counter#x"))
	require.NoError(t, err)

	o := ops.Op{Spec: ops.MustSpec("/Counter#x!0000A01+client~b.set"), Value: `{"i":1}`}
	require.NoError(t, h.Deliver(o))
	require.NoError(t, h.Deliver(o))
	assert.Equal(t, 1, obj.Applied())
}

func TestEndToEndCounter(t *testing.T) {
	n := &bus{}
	a := newHost("swarm~a")
	b := newHost("client~b")
	c := newHost("client~c")
	store := newMemStore(n, a)
	a.SetStorage(store)
	typeid := ops.MustSpec("/Counter#x")

	objA, err := a.Get(typeid)
	require.NoError(t, err)
	n.pump(t)
	counterA := crdt.Record{Object: objA}
	_, err = counterA.Set(map[string]any{"i": 0})
	require.NoError(t, err)

	connect(t, n, a, b)
	objB, err := b.Get(typeid)
	require.NoError(t, err)
	n.pump(t)
	assert.Equal(t, map[string]any{"i": float64(0)}, objB.Value())

	_, err = counterA.Set(map[string]any{"i": 1})
	require.NoError(t, err)
	_, err = counterA.Set(map[string]any{"i": 2})
	require.NoError(t, err)
	n.pump(t)
	assert.Equal(t, map[string]any{"i": float64(2)}, objB.Value())

	connect(t, n, a, c)
	objC, err := c.Get(typeid)
	require.NoError(t, err)
	n.pump(t)
	assert.Equal(t, map[string]any{"i": float64(2)}, objC.Value())
	assert.Len(t, objC.Log(), 1)

	assert.Len(t, store.entries[typeid], 3)
}

func TestRemoveSourceRehomes(t *testing.T) {
	n := &bus{}
	client := newHost("client~c")
	s1 := newHost("swarm~1")
	s2 := newHost("swarm~2")
	connect(t, n, client, s1)
	connect(t, n, client, s2)

	obj, err := client.Get(ops.MustSpec("/Counter#x"))
	require.NoError(t, err)
	n.pump(t)
	ups := func() []string {
		client.Lock()
		defer client.Unlock()
		return obj.Uplinks()
	}
	first := ups()
	require.Len(t, first, 1)

	require.NoError(t, client.RemoveSource(first[0], true))
	n.pump(t)
	second := ups()
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0], second[0])

	assert.ErrorIs(t, client.RemoveSource(first[0], false), ErrUnknownSource)
}

func TestSnapshotEvery(t *testing.T) {
	n := &bus{}
	h := New(Config{ID: "swarm~a", SnapshotEvery: 2})
	store := newMemStore(n, h)
	h.SetStorage(store)
	obj, err := h.Get(ops.MustSpec("/Model#m"))
	require.NoError(t, err)
	n.pump(t)

	rec := crdt.Record{Object: obj}
	for i := range 4 {
		_, err := rec.Set(map[string]any{"k": i})
		require.NoError(t, err)
	}
	inits := 0
	for _, o := range store.got {
		if o.Spec.Op == crdt.OpInit {
			inits++
			assert.Len(t, o.Patch, 1)
		}
	}
	assert.Equal(t, 2, inits)
}

func TestCloseShutsObjectsDown(t *testing.T) {
	n := &bus{}
	h := newHost("swarm~a")
	store := newMemStore(n, h)
	h.SetStorage(store)
	obj, err := h.Get(ops.MustSpec("/Counter#x"))
	require.NoError(t, err)
	n.pump(t)

	h.Close()
	assert.True(t, obj.Closed())
	assert.Equal(t, crdt.OpOff, store.got[len(store.got)-1].Spec.Op)
	_, err = h.Get(ops.MustSpec("/Counter#x"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDetachKeepsNewerSource(t *testing.T) {
	n := &bus{}
	h := newHost("swarm~a")
	peer := newHost("client~b")
	stale := &wire{bus: n, from: h, to: peer}
	fresh := &wire{bus: n, from: h, to: peer}
	require.NoError(t, h.AddSource(stale, ops.Op{}))
	require.NoError(t, h.AddSource(fresh, ops.Op{}))

	assert.ErrorIs(t, h.Detach(stale, false), ErrUnknownSource)
	assert.Equal(t, []string{"client~b"}, h.Sources())
	require.NoError(t, h.Detach(fresh, false))
	assert.Empty(t, h.Sources())
}
