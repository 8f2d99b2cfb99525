package crdt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/opswarm/internal/ops"
)

type recorder struct {
	got []ops.Op
}

func (r *recorder) Deliver(o ops.Op) {
	r.got = append(r.got, o)
}

func (r *recorder) names() []string {
	var out []string
	for _, o := range r.got {
		out = append(out, o.Spec.Op)
	}
	return out
}

type testOwner struct {
	mu        sync.Mutex
	clock     *ops.Clock
	listeners map[string]*recorder
	deferred  []func()
	locks     int
}

func newTestOwner(source string) *testOwner {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &testOwner{
		clock:     ops.NewClock(source, func() time.Time { return now }),
		listeners: make(map[string]*recorder),
	}
}

func (o *testOwner) Lock() {
	o.mu.Lock()
	o.locks++
}

func (o *testOwner) Unlock() {
	queue := o.deferred
	o.deferred = nil
	o.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

func (o *testOwner) Stamp() string { return o.clock.Issue() }

func (o *testOwner) Listener(id string) Listener {
	if r, ok := o.listeners[id]; ok {
		return r
	}
	return nil
}

func (o *testOwner) Defer(fn func()) { o.deferred = append(o.deferred, fn) }

func (o *testOwner) VectorLimit() int { return 0 }

func (o *testOwner) Applied(*Object, ops.Op) {}

func (o *testOwner) peer(id string) *recorder {
	r := &recorder{}
	o.listeners[id] = r
	return r
}

func newObject(t *testing.T, typ *Type, id string) (*Object, *testOwner) {
	t.Helper()
	owner := newTestOwner("local")
	return New(typ.Resolve(), id, owner), owner
}

func mutation(typ, id, version, name, value string) ops.Op {
	return ops.Op{Spec: ops.Spec{Type: typ, ID: id, Version: version, Op: name}, Value: value}
}

func TestRecordConvergesInAnyOrder(t *testing.T) {
	v1 := mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`)
	v2 := mutation("Model", "m", "0000A02+b", OpSet, `{"a":2}`)

	for _, order := range [][]ops.Op{{v1, v2}, {v2, v1}} {
		obj, _ := newObject(t, RecordType, "m")
		for _, o := range order {
			require.NoError(t, obj.Deliver(o))
		}
		assert.Equal(t, map[string]any{"a": float64(2)}, obj.Value())
		assert.Equal(t, "0000A02+b", obj.Version())

		init := obj.Snapshot()
		require.Len(t, init.Patch, 1)
		assert.Equal(t, "0000A02+b", init.Patch[0].Spec.Version)
		assert.Equal(t, map[string]any{"a": float64(2)}, obj.Value())
	}
}

func TestRecordDistillKeepsPartiallyClaimed(t *testing.T) {
	obj, _ := newObject(t, RecordType, "m")
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A01+a", OpSet, `{"a":1,"b":1}`)))
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A02+a", OpSet, `{"a":2}`)))
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A03+a", OpSet, `{"a":3}`)))

	init := obj.Snapshot()
	var versions []string
	for _, e := range init.Patch {
		versions = append(versions, e.Spec.Version)
	}
	assert.Equal(t, []string{"0000A01+a", "0000A03+a"}, versions)
	assert.Equal(t, map[string]any{"a": float64(3), "b": float64(1)}, obj.Value())
}

func TestDeliverTwiceIsIdempotent(t *testing.T) {
	obj, _ := newObject(t, RecordType, "m")
	o := mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`)
	require.NoError(t, obj.Deliver(o))
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A02+b", OpSet, `{"b":1}`)))

	err := obj.Deliver(o)
	assert.ErrorIs(t, err, ErrReplayDetected)
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(1)}, obj.Value())
	assert.Equal(t, 2, obj.Applied())
}

func TestDeliverRejects(t *testing.T) {
	guarded := RecordType.Derive("Guarded")
	guarded.ACL = func(o ops.Op) error {
		_, source := ops.SplitVersion(o.Spec.Version)
		if ops.Author(source) != "admin" {
			return errors.New("read only")
		}
		return nil
	}
	obj, _ := newObject(t, guarded, "g")

	cases := []struct {
		op   ops.Op
		want error
	}{
		{mutation("Guarded", "other", "0000A01+admin", OpSet, `{}`), ops.ErrMalformedSpecifier},
		{mutation("Guarded", "g", "", OpSet, `{}`), ops.ErrMalformedSpecifier},
		{mutation("Guarded", "g", "0000A01", OpSet, `{}`), ops.ErrMalformedSpecifier},
		{mutation("Guarded", "g", "0000A01+admin", OpSet, `[1]`), ErrInvalidInput},
		{mutation("Guarded", "g", "0000A01+admin", "frobnicate", `{}`), ErrUnimplemented},
		{mutation("Guarded", "g", "0000A01+eve", OpSet, `{"a":1}`), ErrAccessViolation},
	}
	for _, tc := range cases {
		err := obj.Deliver(tc.op)
		assert.ErrorIs(t, err, tc.want, tc.op.String())
	}
	assert.Empty(t, obj.Value())
	assert.Empty(t, obj.Version())

	require.NoError(t, obj.Deliver(mutation("Guarded", "g", "0000A01+admin", OpSet, `{"a":1}`)))
}

type brittle struct {
	*recordModel
}

func (b brittle) Apply(o ops.Op) error {
	if o.Value == `{"boom":true}` {
		panic("boom")
	}
	return b.recordModel.Apply(o)
}

func TestHandlerFailureLeavesNoTrace(t *testing.T) {
	typ := RecordType.Derive("Brittle")
	typ.New = func() Model { return brittle{newRecordModel()} }
	obj, owner := newObject(t, typ, "b")
	peer := owner.peer("p")
	require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Brittle", ID: "b", Version: "0000900+p", Op: OpOn}, Source: "p"}))
	peer.got = nil

	require.NoError(t, obj.Deliver(mutation("Brittle", "b", "0000A01+a", OpSet, `{"a":1}`)))
	err := obj.Deliver(mutation("Brittle", "b", "0000A02+a", OpSet, `{"boom":true}`))
	assert.ErrorIs(t, err, ErrHandlerFailure)

	assert.Equal(t, map[string]any{"a": float64(1)}, obj.Value())
	assert.Equal(t, "0000A01+a", obj.Version())
	assert.Len(t, obj.Log(), 1)
	assert.Equal(t, []string{OpSet}, peer.names())
}

func TestFanoutSkipsSource(t *testing.T) {
	obj, owner := newObject(t, RecordType, "m")
	p1, p2 := owner.peer("p1"), owner.peer("p2")
	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000900+" + id, Op: OpOn}, Source: id}))
	}
	assert.Equal(t, []string{OpInit, OpReOn}, p1.names())
	p1.got, p2.got = nil, nil

	o := mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`)
	o.Source = "p1"
	require.NoError(t, obj.Deliver(o))
	assert.Empty(t, p1.got)
	require.Len(t, p2.got, 1)
	assert.Empty(t, p2.got[0].Source)
	assert.Equal(t, o.Spec, p2.got[0].Spec)
}

func TestOnAnswersWithPatchForKnownBase(t *testing.T) {
	obj, owner := newObject(t, RecordType, "m")
	peer := owner.peer("p")
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`)))
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A02+a", OpSet, `{"b":2}`)))

	on := ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000B00+p", Op: OpOn}, Value: "!0000A01+a", Source: "p"}
	require.NoError(t, obj.Deliver(on))
	require.Equal(t, []string{OpPatch, OpReOn}, peer.names())
	require.Len(t, peer.got[0].Patch, 1)
	assert.Equal(t, "0000A02+a", peer.got[0].Patch[0].Spec.Version)
	assert.Equal(t, "!0000A02+a", peer.got[1].Value)

	peer.got = nil
	up := on
	up.Value = "!0000A02+a"
	require.NoError(t, obj.Deliver(up))
	assert.Equal(t, []string{OpReOn}, peer.names())
}

func TestOnWaitsForUplinkState(t *testing.T) {
	obj, owner := newObject(t, RecordType, "m")
	up, down := owner.peer("up"), owner.peer("down")

	obj.Subscribe("up")
	require.Equal(t, []string{OpOn}, up.names())
	assert.Empty(t, up.got[0].Value)

	require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000900+d", Op: OpOn}, Source: "down"}))
	assert.Empty(t, down.got)
	assert.False(t, obj.Idle())

	init := ops.Op{
		Spec:   ops.Spec{Type: "Model", ID: "m", Version: "0000A01+a", Op: OpInit},
		Patch:  []ops.Op{mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`)},
		Source: "up",
	}
	require.NoError(t, obj.Deliver(init))
	select {
	case <-obj.Ready():
	default:
		t.Fatalf("object not ready after init")
	}

	assert.Equal(t, []string{OpInit, OpReOn}, down.names())
	assert.Equal(t, map[string]any{"a": float64(1)}, obj.Value())
	assert.Equal(t, []string{OpOn}, up.names())
}

func TestDefaultWithoutUplinks(t *testing.T) {
	obj, owner := newObject(t, RecordType, "m")
	peer := owner.peer("p")
	require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000900+p", Op: OpOn}, Source: "p"}))
	assert.Equal(t, "0", obj.Version())
	require.Equal(t, []string{OpInit, OpReOn}, peer.names())
	assert.Equal(t, "0", peer.got[0].Spec.Version)
	assert.Empty(t, peer.got[0].Patch)
}

func TestSnapshotRollsBackOnFailure(t *testing.T) {
	typ := RecordType.Derive("Brittle")
	typ.New = func() Model { return brittle{newRecordModel()} }
	obj, _ := newObject(t, typ, "b")
	require.NoError(t, obj.Deliver(mutation("Brittle", "b", "0000A01+a", OpSet, `{"a":1}`)))

	patch := ops.Op{
		Spec: ops.Spec{Type: "Brittle", ID: "b", Version: "0000A03+c", Op: OpPatch},
		Patch: []ops.Op{
			mutation("Brittle", "b", "0000A02+c", OpSet, `{"a":2}`),
			mutation("Brittle", "b", "0000A03+c", OpSet, `{"boom":true}`),
		},
	}
	assert.ErrorIs(t, obj.Deliver(patch), ErrHandlerFailure)
	assert.Equal(t, map[string]any{"a": float64(1)}, obj.Value())
	assert.Equal(t, "0000A01+a", obj.Version())
	assert.Equal(t, "!0000A01+a", obj.Vector())
}

func TestSnapshotRelaysFreshEntries(t *testing.T) {
	obj, owner := newObject(t, RecordType, "m")
	src, other := owner.peer("src"), owner.peer("other")
	for _, id := range []string{"src", "other"} {
		require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000900+" + id, Op: OpOn}, Source: id}))
	}
	require.NoError(t, obj.Deliver(mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`)))
	src.got, other.got = nil, nil

	patch := ops.Op{
		Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000A02+b", Op: OpPatch},
		Patch: []ops.Op{
			mutation("Model", "m", "0000A01+a", OpSet, `{"a":1}`),
			mutation("Model", "m", "0000A02+b", OpSet, `{"b":1}`),
		},
		Source: "src",
	}
	require.NoError(t, obj.Deliver(patch))
	assert.Empty(t, src.got)
	require.Equal(t, []string{OpPatch}, other.names())
	require.Len(t, other.got[0].Patch, 1)
	assert.Equal(t, "0000A02+b", other.got[0].Patch[0].Spec.Version)
}

func TestOffAndShutdown(t *testing.T) {
	obj, owner := newObject(t, RecordType, "m")
	up, down := owner.peer("up"), owner.peer("down")
	obj.Subscribe("up")
	require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000A00+up", Op: OpReOn}, Source: "up"}))
	assert.Equal(t, "0", obj.Version())

	require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000900+d", Op: OpOn}, Source: "down"}))
	assert.False(t, obj.Idle())
	require.NoError(t, obj.Deliver(ops.Op{Spec: ops.Spec{Type: "Model", ID: "m", Version: "0000901+d", Op: OpOff}, Source: "down"}))
	assert.True(t, obj.Idle())
	assert.Equal(t, OpReOff, down.got[len(down.got)-1].Spec.Op)

	obj.Shutdown()
	assert.True(t, obj.Closed())
	assert.Equal(t, OpOff, up.got[len(up.got)-1].Spec.Op)
	assert.ErrorIs(t, obj.Deliver(mutation("Model", "m", "0000A01+a", OpSet, `{}`)), ErrClosed)
}

func TestReactionsAndWatchers(t *testing.T) {
	var reacted []string
	typ := RecordType.Derive("Counter")
	typ.Reactions = map[string][]Reaction{
		OpSet: {func(obj *Object, o ops.Op) { reacted = append(reacted, o.Spec.Version) }},
	}
	obj, _ := newObject(t, typ, "c")

	var seen []string
	cancel := obj.OnChange(func(o ops.Op) { seen = append(seen, o.Spec.Op) })

	o, err := obj.Emit(OpSet, `{"i":1}`)
	require.NoError(t, err)
	assert.Equal(t, []string{o.Spec.Version}, reacted)
	assert.Equal(t, []string{OpSet}, seen)

	cancel()
	_, err = obj.Emit(OpSet, `{"i":2}`)
	require.NoError(t, err)
	assert.Len(t, seen, 1)

	_, err = obj.Emit(OpOn, "")
	assert.ErrorIs(t, err, ErrUnimplemented)
}

func TestResolveInherits(t *testing.T) {
	counter := RecordType.Derive("Counter").Resolve()
	assert.Equal(t, "Counter", counter.Name)
	assert.Equal(t, KindMutating, counter.Kind(OpSet))
	assert.Equal(t, KindNeutral, counter.Kind(OpOn))
	assert.Equal(t, KindSnapshot, counter.Kind(OpPatch))
	assert.Equal(t, KindUnknown, counter.Kind("nope"))
	require.NotNil(t, counter.New)
	assert.Equal(t, "mutating", KindMutating.String())
}
