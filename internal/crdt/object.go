package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// Listener receives operations relayed by an object. Deliver must not
// block: it runs under the host lock.
type Listener interface {
	Deliver(o ops.Op)
}

// Owner is the host an object lives in. Its lock serializes every object
// it owns; functions passed to Defer run after the lock is released.
type Owner interface {
	sync.Locker
	// Stamp issues a fresh version token.
	Stamp() string
	// Listener resolves a source id, or returns nil if it is gone.
	Listener(id string) Listener
	Defer(fn func())
	// VectorLimit bounds the vectors sent in on and reon.
	VectorLimit() int
	// Applied is told about every committed mutation and merged patch.
	Applied(obj *Object, o ops.Op)
}

// link is the subscription state between the object and one source.
type link struct {
	up    bool // we sent on
	acked bool // the uplink answered with reon
	down  bool // the source sent on
}

// Object is one live replica. Methods documented as host-facing expect
// the owner lock to be held; the rest take it themselves.
type Object struct {
	typ     *Type
	spec    ops.Spec
	owner   Owner
	model   Model
	version string
	vv      *ops.VV
	log     *Log
	pruned  *ops.VV // versions distilled out of the log

	links   map[string]*link
	acks    map[string]*ops.VV // per known source, kept after it leaves
	pending []ops.Op

	watchers  map[int]func(ops.Op)
	watcherID int

	closed  bool
	applied int
	ready   chan struct{}
}

// New returns an unversioned object of type typ. typ should already be
// resolved.
func New(typ *Type, id string, owner Owner) *Object {
	return &Object{
		typ:      typ,
		spec:     ops.Spec{Type: typ.Name, ID: id},
		owner:    owner,
		model:    typ.New(),
		vv:       ops.NewVV(),
		log:      NewLog(),
		pruned:   ops.NewVV(),
		links:    make(map[string]*link),
		acks:     make(map[string]*ops.VV),
		watchers: make(map[int]func(ops.Op)),
		ready:    make(chan struct{}),
	}
}

// Spec returns the object identity.
func (obj *Object) Spec() ops.Spec {
	return obj.spec
}

func (obj *Object) Type() *Type {
	return obj.typ
}

// Ready is closed once the object holds state: a default, a snapshot or a
// first local write.
func (obj *Object) Ready() <-chan struct{} {
	return obj.ready
}

// Deliver runs an incoming operation through the pipeline. Host-facing.
func (obj *Object) Deliver(o ops.Op) error {
	if obj.closed {
		return ErrClosed
	}
	if err := obj.checkShape(o); err != nil {
		return err
	}
	kind := obj.typ.Kind(o.Spec.Op)
	if kind == KindUnknown {
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
	if err := obj.validate(kind, o); err != nil {
		return err
	}
	if obj.typ.ACL != nil {
		if err := obj.typ.ACL(o); err != nil {
			return fmt.Errorf("%w: %v", ErrAccessViolation, err)
		}
	}

	switch kind {
	case KindNeutral:
		return obj.neutral(o)
	case KindSnapshot:
		return obj.merge(o)
	}

	v := o.Spec.Version
	if obj.replayed(v) {
		return ErrReplayDetected
	}
	if err := obj.apply(o); err != nil {
		obj.rebuild()
		return err
	}
	obj.commit(o)
	obj.fanout(o)
	obj.owner.Applied(obj, o)
	obj.markVersioned()
	for _, react := range obj.typ.Reactions[o.Spec.Op] {
		react(obj, o)
	}
	obj.notify(o)
	return nil
}

func (obj *Object) checkShape(o ops.Op) error {
	s := o.Spec
	if s.Type != obj.spec.Type || s.ID != obj.spec.ID || s.Version == "" || s.Op == "" {
		return fmt.Errorf("%w: %s does not address %s", ops.ErrMalformedSpecifier, s.String(), obj.spec.String())
	}
	return nil
}

func (obj *Object) validate(kind Kind, o ops.Op) error {
	switch kind {
	case KindMutating:
		return obj.validateEntry(o)
	case KindSnapshot:
		if o.Value != "" {
			return fmt.Errorf("%w: snapshot carries a payload", ErrInvalidInput)
		}
		for _, entry := range o.Patch {
			if entry.Spec.TypeID() != obj.spec {
				return fmt.Errorf("%w: patch entry %s", ops.ErrMalformedSpecifier, entry.Spec.String())
			}
			if obj.typ.Kind(entry.Spec.Op) != KindMutating {
				return fmt.Errorf("%w: patch entry %s is not a mutation", ErrInvalidInput, entry.Spec.String())
			}
			if err := obj.validateEntry(entry); err != nil {
				return err
			}
		}
	case KindNeutral:
		if len(o.Patch) > 0 {
			return fmt.Errorf("%w: %s carries a patch", ErrInvalidInput, o.Spec.Op)
		}
		if o.Spec.Op == OpOn || o.Spec.Op == OpReOn {
			if _, err := ops.ParseVV(o.Value); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
		}
	}
	return nil
}

func (obj *Object) validateEntry(o ops.Op) error {
	if _, source := ops.SplitVersion(o.Spec.Version); source == "" || o.Spec.Version == "" {
		return fmt.Errorf("%w: version %q has no source", ops.ErrMalformedSpecifier, o.Spec.Version)
	}
	if err := obj.model.Validate(o); err != nil {
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnimplemented) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// replayed reports whether v was applied already: it is logged, or was
// logged and then distilled away. The vector alone cannot tell, since one
// source's ops may arrive out of order over different routes.
func (obj *Object) replayed(v string) bool {
	return ops.CompareVersions(v, obj.version) <= 0 && (obj.log.Has(v) || obj.pruned.Covers(v))
}

func (obj *Object) apply(o ops.Op) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerFailure, o.Spec.String(), r)
		}
	}()
	if err := obj.model.Apply(o); err != nil {
		if errors.Is(err, ErrUnimplemented) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrHandlerFailure, o.Spec.String(), err)
	}
	return nil
}

// rebuild replays the log into a fresh model.
func (obj *Object) rebuild() {
	obj.model = obj.typ.New()
	for _, entry := range obj.log.Entries() {
		_ = obj.model.Apply(entry)
	}
}

func (obj *Object) commit(o ops.Op) {
	obj.log.Put(o)
	obj.vv.Add(o.Spec.Version)
	obj.advance(o.Spec.Version)
	obj.applied++
}

func (obj *Object) advance(v string) {
	if ops.CompareVersions(v, obj.version) > 0 {
		obj.version = v
	}
}

func (obj *Object) markVersioned() {
	if obj.version == "" {
		obj.version = "0"
	}
	select {
	case <-obj.ready:
		return
	default:
		close(obj.ready)
	}
	pending := obj.pending
	obj.pending = nil
	for _, on := range pending {
		if l := obj.links[on.Source]; l != nil && l.down {
			obj.answer(on)
		}
	}
}

func (obj *Object) fanout(o ops.Op) {
	relay := o
	relay.Source = ""
	for _, id := range obj.linkIDs() {
		l := obj.links[id]
		if id == o.Source || !(l.up || l.down) || obj.waiting(id) {
			continue
		}
		if listener := obj.owner.Listener(id); listener != nil {
			listener.Deliver(relay)
		}
	}
}

// waiting reports whether id has an on pending; it gets the full state
// once the object is versioned.
func (obj *Object) waiting(id string) bool {
	for _, p := range obj.pending {
		if p.Source == id {
			return true
		}
	}
	return false
}

func (obj *Object) notify(o ops.Op) {
	if len(obj.watchers) == 0 {
		return
	}
	ids := make([]int, 0, len(obj.watchers))
	for id := range obj.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fn := obj.watchers[id]
		obj.owner.Defer(func() { fn(o) })
	}
}

func (obj *Object) linkIDs() []string {
	ids := make([]string, 0, len(obj.links))
	for id := range obj.links {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (obj *Object) link(id string) *link {
	l := obj.links[id]
	if l == nil {
		l = &link{}
		obj.links[id] = l
	}
	return l
}

func (obj *Object) prune(id string) {
	if l := obj.links[id]; l != nil && !l.up && !l.down {
		delete(obj.links, id)
	}
}

func (obj *Object) reply(name, value string) ops.Op {
	return ops.Op{
		Spec:  ops.Spec{Type: obj.spec.Type, ID: obj.spec.ID, Version: obj.owner.Stamp(), Op: name},
		Value: value,
	}
}

func (obj *Object) send(id string, o ops.Op) {
	if listener := obj.owner.Listener(id); listener != nil {
		listener.Deliver(o)
	}
}

func (obj *Object) neutral(o ops.Op) error {
	src := o.Source
	switch o.Spec.Op {
	case OpOn:
		obj.link(src).down = true
		base, _ := ops.ParseVV(o.Value)
		obj.acks[src] = base
		obj.pending = slices.DeleteFunc(obj.pending, func(p ops.Op) bool { return p.Source == src })
		if obj.version == "" && obj.hasUplinks() {
			obj.pending = append(obj.pending, o)
			return nil
		}
		if obj.version == "" {
			obj.markVersioned()
		}
		obj.answer(o)
	case OpOff:
		if l := obj.links[src]; l != nil {
			l.down = false
		}
		obj.pending = slices.DeleteFunc(obj.pending, func(p ops.Op) bool { return p.Source == src })
		obj.prune(src)
		obj.send(src, obj.reply(OpReOff, ""))
	case OpReOn:
		l := obj.links[src]
		if l == nil || !l.up {
			return nil
		}
		l.acked = true
		theirs, _ := ops.ParseVV(o.Value)
		obj.acks[src] = theirs
		if diff := obj.Diff(theirs); diff != nil && len(diff.Patch) > 0 {
			obj.send(src, *diff)
		}
		obj.settle()
	case OpReOff:
		if l := obj.links[src]; l != nil {
			l.up, l.acked = false, false
		}
		obj.prune(src)
		obj.settle()
	case OpError:
	}
	return nil
}

// answer sends the state a downstream subscriber is missing, then reon.
func (obj *Object) answer(on ops.Op) {
	src := on.Source
	base := obj.acks[src]
	if diff := obj.Diff(base); diff != nil {
		obj.send(src, *diff)
	}
	obj.send(src, obj.reply(OpReOn, obj.vv.Serialize(obj.owner.VectorLimit())))
	obj.acks[src] = obj.vv.Clone()
}

func (obj *Object) hasUplinks() bool {
	for _, l := range obj.links {
		if l.up {
			return true
		}
	}
	return false
}

// settle makes an unversioned object default once no uplink is left to
// answer.
func (obj *Object) settle() {
	if obj.version != "" {
		return
	}
	for _, l := range obj.links {
		if l.up && !l.acked {
			return
		}
	}
	obj.markVersioned()
}

// merge applies a snapshot. Fan-out stays silent while entries are merged;
// the freshly applied subset is then relayed as one patch. Any failure
// rolls the whole snapshot back.
func (obj *Object) merge(o ops.Op) error {
	prevVV, prevVersion, prevApplied := obj.vv.Clone(), obj.version, obj.applied
	var fresh []ops.Op
	for _, entry := range o.Patch {
		if obj.log.Has(entry.Spec.Version) || obj.pruned.Covers(entry.Spec.Version) {
			continue
		}
		if err := obj.apply(entry); err != nil {
			for _, f := range fresh {
				obj.log.Delete(f.Spec.Version)
			}
			obj.vv, obj.version, obj.applied = prevVV, prevVersion, prevApplied
			obj.rebuild()
			return err
		}
		entry.Source = ""
		obj.commit(entry)
		fresh = append(fresh, entry)
	}
	obj.advance(o.Spec.Version)
	if l := obj.links[o.Source]; l != nil && l.up {
		l.acked = true
	}
	if len(fresh) > 0 {
		patch := ops.Op{
			Spec:   ops.Spec{Type: obj.spec.Type, ID: obj.spec.ID, Version: obj.version, Op: OpPatch},
			Patch:  fresh,
			Source: o.Source,
		}
		obj.fanout(patch)
		obj.owner.Applied(obj, patch)
		obj.notify(patch)
	}
	obj.markVersioned()
	return nil
}

// Diff distills the log and returns what a replica at base is missing:
// an init with the whole log when base is empty, otherwise a patch, or
// nil when nothing is missing. Host-facing.
func (obj *Object) Diff(base *ops.VV) *ops.Op {
	obj.distill()
	name := OpPatch
	var entries []ops.Op
	if base.Empty() {
		name = OpInit
		entries = obj.log.Entries()
	} else {
		entries = obj.log.Missing(base)
		if len(entries) == 0 {
			return nil
		}
	}
	version := obj.version
	if version == "" {
		version = "0"
	}
	return &ops.Op{
		Spec:  ops.Spec{Type: obj.spec.Type, ID: obj.spec.ID, Version: version, Op: name},
		Patch: entries,
	}
}

func (obj *Object) distill() {
	before := obj.log.Versions()
	obj.model.Distill(obj.log, obj.horizon())
	for _, v := range before {
		if !obj.log.Has(v) {
			obj.pruned.Add(v)
		}
	}
}

// horizon is what every source known to the object, linked now or
// before, has acknowledged. It is empty while any link has not
// acknowledged anything.
func (obj *Object) horizon() *ops.VV {
	for id := range obj.links {
		if obj.acks[id] == nil {
			return ops.NewVV()
		}
	}
	var out *ops.VV
	for _, ack := range obj.acks {
		if ack == nil {
			return ops.NewVV()
		}
		if out == nil {
			out = ack.Clone()
		} else {
			out = out.Meet(ack)
		}
	}
	if out == nil {
		return ops.NewVV()
	}
	return out
}

// Snapshot returns the distilled state as an init operation. Host-facing.
func (obj *Object) Snapshot() ops.Op {
	return *obj.Diff(nil)
}

// Subscribe opens an uplink to source id, resuming from the current
// vector. Host-facing.
func (obj *Object) Subscribe(id string) {
	l := obj.link(id)
	if l.up {
		return
	}
	l.up, l.acked = true, false
	obj.send(id, obj.reply(OpOn, obj.vv.Serialize(obj.owner.VectorLimit())))
}

// Unsubscribe closes the uplink to source id. Host-facing.
func (obj *Object) Unsubscribe(id string) {
	l := obj.links[id]
	if l == nil || !l.up {
		return
	}
	l.up, l.acked = false, false
	obj.send(id, obj.reply(OpOff, ""))
	obj.prune(id)
	obj.settle()
}

// Drop forgets a source that went away without a handshake. What it
// acknowledged is kept: it may come back with that base. Host-facing.
func (obj *Object) Drop(id string) {
	delete(obj.links, id)
	obj.pending = slices.DeleteFunc(obj.pending, func(p ops.Op) bool { return p.Source == id })
	obj.settle()
}

// Uplinks returns the ids this object is subscribed to. Host-facing.
func (obj *Object) Uplinks() []string {
	var out []string
	for _, id := range obj.linkIDs() {
		if obj.links[id].up {
			out = append(out, id)
		}
	}
	return out
}

// Downlinks returns the ids subscribed to this object. Host-facing.
func (obj *Object) Downlinks() []string {
	var out []string
	for _, id := range obj.linkIDs() {
		if obj.links[id].down {
			out = append(out, id)
		}
	}
	return out
}

// Idle reports whether no source is subscribed to the object and no
// subscription is pending. Host-facing.
func (obj *Object) Idle() bool {
	return len(obj.Downlinks()) == 0 && len(obj.pending) == 0
}

// Default makes an unversioned object default. Host-facing.
func (obj *Object) Default() {
	obj.settle()
}

// Shutdown unsubscribes from every uplink and closes the object.
// Host-facing.
func (obj *Object) Shutdown() {
	if obj.closed {
		return
	}
	for _, id := range obj.Uplinks() {
		obj.Unsubscribe(id)
	}
	obj.closed = true
	obj.watchers = map[int]func(ops.Op){}
}

// Closed reports whether Shutdown ran. Host-facing.
func (obj *Object) Closed() bool {
	return obj.closed
}

// Head returns the current version. Host-facing.
func (obj *Object) Head() string {
	return obj.version
}

// Applied returns the number of operations applied so far. Host-facing.
func (obj *Object) Applied() int {
	return obj.applied
}

// EmitLocked stamps, applies and relays a local operation. The caller
// holds the owner lock.
func (obj *Object) EmitLocked(name, value string) (ops.Op, error) {
	if obj.typ.Kind(name) != KindMutating {
		return ops.Op{}, fmt.Errorf("%w: %s is not a mutation of %s", ErrUnimplemented, name, obj.typ.Name)
	}
	o := ops.Op{
		Spec:  ops.Spec{Type: obj.spec.Type, ID: obj.spec.ID, Version: obj.owner.Stamp(), Op: name},
		Value: value,
	}
	return o, obj.Deliver(o)
}

// Emit is EmitLocked for callers outside the lock.
func (obj *Object) Emit(name, value string) (ops.Op, error) {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	return obj.EmitLocked(name, value)
}

// Value returns a copy of the outer state.
func (obj *Object) Value() any {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	return obj.model.Value()
}

// Version returns the greatest version applied.
func (obj *Object) Version() string {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	return obj.version
}

// Vector returns the full version vector in wire form.
func (obj *Object) Vector() string {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	return obj.vv.String()
}

// Log returns a copy of the logged operations, oldest first.
func (obj *Object) Log() []ops.Op {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	return obj.log.Entries()
}

// OnChange registers fn to run after every applied operation or merged
// snapshot. fn runs outside the host lock. The returned func cancels.
func (obj *Object) OnChange(fn func(o ops.Op)) func() {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	obj.watcherID++
	id := obj.watcherID
	obj.watchers[id] = fn
	return func() {
		obj.owner.Lock()
		defer obj.owner.Unlock()
		delete(obj.watchers, id)
	}
}

// view runs fn against the model under the lock.
func (obj *Object) view(fn func(m Model)) {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	fn(obj.model)
}
