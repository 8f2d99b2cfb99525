// Package host keeps the registry of live objects and the table of
// sources they replicate with, and decides which sources each object
// subscribes to.
package host

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/metrics"
	"github.com/DobryySoul/opswarm/internal/ops"
)

// HostType is the type tag of host-level handshake operations.
const HostType = "Host"

// DefaultServerPrefix marks server-class host ids.
const DefaultServerPrefix = "swarm"

// Source is a storage or a connected peer. Deliver must not block.
type Source interface {
	crdt.Listener
	ID() string
}

// Config configures a Host.
type Config struct {
	// ID names the host; it is also the clock source unless Clock is set.
	ID    string
	Clock *ops.Clock
	// HashPoints per ring member, at least 3.
	HashPoints int
	// ServerPrefix marks server-class peers. Only those are uplink
	// candidates. An empty prefix makes every peer server-class.
	ServerPrefix string
	// VectorLimit bounds vectors sent on the wire; 0 sends them whole.
	VectorLimit int
	// SnapshotEvery pushes a state snapshot to storage after that many
	// applied ops per object; 0 disables it.
	SnapshotEvery int
	Logger        log.Logger
	Metrics       *metrics.Metrics
}

type entry struct {
	obj     *crdt.Object
	refs    int
	unsaved int
}

// Host owns objects and sources. One mutex serializes the registry, the
// source table and every object's state; functions deferred while it is
// held run after Unlock.
type Host struct {
	mu       sync.Mutex
	deferred []func()

	id      string
	cfg     Config
	clock   *ops.Clock
	logger  log.Logger
	metrics *metrics.Metrics

	types   map[string]*crdt.Type
	objects map[ops.Spec]*entry
	sources map[string]Source
	storage string
	ring    *Ring
	seen    *ops.VV
	closed  bool
}

// New returns a host with the built-in types registered.
func New(cfg Config) *Host {
	if cfg.Clock == nil {
		cfg.Clock = ops.NewClock(cfg.ID, nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	h := &Host{
		id:      cfg.ID,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  log.With(cfg.Logger, "host", cfg.ID),
		metrics: metrics.OrDiscard(cfg.Metrics),
		types:   make(map[string]*crdt.Type),
		objects: make(map[ops.Spec]*entry),
		sources: make(map[string]Source),
		ring:    NewRing(cfg.HashPoints),
		seen:    ops.NewVV(),
	}
	if h.isServer(h.id) {
		h.ring.Add(h.id)
	}
	for _, t := range []*crdt.Type{crdt.RecordType, crdt.SetType, crdt.VectorType, crdt.TextType} {
		h.types[t.Name] = t.Resolve()
	}
	return h
}

func (h *Host) ID() string {
	return h.id
}

// Register adds a type. The type registry is fixed once objects exist.
func (h *Host) Register(t *crdt.Type) {
	h.Lock()
	defer h.Unlock()
	h.types[t.Name] = t.Resolve()
}

// Lock takes the host lock.
func (h *Host) Lock() {
	h.mu.Lock()
}

// Unlock releases the host lock and runs everything deferred meanwhile.
func (h *Host) Unlock() {
	queue := h.deferred
	h.deferred = nil
	h.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

func (h *Host) Defer(fn func()) {
	h.deferred = append(h.deferred, fn)
}

func (h *Host) Stamp() string {
	return h.clock.Issue()
}

func (h *Host) VectorLimit() int {
	return h.cfg.VectorLimit
}

// Listener resolves a source id. It returns a nil interface if the
// source is gone.
func (h *Host) Listener(id string) crdt.Listener {
	src, ok := h.sources[id]
	if !ok {
		return nil
	}
	return src
}

func (h *Host) isServer(id string) bool {
	return strings.HasPrefix(id, h.cfg.ServerPrefix)
}

// Get returns the live object for typeid, creating and subscribing it if
// needed, and takes a reference on it. Release drops the reference.
func (h *Host) Get(typeid ops.Spec) (*crdt.Object, error) {
	h.Lock()
	defer h.Unlock()
	e, err := h.ensure(typeid.TypeID())
	if err != nil {
		return nil, err
	}
	e.refs++
	return e.obj, nil
}

// Release drops a reference taken by Get. An object with no references
// and no subscribers is shut down and unregistered.
func (h *Host) Release(typeid ops.Spec) {
	h.Lock()
	defer h.Unlock()
	typeid = typeid.TypeID()
	if e, ok := h.objects[typeid]; ok && e.refs > 0 {
		e.refs--
	}
	h.collect(typeid)
}

func (h *Host) ensure(typeid ops.Spec) (*entry, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if e, ok := h.objects[typeid]; ok {
		return e, nil
	}
	if !ops.ValidToken(typeid.Type) || !ops.ValidToken(typeid.ID) {
		return nil, fmt.Errorf("%w: %q", ops.ErrMalformedSpecifier, typeid.String())
	}
	t, ok := h.types[typeid.Type]
	if !ok {
		return nil, fmt.Errorf("%w: type %s", crdt.ErrUnimplemented, typeid.Type)
	}
	e := &entry{obj: crdt.New(t, typeid.ID, h)}
	h.objects[typeid] = e
	h.metrics.Objects.Set(float64(len(h.objects)))
	h.checkUplink(e.obj)
	return e, nil
}

// Deliver routes an operation from a source to its object, creating the
// object if the op calls for one. Rejections are answered to the source
// with an error op and never relayed.
func (h *Host) Deliver(o ops.Op) error {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return ErrClosed
	}

	typeid := o.Spec.TypeID()
	e, ok := h.objects[typeid]
	if !ok {
		switch o.Spec.Op {
		case crdt.OpOff, crdt.OpReOff, crdt.OpError:
			return nil
		}
		var err error
		if e, err = h.ensure(typeid); err != nil {
			h.reject(o, err)
			return err
		}
	}

	err := e.obj.Deliver(o)
	switch {
	case errors.Is(err, crdt.ErrReplayDetected):
		h.metrics.OpsReplayed.Add(1)
		err = nil
	case err != nil:
		h.reject(o, err)
	case o.Spec.Op == crdt.OpError:
		level.Warn(h.logger).Log("msg", "source reported an error", "peer", o.Source, "spec", o.Spec.String(), "err", o.Value)
	}
	// Only accepted versions move the clock.
	if err == nil {
		h.clock.See(o.Spec.Version)
	}
	h.collect(typeid)
	return err
}

// Applied counts committed mutations, local or remote, and pushes
// snapshots to storage. It runs under the lock.
func (h *Host) Applied(obj *crdt.Object, o ops.Op) {
	e, ok := h.objects[obj.Spec()]
	if !ok || e.obj != obj {
		return
	}
	if len(o.Patch) > 0 {
		for _, p := range o.Patch {
			h.seen.Add(p.Spec.Version)
		}
		h.metrics.OpsApplied.Add(float64(len(o.Patch)))
		e.unsaved += len(o.Patch)
	} else {
		h.seen.Add(o.Spec.Version)
		h.metrics.OpsApplied.Add(1)
		e.unsaved++
	}
	h.maybeSnapshot(e)
}

func (h *Host) reject(o ops.Op, err error) {
	h.metrics.OpsRejected.Add(1)
	level.Debug(h.logger).Log("msg", "operation rejected", "peer", o.Source, "spec", o.Spec.String(), "err", err)
	if o.Spec.Op == crdt.OpError {
		return
	}
	if src, ok := h.sources[o.Source]; ok {
		src.Deliver(o.Reply(crdt.OpError, ops.LineSafe(err.Error())))
	}
}

// maybeSnapshot pushes the distilled state to storage every
// SnapshotEvery applied ops.
func (h *Host) maybeSnapshot(e *entry) {
	if h.cfg.SnapshotEvery <= 0 || e.unsaved < h.cfg.SnapshotEvery || h.storage == "" {
		return
	}
	if !slices.Contains(e.obj.Uplinks(), h.storage) {
		return
	}
	e.unsaved = 0
	h.sources[h.storage].Deliver(e.obj.Snapshot())
}

// SourcesFor returns the sources an object should subscribe to: the
// storage, then the closest server-class peer unless that is this host.
func (h *Host) SourcesFor(typeid ops.Spec) []string {
	h.Lock()
	defer h.Unlock()
	return h.sourcesFor(typeid)
}

func (h *Host) sourcesFor(typeid ops.Spec) []string {
	var out []string
	if h.storage != "" {
		out = append(out, h.storage)
	}
	peer, ok := h.ring.Closest(typeid.TypeID().String())
	if ok && peer != h.id {
		if _, connected := h.sources[peer]; connected {
			out = append(out, peer)
		}
	}
	return out
}

// CheckUplink reconciles an object's uplinks with SourcesFor.
func (h *Host) CheckUplink(obj *crdt.Object) {
	h.Lock()
	defer h.Unlock()
	h.checkUplink(obj)
}

func (h *Host) checkUplink(obj *crdt.Object) {
	want := h.sourcesFor(obj.Spec())
	have := obj.Uplinks()
	for _, id := range have {
		if !slices.Contains(want, id) {
			obj.Unsubscribe(id)
		}
	}
	for _, id := range want {
		if !slices.Contains(have, id) {
			obj.Subscribe(id)
		}
	}
	if len(want) == 0 {
		obj.Default()
	}
}

func (h *Host) checkAll() {
	for _, typeid := range h.typeids() {
		if e, ok := h.objects[typeid]; ok {
			h.checkUplink(e.obj)
		}
	}
}

func (h *Host) typeids() []ops.Spec {
	out := make([]ops.Spec, 0, len(h.objects))
	for typeid := range h.objects {
		out = append(out, typeid)
	}
	slices.SortFunc(out, ops.Spec.Compare)
	return out
}

// Hello builds a host-level handshake op carrying what this host has
// seen.
func (h *Host) Hello(name string) ops.Op {
	h.Lock()
	defer h.Unlock()
	return h.hello(name)
}

func (h *Host) hello(name string) ops.Op {
	return ops.Op{
		Spec:  ops.Spec{Type: HostType, ID: h.id, Version: h.clock.Issue(), Op: name},
		Value: h.seen.Serialize(h.cfg.VectorLimit),
	}
}

// AddSource connects a peer. If hello is the peer's on, it is answered
// with reon. Every object then re-checks its uplinks.
func (h *Host) AddSource(src Source, hello ops.Op) error {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return ErrClosed
	}
	id := src.ID()
	if id == h.id {
		return fmt.Errorf("%w: peer claims this host's id %s", crdt.ErrAccessViolation, id)
	}
	h.sources[id] = src
	if h.isServer(id) {
		h.ring.Add(id)
	}
	if hello.Spec.Op == crdt.OpOn {
		src.Deliver(h.hello(crdt.OpReOn))
	}
	level.Info(h.logger).Log("msg", "source added", "peer", id)
	h.checkAll()
	return nil
}

// SetStorage installs the storage source. It is the first uplink of
// every object.
func (h *Host) SetStorage(src Source) {
	h.Lock()
	defer h.Unlock()
	h.sources[src.ID()] = src
	h.storage = src.ID()
	h.checkAll()
}

// RemoveSource disconnects a source. With reciprocate set the source is
// told with reoff. Objects forget it and re-check their uplinks.
func (h *Host) RemoveSource(id string, reciprocate bool) error {
	h.Lock()
	defer h.Unlock()
	src, ok := h.sources[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	h.removeSource(id, src, reciprocate)
	return nil
}

// Detach removes src only if it is still the source registered under its
// id; a peer that reconnected keeps its newer source.
func (h *Host) Detach(src Source, reciprocate bool) error {
	h.Lock()
	defer h.Unlock()
	id := src.ID()
	if cur, ok := h.sources[id]; !ok || cur != src {
		return fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	h.removeSource(id, src, reciprocate)
	return nil
}

func (h *Host) removeSource(id string, src Source, reciprocate bool) {
	if reciprocate {
		src.Deliver(h.hello(crdt.OpReOff))
	}
	delete(h.sources, id)
	if id != h.id {
		h.ring.Remove(id)
	}
	if id == h.storage {
		h.storage = ""
	}
	for _, typeid := range h.typeids() {
		h.objects[typeid].obj.Drop(id)
	}
	level.Info(h.logger).Log("msg", "source removed", "peer", id)
	h.checkAll()
	for _, typeid := range h.typeids() {
		h.collect(typeid)
	}
}

// Sources returns the connected source ids.
func (h *Host) Sources() []string {
	h.Lock()
	defer h.Unlock()
	out := make([]string, 0, len(h.sources))
	for id := range h.sources {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of live objects.
func (h *Host) Len() int {
	h.Lock()
	defer h.Unlock()
	return len(h.objects)
}

func (h *Host) collect(typeid ops.Spec) {
	e, ok := h.objects[typeid]
	if !ok || e.refs > 0 || !e.obj.Idle() {
		return
	}
	e.obj.Shutdown()
	delete(h.objects, typeid)
	h.metrics.Objects.Set(float64(len(h.objects)))
}

// Close shuts every object down. Sources stay connected so the final
// offs reach them.
func (h *Host) Close() {
	h.Lock()
	defer h.Unlock()
	if h.closed {
		return
	}
	for _, typeid := range h.typeids() {
		h.objects[typeid].obj.Shutdown()
		delete(h.objects, typeid)
	}
	h.closed = true
	h.metrics.Objects.Set(0)
}
