package opswarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/DobryySoul/opswarm/internal/discovery"
	"github.com/DobryySoul/opswarm/internal/host"
	"github.com/DobryySoul/opswarm/internal/ops"
	"github.com/DobryySoul/opswarm/internal/pipe"
	"github.com/DobryySoul/opswarm/internal/storage"
)

// redialTTL suppresses dialing a discovered peer again while an earlier
// attempt may still be in flight.
const redialTTL = 30 * time.Second

// Node is a running opswarm host together with its storage, listener and
// peer connections. It is safe for concurrent use by multiple goroutines.
type Node struct {
	cfg    Config
	host   *host.Host
	logger log.Logger
	store  *storage.Source
	mdns   *discovery.MDNS
	ln     net.Listener
	recent *ttlcache.Cache[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu      sync.Mutex
	dialers map[string]*pipe.Dialer
	closed  bool
}

// New creates and starts a node with the provided options. Without a bind
// address the node only dials out; without storage objects live in
// memory as long as someone holds them.
func New(opts ...Option) (*Node, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	h := host.New(host.Config{
		ID:            cfg.NodeID,
		Clock:         ops.NewClock(cfg.NodeID, cfg.clock),
		HashPoints:    cfg.HashPoints,
		ServerPrefix:  cfg.ServerPrefix,
		VectorLimit:   cfg.VectorLimit,
		SnapshotEvery: cfg.SnapshotEvery,
		Logger:        cfg.logger,
		Metrics:       cfg.metrics,
	})
	for _, t := range cfg.Types {
		h.Register(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		host:    h,
		logger:  log.With(cfg.logger, "node", cfg.NodeID),
		recent:  ttlcache.New(ttlcache.WithTTL[string, struct{}](redialTTL)),
		ctx:     ctx,
		cancel:  cancel,
		dialers: make(map[string]*pipe.Dialer),
	}
	n.group.Go(func() error {
		n.recent.Start()
		return nil
	})

	if cfg.Storage != nil {
		n.store = storage.NewSource(storage.DefaultSourceID, cfg.Storage, cfg.logger, cfg.metrics)
		h.SetStorage(n.store)
		n.group.Go(func() error { return n.store.Run(ctx, h) })
	}

	if cfg.BindAddr != "" {
		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			n.abort()
			return nil, fmt.Errorf("opswarm: listen %s: %w", cfg.BindAddr, err)
		}
		n.ln = ln
		n.group.Go(func() error { return pipe.Serve(ctx, ln, h, n.pipeOptions()) })
		if cfg.Discovery {
			mdns, err := discovery.NewMDNS(cfg.NodeID, ln.Addr().String(), n.discovered)
			if err != nil {
				n.abort()
				return nil, err
			}
			n.mdns = mdns
		}
	}

	for _, seed := range filterPeers(n.Addr(), cfg.Seeds) {
		if err := n.Connect(seed); err != nil {
			n.abort()
			return nil, err
		}
	}
	level.Info(n.logger).Log("msg", "node started", "addr", n.Addr(), "seeds", len(cfg.Seeds))
	return n, nil
}

// abort undoes a partial start.
func (n *Node) abort() {
	n.host.Close()
	n.recent.Stop()
	n.cancel()
	_ = n.group.Wait()
	if n.cfg.Storage != nil {
		_ = n.cfg.Storage.Close()
	}
}

func (n *Node) pipeOptions() pipe.Options {
	return pipe.Options{
		FlushInterval:    n.cfg.FlushInterval,
		KeepAlive:        n.cfg.KeepAlive,
		ReadTimeout:      n.cfg.ReadTimeout,
		WriteTimeout:     pipe.DefaultWriteTimeout,
		HandshakeTimeout: pipe.DefaultHandshakeTimeout,
		RestrictAuthor:   n.cfg.RestrictAuthor,
		Logger:           n.cfg.logger,
		Metrics:          n.cfg.metrics,
		OnError:          n.cfg.errorHandler,
	}
}

// ID returns the host id of the node.
func (n *Node) ID() string {
	return n.host.ID()
}

// Addr returns the listen address, or "" if the node does not listen.
func (n *Node) Addr() string {
	if n.ln == nil {
		return ""
	}
	return n.ln.Addr().String()
}

// Peers returns the ids of connected peers and the storage.
func (n *Node) Peers() []string {
	return n.host.Sources()
}

// Get returns the object named by spec, such as "/Model#profile", once
// its state has been loaded from storage or a peer. The object stays
// live until Release.
func (n *Node) Get(ctx context.Context, spec string) (*Object, error) {
	if err := n.check(ctx); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := ops.ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	if s.Type == "" || s.ID == "" {
		return nil, fmt.Errorf("%w: %q names no object", ErrMalformedSpecifier, spec)
	}
	typeid := s.TypeID()
	obj, err := n.host.Get(typeid)
	if err != nil {
		if errors.Is(err, host.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	select {
	case <-obj.Ready():
		return obj, nil
	case <-ctx.Done():
		n.host.Release(typeid)
		return nil, mapContextErr(ctx)
	}
}

// Record returns the Model object with the given id.
func (n *Node) Record(ctx context.Context, id string) (Record, error) {
	obj, err := n.Get(ctx, "/"+RecordType.Name+"#"+id)
	return Record{Object: obj}, err
}

// Set returns the Set object with the given id.
func (n *Node) Set(ctx context.Context, id string) (Set, error) {
	obj, err := n.Get(ctx, "/"+SetType.Name+"#"+id)
	return Set{Object: obj}, err
}

// Vector returns the Vector object with the given id.
func (n *Node) Vector(ctx context.Context, id string) (Vector, error) {
	obj, err := n.Get(ctx, "/"+VectorType.Name+"#"+id)
	return Vector{Object: obj}, err
}

// Text returns the Text object with the given id.
func (n *Node) Text(ctx context.Context, id string) (Text, error) {
	obj, err := n.Get(ctx, "/"+TextType.Name+"#"+id)
	return Text{Object: obj}, err
}

// Release drops one reference taken by Get. The object is unloaded once
// nobody, local or remote, follows it.
func (n *Node) Release(obj *Object) {
	if obj == nil {
		return
	}
	n.host.Release(obj.Spec())
}

// Connect keeps a TCP pipe to addr open, redialing with backoff.
func (n *Node) Connect(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	return n.dialer(addr, pipe.TCP(addr))
}

// ConnectWebSocket keeps a WebSocket pipe to url open.
func (n *Node) ConnectWebSocket(url string) error {
	return n.dialer(url, pipe.WebSocket(url))
}

func (n *Node) dialer(key string, dial pipe.DialFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.dialers[key]; ok {
		return nil
	}
	d := pipe.NewDialer(n.host, dial, n.pipeOptions(), n.cfg.Reconnect)
	n.dialers[key] = d
	n.group.Go(func() error { return d.Run(n.ctx) })
	return nil
}

// Disconnect stops dialing addr or url and closes its pipe.
func (n *Node) Disconnect(key string) {
	n.mu.Lock()
	d, ok := n.dialers[key]
	delete(n.dialers, key)
	n.mu.Unlock()
	if ok {
		d.Close()
	}
}

// ServeHTTP upgrades the request to a WebSocket pipe and serves it until
// the peer leaves or the node closes.
func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n.check(r.Context()) != nil {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := pipe.Upgrade(w, r)
	if err != nil {
		level.Debug(n.logger).Log("msg", "websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if err := pipe.New(n.host, n.pipeOptions()).Run(n.ctx, conn, false); err != nil {
		level.Debug(n.logger).Log("msg", "websocket pipe ended", "remote", r.RemoteAddr, "err", err)
	}
}

// AcceptConn serves a pipe over conn as the answering side. It returns
// when the pipe ends.
func (n *Node) AcceptConn(ctx context.Context, conn pipe.Conn) error {
	return n.run(ctx, conn, false)
}

// DialConn serves a pipe over conn as the initiating side. It returns
// when the pipe ends; it does not redial.
func (n *Node) DialConn(ctx context.Context, conn pipe.Conn) error {
	return n.run(ctx, conn, true)
}

func (n *Node) run(ctx context.Context, conn pipe.Conn, initiator bool) error {
	if err := n.check(ctx); err != nil {
		conn.Close()
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(n.ctx, cancel)
	defer stop()
	return pipe.New(n.host, n.pipeOptions()).Run(ctx, conn, initiator)
}

// discovered dials a peer found on the LAN. Only the side with the lower
// id dials, so two nodes do not connect twice.
func (n *Node) discovered(peer discovery.Peer) {
	if peer.ID <= n.host.ID() {
		return
	}
	if slices.Contains(n.host.Sources(), peer.ID) || n.recent.Has(peer.ID) {
		return
	}
	n.recent.Set(peer.ID, struct{}{}, ttlcache.DefaultTTL)
	level.Info(n.logger).Log("msg", "peer discovered", "peer", peer.ID, "addr", peer.Addrs[0])
	if err := n.Connect(peer.Addrs[0]); err != nil {
		n.cfg.errorHandler(fmt.Errorf("opswarm: dial discovered peer %s: %w", peer.ID, err))
	}
}

// Close unloads every object, says goodbye to peers and storage, and
// waits for background work to finish. Further operations return
// ErrClosed.
func (n *Node) Close(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	dialers := make([]*pipe.Dialer, 0, len(n.dialers))
	for _, d := range n.dialers {
		dialers = append(dialers, d)
	}
	n.mu.Unlock()

	n.host.Close()
	if n.mdns != nil {
		n.mdns.Stop()
	}
	for _, d := range dialers {
		d.Close()
	}
	n.recent.Stop()
	n.cancel()

	done := make(chan error, 1)
	go func() { done <- n.group.Wait() }()
	var waitCtx <-chan struct{}
	if ctx != nil {
		waitCtx = ctx.Done()
	}
	select {
	case err := <-done:
		if n.cfg.Storage != nil {
			if cerr := n.cfg.Storage.Close(); err == nil {
				err = cerr
			}
		}
		level.Info(n.logger).Log("msg", "node closed")
		return err
	case <-waitCtx:
		return mapContextErr(ctx)
	}
}

func (n *Node) check(ctx context.Context) error {
	if err := mapContextErr(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	return nil
}

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}

func filterPeers(self string, peers []string) []string {
	seen := make(map[string]struct{}, len(peers))
	out := make([]string, 0, len(peers))
	for _, peer := range peers {
		if peer == "" || peer == self {
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	return out
}
