// Package pipe carries operations between two hosts over a byte stream,
// one wire record per operation.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/host"
	"github.com/DobryySoul/opswarm/internal/ops"
)

// Host is what a pipe needs from the host it serves.
type Host interface {
	ID() string
	Hello(name string) ops.Op
	AddSource(src host.Source, hello ops.Op) error
	Detach(src host.Source, reciprocate bool) error
	Deliver(o ops.Op) error
}

// errStopped ends a pipe that was shut down on purpose.
var errStopped = errors.New("pipe: stopped")

// Pipe is the host's proxy for one remote peer. Deliver only queues; the
// writer goroutine does the I/O.
type Pipe struct {
	host   Host
	opts   Options
	logger log.Logger
	queue  *ops.Queue

	mu      sync.Mutex
	peer    string
	stop    context.CancelFunc
	closing bool
	stopped atomic.Bool
	garbled atomic.Bool // the peer broke framing; the writer still says goodbye
}

// New returns a pipe serving h. Run attaches it to a connection.
func New(h Host, opts Options) *Pipe {
	opts = opts.withDefaults()
	return &Pipe{
		host:   h,
		opts:   opts,
		logger: log.With(opts.Logger, "component", "pipe"),
		queue:  ops.NewQueue(),
	}
}

// ID returns the peer's host id, empty until the handshake completes.
func (p *Pipe) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

// Deliver queues o for the peer.
func (p *Pipe) Deliver(o ops.Op) {
	p.queue.Push(o)
}

// Close says goodbye to the peer and ends Run.
func (p *Pipe) Close() {
	p.mu.Lock()
	p.closing = true
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Run handshakes over conn, then moves operations both ways until the
// connection fails, the peer leaves, or ctx is done. The initiator speaks
// first. A deliberate shutdown returns nil.
func (p *Pipe) Run(ctx context.Context, conn Conn, initiator bool) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrClosed
	}
	p.stop = cancel
	p.mu.Unlock()

	reader := &deadlineReader{conn: conn, timeout: p.opts.HandshakeTimeout}
	dec := ops.NewDecoder(reader)
	if p.opts.MaxRecord > 0 {
		dec.SetMaxRecord(p.opts.MaxRecord)
	}
	if err := p.handshake(conn, dec, initiator); err != nil {
		p.report(err)
		return err
	}
	reader.timeout = p.opts.ReadTimeout
	peer := p.ID()
	logger := log.With(p.logger, "peer", peer)
	level.Info(logger).Log("msg", "pipe established", "initiator", initiator)
	p.opts.Metrics.Pipes.Add(1)
	defer p.opts.Metrics.Pipes.Add(-1)
	defer func() { _ = p.host.Detach(p, false) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.read(dec, peer) })
	g.Go(func() error { return p.write(ctx, gctx, conn) })
	err := g.Wait()
	if p.stopped.Load() || ctx.Err() != nil {
		level.Info(logger).Log("msg", "pipe closed")
		return nil
	}
	level.Warn(logger).Log("msg", "pipe failed", "err", err)
	p.report(err)
	return err
}

func (p *Pipe) handshake(conn Conn, dec *ops.Decoder, initiator bool) error {
	if initiator {
		if err := p.flush(conn, []ops.Op{p.host.Hello(crdt.OpOn)}); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		reply, err := p.first(dec, crdt.OpReOn)
		if err != nil {
			return err
		}
		p.setPeer(reply.Spec.ID)
		if err := p.host.AddSource(p, reply); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return nil
	}

	hello, err := p.first(dec, crdt.OpOn)
	if err != nil {
		return err
	}
	p.setPeer(hello.Spec.ID)
	if err := p.host.AddSource(p, hello); err != nil {
		_ = p.flush(conn, []ops.Op{hello.Reply(crdt.OpError, ops.LineSafe(err.Error()))})
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return nil
}

// first reads the opening record, which must be the host-level op name.
func (p *Pipe) first(dec *ops.Decoder, name string) (ops.Op, error) {
	list, err := dec.Decode()
	if err != nil {
		if errors.Is(err, ops.ErrFramingError) {
			p.opts.Metrics.FramingErrors.Add(1)
		}
		return ops.Op{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if len(list) != 1 {
		return ops.Op{}, fmt.Errorf("%w: opening record holds %d ops", ErrHandshake, len(list))
	}
	o := list[0]
	if o.Spec.Type != host.HostType || o.Spec.Op != name {
		if o.Spec.Op == crdt.OpError {
			return ops.Op{}, fmt.Errorf("%w: peer refused: %s", ErrHandshake, o.Value)
		}
		return ops.Op{}, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, name, o.Spec.String())
	}
	if !ops.ValidToken(o.Spec.ID) {
		return ops.Op{}, fmt.Errorf("%w: peer id %q", ErrHandshake, o.Spec.ID)
	}
	return o, nil
}

func (p *Pipe) setPeer(id string) {
	p.mu.Lock()
	p.peer = id
	p.mu.Unlock()
}

// read hands inbound ops to the host until the stream ends.
func (p *Pipe) read(dec *ops.Decoder, peer string) error {
	for {
		list, err := dec.Decode()
		if err != nil {
			if errors.Is(err, ops.ErrFramingError) {
				p.opts.Metrics.FramingErrors.Add(1)
				p.garbled.Store(true)
				return err
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		for _, o := range list {
			if o.Spec.Type == host.HostType {
				switch o.Spec.Op {
				case crdt.OpOff:
					// The host answers with reoff; the writer stops after
					// sending it.
					p.stopped.Store(true)
					if err := p.host.Detach(p, true); err != nil {
						p.Deliver(p.host.Hello(crdt.OpReOff))
					}
					return nil
				case crdt.OpReOff:
					p.stopped.Store(true)
					return errStopped
				}
				continue
			}
			if err := p.admit(o, peer); err != nil {
				p.opts.Metrics.OpsRejected.Add(1)
				p.Deliver(o.Reply(crdt.OpError, ops.LineSafe(err.Error())))
				continue
			}
			o.Source = peer
			if err := p.host.Deliver(o); err != nil {
				level.Debug(p.logger).Log("msg", "operation not applied", "peer", peer, "spec", o.Spec.String(), "err", err)
			}
		}
	}
}

// admit enforces RestrictAuthor: a peer may only send versions its own
// author issued.
func (p *Pipe) admit(o ops.Op, peer string) error {
	if !p.opts.RestrictAuthor {
		return nil
	}
	author := ops.Author(peer)
	check := func(version string) error {
		_, source := ops.SplitVersion(version)
		if ops.Author(source) != author {
			return fmt.Errorf("%w: %s may not issue %s", crdt.ErrAccessViolation, peer, version)
		}
		return nil
	}
	if len(o.Patch) == 0 {
		return check(o.Spec.Version)
	}
	for _, entry := range o.Patch {
		if err := check(entry.Spec.Version); err != nil {
			return err
		}
	}
	return nil
}

// write drains the queue to conn, coalescing on FlushInterval and
// sending heartbeats when idle. It closes conn on the way out.
func (p *Pipe) write(ctx, gctx context.Context, conn Conn) error {
	defer conn.Close()

	var (
		idle  <-chan time.Time
		timer *time.Timer
	)
	if p.opts.KeepAlive > 0 {
		timer = time.NewTimer(p.opts.KeepAlive)
		defer timer.Stop()
		idle = timer.C
	}
	reset := func() {
		if timer != nil {
			timer.Reset(p.opts.KeepAlive)
		}
	}

	for {
		select {
		case <-gctx.Done():
			if ctx.Err() != nil {
				p.stopped.Store(true)
				return p.goodbye(conn)
			}
			if p.garbled.Load() {
				_ = p.goodbye(conn)
			}
			return gctx.Err()
		case <-p.queue.Ready():
			if p.opts.FlushInterval > 0 {
				select {
				case <-time.After(p.opts.FlushInterval):
				case <-gctx.Done():
				}
			}
			list := p.queue.Drain()
			if err := p.flush(conn, list); err != nil {
				return err
			}
			reset()
			if leaving(list) {
				p.stopped.Store(true)
				return errStopped
			}
		case <-idle:
			if err := p.writeRaw(conn, []byte{'\n'}); err != nil {
				return err
			}
			reset()
		}
	}
}

// goodbye flushes what is queued and tells the peer this host is
// leaving.
func (p *Pipe) goodbye(conn Conn) error {
	list := append(p.queue.Drain(), p.host.Hello(crdt.OpOff))
	if err := p.flush(conn, list); err != nil {
		level.Debug(p.logger).Log("msg", "goodbye not delivered", "err", err)
	}
	return errStopped
}

func leaving(list []ops.Op) bool {
	for _, o := range list {
		if o.Spec.Type == host.HostType && (o.Spec.Op == crdt.OpOff || o.Spec.Op == crdt.OpReOff) {
			return true
		}
	}
	return false
}

// flush encodes list and writes it in one call. Ops that cannot be
// encoded are dropped and logged.
func (p *Pipe) flush(conn Conn, list []ops.Op) error {
	if len(list) == 0 {
		return nil
	}
	var buf []byte
	for _, o := range list {
		next, err := ops.Append(buf, o)
		if err != nil {
			level.Error(p.logger).Log("msg", "cannot encode operation", "spec", o.Spec.String(), "err", err)
			continue
		}
		buf = next
	}
	return p.writeRaw(conn, buf)
}

func (p *Pipe) writeRaw(conn Conn, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if err := conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

func (p *Pipe) report(err error) {
	if p.opts.OnError == nil || err == nil {
		return
	}
	p.opts.OnError(err)
}
