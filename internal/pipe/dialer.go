package pipe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Backoff shapes reconnect delays: Initial, growing by Multiplier up to
// Max.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns the reconnect schedule dialers use unless told
// otherwise.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    250 * time.Millisecond,
		Multiplier: 2,
		Max:        30 * time.Second,
	}
}

func (b Backoff) exponential() *backoff.ExponentialBackOff {
	def := DefaultBackoff()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = def.Initial
	exp.Multiplier = def.Multiplier
	exp.MaxInterval = def.Max
	if b.Initial > 0 {
		exp.InitialInterval = b.Initial
	}
	if b.Multiplier >= 1 {
		exp.Multiplier = b.Multiplier
	}
	if b.Max > 0 {
		exp.MaxInterval = b.Max
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Dialer keeps one outbound pipe to a peer alive, redialing with
// exponential backoff. A successful handshake resets the delay.
type Dialer struct {
	host    Host
	dial    DialFunc
	opts    Options
	backoff Backoff
	logger  log.Logger

	mu      sync.Mutex
	current *Pipe
	closed  bool
}

// NewDialer returns a dialer for the peer behind dial.
func NewDialer(h Host, dial DialFunc, opts Options, b Backoff) *Dialer {
	opts = opts.withDefaults()
	return &Dialer{
		host:    h,
		dial:    dial,
		opts:    opts,
		backoff: b,
		logger:  log.With(opts.Logger, "component", "dialer"),
	}
}

// Run dials until ctx is done or Close is called.
func (d *Dialer) Run(ctx context.Context) error {
	exp := d.backoff.exponential()
	for {
		p, err := d.attempt(ctx)
		if err != nil {
			level.Debug(d.logger).Log("msg", "dial failed", "err", err)
		}
		if ctx.Err() != nil || d.isClosed() {
			return nil
		}
		if p != nil && p.ID() != "" {
			exp.Reset()
		}
		wait := exp.NextBackOff()
		d.opts.Metrics.Reconnects.Add(1)
		level.Debug(d.logger).Log("msg", "reconnecting", "in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (d *Dialer) attempt(ctx context.Context) (*Pipe, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	p := New(d.host, d.opts)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	d.current = p
	d.mu.Unlock()

	err = p.Run(ctx, conn, true)

	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
	return p, err
}

// Pipe returns the live pipe, if any.
func (d *Dialer) Pipe() *Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Dialer) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops redialing and closes the live pipe.
func (d *Dialer) Close() {
	d.mu.Lock()
	d.closed = true
	p := d.current
	d.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// Serve runs inbound pipes for every connection ln accepts until ctx is
// done.
func Serve(ctx context.Context, ln net.Listener, h Host, opts Options) error {
	opts = opts.withDefaults()
	logger := log.With(opts.Logger, "component", "listener")
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := New(h, opts).Run(ctx, conn, false); err != nil {
				level.Debug(logger).Log("msg", "inbound pipe ended", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}
