package opswarm

import (
	"fmt"
	"net"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/host"
	"github.com/DobryySoul/opswarm/internal/metrics"
	"github.com/DobryySoul/opswarm/internal/ops"
	"github.com/DobryySoul/opswarm/internal/pipe"
	"github.com/DobryySoul/opswarm/internal/storage"
)

// Option configures the node on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for an opswarm node.
// Users typically set it via Option helpers.
type Config struct {
	NodeID    string
	BindAddr  string
	Seeds     []string
	Discovery bool
	Storage   storage.Storage

	FlushInterval  time.Duration
	KeepAlive      time.Duration
	ReadTimeout    time.Duration
	Reconnect      pipe.Backoff
	RestrictAuthor bool

	HashPoints    int
	ServerPrefix  string
	VectorLimit   int
	SnapshotEvery int
	Types         []*crdt.Type

	logger       log.Logger
	metrics      *metrics.Metrics
	clock        func() time.Time
	errorHandler func(error)
}

func defaultConfig() Config {
	return Config{
		Discovery:    true,
		KeepAlive:    pipe.DefaultKeepAlive,
		ReadTimeout:  pipe.DefaultReadTimeout,
		Reconnect:    pipe.DefaultBackoff(),
		HashPoints:   host.DefaultHashPoints,
		ServerPrefix: host.DefaultServerPrefix,
	}
}

func (c *Config) finalize() error {
	if c.NodeID == "" {
		c.NodeID = randomNodeID(c.ServerPrefix)
	}
	if !ops.ValidToken(c.NodeID) {
		return fmt.Errorf("opswarm: node id %q is not a valid token", c.NodeID)
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if c.HashPoints < host.DefaultHashPoints {
		return fmt.Errorf("opswarm: hash points must be at least %d", host.DefaultHashPoints)
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	if c.metrics == nil {
		c.metrics = metrics.Discard()
	}
	if c.errorHandler == nil {
		c.errorHandler = func(error) {}
	}
	return nil
}

// WithNodeID sets the host id peers know this node by. Ids starting with
// the server prefix make the node a subscription target for others.
// If omitted, a random server-class id is generated.
func WithNodeID(nodeID string) Option {
	return func(c *Config) error {
		if nodeID == "" {
			return fmt.Errorf("opswarm: node id cannot be empty")
		}
		if !ops.ValidToken(nodeID) {
			return fmt.Errorf("opswarm: node id %q is not a valid token", nodeID)
		}
		c.NodeID = nodeID
		return nil
	}
}

// WithBindAddr sets the local TCP listen address in host:port form.
// It is validated with net.SplitHostPort.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("opswarm: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets peer addresses to dial on start.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		for _, seed := range seeds {
			if err := validateAddr(seed); err != nil {
				return err
			}
		}
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS discovery. It only takes effect
// with a bind address.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithStorage persists objects in store. The node closes it on Close.
func WithStorage(store storage.Storage) Option {
	return func(c *Config) error {
		if store == nil {
			return fmt.Errorf("opswarm: storage cannot be nil")
		}
		c.Storage = store
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("opswarm: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics sets the instruments the node reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Config) error {
		if m == nil {
			return fmt.Errorf("opswarm: metrics cannot be nil")
		}
		c.metrics = m
		return nil
	}
}

// WithFlushInterval coalesces outbound operations for up to interval.
func WithFlushInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < 0 {
			return fmt.Errorf("opswarm: flush interval cannot be negative")
		}
		c.FlushInterval = interval
		return nil
	}
}

// WithKeepAlive sets how long a pipe may stay silent before it sends a
// heartbeat. Zero disables heartbeats.
func WithKeepAlive(interval time.Duration) Option {
	return func(c *Config) error {
		if interval < 0 {
			return fmt.Errorf("opswarm: keep-alive cannot be negative")
		}
		c.KeepAlive = interval
		return nil
	}
}

// WithReadTimeout drops peers that stay silent for longer than timeout.
// Zero disables the check.
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout < 0 {
			return fmt.Errorf("opswarm: read timeout cannot be negative")
		}
		c.ReadTimeout = timeout
		return nil
	}
}

// WithReconnect sets the redial schedule for outbound pipes.
func WithReconnect(initial time.Duration, multiplier float64, ceiling time.Duration) Option {
	return func(c *Config) error {
		if initial <= 0 || ceiling < initial || multiplier < 1 {
			return fmt.Errorf("opswarm: invalid reconnect schedule %v x%v up to %v", initial, multiplier, ceiling)
		}
		c.Reconnect = pipe.Backoff{Initial: initial, Multiplier: multiplier, Max: ceiling}
		return nil
	}
}

// WithRestrictAuthor rejects inbound operations not issued by the
// sending peer's own author.
func WithRestrictAuthor(enabled bool) Option {
	return func(c *Config) error {
		c.RestrictAuthor = enabled
		return nil
	}
}

// WithHashPoints sets the ring points per server-class peer.
func WithHashPoints(n int) Option {
	return func(c *Config) error {
		if n < host.DefaultHashPoints {
			return fmt.Errorf("opswarm: hash points must be at least %d", host.DefaultHashPoints)
		}
		c.HashPoints = n
		return nil
	}
}

// WithServerPrefix sets the id prefix of server-class peers. An empty
// prefix makes every peer one.
func WithServerPrefix(prefix string) Option {
	return func(c *Config) error {
		c.ServerPrefix = prefix
		return nil
	}
}

// WithVectorLimit bounds the version vectors sent on the wire.
func WithVectorLimit(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("opswarm: vector limit cannot be negative")
		}
		c.VectorLimit = n
		return nil
	}
}

// WithSnapshotEvery pushes a state snapshot to storage after n applied
// operations per object.
func WithSnapshotEvery(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return fmt.Errorf("opswarm: snapshot interval cannot be negative")
		}
		c.SnapshotEvery = n
		return nil
	}
}

// WithTypes registers application types, usually derived from the
// built-in ones.
func WithTypes(types ...*crdt.Type) Option {
	return func(c *Config) error {
		for _, t := range types {
			if t == nil || !ops.ValidToken(t.Name) {
				return fmt.Errorf("opswarm: invalid type")
			}
		}
		c.Types = append(c.Types, types...)
		return nil
	}
}

// WithClock sets the time source of the version clock.
func WithClock(now func() time.Time) Option {
	return func(c *Config) error {
		if now == nil {
			return fmt.Errorf("opswarm: clock cannot be nil")
		}
		c.clock = now
		return nil
	}
}

// WithErrorHandler sets a callback for internal errors (storage, network).
// It is best-effort and must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("opswarm: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

func randomNodeID(prefix string) string {
	if prefix == "" {
		prefix = host.DefaultServerPrefix
	}
	return ops.NewSession(prefix)
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("opswarm: invalid address %q: %w", addr, err)
	}
	return nil
}
