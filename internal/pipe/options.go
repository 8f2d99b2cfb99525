package pipe

import (
	"time"

	"github.com/go-kit/kit/log"

	"github.com/DobryySoul/opswarm/internal/metrics"
)

const (
	DefaultKeepAlive        = 10 * time.Second
	DefaultReadTimeout      = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Options configures a pipe.
type Options struct {
	// FlushInterval coalesces outbound ops for up to this long; 0 writes
	// them as soon as they are queued.
	FlushInterval time.Duration
	// KeepAlive sends a blank line after this much write silence.
	KeepAlive time.Duration
	// ReadTimeout drops a peer that sent nothing, heartbeats included,
	// for this long.
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	// MaxRecord bounds a single inbound line.
	MaxRecord int
	// RestrictAuthor rejects inbound ops whose version was not issued by
	// the peer's own author.
	RestrictAuthor bool

	Logger  log.Logger
	Metrics *metrics.Metrics
	OnError func(error)
}

// DefaultOptions returns the options pipes use unless told otherwise.
func DefaultOptions() Options {
	return Options{
		KeepAlive:        DefaultKeepAlive,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = log.NewNopLogger()
	}
	o.Metrics = metrics.OrDiscard(o.Metrics)
	return o
}
