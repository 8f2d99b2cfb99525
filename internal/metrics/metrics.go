// Package metrics holds the counters and gauges every component reports to.
package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the instruments of one process.
type Metrics struct {
	OpsApplied    metrics.Counter
	OpsReplayed   metrics.Counter
	OpsRejected   metrics.Counter
	Objects       metrics.Gauge
	Pipes         metrics.Gauge
	Reconnects    metrics.Counter
	StorageErrors metrics.Counter
	FramingErrors metrics.Counter
}

// Discard returns instruments that record nothing.
func Discard() *Metrics {
	return &Metrics{
		OpsApplied:    discard.NewCounter(),
		OpsReplayed:   discard.NewCounter(),
		OpsRejected:   discard.NewCounter(),
		Objects:       discard.NewGauge(),
		Pipes:         discard.NewGauge(),
		Reconnects:    discard.NewCounter(),
		StorageErrors: discard.NewCounter(),
		FramingErrors: discard.NewCounter(),
	}
}

// NewPrometheus registers the instruments with the default Prometheus
// registry under namespace. Call it once per process.
func NewPrometheus(namespace string) *Metrics {
	counter := func(subsystem, name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, nil)
	}
	gauge := func(subsystem, name, help string) metrics.Gauge {
		return prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, nil)
	}
	return &Metrics{
		OpsApplied:    counter("host", "ops_applied_total", "Number of operations applied"),
		OpsReplayed:   counter("host", "ops_replayed_total", "Number of duplicate operations dropped"),
		OpsRejected:   counter("host", "ops_rejected_total", "Number of operations rejected"),
		Objects:       gauge("host", "objects", "Number of live objects"),
		Pipes:         gauge("pipe", "open", "Number of open pipes"),
		Reconnects:    counter("pipe", "reconnects_total", "Number of reconnect attempts"),
		StorageErrors: counter("storage", "errors_total", "Number of failed storage calls"),
		FramingErrors: counter("pipe", "framing_errors_total", "Number of pipes closed on framing errors"),
	}
}

// OrDiscard returns m, or Discard if m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}
	return m
}
