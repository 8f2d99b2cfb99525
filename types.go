package opswarm

import (
	"context"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/metrics"
	"github.com/DobryySoul/opswarm/internal/ops"
	"github.com/DobryySoul/opswarm/internal/storage"
)

type (
	// Object is a replicated object. Its methods are safe for concurrent
	// use.
	Object = crdt.Object
	// Record is a last-writer-wins map of JSON fields.
	Record = crdt.Record
	// Set is an add/remove set of JSON values.
	Set = crdt.Set
	// Vector is an ordered list of JSON values.
	Vector = crdt.Vector
	// Text is a replicated string.
	Text = crdt.Text
	// Type describes an object type; derive new ones from the built-ins.
	Type = crdt.Type
	Op   = ops.Op
	Spec = ops.Spec
	// Storage persists objects for a node.
	Storage = storage.Storage
	Metrics = metrics.Metrics
)

// Built-in types.
var (
	RecordType = crdt.RecordType
	SetType    = crdt.SetType
	VectorType = crdt.VectorType
	TextType   = crdt.TextType
)

// ParseSpec parses a specifier such as "/Model#profile".
func ParseSpec(s string) (Spec, error) {
	return ops.ParseSpec(s)
}

// NewMemoryStorage keeps objects in memory.
func NewMemoryStorage() Storage {
	return storage.NewMemory()
}

// OpenBoltStorage keeps objects in a bbolt file.
func OpenBoltStorage(path string) (Storage, error) {
	return storage.OpenBolt(path)
}

// NewRedisStorage keeps objects in redis under prefix.
func NewRedisStorage(ctx context.Context, addr, prefix string) (Storage, error) {
	return storage.NewRedis(ctx, addr, prefix)
}

// NewPrometheusMetrics registers instruments with the default Prometheus
// registry. Call it once per process.
func NewPrometheusMetrics(namespace string) *Metrics {
	return metrics.NewPrometheus(namespace)
}
