package crdt

import (
	"slices"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// Log holds the applied operations of an object keyed by version, in
// version order.
type Log struct {
	entries  map[string]ops.Op
	versions []string
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{entries: make(map[string]ops.Op)}
}

// Put stores o under its version, replacing any previous entry.
func (l *Log) Put(o ops.Op) {
	v := o.Spec.Version
	o.Source = ""
	if _, ok := l.entries[v]; !ok {
		i, _ := slices.BinarySearch(l.versions, v)
		l.versions = slices.Insert(l.versions, i, v)
	}
	l.entries[v] = o
}

func (l *Log) Has(version string) bool {
	_, ok := l.entries[version]
	return ok
}

func (l *Log) Get(version string) (ops.Op, bool) {
	o, ok := l.entries[version]
	return o, ok
}

func (l *Log) Delete(version string) {
	if _, ok := l.entries[version]; !ok {
		return
	}
	delete(l.entries, version)
	if i, found := slices.BinarySearch(l.versions, version); found {
		l.versions = slices.Delete(l.versions, i, i+1)
	}
}

func (l *Log) Len() int {
	return len(l.versions)
}

// Entries returns the operations oldest first.
func (l *Log) Entries() []ops.Op {
	out := make([]ops.Op, 0, len(l.versions))
	for _, v := range l.versions {
		out = append(out, l.entries[v])
	}
	return out
}

// Versions returns the logged versions oldest first.
func (l *Log) Versions() []string {
	return slices.Clone(l.versions)
}

// Missing returns the entries base does not cover, oldest first.
func (l *Log) Missing(base *ops.VV) []ops.Op {
	var out []ops.Op
	for _, v := range l.versions {
		if !base.Covers(v) {
			out = append(out, l.entries[v])
		}
	}
	return out
}
