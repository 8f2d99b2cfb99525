package crdt

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// OpSet assigns the fields of a JSON object.
const OpSet = "set"

// RecordType is the last-writer-wins record. Derive it to give records
// their own type names, e.g. RecordType.Derive("Counter").
var RecordType = &Type{
	Name:   "Model",
	Parent: Syncable,
	Ops:    map[string]Kind{OpSet: KindMutating},
	New:    func() Model { return newRecordModel() },
}

type assignment struct {
	version string
	value   json.RawMessage
}

// recordModel keeps, per field, the assignment with the greatest version.
type recordModel struct {
	fields map[string]assignment
}

func newRecordModel() *recordModel {
	return &recordModel{fields: make(map[string]assignment)}
}

func parseAssignments(value string) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return nil, fmt.Errorf("%w: set payload: %v", ErrInvalidInput, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: set payload is not an object", ErrInvalidInput)
	}
	return fields, nil
}

func (m *recordModel) Validate(o ops.Op) error {
	switch o.Spec.Op {
	case OpSet:
		_, err := parseAssignments(o.Value)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
}

func (m *recordModel) Apply(o ops.Op) error {
	switch o.Spec.Op {
	case OpSet:
		fields, err := parseAssignments(o.Value)
		if err != nil {
			return err
		}
		v := o.Spec.Version
		for name, value := range fields {
			if cur, ok := m.fields[name]; ok && ops.CompareVersions(cur.version, v) >= 0 {
				continue
			}
			m.fields[name] = assignment{version: v, value: value}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
}

// Distill walks newest to oldest and drops every assignment whose fields
// were all claimed by a newer one.
func (m *recordModel) Distill(log *Log, _ *ops.VV) {
	claimed := make(map[string]bool)
	versions := log.Versions()
	for i := len(versions) - 1; i >= 0; i-- {
		entry, _ := log.Get(versions[i])
		if entry.Spec.Op != OpSet {
			continue
		}
		fields, err := parseAssignments(entry.Value)
		if err != nil {
			continue
		}
		fresh := false
		for name := range fields {
			if !claimed[name] {
				claimed[name] = true
				fresh = true
			}
		}
		if !fresh {
			log.Delete(versions[i])
		}
	}
}

func (m *recordModel) Value() any {
	out := make(map[string]any, len(m.fields))
	for name, a := range m.fields {
		var v any
		if err := json.Unmarshal(a.value, &v); err == nil {
			out[name] = v
		}
	}
	return out
}

func (m *recordModel) raw(name string) (json.RawMessage, bool) {
	a, ok := m.fields[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(a.value), true
}

// Record is the typed view of a last-writer-wins object.
type Record struct {
	*Object
}

// Set assigns fields in one operation.
func (r Record) Set(fields map[string]any) (ops.Op, error) {
	buf, err := json.Marshal(fields)
	if err != nil {
		return ops.Op{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return r.Emit(OpSet, string(buf))
}

// SetRaw assigns one field to an already encoded JSON value.
func (r Record) SetRaw(name string, value json.RawMessage) (ops.Op, error) {
	return r.Set(map[string]any{name: value})
}

// Get returns the decoded value of a field.
func (r Record) Get(name string) (any, bool) {
	raw, ok := r.Raw(name)
	if !ok {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// Raw returns the JSON encoding of a field.
func (r Record) Raw(name string) (json.RawMessage, bool) {
	var (
		raw json.RawMessage
		ok  bool
	)
	r.view(func(m Model) {
		if rm, isRecord := m.(*recordModel); isRecord {
			raw, ok = rm.raw(name)
		}
	})
	return raw, ok
}

// Fields returns every field decoded.
func (r Record) Fields() map[string]any {
	out := map[string]any{}
	r.view(func(m Model) {
		if rm, ok := m.(*recordModel); ok {
			maps.Copy(out, rm.Value().(map[string]any))
		}
	})
	return out
}
