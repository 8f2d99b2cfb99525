package crdt

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// Set operation names.
const (
	OpAdd    = "add"
	OpRemove = "rm"
)

// SetType is an observed-remove set. add carries a JSON value; rm carries
// the versions of the adds it removes.
var SetType = &Type{
	Name:   "Set",
	Parent: Syncable,
	Ops: map[string]Kind{
		OpAdd:    KindMutating,
		OpRemove: KindMutating,
	},
	New: func() Model { return newSetModel() },
}

type setModel struct {
	adds    map[string]json.RawMessage
	removed map[string]bool
}

func newSetModel() *setModel {
	return &setModel{
		adds:    make(map[string]json.RawMessage),
		removed: make(map[string]bool),
	}
}

func parseVersions(value string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(value), &list); err != nil {
		return nil, fmt.Errorf("%w: rm payload: %v", ErrInvalidInput, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: rm names nothing", ErrInvalidInput)
	}
	for _, v := range list {
		if !ops.ValidToken(v) {
			return nil, fmt.Errorf("%w: rm version %q", ErrInvalidInput, v)
		}
	}
	return list, nil
}

func (m *setModel) Validate(o ops.Op) error {
	switch o.Spec.Op {
	case OpAdd:
		if !json.Valid([]byte(o.Value)) {
			return fmt.Errorf("%w: add payload is not JSON", ErrInvalidInput)
		}
		return nil
	case OpRemove:
		_, err := parseVersions(o.Value)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
}

func (m *setModel) Apply(o ops.Op) error {
	switch o.Spec.Op {
	case OpAdd:
		if !m.removed[o.Spec.Version] {
			m.adds[o.Spec.Version] = json.RawMessage(o.Value)
		}
		return nil
	case OpRemove:
		list, err := parseVersions(o.Value)
		if err != nil {
			return err
		}
		for _, v := range list {
			m.removed[v] = true
			delete(m.adds, v)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
}

// Distill drops removed adds. A tombstone is dropped once every source
// the object knows, including departed ones, has acknowledged it.
func (m *setModel) Distill(log *Log, horizon *ops.VV) {
	for _, v := range log.Versions() {
		entry, _ := log.Get(v)
		switch entry.Spec.Op {
		case OpAdd:
			if m.removed[v] {
				log.Delete(v)
			}
		case OpRemove:
			if !horizon.Covers(v) {
				continue
			}
			list, err := parseVersions(entry.Value)
			if err != nil {
				continue
			}
			gone := true
			for _, target := range list {
				if log.Has(target) {
					gone = false
				}
			}
			if gone {
				log.Delete(v)
			}
		}
	}
}

func (m *setModel) members() []string {
	versions := make([]string, 0, len(m.adds))
	for v := range m.adds {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	return versions
}

func (m *setModel) Value() any {
	out := []any{}
	for _, v := range m.members() {
		var item any
		if err := json.Unmarshal(m.adds[v], &item); err == nil {
			out = append(out, item)
		}
	}
	return out
}

// Member is one element of a Set with the version that added it.
type Member struct {
	Version string
	Value   json.RawMessage
}

// Set is the typed view of an observed-remove set.
type Set struct {
	*Object
}

// Add inserts value; the returned op version identifies the member.
func (s Set) Add(value any) (ops.Op, error) {
	buf, err := json.Marshal(value)
	if err != nil {
		return ops.Op{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.Emit(OpAdd, string(buf))
}

// Remove removes the members added at versions.
func (s Set) Remove(versions ...string) (ops.Op, error) {
	buf, err := json.Marshal(versions)
	if err != nil {
		return ops.Op{}, err
	}
	return s.Emit(OpRemove, string(buf))
}

// RemoveValue removes every member whose encoding equals value's.
func (s Set) RemoveValue(value any) (ops.Op, error) {
	buf, err := json.Marshal(value)
	if err != nil {
		return ops.Op{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var versions []string
	for _, m := range s.Members() {
		if string(m.Value) == string(buf) {
			versions = append(versions, m.Version)
		}
	}
	if len(versions) == 0 {
		return ops.Op{}, nil
	}
	return s.Remove(versions...)
}

// Members returns the live members oldest first.
func (s Set) Members() []Member {
	var out []Member
	s.view(func(m Model) {
		sm, ok := m.(*setModel)
		if !ok {
			return
		}
		for _, v := range sm.members() {
			out = append(out, Member{Version: v, Value: slices.Clone(sm.adds[v])})
		}
	})
	return out
}

// Contains reports whether any member encodes equal to value.
func (s Set) Contains(value any) bool {
	buf, err := json.Marshal(value)
	if err != nil {
		return false
	}
	for _, m := range s.Members() {
		if string(m.Value) == string(buf) {
			return true
		}
	}
	return false
}
