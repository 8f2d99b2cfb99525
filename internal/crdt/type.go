package crdt

import (
	"maps"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// Kind classifies an operation name for a type.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindMutating ops change inner state and are logged.
	KindMutating
	// KindNeutral ops drive the subscription protocol and are never logged.
	KindNeutral
	// KindSnapshot ops carry whole or partial state in their Patch.
	KindSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindMutating:
		return "mutating"
	case KindNeutral:
		return "neutral"
	case KindSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Protocol operation names shared by every type.
const (
	OpOn    = "on"
	OpOff   = "off"
	OpReOn  = "reon"
	OpReOff = "reoff"
	OpError = "error"
	OpInit  = "init"
	OpPatch = "patch"
)

// Reaction runs after an operation of its name is applied. It runs under
// the host lock and may call EmitLocked.
type Reaction func(obj *Object, o ops.Op)

// Model is the inner state of one object. Apply must be a pure fold step:
// replaying the log into a fresh model yields the same state.
type Model interface {
	// Validate checks the payload without looking at current state.
	Validate(o ops.Op) error
	// Apply mutates inner state. Unknown names return ErrUnimplemented.
	Apply(o ops.Op) error
	// Distill drops log entries fully superseded by others. Entries not
	// covered by horizon must stay answerable.
	Distill(log *Log, horizon *ops.VV)
	// Value returns a copy of the outer state.
	Value() any
}

// Type describes a replicated type: its op table, reactions, model
// constructor and ACL. Missing entries fall back to Parent.
type Type struct {
	Name      string
	Parent    *Type
	Ops       map[string]Kind
	Reactions map[string][]Reaction
	New       func() Model
	ACL       func(o ops.Op) error
}

// Syncable is the root type carrying the protocol ops.
var Syncable = &Type{
	Name: "Syncable",
	Ops: map[string]Kind{
		OpOn:    KindNeutral,
		OpOff:   KindNeutral,
		OpReOn:  KindNeutral,
		OpReOff: KindNeutral,
		OpError: KindNeutral,
		OpInit:  KindSnapshot,
		OpPatch: KindSnapshot,
	},
}

// Derive returns a type named name that inherits everything from t.
func (t *Type) Derive(name string) *Type {
	return &Type{Name: name, Parent: t}
}

// Resolve flattens the parent chain into a standalone descriptor.
// Reactions of ancestors run before those of descendants.
func (t *Type) Resolve() *Type {
	chain := []*Type{}
	for cur := t; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	out := &Type{
		Name:      t.Name,
		Parent:    t.Parent,
		Ops:       make(map[string]Kind),
		Reactions: make(map[string][]Reaction),
	}
	for i := len(chain) - 1; i >= 0; i-- {
		cur := chain[i]
		maps.Copy(out.Ops, cur.Ops)
		for name, list := range cur.Reactions {
			out.Reactions[name] = append(out.Reactions[name], list...)
		}
		if cur.New != nil {
			out.New = cur.New
		}
		if cur.ACL != nil {
			out.ACL = cur.ACL
		}
	}
	return out
}

// Kind returns the classification of an op name.
func (t *Type) Kind(name string) Kind {
	for cur := t; cur != nil; cur = cur.Parent {
		if k, ok := cur.Ops[name]; ok {
			return k
		}
	}
	return KindUnknown
}
