package crdt

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/DobryySoul/opswarm/internal/ops"
)

// OpInsert inserts after an existing position. OpRemove is shared with
// Set and takes a list of positions.
const OpInsert = "in"

// Root is the position every tree starts from.
const Root = "0"

// VectorType is an ordered list of JSON values.
var VectorType = &Type{
	Name:   "Vector",
	Parent: Syncable,
	Ops: map[string]Kind{
		OpInsert: KindMutating,
		OpRemove: KindMutating,
	},
	New: func() Model { return newTree(false) },
}

// TextType is a string edited rune by rune.
var TextType = &Type{
	Name:   "Text",
	Parent: Syncable,
	Ops: map[string]Kind{
		OpInsert: KindMutating,
		OpRemove: KindMutating,
	},
	New: func() Model { return newTree(true) },
}

// insertion is the in payload. Vectors carry V, texts carry S; every rune
// of S after the first gets the position "version:offset".
type insertion struct {
	After string          `json:"after"`
	V     json.RawMessage `json:"v,omitempty"`
	S     string          `json:"s,omitempty"`
}

type element struct {
	pos     string
	parent  string
	value   json.RawMessage
	r       rune
	removed bool
}

// tree is a causal tree. Elements hang off the element to their left at
// insertion time. Children whose parent has not arrived yet wait in
// children and are unreachable until it does.
type tree struct {
	text     bool
	elements map[string]*element
	children map[string][]string
	removed  map[string]bool
}

func newTree(text bool) *tree {
	return &tree{
		text:     text,
		elements: make(map[string]*element),
		children: make(map[string][]string),
		removed:  make(map[string]bool),
	}
}

// validPos accepts the root, a version, or version:offset.
func validPos(pos string) bool {
	if pos == Root {
		return true
	}
	v, off, hasOff := strings.Cut(pos, ":")
	if !ops.ValidToken(v) {
		return false
	}
	if !hasOff {
		return true
	}
	n, err := strconv.Atoi(off)
	return err == nil && n > 0 && strconv.Itoa(n) == off
}

// comparePos orders positions by version, then by rune offset.
func comparePos(a, b string) int {
	av, ao := splitPos(a)
	bv, bo := splitPos(b)
	if c := ops.CompareVersions(av, bv); c != 0 {
		return c
	}
	return ao - bo
}

func splitPos(pos string) (string, int) {
	v, off, ok := strings.Cut(pos, ":")
	if !ok {
		return v, 0
	}
	n, _ := strconv.Atoi(off)
	return v, n
}

func posAt(version string, offset int) string {
	if offset == 0 {
		return version
	}
	return version + ":" + strconv.Itoa(offset)
}

func (t *tree) parseInsert(value string) (insertion, error) {
	var in insertion
	if err := json.Unmarshal([]byte(value), &in); err != nil {
		return in, fmt.Errorf("%w: in payload: %v", ErrInvalidInput, err)
	}
	if !validPos(in.After) {
		return in, fmt.Errorf("%w: in position %q", ErrInvalidInput, in.After)
	}
	if t.text && in.S == "" {
		return in, fmt.Errorf("%w: in carries no text", ErrInvalidInput)
	}
	if !t.text && len(in.V) == 0 {
		return in, fmt.Errorf("%w: in carries no value", ErrInvalidInput)
	}
	return in, nil
}

func parsePositions(value string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(value), &list); err != nil {
		return nil, fmt.Errorf("%w: rm payload: %v", ErrInvalidInput, err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: rm names nothing", ErrInvalidInput)
	}
	for _, pos := range list {
		if pos == Root || !validPos(pos) {
			return nil, fmt.Errorf("%w: rm position %q", ErrInvalidInput, pos)
		}
	}
	return list, nil
}

func (t *tree) Validate(o ops.Op) error {
	switch o.Spec.Op {
	case OpInsert:
		_, err := t.parseInsert(o.Value)
		return err
	case OpRemove:
		_, err := parsePositions(o.Value)
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
}

func (t *tree) Apply(o ops.Op) error {
	switch o.Spec.Op {
	case OpInsert:
		in, err := t.parseInsert(o.Value)
		if err != nil {
			return err
		}
		if t.text {
			parent := in.After
			offset := 0
			for _, r := range in.S {
				pos := posAt(o.Spec.Version, offset)
				t.attach(&element{pos: pos, parent: parent, r: r})
				parent = pos
				offset++
			}
			return nil
		}
		t.attach(&element{pos: o.Spec.Version, parent: in.After, value: in.V})
		return nil
	case OpRemove:
		list, err := parsePositions(o.Value)
		if err != nil {
			return err
		}
		for _, pos := range list {
			t.removed[pos] = true
			if e := t.elements[pos]; e != nil {
				e.removed = true
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnimplemented, o.Spec.Op)
	}
}

func (t *tree) attach(e *element) {
	if _, ok := t.elements[e.pos]; ok {
		return
	}
	e.removed = t.removed[e.pos]
	t.elements[e.pos] = e
	t.children[e.parent] = append(t.children[e.parent], e.pos)
}

// Distill keeps everything: tombstones anchor their children.
func (t *tree) Distill(*Log, *ops.VV) {}

// walk visits reachable elements in document order: pre-order, younger
// siblings first, each subtree before the next sibling.
func (t *tree) walk(fn func(e *element)) {
	stack := t.sortedChildren(Root)
	for len(stack) > 0 {
		pos := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e := t.elements[pos]
		fn(e)
		stack = append(stack, t.sortedChildren(pos)...)
	}
}

// sortedChildren returns children oldest first, so the youngest ends up
// on top of the walk stack.
func (t *tree) sortedChildren(pos string) []string {
	kids := slices.Clone(t.children[pos])
	slices.SortFunc(kids, comparePos)
	return kids
}

func (t *tree) visible() []*element {
	var out []*element
	t.walk(func(e *element) {
		if !e.removed {
			out = append(out, e)
		}
	})
	return out
}

func (t *tree) Value() any {
	if t.text {
		var b strings.Builder
		for _, e := range t.visible() {
			b.WriteRune(e.r)
		}
		return b.String()
	}
	out := []any{}
	for _, e := range t.visible() {
		var v any
		if err := json.Unmarshal(e.value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func (t *tree) positions() []string {
	var out []string
	for _, e := range t.visible() {
		out = append(out, e.pos)
	}
	return out
}

// edit resolves visible positions and emits the resulting operation
// under one lock.
func edit(obj *Object, build func(positions []string) (name, value string, err error)) (ops.Op, error) {
	obj.owner.Lock()
	defer obj.owner.Unlock()
	var positions []string
	if t, ok := obj.model.(*tree); ok {
		positions = t.positions()
	}
	name, value, err := build(positions)
	if err != nil {
		return ops.Op{}, err
	}
	return obj.EmitLocked(name, value)
}

func insertAfter(positions []string, index int) (string, error) {
	if index < 0 || index > len(positions) {
		return "", fmt.Errorf("%w: index %d out of range [0,%d]", ErrInvalidInput, index, len(positions))
	}
	if index == 0 {
		return Root, nil
	}
	return positions[index-1], nil
}

// Vector is the typed view of an ordered list.
type Vector struct {
	*Object
}

// Insert places value at index.
func (v Vector) Insert(index int, value any) (ops.Op, error) {
	return v.insert(func([]string) int { return index }, value)
}

// Append places value at the end.
func (v Vector) Append(value any) (ops.Op, error) {
	return v.insert(func(positions []string) int { return len(positions) }, value)
}

func (v Vector) insert(at func(positions []string) int, value any) (ops.Op, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return ops.Op{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return edit(v.Object, func(positions []string) (string, string, error) {
		after, err := insertAfter(positions, at(positions))
		if err != nil {
			return "", "", err
		}
		buf, err := json.Marshal(insertion{After: after, V: raw})
		return OpInsert, string(buf), err
	})
}

// Remove deletes the item at index.
func (v Vector) Remove(index int) (ops.Op, error) {
	return edit(v.Object, func(positions []string) (string, string, error) {
		if index < 0 || index >= len(positions) {
			return "", "", fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidInput, index, len(positions))
		}
		buf, err := json.Marshal([]string{positions[index]})
		return OpRemove, string(buf), err
	})
}

// Items returns the visible values in order.
func (v Vector) Items() []any {
	items, _ := v.Value().([]any)
	return items
}

// Text is the typed view of a text object.
type Text struct {
	*Object
}

// Insert inserts s before the rune at offset.
func (t Text) Insert(offset int, s string) (ops.Op, error) {
	if s == "" {
		return ops.Op{}, fmt.Errorf("%w: empty insert", ErrInvalidInput)
	}
	return edit(t.Object, func(positions []string) (string, string, error) {
		after, err := insertAfter(positions, offset)
		if err != nil {
			return "", "", err
		}
		buf, err := json.Marshal(insertion{After: after, S: s})
		return OpInsert, string(buf), err
	})
}

// Remove deletes n runes starting at offset.
func (t Text) Remove(offset, n int) (ops.Op, error) {
	return edit(t.Object, func(positions []string) (string, string, error) {
		if offset < 0 || n <= 0 || offset+n > len(positions) {
			return "", "", fmt.Errorf("%w: range [%d,%d) out of [0,%d)", ErrInvalidInput, offset, offset+n, len(positions))
		}
		buf, err := json.Marshal(positions[offset : offset+n])
		return OpRemove, string(buf), err
	})
}

// String returns the visible text.
func (t Text) String() string {
	s, _ := t.Value().(string)
	return s
}
