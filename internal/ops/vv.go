package ops

import (
	"fmt"
	"sort"
	"strings"
)

// VV is a version vector: the greatest stamp seen from each source, plus an
// optional floor stamp below which every source counts as covered.
// It only ever grows.
type VV struct {
	stamps map[string]string
	floor  string
}

// NewVV returns an empty vector that covers nothing.
func NewVV() *VV {
	return &VV{stamps: make(map[string]string)}
}

// ParseVV parses the "!stamp+source!stamp+source!floor" form. The empty
// string yields an empty vector.
func ParseVV(s string) (*VV, error) {
	vv := NewVV()
	if s == "" {
		return vv, nil
	}
	if s[0] != QuantVersion {
		return nil, fmt.Errorf("%w: %q", ErrMalformedVector, s)
	}
	for _, token := range strings.Split(s[1:], string(QuantVersion)) {
		if !ValidToken(token) {
			return nil, fmt.Errorf("%w: bad token %q", ErrMalformedVector, token)
		}
		vv.Add(token)
	}
	return vv, nil
}

// Add grows the frontier with version. A version without a source raises
// the floor. It reports whether anything changed.
func (vv *VV) Add(version string) bool {
	stamp, source := SplitVersion(version)
	if source == "" {
		if stamp > vv.floor {
			vv.floor = stamp
			return true
		}
		return false
	}
	if cur, ok := vv.stamps[source]; ok && cur >= stamp {
		return false
	}
	vv.stamps[source] = stamp
	return true
}

// Covers reports whether version has already been seen.
func (vv *VV) Covers(version string) bool {
	if vv == nil {
		return false
	}
	stamp, source := SplitVersion(version)
	if vv.floor != "" && stamp <= vv.floor {
		return true
	}
	cur, ok := vv.stamps[source]
	return ok && source != "" && stamp <= cur
}

// Get returns the greatest stamp seen from source.
func (vv *VV) Get(source string) string {
	return vv.stamps[source]
}

// Floor returns the rotation floor, empty if unset.
func (vv *VV) Floor() string {
	return vv.floor
}

// Empty reports whether the vector covers nothing.
func (vv *VV) Empty() bool {
	return vv == nil || len(vv.stamps) == 0 && vv.floor == ""
}

// Len returns the number of sources tracked.
func (vv *VV) Len() int {
	return len(vv.stamps)
}

// Clone returns an independent copy.
func (vv *VV) Clone() *VV {
	out := NewVV()
	if vv == nil {
		return out
	}
	out.floor = vv.floor
	for source, stamp := range vv.stamps {
		out.stamps[source] = stamp
	}
	return out
}

// Merge adds every entry of other.
func (vv *VV) Merge(other *VV) {
	if other == nil {
		return
	}
	if other.floor > vv.floor {
		vv.floor = other.floor
	}
	for source, stamp := range other.stamps {
		vv.Add(stamp + "+" + source)
	}
}

// Meet returns the greatest vector covered by both vv and other.
func (vv *VV) Meet(other *VV) *VV {
	out := NewVV()
	if vv == nil || other == nil {
		return out
	}
	out.floor = min(vv.floor, other.floor)
	for source, stamp := range vv.stamps {
		if theirs, ok := other.stamps[source]; ok {
			out.stamps[source] = min(stamp, theirs)
		}
	}
	return out
}

// String returns the full wire form, newest entries first.
func (vv *VV) String() string {
	return vv.Serialize(0)
}

// Serialize returns the wire form bounded to the limit newest entries
// (0 means unbounded) followed by the floor. Readers must not assume the
// result is exhaustive.
func (vv *VV) Serialize(limit int) string {
	if vv == nil {
		return ""
	}
	versions := make([]string, 0, len(vv.stamps))
	for source, stamp := range vv.stamps {
		versions = append(versions, stamp+"+"+source)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	var b strings.Builder
	for _, v := range versions {
		b.WriteByte(QuantVersion)
		b.WriteString(v)
	}
	if vv.floor != "" {
		b.WriteByte(QuantVersion)
		b.WriteString(vv.floor)
	}
	return b.String()
}
