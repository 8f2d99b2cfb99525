package ops

import (
	"fmt"
	"strings"
)

// Quant characters, in the only order they may appear in a specifier.
const (
	QuantType    = '/'
	QuantID      = '#'
	QuantVersion = '!'
	QuantOp      = '.'
)

const quants = "/#!."

// Spec is a specifier: up to four tagged tokens naming the type, the object
// id, the version and the operation. Empty fields are omitted on the wire.
type Spec struct {
	Type    string
	ID      string
	Version string
	Op      string
}

// ParseSpec parses the token string form of a specifier.
func ParseSpec(s string) (Spec, error) {
	var spec Spec
	last := -1
	for i := 0; i < len(s); {
		q := strings.IndexByte(quants, s[i])
		if q < 0 || q <= last {
			return Spec{}, fmt.Errorf("%w: %q", ErrMalformedSpecifier, s)
		}
		j := i + 1
		for j < len(s) && strings.IndexByte(quants, s[j]) < 0 {
			j++
		}
		body := s[i+1 : j]
		if !ValidToken(body) {
			return Spec{}, fmt.Errorf("%w: bad token %q in %q", ErrMalformedSpecifier, body, s)
		}
		*spec.field(q) = body
		last = q
		i = j
	}
	return spec, nil
}

// MustSpec is ParseSpec for literals known to be valid.
func MustSpec(s string) Spec {
	spec, err := ParseSpec(s)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s *Spec) field(q int) *string {
	switch q {
	case 0:
		return &s.Type
	case 1:
		return &s.ID
	case 2:
		return &s.Version
	default:
		return &s.Op
	}
}

func (s Spec) get(q int) string {
	return *s.field(q)
}

// String returns the token string form, which is also the sort key.
func (s Spec) String() string {
	var b strings.Builder
	for q := 0; q < len(quants); q++ {
		if v := s.get(q); v != "" {
			b.WriteByte(quants[q])
			b.WriteString(v)
		}
	}
	return b.String()
}

// IsZero reports whether no tag is set.
func (s Spec) IsZero() bool {
	return s == Spec{}
}

// Has reports whether the tag for quant is set.
func (s Spec) Has(quant byte) bool {
	q := strings.IndexByte(quants, quant)
	return q >= 0 && s.get(q) != ""
}

// Filter keeps only the tags whose quant characters appear in keep.
func (s Spec) Filter(keep string) Spec {
	var out Spec
	for q := 0; q < len(quants); q++ {
		if strings.IndexByte(keep, quants[q]) >= 0 {
			*out.field(q) = s.get(q)
		}
	}
	return out
}

// Compose keeps the receiver's tags and fills the missing ones from def.
func (s Spec) Compose(def Spec) Spec {
	out := s
	for q := 0; q < len(quants); q++ {
		if out.get(q) == "" {
			*out.field(q) = def.get(q)
		}
	}
	return out
}

// TypeID returns the object identity: the type and id tags only.
func (s Spec) TypeID() Spec {
	return s.Filter("/#")
}

// Compare orders specifiers by (type, id, version, op), token by token.
// A missing tag sorts first.
func (s Spec) Compare(other Spec) int {
	for q := 0; q < len(quants); q++ {
		a, b := s.get(q), other.get(q)
		if quants[q] == '!' {
			if c := CompareVersions(a, b); c != 0 {
				return c
			}
			continue
		}
		if c := strings.Compare(a, b); c != 0 {
			return c
		}
	}
	return 0
}

// ValidToken reports whether body matches [0-9A-Za-z_~]+ ('+' [0-9A-Za-z_~]+)?.
func ValidToken(body string) bool {
	head, tail, plus := strings.Cut(body, "+")
	if !validWord(head) {
		return false
	}
	return !plus || validWord(tail)
}

func validWord(w string) bool {
	if w == "" {
		return false
	}
	for i := 0; i < len(w); i++ {
		if !isTokenChar(w[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	return c >= '0' && c <= '9' ||
		c >= 'A' && c <= 'Z' ||
		c >= 'a' && c <= 'z' ||
		c == '_' || c == '~'
}

// SplitVersion splits a version token into its stamp and source.
// The default version "0" has no source.
func SplitVersion(version string) (stamp, source string) {
	stamp, source, _ = strings.Cut(version, "+")
	return stamp, source
}

// Author returns the author part of a source, dropping any ~session suffix.
func Author(source string) string {
	author, _, _ := strings.Cut(source, "~")
	return author
}

// CompareVersions orders version tokens. Stamps are fixed width, so the
// string order is the (stamp, source) order.
func CompareVersions(a, b string) int {
	return strings.Compare(a, b)
}
