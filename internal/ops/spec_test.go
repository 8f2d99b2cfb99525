package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	spec, err := ParseSpec("/Model#doc1!0000A01+alice~s1.set")
	require.NoError(t, err)
	assert.Equal(t, Spec{Type: "Model", ID: "doc1", Version: "0000A01+alice~s1", Op: "set"}, spec)
	assert.Equal(t, "/Model#doc1!0000A01+alice~s1.set", spec.String())

	partial, err := ParseSpec("!0000A01+bob.rm")
	require.NoError(t, err)
	assert.Equal(t, Spec{Version: "0000A01+bob", Op: "rm"}, partial)
	assert.False(t, partial.Has(QuantType))
	assert.True(t, partial.Has(QuantOp))
}

func TestParseSpecRejects(t *testing.T) {
	for _, in := range []string{
		"Model#x",
		"#x/Model",
		"/Model#x#y",
		"/Mo-del",
		"/Model#",
		"/Model#a+b+c",
		"/Model#+b",
	} {
		_, err := ParseSpec(in)
		assert.ErrorIs(t, err, ErrMalformedSpecifier, in)
	}
}

func TestSpecComposeAndFilter(t *testing.T) {
	full := MustSpec("/Text#t1!0000A01+a.in")
	line := MustSpec("!0000A02+b.rm")

	assert.Equal(t, MustSpec("/Text#t1!0000A02+b.rm"), line.Compose(full))
	assert.Equal(t, MustSpec("/Text#t1"), full.TypeID())
	assert.Equal(t, MustSpec("!0000A01+a.in"), full.Filter("!."))
}

func TestSpecCompare(t *testing.T) {
	a := MustSpec("/Model#a!0000A01+x.set")
	b := MustSpec("/Model#a!0000A02+x.set")
	c := MustSpec("/Model#b!0000A00+x.set")

	assert.Negative(t, a.Compare(b))
	assert.Negative(t, b.Compare(c))
	assert.Zero(t, a.Compare(a))

	// The default version sorts before any sourced version of the same
	// stamp, whatever follows it.
	assert.Negative(t, MustSpec("/T#x!0.on").Compare(MustSpec("/T#x!0+z.on")))
	assert.Negative(t, MustSpec("/T#x.on").Compare(MustSpec("/T#x!0.on")))
	assert.Negative(t, MustSpec("/T#a.on").Compare(MustSpec("/T#a+b")))
}

func TestSplitVersion(t *testing.T) {
	stamp, source := SplitVersion("0000A01+alice~s1")
	assert.Equal(t, "0000A01", stamp)
	assert.Equal(t, "alice~s1", source)
	assert.Equal(t, "alice", Author(source))

	stamp, source = SplitVersion("0")
	assert.Equal(t, "0", stamp)
	assert.Empty(t, source)
}
