package ops

import "errors"

var (
	// ErrMalformedSpecifier indicates a specifier with tags out of order,
	// duplicated tags or an invalid token body.
	ErrMalformedSpecifier = errors.New("ops: malformed specifier")
	// ErrFramingError indicates a wire record that cannot be parsed in full.
	ErrFramingError = errors.New("ops: framing error")
	// ErrMalformedVector indicates an unparsable version vector.
	ErrMalformedVector = errors.New("ops: malformed version vector")
)
