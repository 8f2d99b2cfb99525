package host

import "errors"

var (
	// ErrUnknownSource reports a source id that is not connected.
	ErrUnknownSource = errors.New("host: unknown source")
	// ErrClosed reports use of a host after Close.
	ErrClosed = errors.New("host: closed")
)
