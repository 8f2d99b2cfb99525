package pipe

import "errors"

var (
	ErrConnectionLost = errors.New("pipe: connection lost")
	ErrHandshake      = errors.New("pipe: handshake failed")
	ErrClosed         = errors.New("pipe: closed")
)
