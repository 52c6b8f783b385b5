package protocol

import "errors"

var (
	// ErrUnknownMessage reports a type tag this package does not define.
	ErrUnknownMessage = errors.New("protocol: unknown message type")
	// ErrTrailingBytes reports bytes left over after a fixed-size message.
	ErrTrailingBytes = errors.New("protocol: trailing bytes after message")
)
