package wire

import "errors"

var (
	// ErrUnknownFrame marks a body that does not belong to this protocol.
	ErrUnknownFrame = errors.New("unknown frame")
	// ErrMalformedFrame marks a body of a known kind whose contents are invalid.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrFrameTooLarge is returned when a length prefix exceeds the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)
