package decoder

import "errors"

var (
	// ErrMissingStartCode reports a frame that does not begin with a
	// 4-byte Annex-B start code.
	ErrMissingStartCode = errors.New("decoder: frame does not begin with a 4-byte start code")
	// ErrMalformedFrame reports a bitstream whose unit boundaries cannot
	// be rewritten or parsed.
	ErrMalformedFrame = errors.New("decoder: malformed frame")
	// ErrUnsupportedCodec reports a codec the backend cannot decode.
	ErrUnsupportedCodec = errors.New("decoder: unsupported codec")
	// ErrSessionInvalidated reports a submission to a torn down session.
	ErrSessionInvalidated = errors.New("decoder: session invalidated")
)
