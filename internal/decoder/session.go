package decoder

import (
	"slices"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// FrameInfo is the metadata that travels with a frame through decoding.
type FrameInfo struct {
	StreamIndex uint8
	FrameIndex  uint64
	Feedback    protocol.Feedback
	Timing      *protocol.TimingInfo
	View        *protocol.ViewInfo
}

// Image is a decoded picture handle.
type Image struct {
	Width    int
	Height   int
	Units    int
	Keyframe bool
	Bytes    int
}

// Size is the geometry decoded images are produced at.
type Size struct {
	Width  int
	Height int
}

// OutputFunc receives every completed decode. img is nil when err is set.
// It runs on the session's goroutine.
type OutputFunc func(info FrameInfo, img *Image, err error)

// Session is a stateful decode session bound to one format description.
type Session interface {
	// CanAccept reports whether the session can decode frames described
	// by f without being recreated.
	CanAccept(f *FormatDescription) bool
	// Submit queues a length-prefixed frame for asynchronous decoding.
	// The session takes ownership of frame.
	Submit(frame []byte, info FrameInfo) error
	// WaitForPendingCompletions blocks until every submitted frame has
	// been delivered to the output function.
	WaitForPendingCompletions()
	// Invalidate tears the session down. Later submissions fail.
	Invalidate()
}

// Backend creates decode sessions on a platform.
type Backend interface {
	SupportedCodecs() []protocol.Codec
	NewSession(f *FormatDescription, size Size, out OutputFunc) (Session, error)
}

// Supports reports whether b can decode codec.
func Supports(b Backend, codec protocol.Codec) bool {
	return slices.Contains(b.SupportedCodecs(), codec)
}
