package decoder

// Recorder receives reassembly events for metrics.
type Recorder interface {
	FrameSubmitted(stream uint8)
	FrameDropped(stream uint8, reason string)
	FrameDecoded(stream uint8, ok bool)
	ParameterSetCached(stream uint8, kind ParamKind)
	FormatDerived(stream uint8, ok bool)
	SessionCreated(stream uint8, ok bool)
}

// Drop reasons reported to Recorder.FrameDropped.
const (
	DropIncomplete = "incomplete"
	DropMalformed  = "malformed"
	DropNoFormat   = "no_format"
	DropNoSession  = "no_session"
	DropSubmit     = "submit"
	DropClosed     = "closed"
)

type nopRecorder struct{}

func (nopRecorder) FrameSubmitted(uint8)                {}
func (nopRecorder) FrameDropped(uint8, string)          {}
func (nopRecorder) FrameDecoded(uint8, bool)            {}
func (nopRecorder) ParameterSetCached(uint8, ParamKind) {}
func (nopRecorder) FormatDerived(uint8, bool)           {}
func (nopRecorder) SessionCreated(uint8, bool)          {}
