package decoder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// Config describes the stream a Reassembler serves.
type Config struct {
	StreamIndex uint8
	Codec       protocol.Codec
	// Size is the geometry decoded images are produced at.
	Size Size
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(r *Reassembler) { r.log = log }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Reassembler) { r.rec = rec }
}

// WithClock overrides the nanosecond clock used for feedback timestamps.
func WithClock(now func() int64) Option {
	return func(r *Reassembler) { r.now = now }
}

// Reassembler accumulates the shards of a stream into frames and feeds
// completed frames to a decode session.
//
// PushData and FrameCompleted may run on different goroutines. Shard
// accumulation and decode submission are guarded separately, so the next
// frame can accumulate while the previous one waits on the decoder.
type Reassembler struct {
	log     *slog.Logger
	rec     Recorder
	now     func() int64
	cfg     Config
	backend Backend
	output  OutputFunc

	mu         sync.Mutex
	frameIndex uint64
	frame      []byte
	started    bool
	lastShard  bool

	decodeMu sync.Mutex
	params   paramSets
	format   *FormatDescription
	session  Session
	closed   bool
}

// New returns a Reassembler for cfg. It fails with ErrUnsupportedCodec
// when backend cannot decode cfg.Codec.
func New(cfg Config, backend Backend, output OutputFunc, opts ...Option) (*Reassembler, error) {
	if !Supports(backend, cfg.Codec) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, cfg.Codec)
	}
	r := &Reassembler{
		log:     slog.Default(),
		rec:     nopRecorder{},
		now:     func() int64 { return time.Now().UnixNano() },
		cfg:     cfg,
		backend: backend,
		output:  output,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "reassembler", "stream", cfg.StreamIndex, "codec", cfg.Codec.String())
	return r, nil
}

// PushData appends ranges to the frame being accumulated. A frame index
// different from the current one discards the partial frame and starts
// a new one. partial is false on the final shard of a frame.
func (r *Reassembler) PushData(ranges [][]byte, frameIndex uint64, partial bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started || frameIndex != r.frameIndex {
		if len(r.frame) > 0 {
			r.log.Debug("incomplete frame discarded", "frame", r.frameIndex, "bytes", len(r.frame), "next", frameIndex)
			r.rec.FrameDropped(r.cfg.StreamIndex, DropIncomplete)
		}
		r.frame = r.frame[:0]
		r.frameIndex = frameIndex
		r.started = true
	}
	for _, b := range ranges {
		r.frame = append(r.frame, b...)
	}
	r.lastShard = !partial
}

// FrameCompleted takes the accumulated frame, rewrites it into
// length-prefixed form, updates the parameter set cache and submits the
// frame to the decode session. Frames arriving before a format
// description is known are dropped. A frame that does not begin with a
// 4-byte start code is dropped and ErrMissingStartCode returned.
func (r *Reassembler) FrameCompleted(feedback protocol.Feedback, timing *protocol.TimingInfo, view *protocol.ViewInfo) error {
	r.mu.Lock()
	frame, index, last := r.frame, r.frameIndex, r.lastShard
	r.frame, r.started, r.lastShard = nil, false, false
	r.mu.Unlock()

	if len(frame) < 5 {
		return nil
	}
	if !last {
		r.log.Debug("frame completed before its final shard", "frame", index)
	}

	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	if r.closed {
		r.log.Debug("frame dropped, reassembler closed", "frame", index)
		r.rec.FrameDropped(r.cfg.StreamIndex, DropClosed)
		return nil
	}

	// created is set once a session creation was attempted for this frame.
	var created bool
	err := rewriteLengthPrefixed(frame, func(unit []byte) {
		if len(unit) == 0 {
			r.log.Debug("empty unit skipped", "frame", index)
			return
		}
		kind := classify(r.cfg.Codec, unit)
		if kind == paramNone {
			return
		}
		r.params.store(kind, unit)
		r.rec.ParameterSetCached(r.cfg.StreamIndex, kind)
		if r.params.complete(r.cfg.Codec) && r.deriveFormat() {
			created = true
		}
	})
	if err != nil {
		r.log.Warn("frame dropped", "frame", index, "error", err)
		r.rec.FrameDropped(r.cfg.StreamIndex, DropMalformed)
		return err
	}

	if r.format == nil {
		r.log.Debug("frame dropped, no format description", "frame", index)
		r.rec.FrameDropped(r.cfg.StreamIndex, DropNoFormat)
		return nil
	}
	if r.session == nil {
		if !created {
			r.ensureSession()
		}
		if r.session == nil {
			r.rec.FrameDropped(r.cfg.StreamIndex, DropNoSession)
			return nil
		}
	}

	// Metadata of the previous frame must be delivered before the next
	// submission.
	r.session.WaitForPendingCompletions()

	feedback.SentToDecoder = r.now()
	info := FrameInfo{
		StreamIndex: r.cfg.StreamIndex,
		FrameIndex:  index,
		Feedback:    feedback,
		Timing:      timing,
		View:        view,
	}
	if err := r.session.Submit(frame, info); err != nil {
		r.log.Warn("decode submission failed", "frame", index, "error", err)
		r.rec.FrameDropped(r.cfg.StreamIndex, DropSubmit)
		return nil
	}
	r.rec.FrameSubmitted(r.cfg.StreamIndex)
	return nil
}

// deriveFormat builds a format description from the cached sets unless
// the current one was built from identical sets. It reports whether a
// session creation was attempted. Called with decodeMu held.
func (r *Reassembler) deriveFormat() bool {
	sets := r.params.sets(r.cfg.Codec)
	if r.format != nil && r.format.derivedFrom(sets) {
		return false
	}
	f, err := NewFormatDescription(r.cfg.Codec, sets)
	if err != nil {
		r.format = nil
		r.log.Error("format description derivation failed", "error", err)
		r.rec.FormatDerived(r.cfg.StreamIndex, false)
		return false
	}
	r.format = f
	r.rec.FormatDerived(r.cfg.StreamIndex, true)
	r.log.Info("format description derived", "codec_string", f.CodecString, "width", f.Width, "height", f.Height)
	return r.ensureSession()
}

// ensureSession keeps the current session if it accepts the format and
// replaces it otherwise. It reports whether NewSession was called.
// Called with decodeMu held.
func (r *Reassembler) ensureSession() bool {
	if r.session != nil {
		if r.session.CanAccept(r.format) {
			return false
		}
		r.log.Info("decode session replaced", "codec_string", r.format.CodecString)
		r.teardown()
	}
	s, err := r.backend.NewSession(r.format, r.cfg.Size, r.deliver)
	if err != nil {
		r.log.Error("decode session creation failed", "error", err)
		r.rec.SessionCreated(r.cfg.StreamIndex, false)
		return true
	}
	r.session = s
	r.rec.SessionCreated(r.cfg.StreamIndex, true)
	r.log.Debug("decode session created", "width", r.format.Width, "height", r.format.Height)
	return true
}

func (r *Reassembler) teardown() {
	r.session.WaitForPendingCompletions()
	r.session.Invalidate()
	r.session = nil
}

func (r *Reassembler) deliver(info FrameInfo, img *Image, err error) {
	info.Feedback.ReceivedFromDecoder = r.now()
	r.rec.FrameDecoded(info.StreamIndex, err == nil)
	if r.output != nil {
		r.output(info, img, err)
	}
}

// Format returns the current format description, or nil.
func (r *Reassembler) Format() *FormatDescription {
	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	return r.format
}

// Close drains and invalidates the decode session and releases the
// format description. Frames completed afterwards are dropped.
func (r *Reassembler) Close() {
	r.mu.Lock()
	r.frame, r.started = nil, false
	r.mu.Unlock()

	r.decodeMu.Lock()
	defer r.decodeMu.Unlock()
	if r.session != nil {
		r.teardown()
	}
	r.format = nil
	r.params.reset()
	r.closed = true
}
