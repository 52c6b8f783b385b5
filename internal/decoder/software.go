package decoder

import (
	"log/slog"
	"sync"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// SoftwareBackend decodes on the CPU. It checks bitstream structure and
// reports unit counts and keyframes without reconstructing pixels.
type SoftwareBackend struct {
	Log *slog.Logger
	// Codecs restricts the advertised codecs. Empty means all.
	Codecs []protocol.Codec
}

// SupportedCodecs returns the codecs the backend decodes.
func (b *SoftwareBackend) SupportedCodecs() []protocol.Codec {
	if len(b.Codecs) > 0 {
		return b.Codecs
	}
	return []protocol.Codec{protocol.CodecH264, protocol.CodecH265}
}

// NewSession starts a session for f on its own goroutine.
func (b *SoftwareBackend) NewSession(f *FormatDescription, size Size, out OutputFunc) (Session, error) {
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	s := &softwareSession{
		log:    log.With("component", "software-decoder", "codec", f.CodecString),
		format: f,
		size:   size,
		out:    out,
		jobs:   make(chan job, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type job struct {
	frame []byte
	info  FrameInfo
}

type softwareSession struct {
	log    *slog.Logger
	format *FormatDescription
	size   Size
	out    OutputFunc

	mu       sync.Mutex
	closed   bool
	jobs     chan job
	inflight sync.WaitGroup
	done     chan struct{}
}

func (s *softwareSession) CanAccept(f *FormatDescription) bool {
	return f.Codec == s.format.Codec && f.Width == s.format.Width && f.Height == s.format.Height
}

func (s *softwareSession) Submit(frame []byte, info FrameInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionInvalidated
	}
	s.inflight.Add(1)
	s.jobs <- job{frame: frame, info: info}
	return nil
}

func (s *softwareSession) WaitForPendingCompletions() {
	s.inflight.Wait()
}

func (s *softwareSession) Invalidate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	<-s.done
	s.log.Debug("session invalidated")
}

func (s *softwareSession) run() {
	defer close(s.done)
	for j := range s.jobs {
		img, err := s.decode(j.frame)
		if err != nil {
			s.log.Warn("decode failed", "frame", j.info.FrameIndex, "error", err)
		}
		if s.out != nil {
			s.out(j.info, img, err)
		}
		s.inflight.Done()
	}
}

func (s *softwareSession) decode(frame []byte) (*Image, error) {
	img := &Image{Width: s.size.Width, Height: s.size.Height, Bytes: len(frame)}
	if img.Width == 0 || img.Height == 0 {
		img.Width, img.Height = s.format.Width, s.format.Height
	}
	err := forEachUnit(frame, func(unit []byte) {
		img.Units++
		if len(unit) > 0 && IsKeyframe(s.format.Codec, NALType(s.format.Codec, unit[0])) {
			img.Keyframe = true
		}
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}
