// Package stream tracks the video streams announced by the server, routing
// data shards of each stream to its reassembler and producing per-frame
// feedback.
package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rcelyte/WiVRn/internal/decoder"
	"github.com/rcelyte/WiVRn/internal/protocol"
)

// ErrUnknownStream reports a shard for a stream index that has not been
// described.
var ErrUnknownStream = errors.New("stream: unknown stream index")

// Stream is one described video stream.
type Stream struct {
	Index     uint8
	Item      protocol.VideoStreamItem
	StartedAt time.Time

	reassembler *decoder.Reassembler

	mu          sync.Mutex
	frameIndex  uint64
	inFrame     bool
	firstPacket int64
	packets     uint16
	timing      *protocol.TimingInfo
	view        *protocol.ViewInfo
}

// HandleShard feeds one shard to the reassembler. On the shard that ends a
// frame it completes the frame and returns the feedback to send back; it
// returns nil otherwise. now is the receive time in nanoseconds.
func (s *Stream) HandleShard(sh *protocol.VideoStreamDataShard, now int64) (*protocol.Feedback, error) {
	s.mu.Lock()
	if !s.inFrame || sh.FrameIndex != s.frameIndex {
		s.frameIndex = sh.FrameIndex
		s.inFrame = true
		s.firstPacket = now
		s.packets = 0
		s.timing, s.view = nil, nil
	}
	s.packets++
	if sh.Timing != nil {
		s.timing = sh.Timing
	}
	if sh.View != nil {
		s.view = sh.View
	}
	end := sh.Flags&protocol.EndOfFrame != 0
	s.reassembler.PushData([][]byte{sh.Payload}, sh.FrameIndex, !end)
	if !end {
		s.mu.Unlock()
		return nil, nil
	}

	fb := protocol.Feedback{
		FrameIndex:          sh.FrameIndex,
		StreamIndex:         s.Index,
		ReceivedFirstPacket: s.firstPacket,
		ReceivedLastPacket:  now,
		DataPackets:         s.packets,
	}
	timing, view := s.timing, s.view
	if view != nil {
		fb.DisplayTime = view.DisplayTime
	}
	s.inFrame = false
	s.mu.Unlock()

	if err := s.reassembler.FrameCompleted(fb, timing, view); err != nil {
		return &fb, fmt.Errorf("stream %d frame %d: %w", s.Index, sh.FrameIndex, err)
	}
	return &fb, nil
}

// Format returns the stream's current format description, or nil.
func (s *Stream) Format() *decoder.FormatDescription {
	return s.reassembler.Format()
}

// Manager manages the lifecycle of described streams.
type Manager struct {
	log     *slog.Logger
	backend decoder.Backend
	output  decoder.OutputFunc
	opts    []decoder.Option

	mu      sync.RWMutex
	streams map[uint8]*Stream
}

// NewManager creates a stream manager whose streams decode on backend and
// deliver decoded frames to output. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger, backend decoder.Backend, output decoder.OutputFunc, rec decoder.Recorder) *Manager {
	if log == nil {
		log = slog.Default()
	}
	opts := []decoder.Option{decoder.WithLogger(log)}
	if rec != nil {
		opts = append(opts, decoder.WithRecorder(rec))
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		backend: backend,
		output:  output,
		opts:    opts,
		streams: make(map[uint8]*Stream),
	}
}

// SupportedCodecs reports the codecs the decode backend accepts, for the
// capability announcement sent to the server.
func (m *Manager) SupportedCodecs() []protocol.Codec {
	return m.backend.SupportedCodecs()
}

// Configure replaces every stream with the ones in desc. Stream i is the
// i-th item.
func (m *Manager) Configure(desc *protocol.VideoStreamDescription) error {
	if len(desc.Items) > 256 {
		return fmt.Errorf("stream: %d streams described, at most 256 supported", len(desc.Items))
	}
	m.RemoveAll()
	for i, item := range desc.Items {
		if _, err := m.Create(uint8(i), item); err != nil {
			return err
		}
	}
	return nil
}

// Create registers a stream and its reassembler. It fails when a stream
// with this index already exists or the codec is not supported.
func (m *Manager) Create(index uint8, item protocol.VideoStreamItem) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[index]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "index", index)
		return nil, fmt.Errorf("stream: index %d already exists", index)
	}

	cfg := decoder.Config{
		StreamIndex: index,
		Codec:       item.Codec,
		Size:        decoder.Size{Width: int(item.Width), Height: int(item.Height)},
	}
	r, err := decoder.New(cfg, m.backend, m.output, m.opts...)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		Index:       index,
		Item:        item,
		StartedAt:   time.Now(),
		reassembler: r,
	}
	m.streams[index] = s
	m.log.Info("stream created", "index", index, "codec", item.Codec.String(), "width", item.Width, "height", item.Height)
	return s, nil
}

// Get returns the stream with index, or nil.
func (m *Manager) Get(index uint8) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[index]
}

// HandleShard routes a shard to its stream.
func (m *Manager) HandleShard(sh *protocol.VideoStreamDataShard, now int64) (*protocol.Feedback, error) {
	s := m.Get(sh.StreamIndex)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStream, sh.StreamIndex)
	}
	return s.HandleShard(sh, now)
}

// Remove closes and removes a stream.
func (m *Manager) Remove(index uint8) {
	m.mu.Lock()
	s, ok := m.streams[index]
	if ok {
		delete(m.streams, index)
	}
	m.mu.Unlock()

	if ok {
		s.reassembler.Close()
		m.log.Info("stream removed", "index", index)
	}
}

// RemoveAll closes and removes every stream.
func (m *Manager) RemoveAll() {
	for _, s := range m.List() {
		m.Remove(s.Index)
	}
}

// List returns all streams ordered by index.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	slices.SortFunc(streams, func(a, b *Stream) int { return int(a.Index) - int(b.Index) })
	return streams
}
