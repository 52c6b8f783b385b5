package decoder

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

func annexB(units ...[]byte) []byte {
	var b []byte
	for _, u := range units {
		b = append(b, 0, 0, 0, 1)
		b = append(b, u...)
	}
	return b
}

var (
	avcIDR   = []byte{0x65, 0x88, 0x84, 0x21, 0xa0}
	avcSlice = []byte{0x41, 0x9a, 0x02, 0x1c}
	hevcIDR  = []byte{0x26, 0x01, 0xaf, 0x09, 0x40}
)

type fakeSession struct {
	mu          sync.Mutex
	format      *FormatDescription
	frames      [][]byte
	waits       int
	invalidated bool
	out         OutputFunc
}

func (s *fakeSession) CanAccept(f *FormatDescription) bool {
	return f.Width == s.format.Width && f.Height == s.format.Height
}

func (s *fakeSession) Submit(frame []byte, info FrameInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated {
		return ErrSessionInvalidated
	}
	s.frames = append(s.frames, frame)
	s.out(info, &Image{Width: s.format.Width, Height: s.format.Height}, nil)
	return nil
}

func (s *fakeSession) WaitForPendingCompletions() {
	s.mu.Lock()
	s.waits++
	s.mu.Unlock()
}

func (s *fakeSession) Invalidate() {
	s.mu.Lock()
	s.invalidated = true
	s.mu.Unlock()
}

type fakeBackend struct {
	sessions []*fakeSession
	attempts int
	fail     bool
}

func (b *fakeBackend) SupportedCodecs() []protocol.Codec {
	return []protocol.Codec{protocol.CodecH264, protocol.CodecH265}
}

func (b *fakeBackend) NewSession(f *FormatDescription, _ Size, out OutputFunc) (Session, error) {
	b.attempts++
	if b.fail {
		return nil, ErrUnsupportedCodec
	}
	s := &fakeSession{format: f, out: out}
	b.sessions = append(b.sessions, s)
	return s, nil
}

type countingRecorder struct {
	nopRecorder
	derived   int
	dropped   map[string]int
	submitted int
	decoded   int
}

func (c *countingRecorder) FormatDerived(_ uint8, ok bool) {
	if ok {
		c.derived++
	}
}
func (c *countingRecorder) FrameDropped(_ uint8, reason string) { c.dropped[reason]++ }
func (c *countingRecorder) FrameSubmitted(uint8)                { c.submitted++ }
func (c *countingRecorder) FrameDecoded(uint8, bool)            { c.decoded++ }

func newTestReassembler(t *testing.T, codec protocol.Codec) (*Reassembler, *fakeBackend, *countingRecorder, *[]FrameInfo) {
	t.Helper()
	backend := &fakeBackend{}
	rec := &countingRecorder{dropped: map[string]int{}}
	var delivered []FrameInfo
	r, err := New(Config{StreamIndex: 1, Codec: codec}, backend, func(info FrameInfo, _ *Image, _ error) {
		delivered = append(delivered, info)
	}, WithRecorder(rec), WithClock(func() int64 { return 42 }))
	require.NoError(t, err)
	return r, backend, rec, &delivered
}

func pushFrame(t *testing.T, r *Reassembler, index uint64, frame []byte) error {
	t.Helper()
	half := len(frame) / 2
	r.PushData([][]byte{frame[:half]}, index, true)
	r.PushData([][]byte{frame[half:]}, index, false)
	return r.FrameCompleted(protocol.Feedback{FrameIndex: index}, nil, nil)
}

func TestRewriteLengthPrefixed(t *testing.T) {
	t.Parallel()

	frame := []byte{0, 0, 0, 1, 0x67, 0xaa, 0xbb, 0, 0, 0, 1, 0x68, 0xcc}
	var units [][]byte
	err := rewriteLengthPrefixed(frame, func(u []byte) { units = append(units, bytes.Clone(u)) })
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 3, 0x67, 0xaa, 0xbb, 0, 0, 0, 2, 0x68, 0xcc}, frame)
	assert.Equal(t, [][]byte{{0x67, 0xaa, 0xbb}, {0x68, 0xcc}}, units)

	var walked int
	require.NoError(t, forEachUnit(frame, func([]byte) { walked++ }))
	assert.Equal(t, 2, walked)
}

func TestRewriteRejectsThreeByteStartCode(t *testing.T) {
	t.Parallel()

	frame := []byte{0, 0, 0, 1, 0x67, 0xaa, 0, 0, 1, 0x68, 0xcc}
	err := rewriteLengthPrefixed(frame, func([]byte) {})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestRewriteEmptyUnit(t *testing.T) {
	t.Parallel()

	frame := annexB(nil, avcIDR)
	var lens []int
	require.NoError(t, rewriteLengthPrefixed(frame, func(u []byte) { lens = append(lens, len(u)) }))
	assert.Equal(t, []int{0, len(avcIDR)}, lens)
}

func TestKeyframeCreatesSessionOnce(t *testing.T) {
	t.Parallel()
	r, backend, rec, delivered := newTestReassembler(t, protocol.CodecH264)

	require.NoError(t, pushFrame(t, r, 1, annexB(avcSPS720, avcPPS, avcIDR)))
	require.Len(t, backend.sessions, 1)
	assert.Equal(t, 1, rec.derived)
	assert.Equal(t, 1280, r.Format().Width)

	s := backend.sessions[0]
	require.Len(t, s.frames, 1)
	want := []byte{0, 0, 0, byte(len(avcSPS720))}
	assert.Equal(t, want, s.frames[0][:4])

	// A P-frame and a repeated keyframe reuse the session and format.
	require.NoError(t, pushFrame(t, r, 2, annexB(avcSlice)))
	require.NoError(t, pushFrame(t, r, 3, annexB(avcSPS720, avcPPS, avcIDR)))
	assert.Len(t, backend.sessions, 1)
	assert.Equal(t, 1, rec.derived)
	assert.Len(t, s.frames, 3)
	assert.Equal(t, 3, rec.submitted)

	require.Len(t, *delivered, 3)
	last := (*delivered)[2]
	assert.Equal(t, uint64(3), last.FrameIndex)
	assert.Equal(t, uint8(1), last.StreamIndex)
	assert.Equal(t, int64(42), last.Feedback.SentToDecoder)
	assert.Equal(t, int64(42), last.Feedback.ReceivedFromDecoder)
}

func TestSliceBeforeParameterSetsIsDropped(t *testing.T) {
	t.Parallel()
	r, backend, rec, _ := newTestReassembler(t, protocol.CodecH264)

	require.NoError(t, pushFrame(t, r, 1, annexB(avcSlice)))
	assert.Empty(t, backend.sessions)
	assert.Equal(t, 1, rec.dropped[DropNoFormat])

	// SPS alone is not enough.
	require.NoError(t, pushFrame(t, r, 2, annexB(avcSPS720, avcIDR)))
	assert.Empty(t, backend.sessions)
	assert.Nil(t, r.Format())
}

func TestMissingStartCodeDropsFrame(t *testing.T) {
	t.Parallel()
	r, backend, rec, _ := newTestReassembler(t, protocol.CodecH264)

	frame := append([]byte{0, 0, 1}, avcIDR...)
	err := pushFrame(t, r, 1, frame)
	assert.ErrorIs(t, err, ErrMissingStartCode)
	assert.Empty(t, backend.sessions)
	assert.Equal(t, 1, rec.dropped[DropMalformed])
}

func TestShortFrameIsIgnored(t *testing.T) {
	t.Parallel()
	r, _, rec, _ := newTestReassembler(t, protocol.CodecH264)

	r.PushData([][]byte{{0, 0, 0, 1}}, 1, false)
	assert.NoError(t, r.FrameCompleted(protocol.Feedback{}, nil, nil))
	assert.Empty(t, rec.dropped)
}

func TestResolutionChangeReplacesSession(t *testing.T) {
	t.Parallel()
	r, backend, rec, _ := newTestReassembler(t, protocol.CodecH264)

	require.NoError(t, pushFrame(t, r, 1, annexB(avcSPS720, avcPPS, avcIDR)))
	require.NoError(t, pushFrame(t, r, 2, annexB(avcSPS192, avcPPS, avcIDR)))

	require.Len(t, backend.sessions, 2)
	old := backend.sessions[0]
	assert.True(t, old.invalidated)
	assert.GreaterOrEqual(t, old.waits, 1)
	assert.Len(t, backend.sessions[1].frames, 1)
	assert.Equal(t, 2, rec.derived)
	assert.Equal(t, 256, r.Format().Width)
}

func TestHEVCRequiresVPS(t *testing.T) {
	t.Parallel()
	r, backend, _, _ := newTestReassembler(t, protocol.CodecH265)

	require.NoError(t, pushFrame(t, r, 1, annexB(hevcSPS, hevcPPS, hevcIDR)))
	assert.Empty(t, backend.sessions)

	require.NoError(t, pushFrame(t, r, 2, annexB(hevcVPS, hevcSPS, hevcPPS, hevcIDR)))
	require.Len(t, backend.sessions, 1)
	assert.Equal(t, 320, r.Format().Width)
}

func TestNewFrameIndexDiscardsPartial(t *testing.T) {
	t.Parallel()
	r, backend, rec, _ := newTestReassembler(t, protocol.CodecH264)

	r.PushData([][]byte{{0, 0, 0, 1, 0x67}}, 1, true)
	frame := annexB(avcSPS720, avcPPS, avcIDR)
	r.PushData([][]byte{frame}, 2, false)
	require.NoError(t, r.FrameCompleted(protocol.Feedback{FrameIndex: 2}, nil, nil))

	assert.Equal(t, 1, rec.dropped[DropIncomplete])
	require.Len(t, backend.sessions, 1)
	assert.Len(t, backend.sessions[0].frames[0], len(frame))
}

func TestSessionCreationFailureDropsFrames(t *testing.T) {
	t.Parallel()
	r, backend, rec, _ := newTestReassembler(t, protocol.CodecH264)
	backend.fail = true

	require.NoError(t, pushFrame(t, r, 1, annexB(avcSPS720, avcPPS, avcIDR)))
	assert.Equal(t, 1, rec.dropped[DropNoSession])
	assert.Equal(t, 1, backend.attempts, "one creation attempt per frame")

	// Creation is retried on the next frame.
	backend.fail = false
	require.NoError(t, pushFrame(t, r, 2, annexB(avcSlice)))
	require.Len(t, backend.sessions, 1)
	assert.Len(t, backend.sessions[0].frames, 1)
}

func TestCloseInvalidatesSession(t *testing.T) {
	t.Parallel()
	r, backend, _, _ := newTestReassembler(t, protocol.CodecH264)

	require.NoError(t, pushFrame(t, r, 1, annexB(avcSPS720, avcPPS, avcIDR)))
	r.Close()
	assert.True(t, backend.sessions[0].invalidated)
	assert.Nil(t, r.Format())
}

func TestFramesAfterCloseAreDropped(t *testing.T) {
	t.Parallel()
	r, backend, rec, delivered := newTestReassembler(t, protocol.CodecH264)

	r.Close()
	require.NoError(t, pushFrame(t, r, 1, annexB(avcSPS720, avcPPS, avcIDR)))
	assert.Empty(t, backend.sessions)
	assert.Zero(t, backend.attempts)
	assert.Nil(t, r.Format())
	assert.Equal(t, 1, rec.dropped[DropClosed])
	assert.Empty(t, *delivered)
}

func TestParameterChangeKeepsAcceptingSession(t *testing.T) {
	t.Parallel()
	r, backend, rec, _ := newTestReassembler(t, protocol.CodecH264)

	pps := bytes.Clone(avcPPS)
	pps[len(pps)-1] ^= 0x40

	require.NoError(t, pushFrame(t, r, 1, annexB(avcSPS720, avcPPS, avcIDR)))
	require.NoError(t, pushFrame(t, r, 2, annexB(avcSPS720, pps, avcIDR)))

	assert.Equal(t, 2, rec.derived)
	require.Len(t, backend.sessions, 1)
	s := backend.sessions[0]
	assert.False(t, s.invalidated)
	assert.Len(t, s.frames, 2)
	assert.Equal(t, 2, rec.submitted)
	assert.True(t, r.Format().derivedFrom([][]byte{avcSPS720, pps}))
}

func TestNewRejectsUnsupportedCodec(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Codec: protocol.CodecH265}, &SoftwareBackend{Codecs: []protocol.Codec{protocol.CodecH264}}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}
