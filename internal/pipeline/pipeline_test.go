package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rcelyte/WiVRn/internal/decoder"
	"github.com/rcelyte/WiVRn/internal/protocol"
	"github.com/rcelyte/WiVRn/internal/stream"
	"github.com/rcelyte/WiVRn/internal/transport"
)

type fakeConn struct {
	tcpOnly bool
	control chan protocol.Message
	stream  chan protocol.Message
	closed  chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent []protocol.Message
}

func newFakeConn(tcpOnly bool) *fakeConn {
	return &fakeConn{
		tcpOnly: tcpOnly,
		control: make(chan protocol.Message, 16),
		stream:  make(chan protocol.Message, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) TCPOnly() bool { return f.tcpOnly }

func (f *fakeConn) SendControl(m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeConn) receive(ch chan protocol.Message) (protocol.Message, error) {
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, transport.ErrShutdown
		}
		return m, nil
	case <-f.closed:
		return nil, transport.ErrShutdown
	}
}

func (f *fakeConn) ReceiveControl() (protocol.Message, error) { return f.receive(f.control) }
func (f *fakeConn) ReceiveStream() (protocol.Message, error)  { return f.receive(f.stream) }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) feedback() []*protocol.Feedback {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Feedback
	for _, m := range f.sent {
		if fb, ok := m.(*protocol.Feedback); ok {
			out = append(out, fb)
		}
	}
	return out
}

func keyframe() []byte {
	units := [][]byte{
		{0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04,
			0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80, 0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb},
		{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0},
		{0x65, 0x88, 0x84, 0x21, 0xa0},
	}
	var b []byte
	for _, u := range units {
		b = append(b, 0, 0, 0, 1)
		b = append(b, u...)
	}
	return b
}

func newPipeline(conn *fakeConn, out decoder.OutputFunc) *Pipeline {
	return New(conn, stream.NewManager(nil, &decoder.SoftwareBackend{}, out, nil), nil)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunSendsHeadsetInfo(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(false)
	p := newPipeline(conn, nil)
	close(conn.control)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) == 0 {
		t.Fatal("nothing sent")
	}
	info, ok := conn.sent[0].(protocol.HeadsetInfo)
	if !ok {
		t.Fatalf("first message: got %T, want HeadsetInfo", conn.sent[0])
	}
	if len(info.SupportedCodecs) != 2 {
		t.Errorf("codecs: got %v", info.SupportedCodecs)
	}
}

func TestRunDecodesFramesAndSendsFeedback(t *testing.T) {
	t.Parallel()

	decoded := make(chan decoder.FrameInfo, 4)
	conn := newFakeConn(false)
	p := newPipeline(conn, func(info decoder.FrameInfo, _ *decoder.Image, err error) {
		if err == nil {
			decoded <- info
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	conn.control <- &protocol.VideoStreamDescription{Items: []protocol.VideoStreamItem{
		{Codec: protocol.CodecH264, Width: 1280, Height: 720},
	}}
	waitFor(t, func() bool { return p.Stats().Descriptions == 1 })

	frame := keyframe()
	conn.stream <- &protocol.VideoStreamDataShard{FrameIndex: 7, Flags: protocol.StartOfSlice, Payload: frame[:16]}
	conn.stream <- &protocol.VideoStreamDataShard{FrameIndex: 7, ShardIndex: 1, Flags: protocol.EndOfSlice | protocol.EndOfFrame, Payload: frame[16:]}
	conn.stream <- &protocol.VideoStreamDataShard{StreamIndex: 4, FrameIndex: 8, Payload: frame}

	select {
	case info := <-decoded:
		if info.FrameIndex != 7 {
			t.Errorf("decoded frame: got %d, want 7", info.FrameIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame not decoded")
	}
	waitFor(t, func() bool { return p.Stats().UnknownStream == 1 })

	fbs := conn.feedback()
	if len(fbs) != 1 || fbs[0].FrameIndex != 7 || fbs[0].DataPackets != 2 {
		t.Fatalf("feedback: got %+v", fbs)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run after cancel: %v", err)
	}
	stats := p.Stats()
	if stats.ShardsReceived != 3 || stats.FeedbackSent != 1 {
		t.Errorf("stats: got %+v", stats)
	}
}

func TestRunTCPOnlyUsesSingleReader(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(true)
	p := newPipeline(conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	conn.control <- &protocol.VideoStreamDescription{Items: []protocol.VideoStreamItem{{Codec: protocol.CodecH264}}}
	conn.control <- &protocol.VideoStreamDataShard{FrameIndex: 1, Flags: protocol.EndOfFrame, Payload: keyframe()}
	waitFor(t, func() bool { return p.Stats().FeedbackSent == 1 })

	// Nothing reads the stream channel in a TCP-only session.
	conn.stream <- &protocol.VideoStreamDataShard{FrameIndex: 2}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if got := p.Stats().ShardsReceived; got != 1 {
		t.Errorf("ShardsReceived: got %d, want 1", got)
	}
}

func TestRunIgnoresUnhandledMessages(t *testing.T) {
	t.Parallel()

	conn := newFakeConn(false)
	p := newPipeline(conn, nil)
	conn.control <- &protocol.Feedback{}
	conn.stream <- &protocol.HandshakeFromHeadset{}
	close(conn.control)

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := p.Stats().UnhandledMessage; got != 1 {
		t.Errorf("UnhandledMessage: got %d, want 1", got)
	}
}
