package stream

import (
	"errors"
	"sync"
	"testing"

	"github.com/rcelyte/WiVRn/internal/decoder"
	"github.com/rcelyte/WiVRn/internal/protocol"
)

var (
	sps = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04,
		0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80, 0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	pps = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	idr = []byte{0x65, 0x88, 0x84, 0x21, 0xa0}
)

func keyframe() []byte {
	var b []byte
	for _, u := range [][]byte{sps, pps, idr} {
		b = append(b, 0, 0, 0, 1)
		b = append(b, u...)
	}
	return b
}

func h264Item() protocol.VideoStreamItem {
	return protocol.VideoStreamItem{Codec: protocol.CodecH264, Width: 1280, Height: 720}
}

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, &decoder.SoftwareBackend{}, nil, nil)

	s, err := m.Create(0, h264Item())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Index != 0 || s.Item.Width != 1280 {
		t.Errorf("stream: got %+v", s)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}
	if m.Get(0) != s {
		t.Error("Get should return the created stream")
	}
	if m.Get(1) != nil {
		t.Error("Get of unknown index should return nil")
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, &decoder.SoftwareBackend{}, nil, nil)

	if _, err := m.Create(0, h264Item()); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if s, err := m.Create(0, h264Item()); err == nil || s != nil {
		t.Error("duplicate Create should fail")
	}
}

func TestManagerCreateUnsupportedCodec(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, &decoder.SoftwareBackend{Codecs: []protocol.Codec{protocol.CodecH264}}, nil, nil)

	_, err := m.Create(0, protocol.VideoStreamItem{Codec: protocol.CodecH265})
	if !errors.Is(err, decoder.ErrUnsupportedCodec) {
		t.Errorf("err: got %v, want ErrUnsupportedCodec", err)
	}
}

func TestManagerConfigureReplacesStreams(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, &decoder.SoftwareBackend{}, nil, nil)

	m.Create(5, h264Item())
	err := m.Configure(&protocol.VideoStreamDescription{Items: []protocol.VideoStreamItem{h264Item(), h264Item()}})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	streams := m.List()
	if len(streams) != 2 || streams[0].Index != 0 || streams[1].Index != 1 {
		t.Fatalf("streams after configure: %d", len(streams))
	}
	if m.Get(5) != nil {
		t.Error("stream 5 should have been removed")
	}

	m.RemoveAll()
	if len(m.List()) != 0 {
		t.Errorf("count after RemoveAll: got %d, want 0", len(m.List()))
	}
}

func TestStreamShardsProduceFeedback(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		decoded []decoder.FrameInfo
	)
	done := make(chan struct{}, 1)
	m := NewManager(nil, &decoder.SoftwareBackend{}, func(info decoder.FrameInfo, img *decoder.Image, err error) {
		mu.Lock()
		decoded = append(decoded, info)
		mu.Unlock()
		done <- struct{}{}
	}, nil)
	if _, err := m.Create(0, h264Item()); err != nil {
		t.Fatal(err)
	}

	frame := keyframe()
	view := &protocol.ViewInfo{DisplayTime: 777}
	shards := []*protocol.VideoStreamDataShard{
		{FrameIndex: 3, ShardIndex: 0, Flags: protocol.StartOfSlice, View: view, Payload: frame[:10]},
		{FrameIndex: 3, ShardIndex: 1, Payload: frame[10:20]},
		{FrameIndex: 3, ShardIndex: 2, Flags: protocol.EndOfSlice | protocol.EndOfFrame, Payload: frame[20:]},
	}

	var fb *protocol.Feedback
	for i, sh := range shards {
		got, err := m.HandleShard(sh, int64(100+i))
		if err != nil {
			t.Fatalf("HandleShard %d: %v", i, err)
		}
		if i < len(shards)-1 && got != nil {
			t.Fatalf("feedback before end of frame at shard %d", i)
		}
		fb = got
	}
	if fb == nil {
		t.Fatal("no feedback on last shard")
	}
	if fb.FrameIndex != 3 || fb.ReceivedFirstPacket != 100 || fb.ReceivedLastPacket != 102 || fb.DataPackets != 3 || fb.DisplayTime != 777 {
		t.Errorf("feedback: got %+v", fb)
	}

	<-done
	mu.Lock()
	defer mu.Unlock()
	if len(decoded) != 1 || decoded[0].View != view {
		t.Errorf("decoded: got %+v", decoded)
	}
	if f := m.Get(0).Format(); f == nil || f.Width != 1280 {
		t.Errorf("format: got %+v", f)
	}
}

func TestManagerUnknownStream(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, &decoder.SoftwareBackend{}, nil, nil)

	_, err := m.HandleShard(&protocol.VideoStreamDataShard{StreamIndex: 9}, 0)
	if !errors.Is(err, ErrUnknownStream) {
		t.Errorf("err: got %v, want ErrUnknownStream", err)
	}
}

func TestRemovedStreamIgnoresLateShards(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, &decoder.SoftwareBackend{}, nil, nil)

	s, err := m.Create(0, h264Item())
	if err != nil {
		t.Fatal(err)
	}
	m.Remove(0)

	// The stream loop may still hold s after the control loop removed it.
	sh := &protocol.VideoStreamDataShard{FrameIndex: 1, Flags: protocol.EndOfFrame, Payload: keyframe()}
	if _, err := s.HandleShard(sh, 1); err != nil {
		t.Fatalf("HandleShard: %v", err)
	}
	if f := s.Format(); f != nil {
		t.Errorf("format after Remove: got %+v, want nil", f)
	}
}
