package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/rcelyte/WiVRn/internal/packet"
)

// Marshal encodes m as byte ranges. The first range holds the type tag and
// all fixed fields; a shard payload follows as its own range, uncopied.
// It panics on a type this package does not define.
func Marshal(m Message) [][]byte {
	b := quicvarint.Append(make([]byte, 0, 64), m.Type())
	switch m := m.(type) {
	case HandshakeToHeadset:
		return [][]byte{binary.LittleEndian.AppendUint32(b, uint32(m.StreamPort))}
	case *HandshakeToHeadset:
		return Marshal(*m)
	case HandshakeFromHeadset, *HandshakeFromHeadset:
		return [][]byte{b}
	case HeadsetInfo:
		b = quicvarint.Append(b, uint64(len(m.SupportedCodecs)))
		for _, c := range m.SupportedCodecs {
			b = append(b, byte(c))
		}
		return [][]byte{b}
	case *HeadsetInfo:
		return Marshal(*m)
	case VideoStreamDescription:
		b = quicvarint.Append(b, uint64(len(m.Items)))
		for _, it := range m.Items {
			b = append(b, byte(it.Codec))
			b = binary.LittleEndian.AppendUint16(b, it.Width)
			b = binary.LittleEndian.AppendUint16(b, it.Height)
		}
		return [][]byte{b}
	case *VideoStreamDescription:
		return Marshal(*m)
	case VideoStreamDataShard:
		return marshalShard(b, &m)
	case *VideoStreamDataShard:
		return marshalShard(b, m)
	case Feedback:
		return [][]byte{appendFeedback(b, &m)}
	case *Feedback:
		return [][]byte{appendFeedback(b, m)}
	default:
		panic(fmt.Sprintf("protocol: cannot marshal %T", m))
	}
}

func marshalShard(b []byte, s *VideoStreamDataShard) [][]byte {
	flags := s.Flags & flagMask
	if s.Timing != nil {
		flags |= hasTiming
	}
	if s.View != nil {
		flags |= hasView
	}
	b = append(b, s.StreamIndex)
	b = binary.LittleEndian.AppendUint64(b, s.FrameIndex)
	b = binary.LittleEndian.AppendUint16(b, s.ShardIndex)
	b = append(b, flags)
	if t := s.Timing; t != nil {
		b = appendInt64(b, t.EncodeBegin, t.EncodeEnd, t.SendBegin, t.SendEnd)
	}
	if v := s.View; v != nil {
		b = appendInt64(b, v.DisplayTime)
		for _, p := range v.Pose {
			b = appendFloat32(b, p.Orientation[:]...)
			b = appendFloat32(b, p.Position[:]...)
		}
		for _, f := range v.Fov {
			b = appendFloat32(b, f.AngleLeft, f.AngleRight, f.AngleUp, f.AngleDown)
		}
	}
	if len(s.Payload) == 0 {
		return [][]byte{b}
	}
	return [][]byte{b, s.Payload}
}

func appendFeedback(b []byte, f *Feedback) []byte {
	b = binary.LittleEndian.AppendUint64(b, f.FrameIndex)
	b = append(b, f.StreamIndex)
	b = appendInt64(b, f.ReceivedFirstPacket, f.ReceivedLastPacket, f.SentToDecoder, f.ReceivedFromDecoder, f.DisplayTime)
	return binary.LittleEndian.AppendUint16(b, f.DataPackets)
}

func appendInt64(b []byte, vs ...int64) []byte {
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint64(b, uint64(v))
	}
	return b
}

func appendFloat32(b []byte, vs ...float32) []byte {
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// Unmarshal decodes one message. Returned messages are pointers; a shard
// payload aliases the bytes of p.
func Unmarshal(p packet.Packet) (Message, error) {
	r := p.Reader()
	typ, err := r.Varint("type")
	if err != nil {
		return nil, err
	}

	var m Message
	switch typ {
	case TypeHandshakeToHeadset:
		port, err := r.Int32("stream_port")
		if err != nil {
			return nil, err
		}
		m = &HandshakeToHeadset{StreamPort: port}
	case TypeHandshakeFromHeadset:
		m = &HandshakeFromHeadset{}
	case TypeHeadsetInfo:
		m, err = unmarshalHeadsetInfo(r)
	case TypeVideoStreamDescription:
		m, err = unmarshalDescription(r)
	case TypeVideoStreamDataShard:
		m, err = unmarshalShard(r)
	case TypeFeedback:
		m, err = unmarshalFeedback(r)
	default:
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownMessage, typ)
	}
	if err != nil {
		return nil, err
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d bytes after 0x%x", ErrTrailingBytes, r.Remaining(), typ)
	}
	return m, nil
}

func unmarshalHeadsetInfo(r *packet.Reader) (*HeadsetInfo, error) {
	n, err := r.Varint("codec_count")
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, &packet.ParseError{Field: "codec_count", Err: fmt.Errorf("%d codecs in %d bytes", n, r.Remaining())}
	}
	m := &HeadsetInfo{SupportedCodecs: make([]Codec, n)}
	for i := range m.SupportedCodecs {
		c, err := r.Uint8("codec")
		if err != nil {
			return nil, err
		}
		m.SupportedCodecs[i] = Codec(c)
	}
	return m, nil
}

func unmarshalDescription(r *packet.Reader) (*VideoStreamDescription, error) {
	n, err := r.Varint("item_count")
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()/5) {
		return nil, &packet.ParseError{Field: "item_count", Err: fmt.Errorf("%d items in %d bytes", n, r.Remaining())}
	}
	m := &VideoStreamDescription{Items: make([]VideoStreamItem, n)}
	for i := range m.Items {
		c, err := r.Uint8("codec")
		if err != nil {
			return nil, err
		}
		w, err := r.Uint16("width")
		if err != nil {
			return nil, err
		}
		h, err := r.Uint16("height")
		if err != nil {
			return nil, err
		}
		m.Items[i] = VideoStreamItem{Codec: Codec(c), Width: w, Height: h}
	}
	return m, nil
}

func unmarshalShard(r *packet.Reader) (*VideoStreamDataShard, error) {
	var (
		s   VideoStreamDataShard
		err error
	)
	if s.StreamIndex, err = r.Uint8("stream_index"); err != nil {
		return nil, err
	}
	if s.FrameIndex, err = r.Uint64("frame_index"); err != nil {
		return nil, err
	}
	if s.ShardIndex, err = r.Uint16("shard_index"); err != nil {
		return nil, err
	}
	flags, err := r.Uint8("flags")
	if err != nil {
		return nil, err
	}
	s.Flags = flags & flagMask

	if flags&hasTiming != 0 {
		var t TimingInfo
		for _, f := range []*int64{&t.EncodeBegin, &t.EncodeEnd, &t.SendBegin, &t.SendEnd} {
			if *f, err = r.Int64("timing"); err != nil {
				return nil, err
			}
		}
		s.Timing = &t
	}
	if flags&hasView != 0 {
		var v ViewInfo
		if v.DisplayTime, err = r.Int64("display_time"); err != nil {
			return nil, err
		}
		for i := range v.Pose {
			p := &v.Pose[i]
			if err := readFloats(r, "orientation", p.Orientation[:]); err != nil {
				return nil, err
			}
			if err := readFloats(r, "position", p.Position[:]); err != nil {
				return nil, err
			}
		}
		for i := range v.Fov {
			f := &v.Fov[i]
			for _, a := range []*float32{&f.AngleLeft, &f.AngleRight, &f.AngleUp, &f.AngleDown} {
				if *a, err = r.Float32("fov"); err != nil {
					return nil, err
				}
			}
		}
		s.View = &v
	}
	s.Payload = r.Rest().Bytes()
	return &s, nil
}

func readFloats(r *packet.Reader, field string, dst []float32) error {
	for i := range dst {
		v, err := r.Float32(field)
		if err != nil {
			return err
		}
		dst[i] = v
	}
	return nil
}

func unmarshalFeedback(r *packet.Reader) (*Feedback, error) {
	var (
		f   Feedback
		err error
	)
	if f.FrameIndex, err = r.Uint64("frame_index"); err != nil {
		return nil, err
	}
	if f.StreamIndex, err = r.Uint8("stream_index"); err != nil {
		return nil, err
	}
	for _, v := range []*int64{&f.ReceivedFirstPacket, &f.ReceivedLastPacket, &f.SentToDecoder, &f.ReceivedFromDecoder, &f.DisplayTime} {
		if *v, err = r.Int64("timestamp"); err != nil {
			return nil, err
		}
	}
	if f.DataPackets, err = r.Uint16("data_packets"); err != nil {
		return nil, err
	}
	return &f, nil
}
