package protocol

import (
	"fmt"
	"strings"
)

// Message type tags.
const (
	TypeHandshakeToHeadset     uint64 = 0x01
	TypeHandshakeFromHeadset   uint64 = 0x02
	TypeHeadsetInfo            uint64 = 0x03
	TypeVideoStreamDescription uint64 = 0x04
	TypeVideoStreamDataShard   uint64 = 0x10
	TypeFeedback               uint64 = 0x11
)

// Message is implemented by every protocol message.
type Message interface {
	Type() uint64
}

// Codec identifies a video compression standard.
type Codec uint8

const (
	CodecH264 Codec = iota
	CodecH265
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a codec name to its identifier. "avc" and "hevc" are
// accepted as aliases.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "h264", "avc":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	default:
		return 0, fmt.Errorf("protocol: unknown codec %q", s)
	}
}

// HandshakeToHeadset announces the server's stream port. StreamPort is -1
// when the session runs over the reliable channel only. The server sends
// it again, unchanged, to confirm the handshake.
type HandshakeToHeadset struct {
	StreamPort int32
}

// HandshakeFromHeadset is the client's reply. Over UDP it proves the
// datagram path works; over TCP it requests a TCP-only session.
type HandshakeFromHeadset struct{}

// HeadsetInfo advertises the decoding capabilities of the client.
type HeadsetInfo struct {
	SupportedCodecs []Codec
}

// VideoStreamItem describes one video stream.
type VideoStreamItem struct {
	Codec  Codec
	Width  uint16
	Height uint16
}

// VideoStreamDescription lists the streams the server will send, indexed
// by position.
type VideoStreamDescription struct {
	Items []VideoStreamItem
}

// Shard flags.
const (
	StartOfSlice uint8 = 1 << 0
	EndOfSlice   uint8 = 1 << 1
	EndOfFrame   uint8 = 1 << 2

	flagMask  = StartOfSlice | EndOfSlice | EndOfFrame
	hasTiming = 1 << 6
	hasView   = 1 << 7
)

// TimingInfo carries server-side timestamps for a frame, in nanoseconds.
type TimingInfo struct {
	EncodeBegin int64
	EncodeEnd   int64
	SendBegin   int64
	SendEnd     int64
}

// Pose is a rigid transform: an orientation quaternion and a position.
type Pose struct {
	Orientation [4]float32
	Position    [3]float32
}

// Fov holds field of view half-angles in radians.
type Fov struct {
	AngleLeft  float32
	AngleRight float32
	AngleUp    float32
	AngleDown  float32
}

// ViewInfo describes the predicted display time and per-eye views a frame
// was rendered for.
type ViewInfo struct {
	DisplayTime int64
	Pose        [2]Pose
	Fov         [2]Fov
}

// VideoStreamDataShard carries one fragment of an encoded frame. Timing
// and View are only set on the first shard of a frame.
type VideoStreamDataShard struct {
	StreamIndex uint8
	FrameIndex  uint64
	ShardIndex  uint16
	Flags       uint8
	Timing      *TimingInfo
	View        *ViewInfo
	Payload     []byte
}

// Feedback reports per-frame receive and decode timestamps back to the
// server, in nanoseconds.
type Feedback struct {
	FrameIndex          uint64
	StreamIndex         uint8
	ReceivedFirstPacket int64
	ReceivedLastPacket  int64
	SentToDecoder       int64
	ReceivedFromDecoder int64
	DisplayTime         int64
	DataPackets         uint16
}

func (HandshakeToHeadset) Type() uint64     { return TypeHandshakeToHeadset }
func (HandshakeFromHeadset) Type() uint64   { return TypeHandshakeFromHeadset }
func (HeadsetInfo) Type() uint64            { return TypeHeadsetInfo }
func (VideoStreamDescription) Type() uint64 { return TypeVideoStreamDescription }
func (VideoStreamDataShard) Type() uint64   { return TypeVideoStreamDataShard }
func (Feedback) Type() uint64               { return TypeFeedback }
