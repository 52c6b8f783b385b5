package source

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rcelyte/WiVRn/internal/decoder"
	"github.com/rcelyte/WiVRn/internal/protocol"
)

// MaxShardPayload bounds the payload of one shard so that a shard with
// its header and view information fits an Ethernet MTU.
const MaxShardPayload = 1400

// ErrNoAccessUnits reports an input without any coded picture.
var ErrNoAccessUnits = errors.New("source: no access units in input")

// File is an elementary stream loaded in memory. It replays its access
// units in a loop.
type File struct {
	log   *slog.Logger
	codec protocol.Codec
	aus   []AccessUnit
	next  int
	width int
	// height of the first sequence parameter set, zero if unparsable.
	height int
}

// Open reads and groups the elementary stream at path.
func Open(path string, codec protocol.Codec, log *slog.Logger) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, codec, log)
}

// Parse groups an in-memory elementary stream.
func Parse(data []byte, codec protocol.Codec, log *slog.Logger) (*File, error) {
	if log == nil {
		log = slog.Default()
	}
	units := SplitUnits(codec, data)
	f := &File{
		log:   log.With("component", "source", "codec", codec.String()),
		codec: codec,
		aus:   GroupAccessUnits(codec, units),
	}
	if len(f.aus) == 0 {
		return nil, ErrNoAccessUnits
	}
	f.width, f.height = pictureSize(codec, units)
	keyframes := 0
	for _, au := range f.aus {
		if au.Keyframe {
			keyframes++
		}
	}
	f.log.Info("elementary stream loaded", "units", len(units), "access_units", len(f.aus), "keyframes", keyframes,
		"width", f.width, "height", f.height)
	return f, nil
}

func pictureSize(codec protocol.Codec, units []NALUnit) (int, int) {
	for _, u := range units {
		switch {
		case codec == protocol.CodecH264 && u.Type == decoder.AVCNALSPS:
			if info, err := decoder.ParseAVCSPS(u.Data); err == nil {
				return info.Width, info.Height
			}
		case codec == protocol.CodecH265 && u.Type == decoder.HEVCNALSPS:
			if info, err := decoder.ParseHEVCSPS(u.Data); err == nil {
				return info.Width, info.Height
			}
		}
	}
	return 0, 0
}

// Codec returns the stream codec.
func (f *File) Codec() protocol.Codec { return f.codec }

// Size returns the picture size found in the first sequence parameter
// set, or zeros.
func (f *File) Size() (int, int) { return f.width, f.height }

// Len returns the number of access units.
func (f *File) Len() int { return len(f.aus) }

// Item describes the stream for a VideoStreamDescription. Zero width or
// height fall back to the parsed picture size.
func (f *File) Item(width, height int) (protocol.VideoStreamItem, error) {
	if width == 0 {
		width = f.width
	}
	if height == 0 {
		height = f.height
	}
	if width <= 0 || width > 0xffff || height <= 0 || height > 0xffff {
		return protocol.VideoStreamItem{}, fmt.Errorf("source: invalid picture size %dx%d", width, height)
	}
	return protocol.VideoStreamItem{Codec: f.codec, Width: uint16(width), Height: uint16(height)}, nil
}

// Next returns the next access unit, wrapping to the first one after the
// last.
func (f *File) Next() AccessUnit {
	au := f.aus[f.next]
	f.next = (f.next + 1) % len(f.aus)
	return au
}

// Shards cuts an access unit into shards of at most maxPayload bytes. The
// first shard carries view, the last one timing and the end of frame flag.
// Payloads alias au.Data.
func Shards(au AccessUnit, stream uint8, frame uint64, maxPayload int, timing *protocol.TimingInfo, view *protocol.ViewInfo) []*protocol.VideoStreamDataShard {
	if maxPayload <= 0 {
		maxPayload = MaxShardPayload
	}
	count := (len(au.Data) + maxPayload - 1) / maxPayload
	shards := make([]*protocol.VideoStreamDataShard, 0, count)
	for off := 0; off < len(au.Data); off += maxPayload {
		end := min(off+maxPayload, len(au.Data))
		shards = append(shards, &protocol.VideoStreamDataShard{
			StreamIndex: stream,
			FrameIndex:  frame,
			ShardIndex:  uint16(len(shards)),
			Payload:     au.Data[off:end],
		})
	}
	if len(shards) == 0 {
		return nil
	}
	shards[0].Flags |= protocol.StartOfSlice
	shards[0].View = view
	last := shards[len(shards)-1]
	last.Flags |= protocol.EndOfSlice | protocol.EndOfFrame
	last.Timing = timing
	return shards
}
