package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// H.264 NAL unit types, ITU-T H.264 Table 7-1.
const (
	AVCNALIDR = 5
	AVCNALSPS = 7
	AVCNALPPS = 8
)

// H.265 NAL unit types, ITU-T H.265 Table 7-1.
const (
	HEVCNALBlaWLP = 16
	HEVCNALCraNut = 21
	HEVCNALVPS    = 32
	HEVCNALSPS    = 33
	HEVCNALPPS    = 34
)

// ParamKind identifies a parameter set slot. Slots form a chain: storing
// one invalidates every slot after it.
type ParamKind int

const (
	ParamVPS ParamKind = iota
	ParamSPS
	ParamPPS
	paramKinds
	paramNone ParamKind = -1
)

func (k ParamKind) String() string {
	switch k {
	case ParamVPS:
		return "vps"
	case ParamSPS:
		return "sps"
	case ParamPPS:
		return "pps"
	default:
		return "none"
	}
}

// NALType extracts the codec-specific unit type from the first header
// byte.
func NALType(codec protocol.Codec, header byte) byte {
	if codec == protocol.CodecH265 {
		return (header >> 1) & 0x3f
	}
	return header & 0x1f
}

// classify maps a unit to its parameter set slot, or paramNone.
func classify(codec protocol.Codec, unit []byte) ParamKind {
	if len(unit) == 0 {
		return paramNone
	}
	t := NALType(codec, unit[0])
	if codec == protocol.CodecH265 {
		switch t {
		case HEVCNALVPS:
			return ParamVPS
		case HEVCNALSPS:
			return ParamSPS
		case HEVCNALPPS:
			return ParamPPS
		}
		return paramNone
	}
	switch t {
	case AVCNALSPS:
		return ParamSPS
	case AVCNALPPS:
		return ParamPPS
	}
	return paramNone
}

// IsKeyframe reports whether a unit type is a random access point.
func IsKeyframe(codec protocol.Codec, nalType byte) bool {
	if codec == protocol.CodecH265 {
		return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
	}
	return nalType == AVCNALIDR
}

var (
	startCode3 = []byte{0, 0, 1}
	startCode4 = []byte{0, 0, 0, 1}
)

// rewriteLengthPrefixed converts an Annex-B frame whose units are all
// preceded by 4-byte start codes into length-prefixed form in place. Each
// start code becomes the big-endian byte length of the unit after it.
// visit is called with every unit in order, after its prefix is written.
func rewriteLengthPrefixed(frame []byte, visit func(unit []byte)) error {
	if !bytes.HasPrefix(frame, startCode4) {
		return ErrMissingStartCode
	}
	for head := 0; head < len(frame); {
		body := head + len(startCode4)
		next := len(frame)
		if i := bytes.Index(frame[head+3:], startCode3); i >= 0 {
			next = head + 3 + i - 1
			if frame[next] != 0 {
				return fmt.Errorf("%w: 3-byte start code at offset %d", ErrMalformedFrame, next+1)
			}
		}
		binary.BigEndian.PutUint32(frame[head:], uint32(next-body))
		visit(frame[body:next])
		head = next
	}
	return nil
}

// forEachUnit walks a length-prefixed frame.
func forEachUnit(frame []byte, fn func(unit []byte)) error {
	for off := 0; off < len(frame); {
		if len(frame)-off < 4 {
			return fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, len(frame)-off)
		}
		n := int(binary.BigEndian.Uint32(frame[off:]))
		off += 4
		if n > len(frame)-off {
			return fmt.Errorf("%w: unit of %d bytes overruns frame", ErrMalformedFrame, n)
		}
		fn(frame[off : off+n])
		off += n
	}
	return nil
}
