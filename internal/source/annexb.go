// Package source reads an Annex-B elementary stream from disk and cuts it
// into access units and video shards for the server side of a session.
package source

import (
	"bytes"

	"github.com/rcelyte/WiVRn/internal/decoder"
	"github.com/rcelyte/WiVRn/internal/protocol"
)

// NALUnit is one unit of an elementary stream.
type NALUnit struct {
	Type byte   // codec-specific unit type
	Data []byte // unit bytes including the header, without start code
}

// AccessUnit is the set of units making up one coded picture, re-emitted
// with 4-byte start codes.
type AccessUnit struct {
	Data     []byte
	Units    int
	Keyframe bool
}

// H.264 and H.265 unit types that only matter for access unit grouping.
const (
	avcNALSEI = 6
	avcNALAUD = 9

	hevcNALAUD       = 35
	hevcNALPrefixSEI = 39
)

// SplitUnits scans an Annex-B byte stream for start codes and extracts its
// units. Both 3-byte and 4-byte start codes are recognized. Trailing zero
// bytes before a start code are not part of the unit.
func SplitUnits(codec protocol.Codec, data []byte) []NALUnit {
	minBytes := 1
	if codec == protocol.CodecH265 {
		minBytes = 2
	}

	var starts []int
	for i := 0; i+2 < len(data); {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			starts = append(starts, i+3)
			i += 3
			continue
		}
		i++
	}

	var units []NALUnit
	for idx, start := range starts {
		end := len(data)
		if idx+1 < len(starts) {
			end = starts[idx+1] - 3
		}
		unit := bytes.TrimRight(data[start:end], "\x00")
		if len(unit) < minBytes {
			continue
		}
		units = append(units, NALUnit{Type: decoder.NALType(codec, unit[0]), Data: unit})
	}
	return units
}

func isVCL(codec protocol.Codec, t byte) bool {
	if codec == protocol.CodecH265 {
		return t < 32
	}
	return t >= 1 && t <= 5
}

// opensAccessUnit reports whether a non-VCL unit may only appear before
// the first slice of an access unit.
func opensAccessUnit(codec protocol.Codec, t byte) bool {
	if codec == protocol.CodecH265 {
		return t == decoder.HEVCNALVPS || t == decoder.HEVCNALSPS || t == decoder.HEVCNALPPS ||
			t == hevcNALAUD || t == hevcNALPrefixSEI
	}
	return t == avcNALSEI || t == decoder.AVCNALSPS || t == decoder.AVCNALPPS || t == avcNALAUD
}

// firstSlice reports whether a VCL unit begins a new picture: in H.264
// first_mb_in_slice is zero, in H.265 first_slice_segment_in_pic_flag is
// set. Both show as the top bit of the byte after the header.
func firstSlice(codec protocol.Codec, unit []byte) bool {
	off := 1
	if codec == protocol.CodecH265 {
		off = 2
	}
	return len(unit) > off && unit[off]&0x80 != 0
}

// GroupAccessUnits collects units into access units. A new access unit
// starts at a unit that opens one, or at a first slice, once the current
// one holds a slice.
func GroupAccessUnits(codec protocol.Codec, units []NALUnit) []AccessUnit {
	var (
		aus      []AccessUnit
		cur      AccessUnit
		hasSlice bool
	)
	flush := func() {
		if cur.Units > 0 {
			aus = append(aus, cur)
		}
		cur, hasSlice = AccessUnit{}, false
	}

	for _, u := range units {
		vcl := isVCL(codec, u.Type)
		if hasSlice && ((!vcl && opensAccessUnit(codec, u.Type)) || (vcl && firstSlice(codec, u.Data))) {
			flush()
		}
		cur.Data = append(cur.Data, 0, 0, 0, 1)
		cur.Data = append(cur.Data, u.Data...)
		cur.Units++
		if vcl {
			hasSlice = true
			cur.Keyframe = cur.Keyframe || decoder.IsKeyframe(codec, u.Type)
		}
	}
	flush()
	return aus
}
