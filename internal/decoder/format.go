package decoder

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

// FormatDescription describes a coded video format, derived from one
// complete set of parameter sets. It is immutable once built.
type FormatDescription struct {
	Codec       protocol.Codec
	Width       int
	Height      int
	CodecString string
	// Config is the ISO 14496-15 decoder configuration record
	// (avcC or hvcC) with 4-byte unit lengths.
	Config []byte
	// ParameterSets holds the sets the description was derived from, in
	// VPS, SPS, PPS order.
	ParameterSets [][]byte
}

// NewFormatDescription derives a format description from the parameter
// sets codec requires, in chain order.
func NewFormatDescription(codec protocol.Codec, sets [][]byte) (*FormatDescription, error) {
	f := &FormatDescription{Codec: codec, ParameterSets: sets}
	switch codec {
	case protocol.CodecH264:
		if len(sets) != 2 {
			return nil, fmt.Errorf("%w: h264 needs sps and pps", ErrMalformedFrame)
		}
		sps, err := ParseAVCSPS(sets[0])
		if err != nil {
			return nil, fmt.Errorf("parse sps: %w", err)
		}
		f.Width, f.Height, f.CodecString = sps.Width, sps.Height, sps.CodecString()
		f.Config = buildAVCC(sets[0], sets[1])
	case protocol.CodecH265:
		if len(sets) != 3 {
			return nil, fmt.Errorf("%w: h265 needs vps, sps and pps", ErrMalformedFrame)
		}
		sps, err := ParseHEVCSPS(sets[1])
		if err != nil {
			return nil, fmt.Errorf("parse sps: %w", err)
		}
		f.Width, f.Height, f.CodecString = sps.Width, sps.Height, sps.CodecString()
		f.Config = buildHVCC(sps, sets[0], sets[1], sets[2])
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
	}
	if f.Config == nil {
		return nil, fmt.Errorf("%w: parameter sets too short", ErrMalformedFrame)
	}
	return f, nil
}

// derivedFrom reports whether f was built from exactly these sets.
func (f *FormatDescription) derivedFrom(sets [][]byte) bool {
	if len(sets) != len(f.ParameterSets) {
		return false
	}
	for i := range sets {
		if !bytes.Equal(sets[i], f.ParameterSets[i]) {
			return false
		}
	}
	return true
}

func appendUnit16(buf, unit []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(unit)))
	return append(buf, unit...)
}

// buildAVCC builds an AVCDecoderConfigurationRecord, ISO 14496-15
// 5.2.4.1.1.
func buildAVCC(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xff,   // lengthSizeMinusOne = 3
		0xe1,   // one SPS
	)
	buf = appendUnit16(buf, sps)
	buf = append(buf, 1) // one PPS
	return appendUnit16(buf, pps)
}

// buildHVCC builds an HEVCDecoderConfigurationRecord, ISO 14496-15
// 8.3.3.1.2.
func buildHVCC(info HEVCSPS, vps, sps, pps []byte) []byte {
	if len(vps) == 0 || len(sps) < 4 || len(pps) == 0 {
		return nil
	}
	buf := make([]byte, 0, 23+3*5+len(vps)+len(sps)+len(pps))
	buf = append(buf, 1, info.TierFlag<<5|info.ProfileIDC)
	buf = binary.BigEndian.AppendUint32(buf, info.ProfileCompatibilityFlags)
	for i := 5; i >= 0; i-- {
		buf = append(buf, byte(info.ConstraintIndicatorFlags>>(i*8)))
	}
	buf = append(buf, info.LevelIDC)
	buf = append(buf, 0xf0, 0x00) // min_spatial_segmentation_idc
	buf = append(buf, 0xfc)       // parallelismType
	buf = append(buf, 0xfc|info.ChromaFormatIDC&3)
	buf = append(buf, 0xf8|info.BitDepthLumaMinus8&7, 0xf8|info.BitDepthChromaMinus8&7)
	buf = append(buf, 0x00, 0x00) // avgFrameRate
	buf = append(buf, 0x0f)       // 1 temporal layer, nested, 4-byte lengths
	buf = append(buf, 3)          // numOfArrays
	for i, unit := range [][]byte{vps, sps, pps} {
		buf = append(buf, byte(HEVCNALVPS+i), 0x00, 0x01)
		buf = appendUnit16(buf, unit)
	}
	return buf
}
