package decoder

import (
	"fmt"
	"math/bits"
)

// AVCSPS holds the fields of an H.264 sequence parameter set needed to
// describe the decoded picture.
type AVCSPS struct {
	Width           int
	Height          int
	ProfileIDC      byte
	ConstraintFlags byte
	LevelIDC        byte
}

// CodecString returns the RFC 6381 codec parameter, e.g. "avc1.64001F".
func (s AVCSPS) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// highProfiles carry chroma format and scaling matrices in the SPS.
var highProfiles = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseAVCSPS parses an H.264 SPS NAL unit, header byte included and
// start code excluded.
func ParseAVCSPS(nal []byte) (AVCSPS, error) {
	if len(nal) < 4 {
		return AVCSPS{}, errTruncated
	}
	br := &bitReader{data: unescape(nal[1:])}

	profile := br.u(8)
	info := AVCSPS{
		ProfileIDC:      byte(profile),
		ConstraintFlags: byte(br.u(8)),
		LevelIDC:        byte(br.u(8)),
	}
	br.ue() // seq_parameter_set_id

	chroma, separatePlanes := uint(1), false
	if highProfiles[profile] {
		chroma = br.ue()
		if chroma == 3 {
			separatePlanes = br.flag()
		}
		br.ue() // bit_depth_luma_minus8
		br.ue() // bit_depth_chroma_minus8
		br.u(1) // qpprime_y_zero_transform_bypass_flag
		if br.flag() {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if !br.flag() {
					continue
				}
				if i < 6 {
					br.skipScalingList(16)
				} else {
					br.skipScalingList(64)
				}
			}
		}
	}

	br.ue() // log2_max_frame_num_minus4
	switch br.ue() {
	case 0:
		br.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		br.u(1)
		br.se()
		br.se()
		n := br.ue()
		for i := uint(0); i < n && br.err == nil; i++ {
			br.se()
		}
	}
	br.ue() // max_num_ref_frames
	br.u(1) // gaps_in_frame_num_value_allowed_flag

	widthMbs := br.ue() + 1
	heightUnits := br.ue() + 1
	frameMbsOnly := br.u(1)
	if frameMbsOnly == 0 {
		br.u(1) // mb_adaptive_frame_field_flag
	}
	br.u(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if br.flag() {
		cropLeft, cropRight, cropTop, cropBottom = br.ue(), br.ue(), br.ue(), br.ue()
	}
	if br.err != nil {
		return AVCSPS{}, br.err
	}

	subW, subH := uint(2), uint(2)
	switch {
	case separatePlanes || chroma == 0 || chroma == 3:
		subW, subH = 1, 1
	case chroma == 2:
		subH = 1
	}
	cropX := subW
	cropY := subH * (2 - frameMbsOnly)

	info.Width = int(widthMbs*16 - cropX*(cropLeft+cropRight))
	info.Height = int(heightUnits*16*(2-frameMbsOnly) - cropY*(cropTop+cropBottom))
	return info, nil
}

// HEVCSPS holds the fields of an H.265 sequence parameter set needed to
// describe the decoded picture and build a decoder configuration record.
type HEVCSPS struct {
	Width      int
	Height     int
	ProfileIDC byte
	TierFlag   byte
	LevelIDC   byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIDC      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter, e.g. "hev1.1.6.L93.B0".
func (s HEVCSPS) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}
	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, bits.Reverse32(s.ProfileCompatibilityFlags), tier, s.LevelIDC)

	var constraints [6]byte
	last := -1
	for i := range constraints {
		constraints[i] = byte(s.ConstraintIndicatorFlags >> ((5 - i) * 8))
		if constraints[i] != 0 {
			last = i
		}
	}
	for i := 0; i <= last; i++ {
		codec += fmt.Sprintf(".%X", constraints[i])
	}
	return codec
}

// ParseHEVCSPS parses an H.265 SPS NAL unit, 2-byte header included and
// start code excluded.
func ParseHEVCSPS(nal []byte) (HEVCSPS, error) {
	if len(nal) < 4 {
		return HEVCSPS{}, errTruncated
	}
	br := &bitReader{data: unescape(nal[2:])}

	br.u(4) // sps_video_parameter_set_id
	subLayers := br.u(3)
	br.u(1) // sps_temporal_id_nesting_flag

	var info HEVCSPS
	readProfileTierLevel(br, &info, subLayers)

	br.ue() // sps_seq_parameter_set_id
	chroma := br.ue()
	if chroma == 3 {
		br.u(1) // separate_colour_plane_flag
	}
	info.ChromaFormatIDC = byte(chroma)
	info.Width = int(br.ue())
	info.Height = int(br.ue())
	if br.err != nil {
		return HEVCSPS{}, br.err
	}

	if br.flag() {
		left, right, top, bottom := br.ue(), br.ue(), br.ue(), br.ue()
		subW, subH := uint(1), uint(1)
		switch chroma {
		case 1:
			subW, subH = 2, 2
		case 2:
			subW = 2
		}
		if br.err == nil {
			info.Width -= int((left + right) * subW)
			info.Height -= int((top + bottom) * subH)
		}
	}
	info.BitDepthLumaMinus8 = byte(br.ue())
	info.BitDepthChromaMinus8 = byte(br.ue())

	// The trailing fields are informative; a short SPS still yields the
	// picture size.
	return info, nil
}

func readProfileTierLevel(br *bitReader, info *HEVCSPS, subLayers uint) {
	br.u(2) // general_profile_space
	info.TierFlag = byte(br.u(1))
	info.ProfileIDC = byte(br.u(5))
	info.ProfileCompatibilityFlags = uint32(br.u(32))
	info.ConstraintIndicatorFlags = uint64(br.u(24))<<24 | uint64(br.u(24))
	info.LevelIDC = byte(br.u(8))

	if subLayers == 0 {
		return
	}
	var profilePresent, levelPresent [8]bool
	for i := uint(0); i < subLayers; i++ {
		profilePresent[i] = br.flag()
		levelPresent[i] = br.flag()
	}
	for i := subLayers; i < 8; i++ {
		br.u(2) // reserved_zero_2bits
	}
	for i := uint(0); i < subLayers; i++ {
		if profilePresent[i] {
			br.u(32)
			br.u(32)
			br.u(24)
		}
		if levelPresent[i] {
			br.u(8)
		}
	}
}
