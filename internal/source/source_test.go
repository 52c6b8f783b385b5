package source

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcelyte/WiVRn/internal/protocol"
)

var (
	sps = []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50, 0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04,
		0x6a, 0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80, 0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}
	pps        = []byte{0x68, 0xeb, 0xe3, 0xcb, 0x22, 0xc0}
	idr        = []byte{0x65, 0x88, 0x84, 0x21, 0xa0}
	pSlice     = []byte{0x41, 0x9a, 0x02, 0x1c}
	pSecond    = []byte{0x41, 0x40, 0x11}
	aud        = []byte{0x09, 0xf0}
	hevcVPS    = []byte{0x40, 0x01, 0x0c, 0x01, 0xff, 0xff}
	hevcIDR    = []byte{0x26, 0x01, 0xaf, 0x09, 0x40}
	hevcTrail  = []byte{0x02, 0x01, 0xd0, 0x11}
	hevcTrail2 = []byte{0x02, 0x01, 0x50, 0x22}
)

// stream mixes 3-byte and 4-byte start codes and trailing zero bytes.
func stream() []byte {
	var b []byte
	b = append(b, 0, 0, 0, 1)
	b = append(b, sps...)
	b = append(b, 0, 0, 1)
	b = append(b, pps...)
	b = append(b, 0, 0, 0, 1)
	b = append(b, idr...)
	b = append(b, 0, 0) // trailing zeros
	b = append(b, 0, 0, 0, 1)
	b = append(b, aud...)
	b = append(b, 0, 0, 1)
	b = append(b, pSlice...)
	b = append(b, 0, 0, 1)
	b = append(b, pSecond...)
	b = append(b, 0, 0, 0, 1)
	b = append(b, pSlice...)
	return b
}

func annexB(units ...[]byte) []byte {
	var b []byte
	for _, u := range units {
		b = append(b, 0, 0, 0, 1)
		b = append(b, u...)
	}
	return b
}

func TestSplitUnits(t *testing.T) {
	t.Parallel()

	units := SplitUnits(protocol.CodecH264, stream())
	require.Len(t, units, 7)
	assert.Equal(t, byte(7), units[0].Type)
	assert.Equal(t, pps, units[1].Data)
	assert.Equal(t, idr, units[2].Data, "trailing zeros are not part of the unit")
	assert.Equal(t, byte(9), units[3].Type)
	assert.Equal(t, byte(1), units[6].Type)
}

func TestSplitUnitsShortInput(t *testing.T) {
	t.Parallel()

	assert.Empty(t, SplitUnits(protocol.CodecH264, nil))
	assert.Empty(t, SplitUnits(protocol.CodecH264, []byte{0, 0, 1}))
	assert.Empty(t, SplitUnits(protocol.CodecH265, []byte{0, 0, 1, 0x40}))
}

func TestGroupAccessUnitsAVC(t *testing.T) {
	t.Parallel()

	aus := GroupAccessUnits(protocol.CodecH264, SplitUnits(protocol.CodecH264, stream()))
	require.Len(t, aus, 3)

	assert.True(t, aus[0].Keyframe)
	assert.Equal(t, 3, aus[0].Units)
	assert.Equal(t, annexB(sps, pps, idr), aus[0].Data)

	assert.False(t, aus[1].Keyframe)
	assert.Equal(t, annexB(aud, pSlice, pSecond), aus[1].Data)

	assert.Equal(t, annexB(pSlice), aus[2].Data)
}

func TestGroupAccessUnitsHEVC(t *testing.T) {
	t.Parallel()

	data := annexB(hevcVPS, hevcIDR, hevcTrail, hevcTrail2, hevcTrail)
	aus := GroupAccessUnits(protocol.CodecH265, SplitUnits(protocol.CodecH265, data))
	require.Len(t, aus, 3)
	assert.True(t, aus[0].Keyframe)
	assert.Equal(t, 2, aus[1].Units)
	assert.False(t, aus[2].Keyframe)
}

func TestShards(t *testing.T) {
	t.Parallel()

	au := AccessUnit{Data: bytes.Repeat([]byte{0xab}, 2500)}
	timing := &protocol.TimingInfo{EncodeBegin: 1}
	view := &protocol.ViewInfo{DisplayTime: 2}

	shards := Shards(au, 2, 9, 1000, timing, view)
	require.Len(t, shards, 3)

	var joined []byte
	for i, sh := range shards {
		assert.Equal(t, uint8(2), sh.StreamIndex)
		assert.Equal(t, uint64(9), sh.FrameIndex)
		assert.Equal(t, uint16(i), sh.ShardIndex)
		joined = append(joined, sh.Payload...)
	}
	assert.Equal(t, au.Data, joined)
	assert.Len(t, shards[2].Payload, 500)

	assert.Equal(t, protocol.StartOfSlice, shards[0].Flags)
	assert.Same(t, view, shards[0].View)
	assert.Nil(t, shards[0].Timing)
	assert.Zero(t, shards[1].Flags)
	assert.Equal(t, protocol.EndOfSlice|protocol.EndOfFrame, shards[2].Flags)
	assert.Same(t, timing, shards[2].Timing)
}

func TestShardsSingle(t *testing.T) {
	t.Parallel()

	shards := Shards(AccessUnit{Data: annexB(idr)}, 0, 1, 0, nil, nil)
	require.Len(t, shards, 1)
	assert.Equal(t, protocol.StartOfSlice|protocol.EndOfSlice|protocol.EndOfFrame, shards[0].Flags)
	assert.Empty(t, Shards(AccessUnit{}, 0, 1, 0, nil, nil))
}

func TestOpenFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stream.h264")
	require.NoError(t, os.WriteFile(path, stream(), 0o600))

	f, err := Open(path, protocol.CodecH264, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, f.Len())

	w, h := f.Size()
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	item, err := f.Item(0, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.VideoStreamItem{Codec: protocol.CodecH264, Width: 1280, Height: 720}, item)

	item, err = f.Item(640, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(640), item.Width)

	// Next wraps around.
	first := f.Next()
	f.Next()
	f.Next()
	assert.Equal(t, first.Data, f.Next().Data)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte{1, 2, 3}, protocol.CodecH264, nil)
	assert.ErrorIs(t, err, ErrNoAccessUnits)

	_, err = Open(filepath.Join(t.TempDir(), "absent"), protocol.CodecH264, nil)
	assert.Error(t, err)

	f, err := Parse(annexB(pSlice), protocol.CodecH264, nil)
	require.NoError(t, err)
	_, err = f.Item(0, 0)
	assert.Error(t, err, "no sequence parameter set to take the size from")
}
