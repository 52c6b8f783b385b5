package decoder

import "errors"

var errTruncated = errors.New("parameter set truncated")

// bitReader reads big-endian bit fields from an RBSP. The first read past
// the end sets err; later reads return zero, so callers check err once
// after a run of fields.
type bitReader struct {
	data []byte
	pos  int
	err  error
}

func (br *bitReader) u(n int) uint {
	var v uint
	for i := 0; i < n; i++ {
		if br.err != nil {
			return 0
		}
		if br.pos>>3 >= len(br.data) {
			br.err = errTruncated
			return 0
		}
		bit := (br.data[br.pos>>3] >> (7 - (br.pos & 7))) & 1
		v = v<<1 | uint(bit)
		br.pos++
	}
	return v
}

func (br *bitReader) flag() bool {
	return br.u(1) == 1
}

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() uint {
	zeros := 0
	for br.u(1) == 0 {
		if br.err != nil {
			return 0
		}
		zeros++
		if zeros > 31 {
			br.err = errTruncated
			return 0
		}
	}
	if zeros == 0 {
		return 0
	}
	return (1 << zeros) - 1 + br.u(zeros)
}

// se reads a signed Exp-Golomb code.
func (br *bitReader) se() int {
	v := br.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int((v + 1) / 2)
}

func (br *bitReader) skipScalingList(size int) {
	last, next := 8, 8
	for j := 0; j < size && br.err == nil; j++ {
		if next != 0 {
			next = (last + br.se() + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
}

// unescape strips emulation prevention bytes (00 00 03) from a NAL payload.
func unescape(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
