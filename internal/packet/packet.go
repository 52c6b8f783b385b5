// Package packet provides zero-copy views over received message bytes.
//
// A [Packet] references a byte range inside a receive buffer that may be
// shared by several packets, for example all datagrams returned by one
// batched receive. The backing allocation stays alive for as long as any
// packet cut from it is reachable. The zero Packet is the empty variant,
// meaning "no complete message available yet"; it is distinct from a
// packet of length zero.
package packet

import "fmt"

// Packet is a read-only view of one received message.
type Packet struct {
	buf []byte
	off int
	end int
}

// New returns a view of buf[off:off+n]. It panics if the range does not
// fit inside buf.
func New(buf []byte, off, n int) Packet {
	if off < 0 || n < 0 || off+n > len(buf) {
		panic(fmt.Sprintf("packet: range [%d:%d] out of bounds for buffer of %d bytes", off, off+n, len(buf)))
	}
	if buf == nil {
		buf = []byte{}
	}
	return Packet{buf: buf, off: off, end: off + n}
}

// FromBytes wraps b in a packet without copying.
func FromBytes(b []byte) Packet {
	return New(b, 0, len(b))
}

// Empty reports whether p is the empty variant.
func (p Packet) Empty() bool {
	return p.buf == nil
}

// Len returns the number of bytes in the view.
func (p Packet) Len() int {
	return p.end - p.off
}

// Bytes returns the viewed bytes. The returned slice has its capacity
// clipped to the view so appends never touch neighbouring messages.
func (p Packet) Bytes() []byte {
	if p.buf == nil {
		return nil
	}
	return p.buf[p.off:p.end:p.end]
}

// Slice returns a sub-view of p covering [from:to] relative to p.
func (p Packet) Slice(from, to int) Packet {
	if from < 0 || to < from || to > p.Len() {
		panic(fmt.Sprintf("packet: slice [%d:%d] out of bounds for packet of %d bytes", from, to, p.Len()))
	}
	return Packet{buf: p.buf, off: p.off + from, end: p.off + to}
}

// Reader returns a sequential field reader over p.
func (p Packet) Reader() *Reader {
	return &Reader{p: p}
}
