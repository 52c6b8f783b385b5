package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/quic-go/quic-go/quicvarint"
)

// ParseError indicates a failure to read a message field. It records which
// field was being read and wraps the underlying error.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("packet: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reader reads little-endian fixed-width fields and QUIC varints from a
// packet in order. Byte-string reads return sub-views, never copies.
type Reader struct {
	p   Packet
	pos int
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return r.p.Len() - r.pos
}

func (r *Reader) take(field string, n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	b := r.p.Bytes()[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Uint8 reads one byte.
func (r *Reader) Uint8(field string) (uint8, error) {
	b, err := r.take(field, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Bool reads one byte and reports whether it is non-zero.
func (r *Reader) Bool(field string) (bool, error) {
	v, err := r.Uint8(field)
	return v != 0, err
}

// Uint16 reads a little-endian uint16.
func (r *Reader) Uint16(field string) (uint16, error) {
	b, err := r.take(field, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (r *Reader) Uint32(field string) (uint32, error) {
	b, err := r.take(field, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Int32 reads a little-endian int32.
func (r *Reader) Int32(field string) (int32, error) {
	v, err := r.Uint32(field)
	return int32(v), err
}

// Uint64 reads a little-endian uint64.
func (r *Reader) Uint64(field string) (uint64, error) {
	b, err := r.take(field, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Int64 reads a little-endian int64.
func (r *Reader) Int64(field string) (int64, error) {
	v, err := r.Uint64(field)
	return int64(v), err
}

// Float32 reads a little-endian IEEE 754 float.
func (r *Reader) Float32(field string) (float32, error) {
	v, err := r.Uint32(field)
	return math.Float32frombits(v), err
}

// Varint reads a QUIC variable-length integer.
func (r *Reader) Varint(field string) (uint64, error) {
	if r.Remaining() == 0 {
		return 0, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	v, n, err := quicvarint.Parse(r.p.Bytes()[r.pos:])
	if err != nil {
		return 0, &ParseError{Field: field, Err: err}
	}
	r.pos += n
	return v, nil
}

// Bytes reads a varint length followed by that many bytes, returned as a
// sub-view of the packet.
func (r *Reader) Bytes(field string) (Packet, error) {
	n, err := r.Varint(field)
	if err != nil {
		return Packet{}, err
	}
	if uint64(r.Remaining()) < n {
		return Packet{}, &ParseError{Field: field, Err: io.ErrUnexpectedEOF}
	}
	p := r.p.Slice(r.pos, r.pos+int(n))
	r.pos += int(n)
	return p, nil
}

// Rest returns the unread remainder as a sub-view and consumes it.
func (r *Reader) Rest() Packet {
	p := r.p.Slice(r.pos, r.p.Len())
	r.pos = r.p.Len()
	return p
}
