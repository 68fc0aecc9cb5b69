// Package binio reads the fixed-width little-endian primitives used by the
// legacy save format. Fields declared "unsigned long" in the legacy toolstack
// take their size from the word width of the host that produced the stream,
// so the reader carries that width as state.
package binio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrTruncated reports that the input ended before a complete field.
var ErrTruncated = errors.New("binio: input truncated")

// WordWidth is the size in bytes of an "unsigned long" on the toolstack that
// produced a legacy stream.
type WordWidth int

const (
	Width32 WordWidth = 4
	Width64 WordWidth = 8
)

// Valid reports whether w is one of the two supported legacy word widths.
func (w WordWidth) Valid() bool {
	return w == Width32 || w == Width64
}

// Ones returns the all-ones value of the width, used as a sentinel marker by
// the legacy format.
func (w WordWidth) Ones() uint64 {
	if w == Width32 {
		return 0xffffffff
	}
	return 0xffffffffffffffff
}

// Reader decodes little-endian primitives from an underlying stream.
type Reader struct {
	r     io.Reader
	width WordWidth
}

// NewReader wraps r with the given legacy word width.
func NewReader(r io.Reader, width WordWidth) *Reader {
	return &Reader{r: r, width: width}
}

// Width returns the configured legacy word width.
func (r *Reader) Width() WordWidth { return r.width }

// ReadExact reads exactly n bytes, failing with ErrTruncated if the stream
// ends first.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := r.ReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadFull fills buf from the stream, failing with ErrTruncated if the stream
// ends first.
func (r *Reader) ReadFull(buf []byte) error {
	got, err := io.ReadFull(r.r, buf)
	if err != nil {
		return fmt.Errorf("%w: wanted %d bytes, got %d", ErrTruncated, len(buf), got)
	}
	return nil
}

// ReadUint32 reads a fixed 32-bit unsigned value.
func (r *Reader) ReadUint32() (uint32, error) {
	var buf [4]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadInt32 reads a fixed 32-bit signed value.
func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

// ReadUint64 reads a fixed 64-bit unsigned value.
func (r *Reader) ReadUint64() (uint64, error) {
	var buf [8]byte
	if err := r.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadULong reads one legacy "unsigned long", sized by the configured width.
// 32-bit values are zero extended, never sign extended.
func (r *Reader) ReadULong() (uint64, error) {
	if r.width == Width32 {
		v, err := r.ReadUint32()
		return uint64(v), err
	}
	return r.ReadUint64()
}

// ReadULongs reads n legacy unsigned longs.
func (r *Reader) ReadULongs(n int) ([]uint64, error) {
	vals := make([]uint64, n)
	for i := range vals {
		v, err := r.ReadULong()
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}
