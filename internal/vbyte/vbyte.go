// Package vbyte implements variable-byte integer coding: 7 data bits per
// byte, most significant bit set on all bytes except the last.
package vbyte

import (
	"io"

	"golang.org/x/xerrors"
)

// MaxLen32 and MaxLen64 are the largest number of bytes a single encoded
// value can occupy.
const (
	MaxLen32 = 5
	MaxLen64 = 10
)

// PutUint32 appends the encoding of v to b and returns the extended slice.
func PutUint32(b []byte, v uint32) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// PutUint64 appends the encoding of v to b and returns the extended slice.
func PutUint64(b []byte, v uint64) []byte {
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// Uint32 decodes a value from the start of b. It returns the value and the
// number of bytes consumed, or n == 0 if b does not hold a complete value.
func Uint32(b []byte) (v uint32, n int) {
	var shift uint
	for i, c := range b {
		if i >= MaxLen32 {
			return 0, 0
		}
		v |= uint32(c&0x7F) << shift
		if c < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// Uint64 decodes a value from the start of b. It returns the value and the
// number of bytes consumed, or n == 0 if b does not hold a complete value.
func Uint64(b []byte) (v uint64, n int) {
	var shift uint
	for i, c := range b {
		if i >= MaxLen64 {
			return 0, 0
		}
		v |= uint64(c&0x7F) << shift
		if c < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// WriteUint32 writes the encoding of v to w and returns the number of bytes
// written.
func WriteUint32(w io.ByteWriter, v uint32) (int, error) {
	return WriteUint64(w, uint64(v))
}

// WriteUint64 writes the encoding of v to w and returns the number of bytes
// written.
func WriteUint64(w io.ByteWriter, v uint64) (int, error) {
	n := 0
	for v >= 0x80 {
		if err := w.WriteByte(byte(v) | 0x80); err != nil {
			return n, err
		}
		n++
		v >>= 7
	}
	if err := w.WriteByte(byte(v)); err != nil {
		return n, err
	}
	return n + 1, nil
}

// ReadUint32 reads a single encoded value from r.
func ReadUint32(r io.ByteReader) (uint32, error) {
	v, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if v > 0xFFFFFFFF {
		return 0, xerrors.New("vbyte: value overflows uint32")
	}
	return uint32(v), nil
}

// ReadUint64 reads a single encoded value from r.
func ReadUint64(r io.ByteReader) (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < MaxLen64; i++ {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(c&0x7F) << shift
		if c < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, xerrors.New("vbyte: encoding longer than 10 bytes")
}
