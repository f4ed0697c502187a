// Package binutil reads the little endian integers and byte ranges of on-disk structures from byte slices.
package binutil

import (
	"encoding/binary"
	"fmt"
)

// Duplicate returns a copy of in that does not share its backing array.
func Duplicate(in []byte) []byte {
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// IsOnlyZeroes reports whether every byte of data is zero. Empty data is all zeroes.
func IsOnlyZeroes(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// Uint decodes a little endian unsigned integer of 0 to 8 bytes, zero extending it to 64 bits. An empty slice yields
// zero.
func Uint(b []byte) (uint64, error) {
	if len(b) > 8 {
		return 0, fmt.Errorf("unsigned integer should be at most 8 bytes but is %d", len(b))
	}
	v := uint64(0)
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// Int decodes a little endian two's complement integer of 0 to 8 bytes. The sign is taken from the most significant
// byte actually present, so 0xFE decodes to -2 and 0xFE 0x00 decodes to 254. An empty slice yields zero.
func Int(b []byte) (int64, error) {
	u, err := Uint(b)
	if err != nil {
		return 0, err
	}
	if len(b) == 0 || len(b) == 8 {
		return int64(u), nil
	}
	shift := uint(64 - 8*len(b))
	return int64(u<<shift) >> shift, nil
}

// Uint12 decodes one of the two 12 bit values packed in the 16 bit little endian word b[0:2]. The even value of a pair
// is in the low 12 bits, the odd one in the high 12 bits.
func Uint12(b []byte, odd bool) uint16 {
	w := binary.LittleEndian.Uint16(b)
	if odd {
		return w >> 4
	}
	return w & 0x0FFF
}

// BinReader reads little endian values at offsets of a byte slice, so that a field at offset 0x2C of 4 bytes reads as
// Uint32(0x2C) instead of binary.LittleEndian.Uint32(b[0x2C:0x30]).
//
// Byte slices returned by a BinReader share the data of the reader. Offsets outside of the data panic; parsers check
// the length of their input first.
type BinReader struct {
	data []byte
}

// NewLittleEndianReader creates a BinReader over data without copying it.
func NewLittleEndianReader(data []byte) *BinReader {
	return &BinReader{data: data}
}

// Read returns length bytes starting at offset.
func (r *BinReader) Read(offset int, length int) []byte {
	return r.data[offset : offset+length]
}

// ReadFrom returns all data starting at offset.
func (r *BinReader) ReadFrom(offset int) []byte {
	return r.data[offset:]
}

// Byte returns the byte at offset.
func (r *BinReader) Byte(offset int) byte {
	return r.data[offset]
}

func (r *BinReader) Uint16(offset int) uint16 {
	return binary.LittleEndian.Uint16(r.Read(offset, 2))
}

func (r *BinReader) Uint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(r.Read(offset, 4))
}

func (r *BinReader) Uint64(offset int) uint64 {
	return binary.LittleEndian.Uint64(r.Read(offset, 8))
}
