// Package utf16 decodes the UTF-16 names stored in file system structures.
package utf16

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/pkg/errors"
)

// ErrOddLength is returned for data that does not consist of whole 16 bit code units.
var ErrOddLength = errors.New("UTF-16 data length should be a multiple of 2")

// DecodeString decodes b as UTF-16 in byte order bo. Unpaired surrogates, which Windows accepts in file names, decode
// to U+FFFD.
func DecodeString(b []byte, bo binary.ByteOrder) (string, error) {
	units, err := codeUnits(b, bo)
	if err != nil {
		return "", err
	}
	return string(utf16.Decode(units)), nil
}

// DecodeName decodes a little endian name field of an on-disk structure. A name shorter than its field is padded with
// NUL code units; decoding stops at the first one.
func DecodeName(b []byte) (string, error) {
	units, err := codeUnits(b, binary.LittleEndian)
	if err != nil {
		return "", err
	}
	for i, u := range units {
		if u == 0 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units)), nil
}

func codeUnits(b []byte, bo binary.ByteOrder) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, errors.Wrapf(ErrOddLength, "got %d bytes", len(b))
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = bo.Uint16(b[i*2:])
	}
	return units, nil
}
