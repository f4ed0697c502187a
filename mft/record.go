/*
	Package mft provides functions to parse records and their attributes in an NTFS Master File Table ("MFT" for short)
	and to read the data of non-resident attributes.

	Basic usage

	First parse a record using mft.ParseRecord(), which parses the record header and the attribute headers. Then parse
	each attribute's data individually using the various mft.Parse...() functions, or open its data as a stream.
			// Error handling left out for brevity
			record, err := mft.ParseRecord(b)
			attrs := record.FindAttributes(mft.AttributeTypeData)
			r, err := mft.OpenAttribute(volume, attrs[0], bytesPerCluster)
*/
package mft

import (
	"bytes"
	"fmt"

	"github.com/t9t/rawfs/binutil"
)

var fileSignature = []byte{'F', 'I', 'L', 'E'}

const minRecordLength = 0x30

// A Record represents an MFT entry, excluding all technical data (such as "offset to first attribute"). The Attributes
// list only contains the attribute headers and raw data; the attribute data has to be parsed separately. When this is a
// base record, the BaseRecordReference will be zero. When it is an extension record, the BaseRecordReference points to
// the record's base record.
type Record struct {
	Signature             []byte
	FileReference         FileReference
	BaseRecordReference   FileReference
	LogFileSequenceNumber uint64
	HardLinkCount         int
	Flags                 RecordFlag
	ActualSize            uint32
	AllocatedSize         uint32
	NextAttributeId       int
	Attributes            []Attribute
}

// ParseRecord parses bytes into a Record after applying fixup. The data is assumed to be in Little Endian order. Only
// the attribute headers are parsed, not the actual attribute data. The input is not modified.
func ParseRecord(b []byte) (Record, error) {
	if len(b) < minRecordLength {
		return Record{}, fmt.Errorf("record data length should be at least %d but is %d", minRecordLength, len(b))
	}
	if !bytes.Equal(b[:4], fileSignature) {
		return Record{}, fmt.Errorf("unknown record signature: %# x", b[:4])
	}

	b, err := applyFixUp(binutil.Duplicate(b))
	if err != nil {
		return Record{}, fmt.Errorf("unable to apply fixup: %w", err)
	}

	r := binutil.NewLittleEndianReader(b)
	baseRecordRef, err := ParseFileReference(r.Read(0x20, 8))
	if err != nil {
		return Record{}, fmt.Errorf("unable to parse base record reference: %w", err)
	}

	firstAttributeOffset := int(r.Uint16(0x14))
	if firstAttributeOffset >= len(b) {
		return Record{}, fmt.Errorf("invalid first attribute offset %d (data length: %d)", firstAttributeOffset, len(b))
	}
	attributes, err := ParseAttributes(b[firstAttributeOffset:])
	if err != nil {
		return Record{}, err
	}

	return Record{
		Signature:             binutil.Duplicate(r.Read(0, 4)),
		FileReference:         FileReference{RecordNumber: uint64(r.Uint32(0x2C)), SequenceNumber: r.Uint16(0x10)},
		BaseRecordReference:   baseRecordRef,
		LogFileSequenceNumber: r.Uint64(0x08),
		HardLinkCount:         int(r.Uint16(0x12)),
		Flags:                 RecordFlag(r.Uint16(0x16)),
		ActualSize:            r.Uint32(0x18),
		AllocatedSize:         r.Uint32(0x1C),
		NextAttributeId:       int(r.Uint16(0x28)),
		Attributes:            attributes,
	}, nil
}

// IsBase reports whether the record is a base record rather than an extension of another record.
func (r *Record) IsBase() bool {
	return r.BaseRecordReference == FileReference{}
}

// FindAttributes returns all attributes of the specified type contained in this record. When no matches are found an
// empty slice is returned.
func (r *Record) FindAttributes(attrType AttributeType) []Attribute {
	ret := make([]Attribute, 0)
	for _, a := range r.Attributes {
		if a.Type == attrType {
			ret = append(ret, a)
		}
	}
	return ret
}

// A FileReference represents a reference to an MFT record.
type FileReference struct {
	RecordNumber   uint64
	SequenceNumber uint16
}

// ParseFileReference parses a Little Endian ordered 8-byte slice into a FileReference. The first 6 bytes indicate the
// record number, while the final 2 bytes indicate the sequence number.
func ParseFileReference(b []byte) (FileReference, error) {
	if len(b) != 8 {
		return FileReference{}, fmt.Errorf("expected 8 bytes but got %d", len(b))
	}
	r := binutil.NewLittleEndianReader(b)
	return FileReference{RecordNumber: r.Uint64(0) & 0xFFFFFFFFFFFF, SequenceNumber: r.Uint16(6)}, nil
}

// RecordFlag represents a bit mask flag indicating the status of the MFT record.
type RecordFlag uint16

// Bit values for the RecordFlag. For example, an in-use directory has value 0x0003.
const (
	RecordFlagInUse       RecordFlag = 0x0001
	RecordFlagIsDirectory RecordFlag = 0x0002
	RecordFlagInExtend    RecordFlag = 0x0004
	RecordFlagIsIndex     RecordFlag = 0x0008
)

// Is checks if this RecordFlag's bit mask contains the specified flag.
func (f *RecordFlag) Is(c RecordFlag) bool {
	return *f&c == c
}

// applyFixUp verifies and undoes the update sequence of a multi sector structure (FILE records and INDX blocks) in
// place. The last two bytes of every sector must hold the update sequence number; they are replaced by the original
// values kept in the update sequence array. The offset and size of the array are read from the structure header.
func applyFixUp(b []byte) ([]byte, error) {
	r := binutil.NewLittleEndianReader(b)
	offset := int(r.Uint16(0x04))
	count := int(r.Uint16(0x06)) // update sequence number plus one entry per sector, in 16-bit words
	if count < 2 {
		return nil, fmt.Errorf("update sequence should have at least 2 entries but has %d", count)
	}
	if offset+count*2 > len(b) {
		return nil, fmt.Errorf("update sequence at %d with %d entries exceeds data length %d", offset, count, len(b))
	}

	usn := r.Read(offset, 2)
	usa := r.Read(offset+2, (count-1)*2)
	sectors := count - 1
	sectorSize := len(b) / sectors
	if sectorSize < 2 || sectorSize*sectors != len(b) {
		return nil, fmt.Errorf("data length %d does not divide into %d sectors", len(b), sectors)
	}

	for i := 1; i <= sectors; i++ {
		pos := sectorSize*i - 2
		if !bytes.Equal(usn, b[pos:pos+2]) {
			return nil, fmt.Errorf("update sequence mismatch at pos %d", pos)
		}
	}
	for i := 0; i < sectors; i++ {
		pos := sectorSize*(i+1) - 2
		copy(b[pos:pos+2], usa[i*2:i*2+2])
	}
	return b, nil
}
