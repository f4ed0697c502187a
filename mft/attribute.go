package mft

import (
	"bytes"
	"fmt"
	"io"

	"github.com/t9t/rawfs/binutil"
	"github.com/t9t/rawfs/fragment"
	"github.com/t9t/rawfs/utf16"
)

const maxInt = int64(^uint(0) >> 1)

// Attribute represents an MFT record attribute header and its corresponding raw attribute Data (excluding header data).
// When the attribute is Resident, the Data contains the actual attribute's data. When the attribute is non-resident,
// the Data contains the data runs pointing to the actual data; use OpenAttribute to read it.
type Attribute struct {
	Type          AttributeType
	Resident      bool
	Name          string
	Flags         AttributeFlags
	AttributeId   int
	StartingVCN   uint64
	AllocatedSize uint64
	ActualSize    uint64
	Data          []byte
}

// AttributeType represents the type of an Attribute. Use Name() to get the attribute type's name.
type AttributeType uint32

// Known values for AttributeType. Note that other values might occur too.
const (
	AttributeTypeStandardInformation AttributeType = 0x10       // $STANDARD_INFORMATION; always resident
	AttributeTypeAttributeList       AttributeType = 0x20       // $ATTRIBUTE_LIST; mixed residency
	AttributeTypeFileName            AttributeType = 0x30       // $FILE_NAME; always resident
	AttributeTypeObjectId            AttributeType = 0x40       // $OBJECT_ID; always resident
	AttributeTypeSecurityDescriptor  AttributeType = 0x50       // $SECURITY_DESCRIPTOR; always resident?
	AttributeTypeVolumeName          AttributeType = 0x60       // $VOLUME_NAME; always resident?
	AttributeTypeVolumeInformation   AttributeType = 0x70       // $VOLUME_INFORMATION; never resident?
	AttributeTypeData                AttributeType = 0x80       // $DATA; mixed residency
	AttributeTypeIndexRoot           AttributeType = 0x90       // $INDEX_ROOT; always resident
	AttributeTypeIndexAllocation     AttributeType = 0xa0       // $INDEX_ALLOCATION; never resident?
	AttributeTypeBitmap              AttributeType = 0xb0       // $BITMAP; nearly always resident?
	AttributeTypeReparsePoint        AttributeType = 0xc0       // $REPARSE_POINT; always resident?
	AttributeTypeEAInformation       AttributeType = 0xd0       // $EA_INFORMATION; always resident
	AttributeTypeEA                  AttributeType = 0xe0       // $EA; nearly always resident?
	AttributeTypePropertySet         AttributeType = 0xf0       // $PROPERTY_SET
	AttributeTypeLoggedUtilityStream AttributeType = 0x100      // $LOGGED_UTILITY_STREAM; always resident
	AttributeTypeTerminator          AttributeType = 0xFFFFFFFF // Indicates the last attribute in a list; will not actually be returned by ParseAttributes
)

var attributeTypeNames = map[AttributeType]string{
	AttributeTypeStandardInformation: "$STANDARD_INFORMATION",
	AttributeTypeAttributeList:       "$ATTRIBUTE_LIST",
	AttributeTypeFileName:            "$FILE_NAME",
	AttributeTypeObjectId:            "$OBJECT_ID",
	AttributeTypeSecurityDescriptor:  "$SECURITY_DESCRIPTOR",
	AttributeTypeVolumeName:          "$VOLUME_NAME",
	AttributeTypeVolumeInformation:   "$VOLUME_INFORMATION",
	AttributeTypeData:                "$DATA",
	AttributeTypeIndexRoot:           "$INDEX_ROOT",
	AttributeTypeIndexAllocation:     "$INDEX_ALLOCATION",
	AttributeTypeBitmap:              "$BITMAP",
	AttributeTypeReparsePoint:        "$REPARSE_POINT",
	AttributeTypeEAInformation:       "$EA_INFORMATION",
	AttributeTypeEA:                  "$EA",
	AttributeTypePropertySet:         "$PROPERTY_SET",
	AttributeTypeLoggedUtilityStream: "$LOGGED_UTILITY_STREAM",
}

// Name returns a string representation of the attribute type, for example "$STANDARD_INFORMATION" or "$FILE_NAME".
// For an unknown attribute type Name returns "unknown".
func (at AttributeType) Name() string {
	if name, ok := attributeTypeNames[at]; ok {
		return name
	}
	return "unknown"
}

// AttributeFlags represents a bit mask flag indicating various properties of an attribute's data.
type AttributeFlags uint16

// Bit values for the AttributeFlags. For example, an encrypted, compressed attribute has value 0x4001.
const (
	AttributeFlagsCompressed AttributeFlags = 0x0001
	AttributeFlagsEncrypted  AttributeFlags = 0x4000
	AttributeFlagsSparse     AttributeFlags = 0x8000
)

// Is checks if this AttributeFlags's bit mask contains the specified flag.
func (f *AttributeFlags) Is(c AttributeFlags) bool {
	return *f&c == c
}

// ParseAttributes parses bytes into Attributes. The data is assumed to be in Little Endian order. Only the attribute
// headers are parsed, not the actual attribute data. Parsing stops at the terminator or at the end of the data.
func ParseAttributes(b []byte) ([]Attribute, error) {
	attributes := make([]Attribute, 0)
	for len(b) > 0 {
		if len(b) < 4 {
			return nil, fmt.Errorf("attribute header data should be at least 4 bytes but is %d", len(b))
		}
		r := binutil.NewLittleEndianReader(b)
		if r.Uint32(0) == uint32(AttributeTypeTerminator) {
			break
		}
		if len(b) < 8 {
			return nil, fmt.Errorf("cannot read attribute header record length, data should be at least 8 bytes but is %d", len(b))
		}

		recordLength := int64(r.Uint32(0x04))
		if recordLength > maxInt {
			return nil, fmt.Errorf("record length %d overflows maximum int value %d", recordLength, maxInt)
		}
		if recordLength == 0 {
			return nil, fmt.Errorf("cannot handle attribute with zero record length")
		}
		if recordLength > int64(len(b)) {
			return nil, fmt.Errorf("attribute record length %d exceeds data length %d", recordLength, len(b))
		}

		attribute, err := ParseAttribute(r.Read(0, int(recordLength)))
		if err != nil {
			return nil, err
		}
		attributes = append(attributes, attribute)
		b = r.ReadFrom(int(recordLength))
	}
	return attributes, nil
}

// ParseAttribute parses bytes into an Attribute. The data is assumed to be in Little Endian order. Only the attribute
// headers are parsed, not the actual attribute data.
func ParseAttribute(b []byte) (Attribute, error) {
	if len(b) < 22 {
		return Attribute{}, fmt.Errorf("attribute data should be at least 22 bytes but is %d", len(b))
	}
	r := binutil.NewLittleEndianReader(b)

	name := ""
	if nameLength := int(r.Byte(0x09)); nameLength != 0 {
		nameOffset := int(r.Uint16(0x0A))
		if nameOffset+nameLength*2 > len(b) {
			return Attribute{}, fmt.Errorf("attribute name at %d exceeds data length %d", nameOffset, len(b))
		}
		decoded, err := utf16.DecodeName(r.Read(nameOffset, nameLength*2))
		if err != nil {
			return Attribute{}, fmt.Errorf("unable to decode attribute name: %w", err)
		}
		name = decoded
	}

	a := Attribute{
		Type:        AttributeType(r.Uint32(0)),
		Resident:    r.Byte(0x08) == 0x00,
		Name:        name,
		Flags:       AttributeFlags(r.Uint16(0x0C)),
		AttributeId: int(r.Uint16(0x0E)),
	}

	if a.Resident {
		dataOffset := int64(r.Uint16(0x14))
		dataLength := int64(r.Uint32(0x10))
		if dataOffset+dataLength > int64(len(b)) {
			return Attribute{}, fmt.Errorf("expected attribute data length to be at least %d but is %d", dataOffset+dataLength, len(b))
		}
		a.Data = binutil.Duplicate(r.Read(int(dataOffset), int(dataLength)))
		return a, nil
	}

	if len(b) < 0x38 {
		return Attribute{}, fmt.Errorf("non-resident attribute data should be at least %d bytes but is %d", 0x38, len(b))
	}
	dataOffset := int(r.Uint16(0x20))
	if dataOffset > len(b) {
		return Attribute{}, fmt.Errorf("expected attribute data length to be at least %d but is %d", dataOffset, len(b))
	}
	a.StartingVCN = r.Uint64(0x10)
	a.AllocatedSize = r.Uint64(0x28)
	a.ActualSize = r.Uint64(0x30)
	a.Data = binutil.Duplicate(r.ReadFrom(dataOffset))
	return a, nil
}

// OpenAttribute returns a stream over the data of an attribute. The data of a resident attribute is returned as is; the
// data of a non-resident attribute is read from volume by decoding its data runs, limited to its actual size.
// Compressed and encrypted attributes cannot be read.
func OpenAttribute(volume io.ReadSeeker, a Attribute, bytesPerCluster int) (io.ReadSeeker, error) {
	if a.Resident {
		return bytes.NewReader(a.Data), nil
	}
	if a.Flags.Is(AttributeFlagsCompressed) || a.Flags.Is(AttributeFlagsEncrypted) {
		return nil, fmt.Errorf("unable to read compressed or encrypted attribute %s (flags %#x)", a.Type.Name(), a.Flags)
	}
	if a.ActualSize > uint64(maxInt) {
		return nil, fmt.Errorf("attribute size %d overflows maximum int value %d", a.ActualSize, maxInt)
	}
	fragments, err := DecodeDataRuns(a.Data, bytesPerCluster)
	if err != nil {
		return nil, err
	}
	r, err := fragment.NewReader(volume, fragments, int64(a.ActualSize))
	if err != nil {
		return nil, err
	}
	return r, nil
}
