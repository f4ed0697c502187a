package mft

import (
	"fmt"
	"time"

	"github.com/t9t/rawfs/binutil"
	"github.com/t9t/rawfs/utf16"
)

// FileAttribute is the bit mask of DOS style file attributes found in $STANDARD_INFORMATION and $FILE_NAME.
type FileAttribute uint32

// Bit values for FileAttribute.
const (
	FileAttributeReadOnly          FileAttribute = 0x0001
	FileAttributeHidden            FileAttribute = 0x0002
	FileAttributeSystem            FileAttribute = 0x0004
	FileAttributeArchive           FileAttribute = 0x0020
	FileAttributeDevice            FileAttribute = 0x0040
	FileAttributeNormal            FileAttribute = 0x0080
	FileAttributeTemporary         FileAttribute = 0x0100
	FileAttributeSparseFile        FileAttribute = 0x0200
	FileAttributeReparsePoint      FileAttribute = 0x0400
	FileAttributeCompressed        FileAttribute = 0x0800
	FileAttributeOffline           FileAttribute = 0x1000
	FileAttributeNotContentIndexed FileAttribute = 0x2000
	FileAttributeEncrypted         FileAttribute = 0x4000
	FileAttributeIsDirectory       FileAttribute = 0x10000000 // only in $FILE_NAME
)

// Is checks if this FileAttribute's bit mask contains the specified flag.
func (f *FileAttribute) Is(c FileAttribute) bool {
	return *f&c == c
}

// seconds between 1601-01-01 and 1970-01-01
const fileTimeEpochDelta = 11644473600

// ConvertFileTime converts an NTFS timestamp, the number of 100 nanosecond intervals since 1601-01-01, to a time.Time in
// UTC.
func ConvertFileTime(timeValue uint64) time.Time {
	seconds := int64(timeValue/10000000) - fileTimeEpochDelta
	nanos := int64(timeValue%10000000) * 100
	return time.Unix(seconds, nanos).UTC()
}

// StandardInformation represents the data contained in a $STANDARD_INFORMATION attribute. The fields from OwnerId
// onwards only exist on NTFS 3.0 and later and are zero otherwise.
type StandardInformation struct {
	Creation                time.Time
	FileLastModified        time.Time
	MftLastModified         time.Time
	LastAccess              time.Time
	FileAttributes          FileAttribute
	MaximumNumberOfVersions uint32
	VersionNumber           uint32
	ClassId                 uint32
	OwnerId                 uint32
	SecurityId              uint32
	QuotaCharged            uint64
	UpdateSequenceNumber    uint64
}

// ParseStandardInformation parses the data of a $STANDARD_INFORMATION attribute.
func ParseStandardInformation(b []byte) (StandardInformation, error) {
	if len(b) < 0x30 {
		return StandardInformation{}, fmt.Errorf("expected at least %d bytes but got %d", 0x30, len(b))
	}

	r := binutil.NewLittleEndianReader(b)
	si := StandardInformation{
		Creation:                ConvertFileTime(r.Uint64(0x00)),
		FileLastModified:        ConvertFileTime(r.Uint64(0x08)),
		MftLastModified:         ConvertFileTime(r.Uint64(0x10)),
		LastAccess:              ConvertFileTime(r.Uint64(0x18)),
		FileAttributes:          FileAttribute(r.Uint32(0x20)),
		MaximumNumberOfVersions: r.Uint32(0x24),
		VersionNumber:           r.Uint32(0x28),
		ClassId:                 r.Uint32(0x2C),
	}
	if len(b) >= 0x48 {
		si.OwnerId = r.Uint32(0x30)
		si.SecurityId = r.Uint32(0x34)
		si.QuotaCharged = r.Uint64(0x38)
		si.UpdateSequenceNumber = r.Uint64(0x40)
	}
	return si, nil
}

// FileNameNamespace indicates which naming convention a $FILE_NAME follows.
type FileNameNamespace byte

// Known values for FileNameNamespace.
const (
	FileNameNamespacePosix       FileNameNamespace = 0
	FileNameNamespaceWin32       FileNameNamespace = 1
	FileNameNamespaceDos         FileNameNamespace = 2
	FileNameNamespaceWin32AndDos FileNameNamespace = 3
)

// FileName represents the data contained in a $FILE_NAME attribute, which is also the key of directory index entries.
type FileName struct {
	ParentFileReference FileReference
	Creation            time.Time
	FileLastModified    time.Time
	MftLastModified     time.Time
	LastAccess          time.Time
	AllocatedSize       uint64
	RealSize            uint64
	Flags               FileAttribute
	ExtendedData        uint32
	Namespace           FileNameNamespace
	Name                string
}

// ParseFileName parses the data of a $FILE_NAME attribute.
func ParseFileName(b []byte) (FileName, error) {
	if len(b) < 0x42 {
		return FileName{}, fmt.Errorf("expected at least %d bytes but got %d", 0x42, len(b))
	}

	fileNameLength := int(b[0x40]) * 2
	if len(b) < 0x42+fileNameLength {
		return FileName{}, fmt.Errorf("expected at least %d bytes but got %d", 0x42+fileNameLength, len(b))
	}

	r := binutil.NewLittleEndianReader(b)
	name, err := utf16.DecodeName(r.Read(0x42, fileNameLength))
	if err != nil {
		return FileName{}, fmt.Errorf("unable to decode file name: %w", err)
	}
	parentRef, err := ParseFileReference(r.Read(0x00, 8))
	if err != nil {
		return FileName{}, fmt.Errorf("unable to parse file reference: %w", err)
	}
	return FileName{
		ParentFileReference: parentRef,
		Creation:            ConvertFileTime(r.Uint64(0x08)),
		FileLastModified:    ConvertFileTime(r.Uint64(0x10)),
		MftLastModified:     ConvertFileTime(r.Uint64(0x18)),
		LastAccess:          ConvertFileTime(r.Uint64(0x20)),
		AllocatedSize:       r.Uint64(0x28),
		RealSize:            r.Uint64(0x30),
		Flags:               FileAttribute(r.Uint32(0x38)),
		ExtendedData:        r.Uint32(0x3c),
		Namespace:           FileNameNamespace(r.Byte(0x41)),
		Name:                name,
	}, nil
}

// AttributeListEntry is one entry of an $ATTRIBUTE_LIST, telling in which record an attribute of a file is stored.
type AttributeListEntry struct {
	Type                AttributeType
	Name                string
	StartingVCN         uint64
	BaseRecordReference FileReference
	AttributeId         uint16
}

const minAttributeListEntryLength = 0x1A

// ParseAttributeList parses the data of an $ATTRIBUTE_LIST attribute.
func ParseAttributeList(b []byte) ([]AttributeListEntry, error) {
	entries := make([]AttributeListEntry, 0)
	for len(b) >= minAttributeListEntryLength {
		r := binutil.NewLittleEndianReader(b)
		entryLength := int(r.Uint16(0x04))
		if entryLength < minAttributeListEntryLength || entryLength > len(b) {
			return entries, fmt.Errorf("invalid attribute list entry length %d (%d bytes remaining)", entryLength, len(b))
		}

		name := ""
		if nameLength := int(r.Byte(0x06)); nameLength != 0 {
			nameOffset := int(r.Byte(0x07))
			if nameOffset+nameLength*2 > entryLength {
				return entries, fmt.Errorf("attribute list entry name at %d exceeds entry length %d", nameOffset, entryLength)
			}
			parsed, err := utf16.DecodeName(r.Read(nameOffset, nameLength*2))
			if err != nil {
				return entries, fmt.Errorf("unable to parse attribute name: %w", err)
			}
			name = parsed
		}
		baseRef, err := ParseFileReference(r.Read(0x10, 8))
		if err != nil {
			return entries, fmt.Errorf("unable to parse base record reference: %w", err)
		}
		entries = append(entries, AttributeListEntry{
			Type:                AttributeType(r.Uint32(0)),
			Name:                name,
			StartingVCN:         r.Uint64(0x08),
			BaseRecordReference: baseRef,
			AttributeId:         r.Uint16(0x18),
		})
		b = r.ReadFrom(entryLength)
	}
	return entries, nil
}
