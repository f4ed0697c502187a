package mft

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/t9t/rawfs/binutil"
)

var (
	// ErrMalformedIndexBlock indicates an index block fails its signature or fixup check while the $BITMAP says it is in
	// use (or no $BITMAP is known).
	ErrMalformedIndexBlock = errors.New("malformed index block")
	// ErrUnusedIndexBlock indicates an index block fails its checks but the $BITMAP marks it unused, so its content is
	// simply not initialized.
	ErrUnusedIndexBlock = errors.New("unused index block")
)

var indexSignature = []byte{'I', 'N', 'D', 'X'}

const (
	indexBlockHeaderLength = 0x18
	minIndexEntryLength    = 0x10
)

// Bitmap is the content of a $BITMAP attribute. Bit n tells whether item n (an MFT record, or a block of the
// $INDEX_ALLOCATION it belongs to) is in use.
type Bitmap []byte

// IsSet reports whether bit n is set. Bits beyond the bitmap are not set.
func (b Bitmap) IsSet(n int) bool {
	if n < 0 || n/8 >= len(b) {
		return false
	}
	return b[n/8]&(1<<uint(n%8)) != 0
}

// CollationType tells how the keys of an index are sorted.
type CollationType uint32

// Known values for CollationType.
const (
	CollationTypeBinary            CollationType = 0x00000000
	CollationTypeFileName          CollationType = 0x00000001
	CollationTypeUnicodeString     CollationType = 0x00000002
	CollationTypeNtofsULong        CollationType = 0x00000010
	CollationTypeNtofsSid          CollationType = 0x00000011
	CollationTypeNtofsSecurityHash CollationType = 0x00000012
	CollationTypeNtofsUlongs       CollationType = 0x00000013
)

// IndexRoot represents the data of an $INDEX_ROOT attribute: the top node of a directory index.
type IndexRoot struct {
	AttributeType     AttributeType
	CollationType     CollationType
	BytesPerRecord    uint32
	ClustersPerRecord uint32
	Flags             uint32
	Entries           []IndexEntry
}

// ParseIndexRoot parses the data of an $INDEX_ROOT attribute of a directory.
func ParseIndexRoot(b []byte) (IndexRoot, error) {
	if len(b) < 0x20 {
		return IndexRoot{}, fmt.Errorf("expected at least %d bytes but got %d", 0x20, len(b))
	}
	r := binutil.NewLittleEndianReader(b)
	attributeType := AttributeType(r.Uint32(0x00))
	if attributeType != AttributeTypeFileName {
		return IndexRoot{}, fmt.Errorf("unable to handle attribute type %d (%s) in $INDEX_ROOT", attributeType, attributeType.Name())
	}

	entries, flags, err := parseIndexNode(b, 0x10)
	if err != nil {
		return IndexRoot{}, fmt.Errorf("error parsing index entries: %w", err)
	}
	return IndexRoot{
		AttributeType:     attributeType,
		CollationType:     CollationType(r.Uint32(0x04)),
		BytesPerRecord:    r.Uint32(0x08),
		ClustersPerRecord: r.Uint32(0x0C),
		Flags:             flags,
		Entries:           entries,
	}, nil
}

// IndexEntry is one key of a directory index. The last entry of a node carries no file name, only (possibly) the
// sub node holding the keys that sort after all others.
type IndexEntry struct {
	FileReference FileReference
	Flags         uint32
	FileName      FileName
	SubNodeVCN    uint64
}

// PointsToSubNode reports whether the entry has a sub node.
func (e IndexEntry) PointsToSubNode() bool {
	return e.Flags&0b01 != 0
}

// IsLast reports whether this is the last entry of its node.
func (e IndexEntry) IsLast() bool {
	return e.Flags&0b10 != 0
}

// parseIndexNode parses the index node header found at offset in b and the entries it describes. Offsets in the header
// are relative to the header itself.
func parseIndexNode(b []byte, offset int) ([]IndexEntry, uint32, error) {
	if len(b) < offset+0x10 {
		return nil, 0, fmt.Errorf("index node header at %d exceeds data length %d", offset, len(b))
	}
	r := binutil.NewLittleEndianReader(b)
	start := offset + int(r.Uint32(offset))
	end := offset + int(r.Uint32(offset+0x04))
	flags := r.Uint32(offset + 0x0C)
	if start > end || end > len(b) {
		return nil, 0, fmt.Errorf("index entries from %d to %d exceed data length %d", start, end, len(b))
	}
	if start == end {
		return []IndexEntry{}, flags, nil
	}
	entries, err := parseIndexEntries(b[start:end])
	return entries, flags, err
}

func parseIndexEntries(b []byte) ([]IndexEntry, error) {
	entries := make([]IndexEntry, 0)
	for len(b) > 0 {
		if len(b) < minIndexEntryLength {
			return entries, fmt.Errorf("expected at least %d bytes but got %d", minIndexEntryLength, len(b))
		}
		r := binutil.NewLittleEndianReader(b)
		entryLength := int(r.Uint16(0x08))
		if entryLength < minIndexEntryLength || entryLength > len(b) {
			return entries, fmt.Errorf("index entry length indicates %d bytes but got %d", entryLength, len(b))
		}

		fileReference, err := ParseFileReference(r.Read(0x00, 8))
		if err != nil {
			return entries, fmt.Errorf("unable to parse file reference: %w", err)
		}
		entry := IndexEntry{FileReference: fileReference, Flags: r.Uint32(0x0C)}

		contentLength := int(r.Uint16(0x0A))
		if contentLength != 0 && !entry.IsLast() {
			if minIndexEntryLength+contentLength > entryLength {
				return entries, fmt.Errorf("index entry content of %d bytes exceeds entry length %d", contentLength, entryLength)
			}
			entry.FileName, err = ParseFileName(r.Read(minIndexEntryLength, contentLength))
			if err != nil {
				return entries, fmt.Errorf("error parsing $FILE_NAME record in index entry: %w", err)
			}
		}
		if entry.PointsToSubNode() {
			if entryLength < minIndexEntryLength+8 {
				return entries, fmt.Errorf("index entry of %d bytes cannot hold a sub node reference", entryLength)
			}
			entry.SubNodeVCN = r.Uint64(entryLength - 8)
		}

		entries = append(entries, entry)
		if entry.IsLast() {
			break
		}
		b = r.ReadFrom(entryLength)
	}
	return entries, nil
}

// An IndexBlock is a node of a directory index stored in the $INDEX_ALLOCATION attribute.
type IndexBlock struct {
	VCN     uint64
	Flags   uint32
	Entries []IndexEntry
}

// CheckIndexBlock verifies the signature and fixup of the index block with the given number and returns the block with
// fixup applied. When the block is invalid, the $BITMAP of the index decides between ErrUnusedIndexBlock (the block is
// not in use, so it never got initialized) and ErrMalformedIndexBlock. bitmap may be nil, in which case every invalid
// block is malformed. The input is not modified.
func CheckIndexBlock(b []byte, number int, bitmap Bitmap) ([]byte, error) {
	invalid := func(format string, args ...interface{}) error {
		if bitmap != nil && !bitmap.IsSet(number) {
			return errors.Wrapf(ErrUnusedIndexBlock, "block %d", number)
		}
		return errors.Wrapf(ErrMalformedIndexBlock, "block %d: "+format, append([]interface{}{number}, args...)...)
	}

	if len(b) < indexBlockHeaderLength+0x10 {
		return nil, invalid("data length %d is too short", len(b))
	}
	if !bytes.Equal(b[:4], indexSignature) {
		return nil, invalid("unknown signature %# x", b[:4])
	}
	fixed, err := applyFixUp(binutil.Duplicate(b))
	if err != nil {
		return nil, invalid("%v", err)
	}
	return fixed, nil
}

// ParseIndexBlock checks an index block with CheckIndexBlock and parses its entries.
func ParseIndexBlock(b []byte, number int, bitmap Bitmap) (IndexBlock, error) {
	fixed, err := CheckIndexBlock(b, number, bitmap)
	if err != nil {
		return IndexBlock{}, err
	}
	entries, flags, err := parseIndexNode(fixed, indexBlockHeaderLength)
	if err != nil {
		return IndexBlock{}, errors.Wrapf(ErrMalformedIndexBlock, "block %d: %v", number, err)
	}
	return IndexBlock{
		VCN:     binutil.NewLittleEndianReader(fixed).Uint64(0x10),
		Flags:   flags,
		Entries: entries,
	}, nil
}

// ReadIndexBlocks reads consecutive index blocks of blockSize bytes from r until it is exhausted and returns all of
// their entries that carry a file name. Blocks the bitmap marks unused are skipped; a malformed block aborts reading.
func ReadIndexBlocks(r io.Reader, blockSize int, bitmap Bitmap) ([]IndexEntry, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("index block size should be positive but is %d", blockSize)
	}
	entries := make([]IndexEntry, 0)
	buf := make([]byte, blockSize)
	for number := 0; ; number++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return entries, nil
			}
			return entries, errors.Wrapf(err, "unable to read index block %d", number)
		}
		block, err := ParseIndexBlock(buf, number, bitmap)
		if errors.Is(err, ErrUnusedIndexBlock) {
			continue
		}
		if err != nil {
			return entries, err
		}
		for _, e := range block.Entries {
			if !e.IsLast() {
				entries = append(entries, e)
			}
		}
	}
}
