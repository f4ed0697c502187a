/*
	Package fat reads files stored as cluster chains on FAT12, FAT16, FAT32 and exFAT volumes.

	A Table decodes the file allocation table, which links every cluster of a file to the next one. A Chain presents
	such a linked list of clusters (or, for exFAT files flagged as contiguous, a plain range of clusters) as a seekable
	stream of bytes.
*/
package fat

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/t9t/rawfs/binutil"
)

// ErrInvalidChainLink indicates a cluster chain is structurally corrupt: a link points outside of the table, to a
// free or bad cluster, or the chain loops.
var ErrInvalidChainLink = errors.New("invalid cluster chain link")

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used by this package.
func SetLogger(l logrus.FieldLogger) {
	log = l
}

// SlotKind classifies the value stored in a table slot.
type SlotKind int

// Kinds of slot values.
const (
	SlotFree SlotKind = iota
	SlotData
	SlotReserved
	SlotBad
	SlotEndOfChain
)

func (k SlotKind) String() string {
	switch k {
	case SlotFree:
		return "free"
	case SlotData:
		return "data"
	case SlotReserved:
		return "reserved"
	case SlotBad:
		return "bad"
	case SlotEndOfChain:
		return "end of chain"
	}
	return "unknown"
}

// A Table gives access to a file allocation table stored at some offset of src. Slots are read on demand; src should
// be a device dedicated to metadata so table lookups do not evict cached file content.
type Table struct {
	src      io.ReadSeeker
	offset   int64
	clusters uint32
	bits     int
	exfat    bool
	mask     uint32
	reserved uint32
	bad      uint32
	last     uint32
	lookups  uint64
}

// NewTable creates a Table of the given amount of clusters with slots of bits (12, 16 or 32) width. For exFAT tables
// bits must be 32.
func NewTable(src io.ReadSeeker, offset int64, clusters uint32, bits int, exfat bool) (*Table, error) {
	t := &Table{src: src, offset: offset, clusters: clusters, bits: bits, exfat: exfat}
	t.reserved, t.bad, t.last = 0x0FF0, 0x0FF7, 0x0FF8
	switch bits {
	case 12:
		t.mask = 0x0FFF
	case 16:
		t.mask = 0xFFFF
		t.reserved |= 0xF000
		t.bad |= 0xF000
		t.last |= 0xF000
	case 32:
		// FAT32 only uses the lower 28 bits, exFAT uses all of them
		t.mask = 0x0FFFFFFF
		t.reserved |= 0x0FFFF000
		t.bad |= 0x0FFFF000
		t.last |= 0x0FFFF000
		if exfat {
			t.mask = 0xFFFFFFFF
			t.reserved |= 0xF0000000
			t.bad |= 0xF0000000
			t.last |= 0xF0000000
		}
	default:
		return nil, errors.Errorf("unsupported FAT slot width %d", bits)
	}
	if exfat && bits != 32 {
		return nil, errors.Errorf("exFAT tables have 32 bit slots, not %d", bits)
	}
	if offset < 0 {
		return nil, errors.Errorf("table offset should not be negative but is %d", offset)
	}
	return t, nil
}

// Size returns the amount of clusters described by the table.
func (t *Table) Size() uint32 {
	return t.clusters
}

// Bits returns the slot width.
func (t *Table) Bits() int {
	return t.bits
}

// Lookups returns how many slots were read from the table.
func (t *Table) Lookups() uint64 {
	return t.lookups
}

// Lookup returns the value of the slot for the cluster index: the next cluster of the chain or a marker value. On
// FAT12 two slots share three bytes; an even index uses the low 12 bits of the 16-bit word at index*3/2 and an odd
// index uses the high 12 bits.
func (t *Table) Lookup(index uint32) (uint32, error) {
	pos := t.offset + int64(index)*int64(t.bits)/8
	if _, err := t.src.Seek(pos, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "unable to seek to FAT slot %d", index)
	}
	n := 2
	if t.bits == 32 {
		n = 4
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(t.src, b); err != nil {
		return 0, errors.Wrapf(err, "unable to read FAT slot %d", index)
	}
	t.lookups++

	if t.bits == 32 {
		return binary.LittleEndian.Uint32(b) & t.mask, nil
	}
	if t.bits == 12 {
		return uint32(binutil.Uint12(b, index%2 == 1)), nil
	}
	return uint32(binary.LittleEndian.Uint16(b)), nil
}

// IsValid reports whether a slot value may appear in an allocated chain: a data cluster of this table, an end of
// chain marker or the bad cluster marker. Anything else means the chain is corrupt.
func (t *Table) IsValid(value uint32) bool {
	valid := (value > 1 && value <= t.clusters) || t.IsLast(value) || t.IsBad(value)
	if !valid {
		log.WithField("value", value).Debug("invalid cluster index")
	}
	return valid
}

// IsLast reports whether the value marks the end of a chain.
func (t *Table) IsLast(value uint32) bool {
	return value >= t.last && value <= t.last+7
}

// IsBad reports whether the value marks a bad cluster.
func (t *Table) IsBad(value uint32) bool {
	return value == t.bad
}

// IsFree reports whether the value marks a free cluster.
func (t *Table) IsFree(value uint32) bool {
	return value == 0
}

// Classify returns the kind of a slot value.
func (t *Table) Classify(value uint32) SlotKind {
	switch {
	case t.IsFree(value):
		return SlotFree
	case t.IsLast(value):
		return SlotEndOfChain
	case t.IsBad(value):
		return SlotBad
	case value >= t.reserved:
		return SlotReserved
	case value > 1 && value <= t.clusters:
		return SlotData
	}
	return SlotReserved
}

// Follow walks the chain starting at cluster start and returns all of its clusters in order. It fails with
// ErrInvalidChainLink when the chain contains an invalid link or a bad cluster, or when it loops.
func (t *Table) Follow(start uint32) ([]uint32, error) {
	if !t.IsValid(start) || t.IsLast(start) || t.IsBad(start) {
		return nil, errors.Wrapf(ErrInvalidChainLink, "chain starts at cluster %#x", start)
	}
	clusters := []uint32{start}
	visited := map[uint32]bool{start: true}
	cur := start
	for {
		next, err := t.Lookup(cur)
		if err != nil {
			return clusters, err
		}
		if t.IsLast(next) {
			return clusters, nil
		}
		if !t.IsValid(next) || t.IsBad(next) {
			return clusters, errors.Wrapf(ErrInvalidChainLink, "cluster %#x links to %#x", cur, next)
		}
		if uint64(len(clusters)) >= uint64(t.clusters) {
			return clusters, errors.Wrapf(ErrInvalidChainLink, "chain from cluster %#x is longer than the table", start)
		}
		if visited[next] {
			return clusters, errors.Wrapf(ErrInvalidChainLink, "cluster %#x links back to cluster %#x", cur, next)
		}
		visited[next] = true
		clusters = append(clusters, next)
		cur = next
	}
}
