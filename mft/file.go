package mft

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/t9t/rawfs/fragment"
)

// ErrRecordOutOfRange is returned by ReadRecord for a record that lies beyond the end of the $MFT stream.
var ErrRecordOutOfRange = errors.New("record beyond the end of the $MFT")

// Well known MFT record numbers.
const (
	RecordNumberMft    = 0
	RecordNumberVolume = 3
	RecordNumberRoot   = 5
	RecordNumberBitmap = 6
	RecordNumberBoot   = 7
	RecordNumberUpCase = 10
	RecordNumberExtend = 11
)

// DirectoryIndexName is the name of the $INDEX_ROOT, $INDEX_ALLOCATION and $BITMAP attributes of a directory index.
const DirectoryIndexName = "$I30"

// ReadRecord reads and parses record number from mft, a stream over the complete $MFT as returned by OpenAttribute for
// the $DATA attribute of record 0.
func ReadRecord(mft io.ReadSeeker, number uint64, recordSize int) (Record, error) {
	if recordSize <= 0 {
		return Record{}, fmt.Errorf("record size should be positive but is %d", recordSize)
	}
	if _, err := mft.Seek(int64(number)*int64(recordSize), io.SeekStart); err != nil {
		return Record{}, fmt.Errorf("unable to seek to record %d: %w", number, err)
	}
	b := make([]byte, recordSize)
	if _, err := io.ReadFull(mft, b); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, errors.Wrapf(ErrRecordOutOfRange, "record %d", number)
		}
		return Record{}, fmt.Errorf("unable to read record %d: %w", number, err)
	}
	record, err := ParseRecord(b)
	if err != nil {
		return Record{}, fmt.Errorf("unable to parse record %d: %w", number, err)
	}
	return record, nil
}

// CollectAttributes returns all segments of the attributes with the given type and name of the file described by
// record. When the record has an $ATTRIBUTE_LIST, segments stored in extension records are read from mft as well. The
// volume is only used when the $ATTRIBUTE_LIST itself is non-resident.
func CollectAttributes(volume, mft io.ReadSeeker, record Record, recordSize, bytesPerCluster int, attrType AttributeType, name string) ([]Attribute, error) {
	matching := func(attrs []Attribute) []Attribute {
		ret := make([]Attribute, 0)
		for _, a := range attrs {
			if a.Type == attrType && a.Name == name {
				ret = append(ret, a)
			}
		}
		return ret
	}

	lists := record.FindAttributes(AttributeTypeAttributeList)
	if len(lists) == 0 {
		return matching(record.Attributes), nil
	}
	r, err := OpenAttribute(volume, lists[0], bytesPerCluster)
	if err != nil {
		return nil, fmt.Errorf("unable to open $ATTRIBUTE_LIST: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read $ATTRIBUTE_LIST: %w", err)
	}
	entries, err := ParseAttributeList(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse $ATTRIBUTE_LIST: %w", err)
	}

	ret := matching(record.Attributes)
	visited := map[uint64]bool{record.FileReference.RecordNumber: true}
	for _, e := range entries {
		ref := e.BaseRecordReference
		if e.Type != attrType || e.Name != name || visited[ref.RecordNumber] {
			continue
		}
		visited[ref.RecordNumber] = true
		ext, err := ReadRecord(mft, ref.RecordNumber, recordSize)
		if err != nil {
			return nil, fmt.Errorf("unable to read extension record: %w", err)
		}
		if ext.BaseRecordReference.RecordNumber != record.FileReference.RecordNumber {
			return nil, fmt.Errorf("record %d is not an extension of record %d", ref.RecordNumber, record.FileReference.RecordNumber)
		}
		ret = append(ret, matching(ext.Attributes)...)
	}
	return ret, nil
}

// OpenAttributeSegments opens an attribute that is split over several records. The segments are put in order of their
// starting VCN and their data runs must cover the attribute without gaps. The size of the attribute is taken from the
// first segment, as only that one carries it. A single segment is opened with OpenAttribute.
func OpenAttributeSegments(volume io.ReadSeeker, segments []Attribute, bytesPerCluster int) (io.ReadSeeker, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("no attribute segments")
	}
	if len(segments) == 1 {
		return OpenAttribute(volume, segments[0], bytesPerCluster)
	}
	if bytesPerCluster <= 0 {
		return nil, fmt.Errorf("bytes per cluster should be positive but is %d", bytesPerCluster)
	}

	sorted := make([]Attribute, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartingVCN < sorted[j].StartingVCN })

	first := sorted[0]
	if first.StartingVCN != 0 {
		return nil, fmt.Errorf("first attribute segment starts at VCN %d", first.StartingVCN)
	}
	if first.ActualSize > uint64(maxInt) {
		return nil, fmt.Errorf("attribute size %d overflows maximum int value %d", first.ActualSize, maxInt)
	}

	var fragments []fragment.Fragment
	vcn := uint64(0)
	for _, s := range sorted {
		if s.Resident {
			return nil, fmt.Errorf("resident %s attribute cannot have multiple segments", s.Type.Name())
		}
		if s.Flags.Is(AttributeFlagsCompressed) || s.Flags.Is(AttributeFlagsEncrypted) {
			return nil, fmt.Errorf("unable to read compressed or encrypted attribute %s (flags %#x)", s.Type.Name(), s.Flags)
		}
		if s.StartingVCN != vcn {
			return nil, fmt.Errorf("attribute segment starts at VCN %d, expected %d", s.StartingVCN, vcn)
		}
		runs, err := ParseDataRuns(s.Data)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			vcn += run.LengthInClusters
		}
		fragments = append(fragments, DataRunsToFragments(runs, bytesPerCluster)...)
	}
	r, err := fragment.NewReader(volume, fragments, int64(first.ActualSize))
	if err != nil {
		return nil, err
	}
	return r, nil
}
