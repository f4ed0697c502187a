package mft

import (
	"fmt"

	"github.com/t9t/rawfs/binutil"
	"github.com/t9t/rawfs/fragment"
)

// A DataRun represents a fragment of data somewhere on a volume. The OffsetCluster of the first DataRun in a list is
// the absolute cluster number; for every following DataRun it is a signed delta to the previous DataRun's cluster. A
// Sparse DataRun has no clusters on disk.
type DataRun struct {
	OffsetCluster    int64
	LengthInClusters uint64
	Sparse           bool
}

// ParseDataRuns parses bytes into a list of DataRuns. Each run starts with a header byte: the low nibble is the size
// of the length field and the high nibble the size of the offset field, in bytes. A zero header ends the list. Offsets
// after the first one are sign extended from the most significant byte present. A run without an offset field, or
// with an offset of zero, is sparse.
func ParseDataRuns(b []byte) ([]DataRun, error) {
	runs := make([]DataRun, 0)
	for len(b) > 0 {
		r := binutil.NewLittleEndianReader(b)
		header := r.Byte(0)
		if header == 0 {
			break
		}

		lengthLength := int(header & 0x0F)
		offsetLength := int(header >> 4)
		if lengthLength == 0 || lengthLength > 8 || offsetLength > 8 {
			return nil, fmt.Errorf("invalid datarun header %#x", header)
		}

		headerAndDataLength := 1 + lengthLength + offsetLength
		if len(b) < headerAndDataLength {
			return nil, fmt.Errorf("expected at least %d bytes of datarun data but is %d", headerAndDataLength, len(b))
		}

		length, err := binutil.Uint(r.Read(1, lengthLength))
		if err != nil {
			return nil, err
		}

		offsetBytes := r.Read(1+lengthLength, offsetLength)
		var offset int64
		if len(runs) == 0 {
			u, err := binutil.Uint(offsetBytes)
			if err != nil {
				return nil, err
			}
			offset = int64(u)
		} else {
			offset, err = binutil.Int(offsetBytes)
			if err != nil {
				return nil, err
			}
		}

		runs = append(runs, DataRun{OffsetCluster: offset, LengthInClusters: length, Sparse: offset == 0})
		b = r.ReadFrom(headerAndDataLength)
	}
	return runs, nil
}

// DataRunsToFragments transforms a list of DataRuns with relative offsets and lengths specified in clusters into a list
// of fragment.Fragment elements with absolute offsets and lengths specified in bytes (for example for use in a
// fragment.Reader). Sparse runs become sparse fragments and do not move the running offset. Data will probably not
// align to a cluster exactly so there could be some padding at the end; a fragment.Reader created with the actual size
// of the data never returns it.
func DataRunsToFragments(runs []DataRun, bytesPerCluster int) []fragment.Fragment {
	frags := make([]fragment.Fragment, len(runs))
	previousOffsetCluster := int64(0)
	for i, run := range runs {
		length := int64(run.LengthInClusters) * int64(bytesPerCluster)
		if run.Sparse {
			frags[i] = fragment.Fragment{Length: length, Sparse: true}
			continue
		}
		exactClusterOffset := previousOffsetCluster + run.OffsetCluster
		frags[i] = fragment.Fragment{Offset: exactClusterOffset * int64(bytesPerCluster), Length: length}
		previousOffsetCluster = exactClusterOffset
	}
	return frags
}

// DecodeDataRuns parses data runs and converts them into fragments in one go.
func DecodeDataRuns(b []byte, bytesPerCluster int) ([]fragment.Fragment, error) {
	if bytesPerCluster <= 0 {
		return nil, fmt.Errorf("bytes per cluster should be positive but is %d", bytesPerCluster)
	}
	runs, err := ParseDataRuns(b)
	if err != nil {
		return nil, fmt.Errorf("unable to parse dataruns: %w", err)
	}
	return DataRunsToFragments(runs, bytesPerCluster), nil
}
