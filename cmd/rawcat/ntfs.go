package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/t9t/rawfs/bootsect"
	"github.com/t9t/rawfs/mft"
)

type ntfsVolume struct {
	*volume
	boot            bootsect.BootSector
	bytesPerCluster int
	recordSize      int
	mft             io.ReadSeeker
}

func openNtfs(c *cli.Context, path string) (*ntfsVolume, error) {
	v, err := openVolume(c, path)
	if err != nil {
		return nil, err
	}
	n, err := v.ntfsFS()
	if err != nil {
		v.Close()
		return nil, err
	}
	return n, nil
}

func (v *volume) ntfsFS() (*ntfsVolume, error) {
	b, err := v.readBootSector()
	if err != nil {
		return nil, err
	}
	if kind := bootsect.Detect(b); kind != bootsect.KindNTFS {
		return nil, cli.Exit(fmt.Sprintf("Unsupported file system %s (OEM id %q), expected NTFS", kind, b[0x03:0x0B]), exitCodeFunctionalError)
	}
	boot, err := bootsect.Parse(b)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to parse boot sector data: %v", err), exitCodeTechnicalError)
	}
	n := &ntfsVolume{
		volume:          v,
		boot:            boot,
		bytesPerCluster: boot.BytesPerCluster(),
		recordSize:      boot.FileRecordSegmentSizeInBytes,
	}

	logrus.Infof("Reading $MFT file record at position %d (size: %d bytes)", boot.MftOffset(), n.recordSize)
	if _, err := v.meta.Seek(boot.MftOffset(), io.SeekStart); err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to seek to MFT position: %v", err), exitCodeTechnicalError)
	}
	data := make([]byte, n.recordSize)
	if _, err := io.ReadFull(v.meta, data); err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to read $MFT record: %v", err), exitCodeTechnicalError)
	}
	record, err := mft.ParseRecord(data)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to parse $MFT record: %v", err), exitCodeTechnicalError)
	}

	// The $MFT may itself be split over extension records, which are found through the part in record 0.
	segments := make([]mft.Attribute, 0)
	for _, a := range record.FindAttributes(mft.AttributeTypeData) {
		if a.Name == "" {
			segments = append(segments, a)
		}
	}
	if len(segments) == 0 {
		return nil, cli.Exit("No $DATA attribute found in $MFT record", exitCodeTechnicalError)
	}
	// Until all segments are known only the clusters of the first one can be read, so extension records of the $MFT
	// must lie within it.
	n.mft, err = mft.OpenAttributeSegments(v.meta, segments[:1], n.bytesPerCluster)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to open $MFT: %v", err), exitCodeTechnicalError)
	}
	all, err := mft.CollectAttributes(v.meta, n.mft, record, n.recordSize, n.bytesPerCluster, mft.AttributeTypeData, "")
	if errors.Is(err, mft.ErrRecordOutOfRange) {
		return nil, cli.Exit(fmt.Sprintf("An extension record of the $MFT lies outside of its first segment: %v", err), exitCodeFunctionalError)
	}
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Unable to collect $MFT data: %v", err), exitCodeTechnicalError)
	}
	if len(all) > 1 {
		n.mft, err = mft.OpenAttributeSegments(v.meta, all, n.bytesPerCluster)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("Unable to open $MFT: %v", err), exitCodeTechnicalError)
		}
	}
	return n, nil
}

func (n *ntfsVolume) record(number uint64) (mft.Record, error) {
	record, err := mft.ReadRecord(n.mft, number, n.recordSize)
	if err != nil {
		return mft.Record{}, cli.Exit(err, exitCodeFunctionalError)
	}
	if !record.Flags.Is(mft.RecordFlagInUse) {
		logrus.Warnf("Record %d is not in use; its data may have been overwritten", number)
	}
	return record, nil
}

func (n *ntfsVolume) attributes(record mft.Record, attrType mft.AttributeType, name string) ([]mft.Attribute, error) {
	return mft.CollectAttributes(n.meta, n.mft, record, n.recordSize, n.bytesPerCluster, attrType, name)
}

func dumpMft(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("Expected a volume and an output file", exitCodeUserError)
	}
	n, err := openNtfs(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer n.Close()

	size, err := streamSize(n.mft)
	if err != nil {
		return cli.Exit(err, exitCodeTechnicalError)
	}
	return copyToFile(c, n.mft, size, c.Args().Get(1))
}

func copyNtfsFile(c *cli.Context) error {
	if c.NArg() != 3 {
		return cli.Exit("Expected a volume, a record number and an output file", exitCodeUserError)
	}
	number, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid record number %q", c.Args().Get(1)), exitCodeUserError)
	}
	n, err := openNtfs(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer n.Close()

	record, err := n.record(number)
	if err != nil {
		return err
	}
	stream := c.String("stream")
	segments, err := n.attributes(record, mft.AttributeTypeData, stream)
	if err != nil {
		return cli.Exit(err, exitCodeTechnicalError)
	}
	if len(segments) == 0 {
		return cli.Exit(fmt.Sprintf("No $DATA attribute named %q found in record %d", stream, number), exitCodeFunctionalError)
	}
	r, err := mft.OpenAttributeSegments(n.data, segments, n.bytesPerCluster)
	if err != nil {
		return cli.Exit(err, exitCodeFunctionalError)
	}
	size, err := streamSize(r)
	if err != nil {
		return cli.Exit(err, exitCodeTechnicalError)
	}
	return copyToFile(c, r, size, c.Args().Get(2))
}

func listNtfsDirectory(c *cli.Context) error {
	if c.NArg() < 1 || c.NArg() > 2 {
		return cli.Exit("Expected a volume and optionally a record number", exitCodeUserError)
	}
	number := uint64(mft.RecordNumberRoot)
	if c.NArg() == 2 {
		var err error
		number, err = strconv.ParseUint(c.Args().Get(1), 10, 64)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Invalid record number %q", c.Args().Get(1)), exitCodeUserError)
		}
	}
	n, err := openNtfs(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer n.Close()

	record, err := n.record(number)
	if err != nil {
		return err
	}
	if !record.Flags.Is(mft.RecordFlagIsDirectory) {
		return cli.Exit(fmt.Sprintf("Record %d is not a directory", number), exitCodeFunctionalError)
	}
	entries, err := n.directoryEntries(record)
	if err != nil {
		return cli.Exit(err, exitCodeTechnicalError)
	}
	printEntries(os.Stdout, entries)
	return nil
}

// directoryEntries returns the entries of the $INDEX_ROOT of a directory and of all index blocks in use in its
// $INDEX_ALLOCATION.
func (n *ntfsVolume) directoryEntries(record mft.Record) ([]mft.IndexEntry, error) {
	roots, err := n.attributes(record, mft.AttributeTypeIndexRoot, mft.DirectoryIndexName)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no $INDEX_ROOT found in record %d", record.FileReference.RecordNumber)
	}
	root, err := mft.ParseIndexRoot(roots[0].Data)
	if err != nil {
		return nil, err
	}
	entries := make([]mft.IndexEntry, 0, len(root.Entries))
	for _, e := range root.Entries {
		if !e.IsLast() {
			entries = append(entries, e)
		}
	}

	allocation, err := n.attributes(record, mft.AttributeTypeIndexAllocation, mft.DirectoryIndexName)
	if err != nil || len(allocation) == 0 {
		return entries, err
	}
	var bitmap mft.Bitmap
	if bitmaps, err := n.attributes(record, mft.AttributeTypeBitmap, mft.DirectoryIndexName); err == nil && len(bitmaps) > 0 {
		r, err := mft.OpenAttribute(n.meta, bitmaps[0], n.bytesPerCluster)
		if err != nil {
			return entries, err
		}
		if bitmap, err = io.ReadAll(r); err != nil {
			return entries, err
		}
	}
	blocks, err := mft.OpenAttributeSegments(n.meta, allocation, n.bytesPerCluster)
	if err != nil {
		return entries, err
	}
	more, err := mft.ReadIndexBlocks(blocks, int(root.BytesPerRecord), bitmap)
	return append(entries, more...), err
}

func printNtfsRecord(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("Expected a volume and a record number", exitCodeUserError)
	}
	number, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid record number %q", c.Args().Get(1)), exitCodeUserError)
	}
	n, err := openNtfs(c, c.Args().Get(0))
	if err != nil {
		return err
	}
	defer n.Close()

	record, err := n.record(number)
	if err != nil {
		return err
	}
	if err := describeRecord(os.Stdout, record, n.bytesPerCluster); err != nil {
		return cli.Exit(err, exitCodeFunctionalError)
	}
	return nil
}

// describeRecord prints the header of a record, its timestamps and names, and the attributes it holds. The extents of
// non-resident attributes are listed as byte ranges on the volume.
func describeRecord(out io.Writer, record mft.Record, bytesPerCluster int) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Record:\t%d (sequence %d)\n", record.FileReference.RecordNumber, record.FileReference.SequenceNumber)
	if !record.IsBase() {
		fmt.Fprintf(w, "Base record:\t%d\n", record.BaseRecordReference.RecordNumber)
	}
	fmt.Fprintf(w, "In use:\t%t\n", record.Flags.Is(mft.RecordFlagInUse))
	fmt.Fprintf(w, "Directory:\t%t\n", record.Flags.Is(mft.RecordFlagIsDirectory))
	fmt.Fprintf(w, "Hard links:\t%d\n", record.HardLinkCount)

	const layout = "2006-01-02 15:04:05.0000000"
	for _, a := range record.FindAttributes(mft.AttributeTypeStandardInformation) {
		si, err := mft.ParseStandardInformation(a.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Created:\t%s\n", si.Creation.Format(layout))
		fmt.Fprintf(w, "Modified:\t%s\n", si.FileLastModified.Format(layout))
		fmt.Fprintf(w, "Record modified:\t%s\n", si.MftLastModified.Format(layout))
		fmt.Fprintf(w, "Accessed:\t%s\n", si.LastAccess.Format(layout))
		fmt.Fprintf(w, "Attributes:\t%#x\n", uint32(si.FileAttributes))
	}
	for _, a := range record.FindAttributes(mft.AttributeTypeFileName) {
		name, err := mft.ParseFileName(a.Data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Name:\t%s (parent %d)\n", name.Name, name.ParentFileReference.RecordNumber)
	}

	fmt.Fprintln(w)
	for _, a := range record.Attributes {
		label := a.Type.Name()
		if a.Name != "" {
			label += ":" + a.Name
		}
		if a.Resident {
			fmt.Fprintf(w, "%s\tresident\t%s\n", label, humanize.IBytes(uint64(len(a.Data))))
			continue
		}
		fmt.Fprintf(w, "%s\tnon-resident from VCN %d\t%s\n", label, a.StartingVCN, humanize.IBytes(a.ActualSize))
		fragments, err := mft.DecodeDataRuns(a.Data, bytesPerCluster)
		if err != nil {
			return err
		}
		for _, f := range fragments {
			if f.Sparse {
				fmt.Fprintf(w, "\t  sparse\t%s\n", humanize.IBytes(uint64(f.Length)))
				continue
			}
			fmt.Fprintf(w, "\t  %#x-%#x\t%s\n", f.Offset, f.Offset+f.Length, humanize.IBytes(uint64(f.Length)))
		}
	}
	return nil
}

func printEntries(out io.Writer, entries []mft.IndexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].FileName.Name < entries[j].FileName.Name })
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, e := range entries {
		name := e.FileName
		if name.Namespace == mft.FileNameNamespaceDos {
			continue
		}
		size := humanize.IBytes(name.RealSize)
		suffix := ""
		if name.Flags.Is(mft.FileAttributeIsDirectory) {
			size, suffix = "-", "/"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s%s\n", e.FileReference.RecordNumber, size,
			name.FileLastModified.Format("2006-01-02 15:04:05"), name.Name, suffix)
	}
	w.Flush()
}
