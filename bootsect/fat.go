package bootsect

import (
	"fmt"
	"io"
	"strings"

	"github.com/t9t/rawfs/binutil"
	"github.com/t9t/rawfs/fat"
)

// Cluster count limits that decide the FAT variant of a volume.
const (
	maxFAT12Clusters = 4085
	maxFAT16Clusters = 65525
)

// Layout locates the regions of a FAT12/16/32 or exFAT volume. All offsets are bytes relative to the start of the
// device the boot sector was read from.
type Layout struct {
	Bits        int
	ExFAT       bool
	ClusterSize int64
	FATOffset   int64
	FATCount    int
	DataOffset  int64
	RootCluster uint32

	// Clusters is the amount of data clusters. They are numbered 2 up to and including Clusters+1.
	Clusters uint32

	// RootDirOffset and RootDirSize locate the fixed root directory of FAT12 and FAT16; they are 0 on FAT32 and exFAT,
	// where the root directory is a cluster chain starting at RootCluster.
	RootDirOffset int64
	RootDirSize   int64
}

// Geometry returns the cluster geometry used by fat.Chain.
func (l Layout) Geometry() fat.Geometry {
	return fat.Geometry{ClusterSize: l.ClusterSize, DataOffset: l.DataOffset}
}

// ClusterOffset returns the byte offset of a data cluster.
func (l Layout) ClusterOffset(cluster uint32) int64 {
	return l.Geometry().ClusterOffset(cluster)
}

// OpenTable creates a fat.Table for the first allocation table of the volume, read from src.
func (l Layout) OpenTable(src io.ReadSeeker) (*fat.Table, error) {
	return fat.NewTable(src, l.FATOffset, l.Clusters+1, l.Bits, l.ExFAT)
}

// FATBootSector represents the parsed data of a FAT12, FAT16 or FAT32 boot sector (the BIOS Parameter Block).
type FATBootSector struct {
	OemId             string
	BytesPerSector    int
	SectorsPerCluster int
	ReservedSectors   int
	FATCount          int
	RootEntries       int
	TotalSectors      uint32
	MediaDescriptor   byte
	SectorsPerFAT     uint32
	HiddenSectors     uint32
	RootCluster       uint32
	VolumeId          uint32
	VolumeLabel       string
	FileSystemType    string
	Layout            Layout
}

// ParseFAT parses a FAT12, FAT16 or FAT32 boot sector that was read at byte offset position of a device. The FAT
// variant is determined from the amount of data clusters, never from the file system type label.
func ParseFAT(data []byte, position int64) (FATBootSector, error) {
	if len(data) < sectorSize {
		return FATBootSector{}, fmt.Errorf("boot sector data should be at least %d bytes but is %d", sectorSize, len(data))
	}
	if !hasSignature(data) {
		return FATBootSector{}, fmt.Errorf("missing boot sector signature, found %# x", data[0x1FE:0x200])
	}
	r := binutil.NewLittleEndianReader(data)
	b := FATBootSector{
		OemId:             string(r.Read(0x03, 8)),
		BytesPerSector:    int(r.Uint16(0x0B)),
		SectorsPerCluster: int(r.Byte(0x0D)),
		ReservedSectors:   int(r.Uint16(0x0E)),
		FATCount:          int(r.Byte(0x10)),
		RootEntries:       int(r.Uint16(0x11)),
		TotalSectors:      uint32(r.Uint16(0x13)),
		MediaDescriptor:   r.Byte(0x15),
		SectorsPerFAT:     uint32(r.Uint16(0x16)),
		HiddenSectors:     r.Uint32(0x1C),
	}
	if b.TotalSectors == 0 {
		b.TotalSectors = r.Uint32(0x20)
	}
	fat32 := b.SectorsPerFAT == 0
	if fat32 {
		b.SectorsPerFAT = r.Uint32(0x24)
	}

	switch {
	case !validSectorSize(b.BytesPerSector):
		return FATBootSector{}, fmt.Errorf("invalid bytes per sector %d", b.BytesPerSector)
	case b.SectorsPerCluster == 0 || b.SectorsPerCluster&(b.SectorsPerCluster-1) != 0:
		return FATBootSector{}, fmt.Errorf("invalid sectors per cluster %d", b.SectorsPerCluster)
	case b.ReservedSectors == 0:
		return FATBootSector{}, fmt.Errorf("reserved sector count should not be 0")
	case b.FATCount == 0 || b.SectorsPerFAT == 0:
		return FATBootSector{}, fmt.Errorf("invalid FAT count %d of %d sectors", b.FATCount, b.SectorsPerFAT)
	}

	bps := int64(b.BytesPerSector)
	rootDirSectors := (int64(b.RootEntries)*32 + bps - 1) / bps
	metaSectors := int64(b.ReservedSectors) + int64(b.FATCount)*int64(b.SectorsPerFAT) + rootDirSectors
	if int64(b.TotalSectors) <= metaSectors {
		return FATBootSector{}, fmt.Errorf("total sectors %d leave no room for data after %d metadata sectors", b.TotalSectors, metaSectors)
	}
	clusters := uint32((int64(b.TotalSectors) - metaSectors) / int64(b.SectorsPerCluster))

	l := Layout{
		ClusterSize: bps * int64(b.SectorsPerCluster),
		FATOffset:   position + int64(b.ReservedSectors)*bps,
		FATCount:    b.FATCount,
		Clusters:    clusters,
	}
	rootDirOffset := l.FATOffset + int64(b.FATCount)*int64(b.SectorsPerFAT)*bps
	l.DataOffset = rootDirOffset + rootDirSectors*bps
	switch {
	case clusters < maxFAT12Clusters:
		l.Bits = 12
	case clusters < maxFAT16Clusters:
		l.Bits = 16
	default:
		l.Bits = 32
	}

	labelOffset := 0x2B
	if fat32 {
		labelOffset = 0x47
		b.RootCluster = r.Uint32(0x2C)
		l.RootCluster = b.RootCluster
	}
	if l.Bits != 32 {
		l.RootDirOffset = rootDirOffset
		l.RootDirSize = rootDirSectors * bps
	}
	if r.Byte(labelOffset-5) == 0x29 {
		// extended boot signature present
		b.VolumeId = r.Uint32(labelOffset - 4)
		b.VolumeLabel = strings.TrimRight(string(r.Read(labelOffset, 11)), " ")
		b.FileSystemType = strings.TrimRight(string(r.Read(labelOffset+11, 8)), " ")
	}
	b.Layout = l
	return b, nil
}

// ExFATBootSector represents the parsed data of an exFAT main boot sector.
type ExFATBootSector struct {
	OemId              string
	PartitionOffset    uint64
	VolumeLength       uint64
	FATOffset          uint32
	FATLength          uint32
	ClusterHeapOffset  uint32
	ClusterCount       uint32
	RootCluster        uint32
	VolumeSerialNumber uint32
	FileSystemRevision uint16
	VolumeFlags        uint16
	BytesPerSector     int
	SectorsPerCluster  int
	FATCount           int
	PercentInUse       byte
	Layout             Layout
}

// ParseExFAT parses an exFAT main boot sector that was read at byte offset position of a device.
func ParseExFAT(data []byte, position int64) (ExFATBootSector, error) {
	if len(data) < sectorSize {
		return ExFATBootSector{}, fmt.Errorf("boot sector data should be at least %d bytes but is %d", sectorSize, len(data))
	}
	if Detect(data) != KindExFAT {
		return ExFATBootSector{}, fmt.Errorf("not an exFAT boot sector, OEM id is %q", data[0x03:0x0B])
	}
	r := binutil.NewLittleEndianReader(data)
	bytesShift, clusterShift := int(r.Byte(0x6C)), int(r.Byte(0x6D))
	if bytesShift < 9 || bytesShift > 12 || bytesShift+clusterShift > 25 {
		return ExFATBootSector{}, fmt.Errorf("invalid cluster geometry: 2^%d bytes per sector, 2^%d sectors per cluster", bytesShift, clusterShift)
	}
	b := ExFATBootSector{
		OemId:              string(r.Read(0x03, 8)),
		PartitionOffset:    r.Uint64(0x40),
		VolumeLength:       r.Uint64(0x48),
		FATOffset:          r.Uint32(0x50),
		FATLength:          r.Uint32(0x54),
		ClusterHeapOffset:  r.Uint32(0x58),
		ClusterCount:       r.Uint32(0x5C),
		RootCluster:        r.Uint32(0x60),
		VolumeSerialNumber: r.Uint32(0x64),
		FileSystemRevision: r.Uint16(0x68),
		VolumeFlags:        r.Uint16(0x6A),
		BytesPerSector:     1 << bytesShift,
		SectorsPerCluster:  1 << clusterShift,
		FATCount:           int(r.Byte(0x6E)),
		PercentInUse:       r.Byte(0x70),
	}
	if b.FATCount == 0 || b.ClusterCount == 0 {
		return ExFATBootSector{}, fmt.Errorf("invalid FAT count %d or cluster count %d", b.FATCount, b.ClusterCount)
	}
	bps := int64(b.BytesPerSector)
	b.Layout = Layout{
		Bits:        32,
		ExFAT:       true,
		ClusterSize: bps * int64(b.SectorsPerCluster),
		FATOffset:   position + int64(b.FATOffset)*bps,
		FATCount:    b.FATCount,
		DataOffset:  position + int64(b.ClusterHeapOffset)*bps,
		Clusters:    b.ClusterCount,
		RootCluster: b.RootCluster,
	}
	return b, nil
}
