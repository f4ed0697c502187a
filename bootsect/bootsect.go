/*
	Package bootsect provides functions to parse the boot sector (also sometimes called Volume Boot Record, VBR, or
	$Boot file) of NTFS, exFAT and FAT12/16/32 volumes.

	Use Detect to find out which file system a boot sector belongs to, then parse it with Parse (NTFS), ParseExFAT or
	ParseFAT. The FAT variants yield a Layout that tells where the allocation table and the data clusters are.
*/
package bootsect

import (
	"bytes"
	"fmt"

	"github.com/t9t/rawfs/binutil"
)

// Kind identifies the file system a boot sector belongs to.
type Kind int

// Known kinds of boot sectors.
const (
	KindUnknown Kind = iota
	KindNTFS
	KindExFAT
	KindFAT
)

func (k Kind) String() string {
	switch k {
	case KindNTFS:
		return "NTFS"
	case KindExFAT:
		return "exFAT"
	case KindFAT:
		return "FAT"
	}
	return "unknown"
}

var (
	ntfsOemId  = []byte("NTFS    ")
	exfatOemId = []byte("EXFAT   ")
)

const sectorSize = 512

// Detect tells which kind of file system the boot sector belongs to. NTFS and exFAT are recognized by their OEM id. Any
// other sector carrying the 0x55 0xAA signature and a plausible bytes per sector value is taken to be FAT.
func Detect(data []byte) Kind {
	if len(data) < 0x0B {
		return KindUnknown
	}
	switch {
	case bytes.Equal(data[0x03:0x0B], ntfsOemId):
		return KindNTFS
	case bytes.Equal(data[0x03:0x0B], exfatOemId):
		return KindExFAT
	}
	if len(data) < sectorSize || !hasSignature(data) {
		return KindUnknown
	}
	if validSectorSize(int(binutil.NewLittleEndianReader(data).Uint16(0x0B))) {
		return KindFAT
	}
	return KindUnknown
}

func hasSignature(data []byte) bool {
	return data[0x1FE] == 0x55 && data[0x1FF] == 0xAA
}

func validSectorSize(n int) bool {
	return n >= 512 && n <= 4096 && n&(n-1) == 0
}

// BootSector represents the parsed data of an NTFS boot sector. The OemId should typically be "NTFS    " ("NTFS"
// followed by 4 trailing spaces) for a valid NTFS boot sector.
type BootSector struct {
	OemId                        string
	BytesPerSector               int
	SectorsPerCluster            int
	MediaDescriptor              byte
	SectorsPerTrack              int
	NumberofHeads                int
	HiddenSectors                int
	TotalSectors                 uint64
	MftClusterNumber             uint64
	MftMirrorClusterNumber       uint64
	FileRecordSegmentSizeInBytes int
	IndexBufferSizeInBytes       int
	VolumeSerialNumber           []byte
}

// Parse parses the data of an NTFS boot sector into a BootSector structure.
func Parse(data []byte) (BootSector, error) {
	if len(data) < 80 {
		return BootSector{}, fmt.Errorf("boot sector data should be at least 80 bytes but is %d", len(data))
	}
	r := binutil.NewLittleEndianReader(data)
	bytesPerSector := int(r.Uint16(0x0B))
	sectorsPerCluster := int(int8(r.Byte(0x0D)))
	if sectorsPerCluster < 0 {
		// negative: 2 to the power of the absolute value
		sectorsPerCluster = 1 << -sectorsPerCluster
	}
	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return BootSector{}, fmt.Errorf("invalid cluster geometry: %d bytes per sector, %d sectors per cluster", bytesPerSector, sectorsPerCluster)
	}
	bytesPerCluster := bytesPerSector * sectorsPerCluster
	return BootSector{
		OemId:                        string(r.Read(0x03, 8)),
		BytesPerSector:               bytesPerSector,
		SectorsPerCluster:            sectorsPerCluster,
		MediaDescriptor:              r.Byte(0x15),
		SectorsPerTrack:              int(r.Uint16(0x18)),
		NumberofHeads:                int(r.Uint16(0x1A)),
		HiddenSectors:                int(r.Uint16(0x1C)),
		TotalSectors:                 r.Uint64(0x28),
		MftClusterNumber:             r.Uint64(0x30),
		MftMirrorClusterNumber:       r.Uint64(0x38),
		FileRecordSegmentSizeInBytes: bytesOrClustersToBytes(r.Byte(0x40), bytesPerCluster),
		IndexBufferSizeInBytes:       bytesOrClustersToBytes(r.Byte(0x44), bytesPerCluster),
		VolumeSerialNumber:           binutil.Duplicate(r.Read(0x48, 8)),
	}, nil
}

// BytesPerCluster returns the cluster size of the volume.
func (b BootSector) BytesPerCluster() int {
	return b.BytesPerSector * b.SectorsPerCluster
}

// MftOffset returns the byte offset of the first $MFT record, relative to the start of the volume.
func (b BootSector) MftOffset() int64 {
	return int64(b.MftClusterNumber) * int64(b.BytesPerCluster())
}

// A positive value is a number of clusters, a negative value is 2 to the power of its absolute value in bytes
// (0xF6 = -10 → 2^10 = 1024).
func bytesOrClustersToBytes(b byte, bytesPerCluster int) int {
	i := int(int8(b))
	if i < 0 {
		return 1 << -i
	}
	return i * bytesPerCluster
}
