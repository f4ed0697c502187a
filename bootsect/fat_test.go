package bootsect_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t9t/rawfs/bootsect"
	"github.com/t9t/rawfs/fat"
)

type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster byte
	reserved          uint16
	fats              byte
	rootEntries       uint16
	totalSectors      uint32
	sectorsPerFAT     uint32
	fat32             bool
	label             string
}

func (p bpb) bytes() []byte {
	b := make([]byte, 512)
	copy(b, []byte{0xEB, 0x3C, 0x90})
	copy(b[0x03:], "MSWIN4.1")
	binary.LittleEndian.PutUint16(b[0x0B:], p.bytesPerSector)
	b[0x0D] = p.sectorsPerCluster
	binary.LittleEndian.PutUint16(b[0x0E:], p.reserved)
	b[0x10] = p.fats
	binary.LittleEndian.PutUint16(b[0x11:], p.rootEntries)
	if p.totalSectors < 0x10000 {
		binary.LittleEndian.PutUint16(b[0x13:], uint16(p.totalSectors))
	} else {
		binary.LittleEndian.PutUint32(b[0x20:], p.totalSectors)
	}
	b[0x15] = 0xF8
	ext := 0x26
	if p.fat32 {
		binary.LittleEndian.PutUint32(b[0x24:], p.sectorsPerFAT)
		binary.LittleEndian.PutUint32(b[0x2C:], 2)
		ext = 0x42
	} else {
		binary.LittleEndian.PutUint16(b[0x16:], uint16(p.sectorsPerFAT))
	}
	if p.label != "" {
		b[ext] = 0x29
		binary.LittleEndian.PutUint32(b[ext+1:], 0x1234ABCD)
		copy(b[ext+5:], p.label+"           "[len(p.label):])
		copy(b[ext+16:], "FAT     ")
	}
	b[0x1FE], b[0x1FF] = 0x55, 0xAA
	return b
}

var floppy = bpb{bytesPerSector: 512, sectorsPerCluster: 1, reserved: 1, fats: 2, rootEntries: 224, totalSectors: 2880, sectorsPerFAT: 9, label: "FLOPPY"}

func exfatBootSector() []byte {
	b := make([]byte, 512)
	copy(b, []byte{0xEB, 0x76, 0x90})
	copy(b[0x03:], "EXFAT   ")
	binary.LittleEndian.PutUint64(b[0x40:], 2048)
	binary.LittleEndian.PutUint64(b[0x48:], 1<<21)
	binary.LittleEndian.PutUint32(b[0x50:], 2048)
	binary.LittleEndian.PutUint32(b[0x54:], 512)
	binary.LittleEndian.PutUint32(b[0x58:], 4096)
	binary.LittleEndian.PutUint32(b[0x5C:], 100000)
	binary.LittleEndian.PutUint32(b[0x60:], 5)
	binary.LittleEndian.PutUint32(b[0x64:], 0xCAFEBABE)
	binary.LittleEndian.PutUint16(b[0x68:], 0x0100)
	b[0x6C] = 9
	b[0x6D] = 3
	b[0x6E] = 1
	b[0x70] = 42
	b[0x1FE], b[0x1FF] = 0x55, 0xAA
	return b
}

func TestParseFAT12(t *testing.T) {
	b, err := bootsect.ParseFAT(floppy.bytes(), 0)
	require.Nilf(t, err, "unable to parse boot sector: %v", err)

	assert.Equal(t, "MSWIN4.1", b.OemId)
	assert.Equal(t, 224, b.RootEntries)
	assert.Equal(t, uint32(2880), b.TotalSectors)
	assert.Equal(t, uint32(0x1234ABCD), b.VolumeId)
	assert.Equal(t, "FLOPPY", b.VolumeLabel)
	assert.Equal(t, "FAT", b.FileSystemType)
	assert.Equal(t, bootsect.Layout{
		Bits:          12,
		ClusterSize:   512,
		FATOffset:     512,
		FATCount:      2,
		DataOffset:    33 * 512,
		Clusters:      2847,
		RootDirOffset: 19 * 512,
		RootDirSize:   14 * 512,
	}, b.Layout)
}

func TestParseFAT16(t *testing.T) {
	p := bpb{bytesPerSector: 512, sectorsPerCluster: 4, reserved: 4, fats: 2, rootEntries: 512, totalSectors: 262144, sectorsPerFAT: 256}
	b, err := bootsect.ParseFAT(p.bytes(), 1<<20)
	require.Nilf(t, err, "unable to parse boot sector: %v", err)

	l := b.Layout
	assert.Equal(t, 16, l.Bits)
	assert.Equal(t, uint32(65399), l.Clusters)
	assert.Equal(t, int64(1<<20+4*512), l.FATOffset)
	assert.Equal(t, int64(1<<20+516*512), l.RootDirOffset)
	assert.Equal(t, int64(1<<20+548*512), l.DataOffset)
	assert.Equal(t, int64(1<<20+548*512+2048), l.ClusterOffset(3))
	assert.Empty(t, b.VolumeLabel, "no extended boot signature")
}

func TestParseFAT32(t *testing.T) {
	p := bpb{bytesPerSector: 512, sectorsPerCluster: 8, reserved: 32, fats: 2, totalSectors: 2097152, sectorsPerFAT: 2048, fat32: true, label: "NO NAME"}
	b, err := bootsect.ParseFAT(p.bytes(), 0)
	require.Nilf(t, err, "unable to parse boot sector: %v", err)

	assert.Equal(t, uint32(2048), b.SectorsPerFAT)
	assert.Equal(t, uint32(2), b.RootCluster)
	assert.Equal(t, "NO NAME", b.VolumeLabel)
	assert.Equal(t, bootsect.Layout{
		Bits:        32,
		ClusterSize: 4096,
		FATOffset:   32 * 512,
		FATCount:    2,
		DataOffset:  4128 * 512,
		RootCluster: 2,
		Clusters:    261628,
	}, b.Layout)
	assert.Equal(t, fat.Geometry{ClusterSize: 4096, DataOffset: 4128 * 512}, b.Layout.Geometry())
}

func TestParseFATInvalid(t *testing.T) {
	_, err := bootsect.ParseFAT(floppy.bytes()[:511], 0)
	assert.NotNil(t, err, "short sector")

	unsigned := floppy.bytes()
	unsigned[0x1FF] = 0
	_, err = bootsect.ParseFAT(unsigned, 0)
	assert.NotNil(t, err, "missing signature")

	tests := map[string]bpb{
		"bytes per sector":    {bytesPerSector: 500, sectorsPerCluster: 1, reserved: 1, fats: 2, totalSectors: 2880, sectorsPerFAT: 9},
		"sectors per cluster": {bytesPerSector: 512, sectorsPerCluster: 3, reserved: 1, fats: 2, totalSectors: 2880, sectorsPerFAT: 9},
		"reserved sectors":    {bytesPerSector: 512, sectorsPerCluster: 1, fats: 2, totalSectors: 2880, sectorsPerFAT: 9},
		"FAT count":           {bytesPerSector: 512, sectorsPerCluster: 1, reserved: 1, totalSectors: 2880, sectorsPerFAT: 9},
		"no data":             {bytesPerSector: 512, sectorsPerCluster: 1, reserved: 1, fats: 2, totalSectors: 19, sectorsPerFAT: 9},
	}
	for name, p := range tests {
		_, err := bootsect.ParseFAT(p.bytes(), 0)
		assert.NotNilf(t, err, "invalid %s should be refused", name)
	}
}

func TestParseExFAT(t *testing.T) {
	b, err := bootsect.ParseExFAT(exfatBootSector(), 1<<20)
	require.Nilf(t, err, "unable to parse boot sector: %v", err)

	assert.Equal(t, uint32(0xCAFEBABE), b.VolumeSerialNumber)
	assert.Equal(t, 512, b.BytesPerSector)
	assert.Equal(t, 8, b.SectorsPerCluster)
	assert.Equal(t, byte(42), b.PercentInUse)
	assert.Equal(t, bootsect.Layout{
		Bits:        32,
		ExFAT:       true,
		ClusterSize: 4096,
		FATOffset:   1<<20 + 2048*512,
		FATCount:    1,
		DataOffset:  1<<20 + 4096*512,
		RootCluster: 5,
		Clusters:    100000,
	}, b.Layout)

	_, err = bootsect.ParseExFAT(floppy.bytes(), 0)
	assert.NotNil(t, err, "FAT boot sector")

	bad := exfatBootSector()
	bad[0x6D] = 20
	_, err = bootsect.ParseExFAT(bad, 0)
	assert.NotNil(t, err, "cluster larger than 32MB")
}

func putFAT12(table []byte, index int, value uint16) {
	off := index * 3 / 2
	if index%2 == 0 {
		table[off] = byte(value)
		table[off+1] = table[off+1]&0xF0 | byte(value>>8)&0x0F
	} else {
		table[off] = table[off]&0x0F | byte(value<<4)
		table[off+1] = byte(value >> 4)
	}
}

func TestReadFileFromFAT12Image(t *testing.T) {
	p := bpb{bytesPerSector: 512, sectorsPerCluster: 1, reserved: 1, fats: 1, rootEntries: 16, totalSectors: 40, sectorsPerFAT: 1}
	image := make([]byte, 40*512)
	copy(image, p.bytes())

	b, err := bootsect.ParseFAT(image[:512], 0)
	require.Nil(t, err)
	l := b.Layout
	require.Equal(t, 12, l.Bits)
	require.Equal(t, uint32(37), l.Clusters)

	table := image[l.FATOffset : l.FATOffset+512]
	for i, v := range []uint16{0xFF8, 0xFFF, 3, 5, 0, 0xFFF} {
		putFAT12(table, i, v)
	}
	for c := uint32(2); c < 8; c++ {
		off := l.ClusterOffset(c)
		copy(image[off:off+512], bytes.Repeat([]byte{byte(c)}, 512))
	}

	ft, err := l.OpenTable(bytes.NewReader(image))
	require.Nil(t, err)
	clusters, err := ft.Follow(2)
	require.Nil(t, err)
	assert.Equal(t, []uint32{2, 3, 5}, clusters)

	chain, err := fat.NewChain(bytes.NewReader(image), ft, l.Geometry(), 2, 1300, false)
	require.Nil(t, err)
	data, err := io.ReadAll(chain)
	require.Nil(t, err)
	expected := append(bytes.Repeat([]byte{2}, 512), bytes.Repeat([]byte{3}, 512)...)
	expected = append(expected, bytes.Repeat([]byte{5}, 276)...)
	assert.Equal(t, expected, data)
}
