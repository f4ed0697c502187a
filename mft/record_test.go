package mft_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t9t/rawfs/mft"
)

// an in use record with two $FILE_NAME attributes and a non-resident $DATA attribute, spanning 2 sectors
const fixupRecordHex = "46494c4530000300755762ef19000000150002003800010098020000000400000000000000000000060000002a0000000c000000000000001000000060000000000000000000000048000000180000007e31192b21d6d50186468bb40eded4012e7d4e954dcbd5016c7f192b21d6d5012000040000000000000000000000000000000000161300000000000000000000a068d14a05000000300000007800000000000000000003005a000000180001003b000000000009007e31192b21d6d5017e31192b21d6d5017e31192b21d6d5017e31192b21d6d5010020040000000000000000000000000020000000000000000c0249004e0054004c00500052007e0031002e0044004c004c000000000000003000000080000000000000000000020062000000180001003b000000000009007e31192b21d6d5017e31192b21d6d5017e31192b21d6d5017e31192b21d6d501002004000000000000000000000000002000000000000000100149006e0074006c00500072006f00760069006400650072002e0064006c006c00000000000000800000004800000001000000000001000000000000000000410000000000000040000000000000000020040000000000381704000000000038170400000000004142f46ea0000000d00000002000000000000000000004000800000018000000780000007c000000e000000098000c0000000000000005007c000000180000007c000000000f64002443492e434154414c4f4748494e5400010060004d6963726f736f66742d57696e646f77732d436c69656e742d4465736b746f702d52657175697265642d5061636b616765303431367e333162663338353661643336346533357e616d6436347e7e31302e302e31383336322e3539322e63617400000000ffffffff82794711000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000c00"

func TestParseRecordFixup(t *testing.T) {
	input := decodeHex(t, fixupRecordHex)
	original := append([]byte(nil), input...)

	record, err := mft.ParseRecord(input)
	require.Nilf(t, err, "error parsing record: %v", err)
	assert.Equal(t, original, input, "input should not be modified")

	assert.Equal(t, []byte("FILE"), record.Signature)
	assert.Equal(t, mft.FileReference{RecordNumber: 42, SequenceNumber: 21}, record.FileReference)
	assert.True(t, record.Flags.Is(mft.RecordFlagInUse))
	assert.False(t, record.Flags.Is(mft.RecordFlagIsDirectory))
	assert.True(t, record.IsBase())

	types := make([]mft.AttributeType, 0)
	for _, a := range record.Attributes {
		types = append(types, a.Type)
	}
	assert.Equal(t, []mft.AttributeType{mft.AttributeTypeStandardInformation, mft.AttributeTypeFileName,
		mft.AttributeTypeFileName, mft.AttributeTypeData, mft.AttributeTypeEAInformation, mft.AttributeTypeEA}, types)

	names := record.FindAttributes(mft.AttributeTypeFileName)
	require.Len(t, names, 2)
	long, err := mft.ParseFileName(names[1].Data)
	require.Nilf(t, err, "unable to parse file name: %v", err)
	assert.Equal(t, "IntlProvider.dll", long.Name)
	assert.Equal(t, mft.FileNameNamespaceWin32, long.Namespace)

	data := record.FindAttributes(mft.AttributeTypeData)
	require.Len(t, data, 1)
	assert.False(t, data[0].Resident)
	assert.Equal(t, uint64(270336), data[0].AllocatedSize)
	assert.Equal(t, uint64(268088), data[0].ActualSize)

	fragments, err := mft.DecodeDataRuns(data[0].Data, 4096)
	require.Nilf(t, err, "unable to decode dataruns: %v", err)
	require.Len(t, fragments, 1)
	assert.Equal(t, int64(10514164*4096), fragments[0].Offset)
	assert.Equal(t, int64(66*4096), fragments[0].Length)

	assert.Empty(t, record.FindAttributes(mft.AttributeTypeBitmap))
}

func TestParseRecordFixupMismatch(t *testing.T) {
	input := decodeHex(t, fixupRecordHex)
	input[510] ^= 0xFF
	_, err := mft.ParseRecord(input)
	assert.NotNil(t, err)
}

func TestParseRecordInvalid(t *testing.T) {
	_, err := mft.ParseRecord(make([]byte, 10))
	assert.NotNil(t, err)

	b := decodeHex(t, fixupRecordHex)
	copy(b, "BAAD")
	_, err = mft.ParseRecord(b)
	assert.NotNil(t, err)
}

func TestParseFileReference(t *testing.T) {
	ref, err := mft.ParseFileReference([]byte{26, 179, 6, 0, 0, 0, 45, 0})
	require.Nilf(t, err, "error parsing reference: %v", err)
	expected := mft.FileReference{RecordNumber: 439066, SequenceNumber: 45}
	assert.Equal(t, expected, ref)

	ref, err = mft.ParseFileReference([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 1, 0})
	require.Nil(t, err)
	assert.Equal(t, uint64(0xFFFFFFFFFFFF), ref.RecordNumber, "record numbers are unsigned")

	_, err = mft.ParseFileReference([]byte{1, 2, 3})
	assert.NotNil(t, err)
}

func TestRecordFlag(t *testing.T) {
	f := mft.RecordFlag(0)
	assert.False(t, f.Is(mft.RecordFlagInUse))
	assert.False(t, f.Is(mft.RecordFlagIsDirectory))
	assert.False(t, f.Is(mft.RecordFlagInExtend))
	assert.False(t, f.Is(mft.RecordFlagIsIndex))

	f = mft.RecordFlag(3)
	assert.True(t, f.Is(mft.RecordFlagInUse))
	assert.True(t, f.Is(mft.RecordFlagIsDirectory))
	assert.False(t, f.Is(mft.RecordFlagInExtend))

	f = mft.RecordFlag(15)
	assert.True(t, f.Is(mft.RecordFlagInExtend))
	assert.True(t, f.Is(mft.RecordFlagIsIndex))
}

func decodeHex(t *testing.T, s string) []byte {
	input, err := hex.DecodeString(s)
	require.Nilf(t, err, "unable to convert input hex to []byte: %v", err)
	return input
}
