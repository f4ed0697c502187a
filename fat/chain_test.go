package fat_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/t9t/rawfs/blockcache"
	"github.com/t9t/rawfs/device"
	"github.com/t9t/rawfs/fat"
)

// recorder remembers the offset and length of every read issued to it.
type recorder struct {
	r       io.ReadSeeker
	pos     int64
	offsets []int64
	lengths []int
}

func (r *recorder) Read(p []byte) (int, error) {
	r.offsets = append(r.offsets, r.pos)
	r.lengths = append(r.lengths, len(p))
	n, err := r.r.Read(p)
	r.pos += int64(n)
	return n, err
}

func (r *recorder) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.r.Seek(offset, whence)
	r.pos = pos
	return pos, err
}

// volumeData returns the content of a data region of the given amount of clusters, starting at cluster 2.
func volumeData(clusterSize int64, clusters int) []byte {
	data := make([]byte, clusterSize*int64(clusters))
	_, _ = rand.New(rand.NewSource(clusterSize)).Read(data)
	return data
}

func clusterBytes(data []byte, geo fat.Geometry, clusters ...uint32) []byte {
	var ret []byte
	for _, c := range clusters {
		offset := geo.ClusterOffset(c)
		ret = append(ret, data[offset:offset+geo.ClusterSize]...)
	}
	return ret
}

func TestClusterOffset(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 4096, DataOffset: 0x100000}
	assert.Equal(t, int64(0x100000), geo.ClusterOffset(2))
	assert.Equal(t, int64(0x100000+3*4096), geo.ClusterOffset(5))
}

func TestReadCoalescesSequentialClusters(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 4096}
	data := volumeData(geo.ClusterSize, 16)
	table := fat32Table(t, 17, map[uint32]uint32{5: 6, 6: 7, 7: endOfChain})
	dev, err := device.New(bytes.NewReader(data), device.Config{Size: int64(len(data))})
	require.Nil(t, err)

	chain, err := fat.NewChain(dev, table, geo, 5, 0, false)
	require.Nilf(t, err, "unable to create chain: %v", err)

	buf := make([]byte, 12000)
	n, err := chain.Read(buf)
	require.Nilf(t, err, "unable to read chain: %v", err)
	assert.Equal(t, 12000, n)
	assert.Equal(t, clusterBytes(data, geo, 5, 6, 7)[:12000], buf)
	assert.Equal(t, uint64(1), dev.Reads(), "a sequential chain should be read with one device read")
	assert.Equal(t, int64(12000), chain.Tell())
}

func TestReadContiguousSkipsTable(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 4096, DataOffset: 8192}
	data := volumeData(geo.ClusterSize, 32)
	table := fat32Table(t, 40, nil)
	src := &recorder{r: bytes.NewReader(data)}

	chain, err := fat.NewChain(src, table, geo, 10, 9000, true)
	require.Nilf(t, err, "unable to create chain: %v", err)

	buf := make([]byte, 9000)
	n, err := chain.Read(buf)
	require.Nil(t, err)
	assert.Equal(t, 9000, n)
	assert.Equal(t, data[geo.ClusterOffset(10):geo.ClusterOffset(10)+9000], buf)
	assert.Equal(t, []int{9000}, src.lengths)
	assert.Equal(t, []int64{geo.ClusterOffset(10)}, src.offsets)
	assert.Equal(t, uint64(0), table.Lookups())

	_, err = chain.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestContiguousChainNeedsSize(t *testing.T) {
	_, err := fat.NewChain(bytes.NewReader(nil), nil, fat.Geometry{ClusterSize: 512}, 10, 0, true)
	assert.NotNil(t, err)
	_, err = fat.NewChain(bytes.NewReader(nil), nil, fat.Geometry{ClusterSize: 512}, 10, 100, false)
	assert.NotNil(t, err, "a FAT chain without a table should be refused")
}

func TestReadFragmentedChain(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512, DataOffset: 1024}
	data := make([]byte, 1024)
	data = append(data, volumeData(geo.ClusterSize, 12)...)
	links := map[uint32]uint32{2: 5, 5: 6, 6: 3, 3: 9, 9: endOfChain}
	expected := clusterBytes(data, geo, 2, 5, 6, 3, 9)

	t.Run("to end of chain", func(t *testing.T) {
		chain, err := fat.NewChain(bytes.NewReader(data), fat32Table(t, 13, links), geo, 2, 0, false)
		require.Nil(t, err)
		got, err := io.ReadAll(chain)
		require.Nilf(t, err, "unable to read chain: %v", err)
		assert.Equal(t, expected, got)
	})

	t.Run("declared size", func(t *testing.T) {
		chain, err := fat.NewChain(bytes.NewReader(data), fat32Table(t, 13, links), geo, 2, 2300, false)
		require.Nil(t, err)
		got, err := io.ReadAll(chain)
		require.Nilf(t, err, "unable to read chain: %v", err)
		assert.Equal(t, expected[:2300], got)
	})

	t.Run("split reads", func(t *testing.T) {
		const size = 2300
		for k := 0; k <= size; k += 97 {
			chain, err := fat.NewChain(bytes.NewReader(data), fat32Table(t, 13, links), geo, 2, size, false)
			require.Nil(t, err)
			first := make([]byte, k)
			_, err = io.ReadFull(chain, first)
			require.Nilf(t, err, "k=%d: unable to read first part: %v", k, err)
			second := make([]byte, size-k)
			_, err = io.ReadFull(chain, second)
			require.Nilf(t, err, "k=%d: unable to read second part: %v", k, err)
			assert.Equalf(t, expected[:size], append(first, second...), "k=%d", k)
		}
	})
}

func TestSeek(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 12)
	links := map[uint32]uint32{2: 5, 5: 6, 6: 3, 3: 9, 9: endOfChain}
	expected := clusterBytes(data, geo, 2, 5, 6, 3, 9)
	chain, err := fat.NewChain(bytes.NewReader(data), fat32Table(t, 13, links), geo, 2, 2300, false)
	require.Nil(t, err)

	buf := make([]byte, 100)
	for _, pos := range []int64{1500, 10, 600, 2200, 511, 512} {
		_, err := chain.Seek(pos, io.SeekStart)
		require.Nil(t, err)
		_, err = io.ReadFull(chain, buf)
		require.Nilf(t, err, "unable to read at %d: %v", pos, err)
		assert.Equalf(t, expected[pos:pos+100], buf, "position %d", pos)
	}

	pos, err := chain.Seek(-50, io.SeekEnd)
	require.Nil(t, err)
	assert.Equal(t, int64(2250), pos)
	n, err := chain.Read(buf)
	require.Nil(t, err)
	assert.Equal(t, 50, n)
	assert.Equal(t, expected[2250:2300], buf[:n])

	_, err = chain.Seek(5000, io.SeekStart)
	require.Nil(t, err)
	_, err = chain.Read(buf)
	assert.Equal(t, io.EOF, err)
}

func TestMaxRunLength(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 12)
	links := map[uint32]uint32{2: 3, 3: 4, 4: 7, 7: 8, 8: endOfChain}
	chain, err := fat.NewChain(bytes.NewReader(data), fat32Table(t, 13, links), geo, 2, 0, false)
	require.Nil(t, err)

	run, err := chain.MaxRunLength(10000)
	require.Nil(t, err)
	assert.Equal(t, int64(3*512), run, "run should stop at the jump from 4 to 7")

	_, err = chain.Seek(3*512, io.SeekStart)
	require.Nil(t, err)
	run, err = chain.MaxRunLength(10000)
	require.Nil(t, err)
	assert.Equal(t, int64(2*512), run)

	_, err = chain.Seek(700, io.SeekStart)
	require.Nil(t, err)
	run, err = chain.MaxRunLength(1)
	require.Nil(t, err)
	assert.Equal(t, int64(512), run, "a run is never shorter than one cluster")

	_, err = chain.Seek(5*512, io.SeekStart)
	require.Nil(t, err)
	run, err = chain.MaxRunLength(10000)
	require.Nil(t, err)
	assert.Equal(t, int64(0), run)
}

func TestReadDetectsCycle(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 10)
	table := fat32Table(t, 10, map[uint32]uint32{2: 3, 3: 4, 4: 2})
	chain, err := fat.NewChain(bytes.NewReader(data), table, geo, 2, 0, false)
	require.Nil(t, err)

	_, err = io.ReadAll(chain)
	assert.True(t, errors.Is(err, fat.ErrInvalidChainLink), "expected invalid chain link but got %v", err)
	// every cluster is looked up at most twice: once to measure a run, once to advance
	assert.LessOrEqual(t, table.Lookups(), uint64(2*10))
}

func TestReadDetectsRevisitedCluster(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 100)
	table := fat32Table(t, 100, map[uint32]uint32{2: 3, 3: 2})

	chain, err := fat.NewChain(bytes.NewReader(data), table, geo, 2, 4*512, false)
	require.Nil(t, err)
	read, err := io.ReadAll(chain)
	assert.True(t, errors.Is(err, fat.ErrInvalidChainLink), "expected invalid chain link but got %v", err)
	assert.Equal(t, clusterBytes(data, geo, 2, 3), read, "no cluster is returned twice")
	_, err = chain.Read(make([]byte, 512))
	assert.True(t, errors.Is(err, fat.ErrInvalidChainLink), "the failure is returned again, not io.EOF")

	chain, err = fat.NewChain(bytes.NewReader(data), table, geo, 2, 0, false)
	require.Nil(t, err)
	_, err = chain.Seek(50*512, io.SeekStart)
	assert.True(t, errors.Is(err, fat.ErrInvalidChainLink), "expected invalid chain link but got %v", err)

	// a walk restarted from the head does not report the clusters of the previous walk
	table = fat32Table(t, 100, map[uint32]uint32{2: 7, 7: 4, 4: 0x0FFFFFFF})
	chain, err = fat.NewChain(bytes.NewReader(data), table, geo, 2, 0, false)
	require.Nil(t, err)
	_, err = chain.Seek(2*512, io.SeekStart)
	require.Nil(t, err)
	_, err = chain.Seek(0, io.SeekStart)
	require.Nil(t, err)
	read, err = io.ReadAll(chain)
	require.Nil(t, err)
	assert.Equal(t, clusterBytes(data, geo, 2, 7, 4), read)
}

// failOnce returns an error from the first read after it is armed, after delivering up to 100 bytes.
type failOnce struct {
	io.ReadSeeker
	armed bool
}

func (f *failOnce) Read(p []byte) (int, error) {
	if !f.armed {
		return f.ReadSeeker.Read(p)
	}
	f.armed = false
	if len(p) > 100 {
		p = p[:100]
	}
	n, err := f.ReadSeeker.Read(p)
	if err != nil {
		return n, err
	}
	return n, errors.New("device failure")
}

func TestReadContinuesAfterDeviceError(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 10)
	table := fat32Table(t, 10, map[uint32]uint32{2: 5, 5: 9, 9: 0x0FFFFFFF})
	src := &failOnce{ReadSeeker: bytes.NewReader(data), armed: true}
	chain, err := fat.NewChain(src, table, geo, 2, 0, false)
	require.Nil(t, err)

	buf := make([]byte, 1536)
	n, err := chain.Read(buf)
	require.NotNil(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, int64(100), chain.Tell())

	rest, err := io.ReadAll(chain)
	require.Nil(t, err)
	expected := clusterBytes(data, geo, 2, 5, 9)
	assert.Equal(t, expected[:100], buf[:n])
	assert.Equal(t, expected[100:], rest)
}

func TestReadInvalidLink(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 10)
	table := fat32Table(t, 10, map[uint32]uint32{2: 8, 8: 0})
	chain, err := fat.NewChain(bytes.NewReader(data), table, geo, 2, 0, false)
	require.Nil(t, err)

	buf := make([]byte, 2048)
	n, err := chain.Read(buf)
	assert.True(t, errors.Is(err, fat.ErrInvalidChainLink), "expected invalid chain link but got %v", err)
	assert.Equal(t, 512, n, "the valid first cluster is returned")
	assert.Equal(t, clusterBytes(data, geo, 2), buf[:n])

	_, err = fat.NewChain(bytes.NewReader(data), table, geo, 1, 0, false)
	assert.True(t, errors.Is(err, fat.ErrInvalidChainLink))
}

func TestEmptyChain(t *testing.T) {
	chain, err := fat.NewChain(bytes.NewReader(nil), fat32Table(t, 10, nil), fat.Geometry{ClusterSize: 512}, 0, 0, false)
	require.Nil(t, err)
	_, err = chain.Read(make([]byte, 10))
	assert.Equal(t, io.EOF, err)
}

func TestChainTransparentAcrossPolicies(t *testing.T) {
	geo := fat.Geometry{ClusterSize: 512}
	data := volumeData(geo.ClusterSize, 40)
	links := map[uint32]uint32{}
	order := []uint32{2, 3, 4, 20, 21, 9, 10, 11, 12, 30, 5, 6}
	for i := 0; i < len(order)-1; i++ {
		links[order[i]] = order[i+1]
	}
	links[order[len(order)-1]] = endOfChain
	expected := clusterBytes(data, geo, order...)

	for _, policy := range blockcache.Policies() {
		dev, err := device.New(bytes.NewReader(data), device.Config{Size: int64(len(data)),
			Cache: blockcache.Config{BlockSize: 512, Capacity: 4, Policy: policy}})
		require.Nil(t, err)
		chain, err := fat.NewChain(dev, fat32Table(t, 41, links), geo, 2, 0, false)
		require.Nil(t, err)

		buf := make([]byte, 300)
		for _, pos := range []int64{0, 5000, 100, 1900, 4000, 800, 5800} {
			_, err := chain.Seek(pos, io.SeekStart)
			require.Nil(t, err)
			n, err := io.ReadFull(chain, buf)
			require.Nilf(t, err, "policy %s: unable to read at %d: %v", policy, pos, err)
			assert.Equalf(t, expected[pos:pos+int64(n)], buf, "policy %s position %d", policy, pos)
		}
	}
}
