package fat

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Geometry describes where clusters live on a volume. DataOffset is the byte offset of cluster 2, the first data
// cluster.
type Geometry struct {
	ClusterSize int64
	DataOffset  int64
}

// ClusterOffset returns the byte offset of a cluster on the volume.
func (g Geometry) ClusterOffset(cluster uint32) int64 {
	return g.DataOffset + (int64(cluster)-2)*g.ClusterSize
}

// A Chain is a seekable stream over the clusters of a single file or directory. It remembers the last resolved
// position in the chain (the anchor) so reading forward never walks the chain from its head again. Physically
// sequential clusters are read with a single call to the device.
//
// A Chain reads from dev, which should be a device.Device dedicated to file content. It is not safe for concurrent use.
type Chain struct {
	dev        io.ReadSeeker
	table      *Table
	geo        Geometry
	start      uint32
	size       int64
	contiguous bool

	pos int64
	vcn int64
	vco int64
	lcn uint32
	eof bool

	anchorVCN int64
	anchorLCN uint32
	// clusters passed by the walk from the head up to the anchor, one bit per cluster
	visited []uint64
	// last failure to resolve the position
	err error
}

// NewChain creates a Chain starting at cluster start. A size of 0 means the chain is followed until its end marker,
// which is how directories are read. A contiguous chain (the exFAT "no FAT chain" flag) is addressed arithmetically
// and never consults the table, so it needs a size and table may be nil. A start cluster of 0 is an empty file.
func NewChain(dev io.ReadSeeker, table *Table, geo Geometry, start uint32, size int64, contiguous bool) (*Chain, error) {
	if geo.ClusterSize <= 0 {
		return nil, errors.Errorf("cluster size should be positive but is %d", geo.ClusterSize)
	}
	if size < 0 {
		return nil, errors.Errorf("chain size should not be negative but is %d", size)
	}
	if contiguous && start != 0 {
		if size == 0 {
			return nil, errors.New("a contiguous chain needs a size")
		}
		if start < 2 {
			return nil, errors.Wrapf(ErrInvalidChainLink, "contiguous chain starts at cluster %#x", start)
		}
	}
	if !contiguous && table == nil {
		return nil, errors.New("a FAT chain needs a table")
	}
	c := &Chain{dev: dev, table: table, geo: geo, start: start, size: size, contiguous: contiguous, anchorVCN: -1}
	if err := c.setPosition(0); err != nil {
		return nil, err
	}
	return c, nil
}

// Size returns the declared size of the chain, or 0 when it is read up to its end marker.
func (c *Chain) Size() int64 {
	return c.size
}

// Tell returns the current position in the stream.
func (c *Chain) Tell() int64 {
	return c.pos
}

// Seek sets the position in the stream and resolves the cluster it lies in. io.SeekEnd requires a declared size.
// Seeking past the end is allowed; the next Read returns io.EOF.
func (c *Chain) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = c.pos + offset
	case io.SeekEnd:
		if c.size == 0 {
			return c.pos, errors.New("cannot seek relative to the end of a chain of unknown size")
		}
		pos = c.size + offset
	default:
		return c.pos, errors.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return c.pos, errors.Errorf("cannot seek to negative position %d", pos)
	}
	if err := c.setPosition(pos); err != nil {
		return c.pos, err
	}
	return c.pos, nil
}

// setPosition resolves pos. A failure is kept and returned by Read until a later Seek succeeds.
func (c *Chain) setPosition(pos int64) error {
	c.pos = pos
	c.vcn = pos / c.geo.ClusterSize
	c.vco = pos % c.geo.ClusterSize
	c.err = c.resolve()
	return c.err
}

// resolve finds the physical cluster for the current vcn and positions the device on it.
func (c *Chain) resolve() error {
	c.eof = false
	if c.start == 0 || (c.size > 0 && c.pos >= c.size) {
		c.eof = true
		return nil
	}

	if c.contiguous {
		c.lcn = c.start + uint32(c.vcn)
	} else {
		if c.anchorVCN < 0 || c.vcn < c.anchorVCN {
			if !c.table.IsValid(c.start) || c.table.IsLast(c.start) || c.table.IsBad(c.start) {
				return errors.Wrapf(ErrInvalidChainLink, "chain starts at cluster %#x", c.start)
			}
			if c.anchorVCN >= 0 {
				log.WithFields(logrus.Fields{"vcn": c.vcn, "anchor": c.anchorVCN}).Debug("restarting chain walk")
			}
			c.anchorVCN, c.anchorLCN = 0, c.start
			c.resetVisited()
		}
		for c.anchorVCN < c.vcn {
			last, err := c.advance()
			if err != nil {
				return err
			}
			if last {
				c.eof = true
				return nil
			}
		}
		c.lcn = c.anchorLCN
	}

	offset := c.geo.ClusterOffset(c.lcn) + c.vco
	if _, err := c.dev.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "unable to seek to cluster %#x", c.lcn)
	}
	return nil
}

// advance moves the anchor one cluster forward. It reports whether the anchor was the last cluster of the chain.
func (c *Chain) advance() (bool, error) {
	next, err := c.table.Lookup(c.anchorLCN)
	if err != nil {
		return false, err
	}
	if c.table.IsLast(next) {
		return true, nil
	}
	if !c.table.IsValid(next) || c.table.IsBad(next) {
		return false, errors.Wrapf(ErrInvalidChainLink, "cluster %#x (vcn %d) links to %#x", c.anchorLCN, c.anchorVCN, next)
	}
	return false, c.moveAnchor(next)
}

// moveAnchor moves the anchor to next, the successor of the anchor cluster. A cluster that was passed before means the
// chain loops.
func (c *Chain) moveAnchor(next uint32) error {
	if c.anchorVCN+1 >= int64(c.table.Size()) {
		return errors.Wrapf(ErrInvalidChainLink, "chain from cluster %#x is longer than the table", c.start)
	}
	word, bit := next/64, uint64(1)<<(next%64)
	if c.visited[word]&bit != 0 {
		return errors.Wrapf(ErrInvalidChainLink, "cluster %#x (vcn %d) links back to cluster %#x", c.anchorLCN, c.anchorVCN, next)
	}
	c.visited[word] |= bit
	c.anchorVCN++
	c.anchorLCN = next
	return nil
}

func (c *Chain) resetVisited() {
	words := (int(c.table.Size()) + 2 + 63) / 64
	if len(c.visited) != words {
		c.visited = make([]uint64, words)
	} else {
		for i := range c.visited {
			c.visited[i] = 0
		}
	}
	c.visited[c.start/64] |= uint64(1) << (c.start % 64)
}

// MaxRunLength returns how many bytes, counted from the start of the current cluster, can be read with one device
// call without crossing a discontinuity in the chain. The run is extended only until it covers requested bytes from
// the current position. It returns 0 at the end of the stream and at least one cluster otherwise.
func (c *Chain) MaxRunLength(requested int64) (int64, error) {
	if c.eof {
		return 0, nil
	}
	if c.contiguous {
		clusters := (c.size + c.geo.ClusterSize - 1) / c.geo.ClusterSize
		return (clusters - c.vcn) * c.geo.ClusterSize, nil
	}

	run := (c.anchorVCN - c.vcn + 1) * c.geo.ClusterSize
	for run < c.vco+requested {
		next, err := c.table.Lookup(c.anchorLCN)
		if err != nil {
			return run, err
		}
		if c.table.IsLast(next) {
			break
		}
		if !c.table.IsValid(next) || c.table.IsBad(next) {
			return run, errors.Wrapf(ErrInvalidChainLink, "cluster %#x (vcn %d) links to %#x", c.anchorLCN, c.anchorVCN, next)
		}
		if next != c.anchorLCN+1 {
			break
		}
		if err := c.moveAnchor(next); err != nil {
			return run, err
		}
		run += c.geo.ClusterSize
	}
	return run, nil
}

// Read reads up to len(p) bytes, never past the declared size. Every physically sequential run of clusters is read
// with a single device call. At the end of the chain io.EOF is returned.
func (c *Chain) Read(p []byte) (int, error) {
	want := int64(len(p))
	if c.size > 0 && c.pos+want > c.size {
		want = c.size - c.pos
		if want < 0 {
			want = 0
		}
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.eof {
		return 0, io.EOF
	}

	var total int64
	for total < want && !c.eof {
		remaining := want - total
		run, err := c.MaxRunLength(remaining)
		if err != nil {
			return int(total), err
		}
		n := run - c.vco
		if n > remaining {
			n = remaining
		}
		if n <= 0 {
			break
		}
		read, err := io.ReadFull(c.dev, p[total:total+n])
		total += int64(read)
		if err != nil {
			err = errors.Wrapf(err, "unable to read cluster %#x", c.lcn)
			// the stream stays usable from just past the bytes returned
			if perr := c.setPosition(c.pos + int64(read)); perr != nil {
				log.WithError(perr).WithField("pos", c.pos).Debug("unable to resolve position after failed read")
			}
			return int(total), err
		}
		if err := c.setPosition(c.pos + n); err != nil {
			return int(total), err
		}
	}
	if total == 0 && want > 0 {
		return 0, io.EOF
	}
	return int(total), nil
}
