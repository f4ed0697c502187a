/*
	Package device provides block aligned, cached access to a raw device or an image file.

	A Device behaves like a plain io.ReadSeeker over the whole volume, but every read is widened to whole cache blocks
	and routed through its own blockcache.Cache. Metadata (allocation tables, MFT records, directories) and file content
	should each get their own Device so the two access patterns do not evict each other's blocks.
*/
package device

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/t9t/rawfs/blockcache"
)

var (
	// ErrSizeUnknown is returned when seeking relative to the end of a device of unknown size.
	ErrSizeUnknown = errors.New("device size is unknown")
	// ErrShortRead is returned when the device returns fewer bytes than a block aligned request which lies within the
	// known size of the device.
	ErrShortRead = errors.New("short read from device")
)

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used by this package.
func SetLogger(l logrus.FieldLogger) {
	log = l
}

// Config holds the settings of a Device. A Size of 0 means the size of the device is unknown. Offset is the position
// of the volume within the source, for example the start of a partition in a disk image; position 0 of the Device is
// Offset of the source.
type Config struct {
	Cache  blockcache.Config
	Size   int64
	Offset int64
}

// A Device reads from an underlying io.ReadSeeker in whole blocks, keeping recently read blocks in a cache. It keeps
// its own logical position, independent of the position of the underlying source. A Device is not safe for concurrent
// use.
type Device struct {
	src       io.ReadSeeker
	closer    io.Closer
	cache     *blockcache.Cache
	blockSize int64
	offset    int64
	size      int64
	pos       int64
	srcPos    int64
	reads     uint64
}

// New creates a Device over src. The source position is assumed to be unknown, so the first read always seeks.
func New(src io.ReadSeeker, cfg Config) (*Device, error) {
	if cfg.Size < 0 || cfg.Offset < 0 {
		return nil, errors.Errorf("device size and offset should not be negative but are %d and %d", cfg.Size, cfg.Offset)
	}
	cache, err := blockcache.New(cfg.Cache)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create block cache")
	}
	return &Device{
		src:       src,
		cache:     cache,
		blockSize: int64(cache.BlockSize()),
		offset:    cfg.Offset,
		size:      cfg.Size,
		srcPos:    -1,
	}, nil
}

// Open opens the file or device at path read-only. When cfg.Size is 0, the size is determined by seeking to the end,
// which works for image files and most block devices.
func Open(path string, cfg Config) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", path)
	}
	if cfg.Size == 0 {
		end, err := f.Seek(0, io.SeekEnd)
		if err == nil && end > cfg.Offset {
			cfg.Size = end - cfg.Offset
		}
	}
	d, err := New(f, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.closer = f
	log.WithFields(logrus.Fields{"path": path, "offset": cfg.Offset, "size": cfg.Size, "policy": d.cache.Config().Policy}).Debug("opened device")
	return d, nil
}

// Close closes the underlying file when the Device was created by Open.
func (d *Device) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// Size returns the size of the device in bytes, or 0 when it is unknown.
func (d *Device) Size() int64 {
	return d.size
}

// Tell returns the current logical position.
func (d *Device) Tell() int64 {
	return d.pos
}

// Reads returns how many reads were issued to the underlying source.
func (d *Device) Reads() uint64 {
	return d.reads
}

// Cache returns the block cache of the device.
func (d *Device) Cache() *blockcache.Cache {
	return d.cache
}

// Seek sets the logical position. Seeking never touches the underlying source; that is deferred to the next read that
// misses the cache. io.SeekEnd is only supported when the size of the device is known.
func (d *Device) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = d.pos + offset
	case io.SeekEnd:
		if d.size == 0 {
			return d.pos, ErrSizeUnknown
		}
		pos = d.size + offset
	default:
		return d.pos, errors.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return d.pos, errors.Errorf("cannot seek to negative position %d", pos)
	}
	d.pos = pos
	return pos, nil
}

// Read reads up to len(p) bytes from the current position. The request is widened to whole blocks, served from the
// cache when possible and otherwise read from the source in a single call. Reads never cross the known size of the
// device; at the end of the device io.EOF is returned.
func (d *Device) Read(p []byte) (int, error) {
	size := int64(len(p))
	if d.size > 0 {
		if d.pos >= d.size {
			return 0, io.EOF
		}
		if d.pos+size > d.size {
			size = d.size - d.pos
		}
	}
	if size == 0 {
		return 0, nil
	}

	first := d.pos / d.blockSize
	end := (d.pos + size + d.blockSize - 1) / d.blockSize
	aligned := (end - first) * d.blockSize
	within := d.pos - first*d.blockSize

	buf, ok := d.cache.Retrieve(first, int(aligned))
	if !ok {
		var err error
		buf, err = d.fetch(first, aligned)
		if err != nil {
			return 0, err
		}
	}

	available := int64(len(buf)) - within
	if available < size {
		if d.size > 0 && d.pos+size <= d.size {
			return 0, errors.Wrapf(ErrShortRead, "wanted %d bytes at offset %d but the device only returned %d",
				aligned, first*d.blockSize, len(buf))
		}
		if available <= 0 {
			return 0, io.EOF
		}
		size = available
	}

	n := copy(p, buf[within:within+size])
	d.pos += int64(n)
	return n, nil
}

func (d *Device) fetch(first int64, aligned int64) ([]byte, error) {
	offset := first * d.blockSize
	if d.srcPos != offset {
		if _, err := d.src.Seek(d.offset+offset, io.SeekStart); err != nil {
			d.srcPos = -1
			return nil, errors.Wrapf(err, "unable to seek device to %d", offset)
		}
	}

	buf := make([]byte, aligned)
	n, err := io.ReadFull(d.src, buf)
	d.reads++
	d.srcPos = offset + int64(n)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		d.srcPos = -1
		return nil, errors.Wrapf(err, "unable to read %d bytes at offset %d", aligned, offset)
	}
	buf = buf[:n]
	log.WithFields(logrus.Fields{"block": first, "bytes": n}).Debug("device read")
	if int64(n) == aligned {
		d.cache.Update(first, buf)
	}
	return buf, nil
}
