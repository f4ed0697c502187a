/*
	Package fragment provides a seekable stream over a list of fragments (extents) of an underlying io.ReadSeeker, as
	produced by decoding the data runs of a non-resident NTFS attribute.
*/
package fragment

import (
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrSparse is returned when a read reaches a sparse fragment, which has no data on disk.
var ErrSparse = errors.New("sparse fragment")

var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used by this package.
func SetLogger(l logrus.FieldLogger) {
	log = l
}

// A Fragment is a region of the underlying source, in bytes. Sparse fragments only occupy logical space.
type Fragment struct {
	Offset int64
	Length int64
	Sparse bool
}

// TotalLength returns the sum of the lengths of all fragments.
func TotalLength(fragments []Fragment) int64 {
	var total int64
	for _, f := range fragments {
		total += f.Length
	}
	return total
}

// Reader reads the fragments in order as if they were one contiguous stream. It never reads past the declared size,
// so padding in the last fragment is not returned. A Reader is not safe for concurrent use.
type Reader struct {
	src       io.ReadSeeker
	fragments []Fragment
	size      int64

	pos    int64
	idx    int
	within int64
}

// NewReader creates a Reader over fragments of src. size is the real size of the data; use TotalLength when it is not
// known. A size larger than the fragments cover is allowed, reading then stops early at the last fragment.
func NewReader(src io.ReadSeeker, fragments []Fragment, size int64) (*Reader, error) {
	if size < 0 {
		return nil, errors.Errorf("size should not be negative but is %d", size)
	}
	for i, f := range fragments {
		if f.Length < 0 || (!f.Sparse && f.Offset < 0) {
			return nil, errors.Errorf("fragment %d is invalid: offset %d, length %d", i, f.Offset, f.Length)
		}
	}
	r := &Reader{src: src, fragments: fragments, size: size}
	if err := r.locate(0); err != nil {
		return nil, err
	}
	return r, nil
}

// Size returns the declared size of the stream.
func (r *Reader) Size() int64 {
	return r.size
}

// Tell returns the current position in the stream.
func (r *Reader) Tell() int64 {
	return r.pos
}

// Seek sets the position for the next Read. Seeking past the end is allowed; the next Read returns io.EOF.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.size + offset
	default:
		return r.pos, errors.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return r.pos, errors.Errorf("cannot seek to negative position %d", pos)
	}
	if err := r.locate(pos); err != nil {
		return r.pos, err
	}
	return r.pos, nil
}

// locate finds the fragment holding pos and positions the source on it.
func (r *Reader) locate(pos int64) error {
	r.pos = pos
	r.idx, r.within = len(r.fragments), 0
	var start int64
	for i, f := range r.fragments {
		if pos < start+f.Length {
			r.idx, r.within = i, pos-start
			break
		}
		start += f.Length
	}
	return r.position()
}

func (r *Reader) position() error {
	if r.idx >= len(r.fragments) || r.fragments[r.idx].Sparse {
		return nil
	}
	offset := r.fragments[r.idx].Offset + r.within
	log.WithFields(logrus.Fields{"fragment": r.idx, "offset": offset}).Debug("positioning on fragment")
	seeked, err := r.src.Seek(offset, io.SeekStart)
	if err != nil {
		return errors.Wrapf(err, "unable to seek to fragment %d at %d", r.idx, offset)
	}
	if seeked != offset {
		return errors.Errorf("wanted to seek to %d but reached %d", offset, seeked)
	}
	return nil
}

// Read reads up to len(p) bytes. When the current fragment holds the whole request it is read with a single read of
// the source, otherwise the rest of the fragment is read and reading continues with the next one. Reading stops early
// when the fragments are exhausted. A sparse fragment fails with ErrSparse.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	want := int64(len(p))
	if r.pos+want > r.size {
		want = r.size - r.pos
	}
	if want <= 0 {
		return 0, io.EOF
	}

	var total int64
	for total < want && r.idx < len(r.fragments) {
		f := r.fragments[r.idx]
		if f.Sparse {
			if total > 0 {
				break
			}
			return 0, errors.Wrapf(ErrSparse, "fragment %d at position %d", r.idx, r.pos)
		}

		n := f.Length - r.within
		if n > want-total {
			n = want - total
		}
		read, err := io.ReadFull(r.src, p[total:total+n])
		total += int64(read)
		r.pos += int64(read)
		r.within += int64(read)
		if err != nil {
			return int(total), errors.Wrapf(err, "unable to read fragment %d at %d", r.idx, f.Offset+r.within)
		}

		if r.within == f.Length {
			r.idx++
			r.within = 0
			if err := r.position(); err != nil {
				return int(total), err
			}
		}
	}
	if total == 0 {
		return 0, io.EOF
	}
	return int(total), nil
}
