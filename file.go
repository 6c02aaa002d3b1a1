package simpledb

import (
	"os"

	"github.com/pkg/errors"
)

// File is the persistent byte container backing one segment. Reads and
// writes are exact-size block operations at fixed offsets; the caller is
// responsible for resizing the file to cover addressed blocks and for
// synchronizing concurrent access to overlapping ranges.
type File struct {
	f    *os.File
	size int64
}

// OpenSegmentFile opens or creates the segment file at path.
func OpenSegmentFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment file %s", path)
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "stat segment file %s", path)
	}

	return &File{f: f, size: stat.Size()}, nil
}

// Size returns the current file size in bytes.
func (f *File) Size() int64 {
	return f.size
}

// Resize grows or shrinks the file to newSize bytes. Grown regions read
// as zeroes.
func (f *File) Resize(newSize int64) error {
	if err := f.f.Truncate(newSize); err != nil {
		return errors.Wrapf(err, "resize segment file to %d", newSize)
	}
	f.size = newSize
	return nil
}

// ReadBlock reads exactly len(buf) bytes starting at offset.
func (f *File) ReadBlock(offset int64, buf []byte) error {
	if _, err := f.f.ReadAt(buf, offset); err != nil {
		return errors.Wrapf(err, "read block at %d", offset)
	}
	return nil
}

// WriteBlock writes all of buf starting at offset.
func (f *File) WriteBlock(buf []byte, offset int64) error {
	if _, err := f.f.WriteAt(buf, offset); err != nil {
		return errors.Wrapf(err, "write block at %d", offset)
	}
	return nil
}

// Close closes the underlying file handle.
func (f *File) Close() error {
	return f.f.Close()
}
