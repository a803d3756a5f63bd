// Package util contains the backing-file abstraction shared by the disk and filesystem packages.
package util

import (
	"errors"
	"fmt"
	"io"
)

// File interface that can be read from and written to.
// Normally implemented as actual os.File, but useful as a separate interface so can easily
// use alternate implementations.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Seeker
}

// MemFile is a fixed-size File held entirely in memory. Writes past the end are refused,
// a disk image never grows.
type MemFile struct {
	b      []byte
	offset int64
}

// NewMemFile returns a MemFile over b. The slice is used directly, not copied.
func NewMemFile(b []byte) *MemFile {
	return &MemFile{b: b}
}

// Bytes returns the backing slice
func (m *MemFile) Bytes() []byte {
	return m.b
}

// ReadAt implements io.ReaderAt
func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.b)) {
		return 0, io.EOF
	}
	n := copy(p, m.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt
func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off+int64(len(p)) > int64(len(m.b)) {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of %d byte file", len(p), off, len(m.b))
	}
	return copy(m.b[off:], p), nil
}

// Seek implements io.Seeker
func (m *MemFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = m.offset + offset
	case io.SeekEnd:
		abs = int64(len(m.b)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	m.offset = abs
	return abs, nil
}
