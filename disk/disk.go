// Package disk provides the block store every other layer reads and writes through.
// A Disk addresses an image as a fixed array of 512 byte blocks, backed either by a
// file (or block device) or by memory.
package disk

import (
	"errors"
	"fmt"

	"github.com/diskfs/go-adf/util"
)

var (
	// ErrOutOfRange block index beyond the end of the image
	ErrOutOfRange = errors.New("block index out of range")
	// ErrInvalidImageSize image length is not a usable whole number of blocks
	ErrInvalidImageSize = errors.New("invalid image size")
	// ErrReadOnly write attempted on a disk opened read-only
	ErrReadOnly = errors.New("disk is read-only")
)

// Disk is a reference to a single disk image
type Disk struct {
	File     util.File
	Size     int64
	Geometry Geometry
	Writable bool
	// Path where the image came from, if any
	Path string
}

// New wraps an already opened file of the given size
func New(f util.File, size int64, writable bool) (*Disk, error) {
	g, err := GeometryForSize(size)
	if err != nil {
		return nil, err
	}
	return &Disk{
		File:     f,
		Size:     size,
		Geometry: g,
		Writable: writable,
	}, nil
}

// NewMemory returns a zeroed, writable, in-memory disk with the given geometry
func NewMemory(g Geometry) *Disk {
	b := make([]byte, g.Size())
	return &Disk{
		File:     util.NewMemFile(b),
		Size:     int64(len(b)),
		Geometry: g,
		Writable: true,
	}
}

// FromBytes returns a writable in-memory disk over b. b is not copied.
func FromBytes(b []byte) (*Disk, error) {
	return New(util.NewMemFile(b), int64(len(b)), true)
}

// BlockCount number of blocks on the disk
func (d *Disk) BlockCount() uint32 {
	return uint32(d.Size / BlockSize)
}

// ReadBlock read a single whole block
func (d *Disk) ReadBlock(index uint32) ([]byte, error) {
	if index >= d.BlockCount() {
		return nil, fmt.Errorf("read block %d of %d: %w", index, d.BlockCount(), ErrOutOfRange)
	}
	b := make([]byte, BlockSize)
	n, err := d.File.ReadAt(b, int64(index)*BlockSize)
	if err != nil && n != BlockSize {
		return nil, fmt.Errorf("could not read block %d: %w", index, err)
	}
	if n != BlockSize {
		return nil, fmt.Errorf("read %d bytes instead of %d for block %d", n, BlockSize, index)
	}
	return b, nil
}

// WriteBlock write a single whole block. Partial blocks are refused.
func (d *Disk) WriteBlock(index uint32, b []byte) error {
	if !d.Writable {
		return ErrReadOnly
	}
	if index >= d.BlockCount() {
		return fmt.Errorf("write block %d of %d: %w", index, d.BlockCount(), ErrOutOfRange)
	}
	if len(b) != BlockSize {
		return fmt.Errorf("block %d: cannot write %d bytes, blocks are exactly %d bytes", index, len(b), BlockSize)
	}
	n, err := d.File.WriteAt(b, int64(index)*BlockSize)
	if err != nil {
		return fmt.Errorf("could not write block %d: %w", index, err)
	}
	if n != BlockSize {
		return fmt.Errorf("wrote %d bytes instead of %d for block %d", n, BlockSize, index)
	}
	return nil
}

// Bytes returns a copy of the whole image
func (d *Disk) Bytes() ([]byte, error) {
	b := make([]byte, d.Size)
	n, err := d.File.ReadAt(b, 0)
	if err != nil && int64(n) != d.Size {
		return nil, fmt.Errorf("could not read image: %w", err)
	}
	return b, nil
}

// Close closes the backing file if it supports closing
func (d *Disk) Close() error {
	if c, ok := d.File.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
