package disk

import "fmt"

// BlockSize is the size of every AmigaDOS block in bytes
const BlockSize = 512

// Geometry describes the physical layout of a disk image
type Geometry struct {
	Cylinders       int
	Heads           int
	SectorsPerTrack int
}

var (
	// GeometryDD is a standard 880KB double density floppy
	GeometryDD = Geometry{Cylinders: 80, Heads: 2, SectorsPerTrack: 11}
	// GeometryHD is a 1.76MB high density floppy
	GeometryHD = Geometry{Cylinders: 80, Heads: 2, SectorsPerTrack: 22}
)

// minBlocks is the smallest image that still holds a boot block pair, a root and a bitmap block
const minBlocks = 4

// BlockCount total number of blocks for the geometry
func (g Geometry) BlockCount() uint32 {
	return uint32(g.Cylinders * g.Heads * g.SectorsPerTrack)
}

// Size total size in bytes
func (g Geometry) Size() int64 {
	return int64(g.BlockCount()) * BlockSize
}

// RootBlock is the index of the root block, the middle of the disk
func (g Geometry) RootBlock() uint32 {
	return g.BlockCount() / 2
}

// BlocksPerCylinder blocks covered by one cylinder, both heads
func (g Geometry) BlocksPerCylinder() int {
	return g.Heads * g.SectorsPerTrack
}

func (g Geometry) String() string {
	switch g {
	case GeometryDD:
		return "DD"
	case GeometryHD:
		return "HD"
	}
	return fmt.Sprintf("%d/%d/%d", g.Cylinders, g.Heads, g.SectorsPerTrack)
}

// GeometryForSize derives the geometry from an image length. Floppy sizes map to their
// real layouts, anything else that is a whole number of blocks is treated as a hardfile
// with a single sector per track.
func GeometryForSize(size int64) (Geometry, error) {
	switch {
	case size <= 0 || size%BlockSize != 0:
		return Geometry{}, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrInvalidImageSize, size, BlockSize)
	case size/BlockSize < minBlocks:
		return Geometry{}, fmt.Errorf("%w: %d bytes is too small", ErrInvalidImageSize, size)
	case size == GeometryDD.Size():
		return GeometryDD, nil
	case size == GeometryHD.Size():
		return GeometryHD, nil
	}
	return Geometry{Cylinders: int(size / BlockSize), Heads: 1, SectorsPerTrack: 1}, nil
}
