package adf

import (
	"errors"
	"fmt"
	"os"

	"github.com/diskfs/go-adf/disk"
)

const (
	blockSize = disk.BlockSize

	// reservedBlocks boot block pair at the start of the disk
	reservedBlocks uint32 = 2

	hashTableSize        = 72
	maxDataBlocksPerList = 72
	bitmapPagesInRoot    = 25
	bitmapLongsPerBlock  = 127
	bitmapBitsPerBlock   = bitmapLongsPerBlock * 32
	bitmapPagesPerExt    = 127
	maxNameLength        = 30
	maxCommentLength     = 79

	ofsDataHeaderSize = 24
	ofsDataSize       = blockSize - ofsDataHeaderSize // 488
	ffsDataSize       = blockSize

	// DefaultVolumeName name given to volumes created without one
	DefaultVolumeName = "Empty"
)

// primary block types, the long at offset 0
const (
	typeHeader   int32 = 2
	typeData     int32 = 8
	typeList     int32 = 16
	typeDirCache int32 = 33
)

// secondary block types, the long at offset 508
const (
	secTypeRoot     int32 = 1
	secTypeDir      int32 = 2
	secTypeSoftLink int32 = 3
	secTypeLinkDir  int32 = 4
	secTypeFile     int32 = -3
	secTypeLinkFile int32 = -4
)

// byte offsets shared by root, directory, file and extension blocks
const (
	offType        = 0x000
	offHeaderKey   = 0x004
	offHighSeq     = 0x008
	offTableSize   = 0x00c
	offFirstData   = 0x010
	offChecksum    = 0x014
	offTable       = 0x018
	offBitmapFlag  = 0x138
	offBitmapPages = 0x13c
	offBitmapExt   = 0x1a0
	offProtect     = 0x140
	offByteSize    = 0x144
	offComment     = 0x148
	offDate        = 0x1a4
	offName        = 0x1b0
	offVolumeDate  = 0x1d8
	offCreateDate  = 0x1e4
	offHashChain   = 0x1f0
	offParent      = 0x1f4
	offExtension   = 0x1f8
	offSecType     = 0x1fc
)

// DOSType is the filesystem flavour stored in the last byte of the "DOS" boot signature
type DOSType uint8

const (
	// DOSTypeOFS original filesystem
	DOSTypeOFS DOSType = 0
	// DOSTypeFFS fast filesystem
	DOSTypeFFS DOSType = 1
	// DOSTypeOFSIntl original filesystem, international name folding
	DOSTypeOFSIntl DOSType = 2
	// DOSTypeFFSIntl fast filesystem, international name folding
	DOSTypeFFSIntl DOSType = 3
	// DOSTypeOFSDirCache original filesystem with directory cache blocks
	DOSTypeOFSDirCache DOSType = 4
	// DOSTypeFFSDirCache fast filesystem with directory cache blocks
	DOSTypeFFSDirCache DOSType = 5

	dosFlagFFS      DOSType = 1
	dosFlagIntl     DOSType = 2
	dosFlagDirCache DOSType = 4
)

// FFS whether data blocks are raw
func (t DOSType) FFS() bool {
	return t&dosFlagFFS != 0
}

// Intl whether names fold Latin-1 letters; directory cache volumes always do
func (t DOSType) Intl() bool {
	return t&(dosFlagIntl|dosFlagDirCache) != 0
}

// DirCache whether directories carry cache block chains
func (t DOSType) DirCache() bool {
	return t&dosFlagDirCache != 0
}

func (t DOSType) valid() bool {
	return t <= DOSTypeFFSDirCache
}

func (t DOSType) String() string {
	var s string
	if t.FFS() {
		s = "FFS"
	} else {
		s = "OFS"
	}
	switch {
	case !t.valid():
		return fmt.Sprintf("DOS\\%d", uint8(t))
	case t.DirCache():
		s += "-DC"
	case t.Intl():
		s += "-INTL"
	}
	return s
}

// dataSize payload bytes carried by one data block
func (t DOSType) dataSize() int {
	if t.FFS() {
		return ffsDataSize
	}
	return ofsDataSize
}

var (
	// ErrInvalidChecksum stored checksum does not match the block contents
	ErrInvalidChecksum = errors.New("invalid checksum")
	// ErrUnexpectedBlockType block is not of the type the structure requires
	ErrUnexpectedBlockType = errors.New("unexpected block type")
	// ErrDirectoryNotEmpty removal of a directory that still has entries
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	// ErrOutOfSpace not enough free blocks for the request
	ErrOutOfSpace = errors.New("out of space")
	// ErrInvalidName name too long, empty, or containing forbidden characters
	ErrInvalidName = errors.New("invalid name")
	// ErrNotFound no entry at the path, the same value as os.ErrNotExist
	ErrNotFound = os.ErrNotExist
	// ErrNotDirectory a path component names a file
	ErrNotDirectory = errors.New("not a directory")
	// ErrSystemBlock attempt to allocate or free a block the filesystem reserves for itself
	ErrSystemBlock = errors.New("system block")
)
