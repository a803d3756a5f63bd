// Package filesystem provides interfaces and constants required for filesystem implementations.
// All interesting implementations are in subpackages, e.g. github.com/diskfs/go-adf/filesystem/adf
package filesystem

import (
	"io"
	"os"
)

// FileSystem is a reference to a single filesystem on a disk
type FileSystem interface {
	// Type return the type of filesystem
	Type() Type
	// Mkdir make a directory
	Mkdir(pathname string) error
	// ReadDir read the contents of a directory
	ReadDir(pathname string) ([]os.FileInfo, error)
	// OpenFile open a handle to read or write to a file
	OpenFile(pathname string, flag int) (File, error)
	// Rename renames (moves) oldpath to newpath
	Rename(oldpath, newpath string) error
	// Remove removes the named file or (empty) directory.
	Remove(pathname string) error
	// Label get the label for the filesystem, or "" if none
	Label() string
	// SetLabel changes the label on the writable filesystem
	SetLabel(label string) error
}

// Type represents the type of filesystem
type Type int

const (
	// TypeOFS is the original Amiga filesystem, data blocks carry their own headers
	TypeOFS Type = iota
	// TypeFFS is the Amiga fast filesystem, data blocks are raw
	TypeFFS
)

func (t Type) String() string {
	switch t {
	case TypeOFS:
		return "OFS"
	case TypeFFS:
		return "FFS"
	}
	return "unknown"
}

// File a reference to a single file on disk
type File interface {
	io.ReadWriteSeeker
	io.Closer
}
