package adf

import (
	"fmt"
	"os"
	"time"
)

// EntryType kind of directory entry
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDir
	EntrySoftLink
	EntryHardLink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntrySoftLink:
		return "softlink"
	case EntryHardLink:
		return "hardlink"
	}
	return "unknown"
}

// Protection AmigaDOS protection bits. The low four (rwed) deny the operation when set,
// the upper ones grant the attribute when set.
type Protection uint32

const (
	ProtectDelete Protection = 1 << iota
	ProtectExecute
	ProtectWrite
	ProtectRead
	ProtectArchive
	ProtectPure
	ProtectScript
	ProtectHold
)

// String in the "hsparwed" form the Amiga shell prints, "-" for an absent attribute
func (p Protection) String() string {
	const letters = "hsparwed"
	b := []byte(letters)
	for i := range b {
		bit := Protection(1) << (len(b) - 1 - i)
		set := p&bit != 0
		// rwed are stored inverted
		if bit <= ProtectRead {
			set = !set
		}
		if !set {
			b[i] = '-'
		}
	}
	return string(b)
}

// ParseProtection reads the "hsparwed" form back, each position holding its letter or "-"
func ParseProtection(s string) (Protection, error) {
	const letters = "hsparwed"
	if len(s) != len(letters) {
		return 0, fmt.Errorf("protection %q: expected %d characters", s, len(letters))
	}
	var p Protection
	for i := range letters {
		bit := Protection(1) << (len(letters) - 1 - i)
		var set bool
		switch s[i] {
		case letters[i], letters[i] - ('a' - 'A'):
			set = true
		case '-':
		default:
			return 0, fmt.Errorf("protection %q: unexpected %q at position %d", s, s[i], i)
		}
		if bit <= ProtectRead {
			set = !set
		}
		if set {
			p |= bit
		}
	}
	return p, nil
}

// Entry one directory entry as listed
type Entry struct {
	Name       string
	Type       EntryType
	Size       int64
	Protection Protection
	Comment    string
	Modified   time.Time
	// Block index of the entry's header block
	Block uint32
}

func entryFromHeader(h *entryHeader) *Entry {
	e := &Entry{
		Name:       latin1Decode(h.name),
		Protection: Protection(h.protect),
		Comment:    latin1Decode(h.comment),
		Modified:   h.modified.Time(),
		Block:      h.index,
	}
	switch h.secType {
	case secTypeDir:
		e.Type = EntryDir
	case secTypeSoftLink:
		e.Type = EntrySoftLink
	case secTypeLinkDir, secTypeLinkFile:
		e.Type = EntryHardLink
	default:
		e.Type = EntryFile
		e.Size = int64(h.size)
	}
	return e
}

// FileInfo os.FileInfo view of an Entry
type FileInfo struct {
	entry *Entry
}

func (fi *FileInfo) Name() string {
	return fi.entry.Name
}

func (fi *FileInfo) Size() int64 {
	return fi.entry.Size
}

func (fi *FileInfo) Mode() os.FileMode {
	var mode os.FileMode
	p := fi.entry.Protection
	if p&ProtectRead == 0 {
		mode |= 0o444
	}
	if p&ProtectWrite == 0 {
		mode |= 0o222
	}
	if p&ProtectExecute == 0 {
		mode |= 0o111
	}
	switch fi.entry.Type {
	case EntryDir:
		mode |= os.ModeDir
	case EntrySoftLink:
		mode |= os.ModeSymlink
	}
	return mode
}

func (fi *FileInfo) ModTime() time.Time {
	return fi.entry.Modified
}

func (fi *FileInfo) IsDir() bool {
	return fi.entry.Type == EntryDir
}

// Sys returns the *Entry
func (fi *FileInfo) Sys() interface{} {
	return fi.entry
}

// ProtectionString the protection bits in "hsparwed" form
func (e *Entry) ProtectionString() string {
	return e.Protection.String()
}
