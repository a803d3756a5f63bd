// Package hunk reads AmigaDOS load files, the executables found on ADF volumes.
//
// A load file is a HUNK_HEADER followed by one group of blocks per hunk, each group
// terminated by HUNK_END. Parse returns the code, data and BSS hunks with their
// relocations, symbols and LINE debug information. Blocks it does not understand are
// skipped using their length word.
package hunk

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

const (
	hunkUnit    uint32 = 999
	hunkName    uint32 = 1000
	hunkCode    uint32 = 1001
	hunkData    uint32 = 1002
	hunkBSS     uint32 = 1003
	hunkReloc32 uint32 = 1004
	hunkExt     uint32 = 1007
	hunkSymbol  uint32 = 1008
	hunkDebug   uint32 = 1009
	hunkEnd     uint32 = 1010
	hunkHeader  uint32 = 1011

	debugLine uint32 = 0x4c494e45 // "LINE"

	flagChip uint32 = 1 << 30
	flagFast uint32 = 1 << 31
	sizeMask uint32 = 0x3fffffff

	// maxHunkSize refuses absurd sizes from damaged files before allocating
	maxHunkSize = 64 << 20
)

var (
	// ErrNotExecutable the data does not start with HUNK_HEADER
	ErrNotExecutable = errors.New("not an AmigaDOS executable")
	// ErrCorrupt structure of the load file is inconsistent
	ErrCorrupt = errors.New("corrupt hunk file")
)

// Type kind of a hunk
type Type int

const (
	Code Type = iota
	Data
	BSS
)

func (t Type) String() string {
	switch t {
	case Code:
		return "CODE"
	case Data:
		return "DATA"
	case BSS:
		return "BSS"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Memory the memory a hunk must be loaded into
type Memory int

const (
	AnyMemory Memory = iota
	ChipMemory
	FastMemory
)

func (m Memory) String() string {
	switch m {
	case ChipMemory:
		return "chip"
	case FastMemory:
		return "fast"
	}
	return "any"
}

// Reloc32 long words at Offsets in this hunk that must be adjusted by the load address
// of hunk Target
type Reloc32 struct {
	Target  int
	Offsets []uint32
}

// Symbol a named offset in a hunk
type Symbol struct {
	Name   string
	Offset uint32
}

// SourceLine maps a source line to an offset in the hunk
type SourceLine struct {
	Line   uint32
	Offset uint32
}

// SourceFile LINE debug information for one source file
type SourceFile struct {
	Name       string
	BaseOffset uint32
	Lines      []SourceLine
}

// Hunk one loadable segment
type Hunk struct {
	Type   Type
	Memory Memory
	// AllocSize bytes to allocate, from the header table
	AllocSize uint32
	// Size bytes of initialised data, or the BSS size
	Size    uint32
	Name    string
	Data    []byte
	Relocs  []Reloc32
	Symbols []Symbol
	Lines   []SourceFile
}

func (h *Hunk) String() string {
	return fmt.Sprintf("%s hunk, %s memory, %d bytes", h.Type, h.Memory, h.Size)
}

// Executable a parsed load file
type Executable struct {
	// Libraries resident libraries listed in the header, empty for any normal program
	Libraries []string
	First     uint32
	Last      uint32
	Hunks     []*Hunk
}

// IsExecutable whether head starts like a load file
func IsExecutable(head []byte) bool {
	return len(head) >= 4 && binary.BigEndian.Uint32(head) == hunkHeader
}

type reader struct {
	r *bufio.Reader
}

func (r *reader) long() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *reader) skipLongs(n uint32) error {
	_, err := io.CopyN(io.Discard, r.r, int64(n)*4)
	return err
}

// name reads n long words of NUL padded text
func (r *reader) name(n uint32) (string, error) {
	if uint64(n)*4 > maxHunkSize {
		return "", fmt.Errorf("%w: name of %d longs", ErrCorrupt, n)
	}
	b := make([]byte, n*4)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return "", err
	}
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

func sizeAndMemory(v uint32) (uint32, Memory) {
	m := AnyMemory
	switch v &^ sizeMask {
	case flagChip:
		m = ChipMemory
	case flagFast:
		m = FastMemory
	}
	return (v & sizeMask) * 4, m
}

// Parse reads a load file
func Parse(r io.Reader) (*Executable, error) {
	rd := &reader{r: bufio.NewReader(r)}
	magic, err := rd.long()
	if err != nil {
		return nil, fmt.Errorf("could not read header: %w", err)
	}
	if magic != hunkHeader {
		return nil, fmt.Errorf("%w: magic %#x", ErrNotExecutable, magic)
	}
	exe := &Executable{}
	if err := exe.readHeader(rd); err != nil {
		return nil, wrapEOF(err)
	}
	for i := range exe.Hunks {
		if err := exe.readHunk(rd, exe.Hunks[i]); err != nil {
			return nil, fmt.Errorf("hunk %d: %w", i, wrapEOF(err))
		}
	}
	return exe, nil
}

func wrapEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	return err
}

func (exe *Executable) readHeader(r *reader) error {
	for {
		n, err := r.long()
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		lib, err := r.name(n)
		if err != nil {
			return err
		}
		exe.Libraries = append(exe.Libraries, lib)
	}
	// table size, first and last hunk
	var v [3]uint32
	for i := range v {
		var err error
		if v[i], err = r.long(); err != nil {
			return err
		}
	}
	exe.First, exe.Last = v[1], v[2]
	if exe.Last < exe.First {
		return fmt.Errorf("%w: last hunk %d before first %d", ErrCorrupt, exe.Last, exe.First)
	}
	count := exe.Last - exe.First + 1
	if count > v[0] || count > 0xffff {
		return fmt.Errorf("%w: %d hunks in a table of %d", ErrCorrupt, count, v[0])
	}
	for i := uint32(0); i < count; i++ {
		s, err := r.long()
		if err != nil {
			return err
		}
		size, mem := sizeAndMemory(s)
		if s&^sizeMask == flagChip|flagFast {
			// extended memory attributes follow in their own long
			if _, err := r.long(); err != nil {
				return err
			}
		}
		exe.Hunks = append(exe.Hunks, &Hunk{AllocSize: size, Memory: mem})
	}
	return nil
}

func (exe *Executable) readHunk(r *reader, h *Hunk) error {
	for {
		id, err := r.long()
		if err != nil {
			return err
		}
		// bits 29..31 of a block id carry load flags in some linkers
		switch id & sizeMask {
		case hunkCode, hunkData:
			if err := readData(r, h, id&sizeMask); err != nil {
				return err
			}
		case hunkBSS:
			v, err := r.long()
			if err != nil {
				return err
			}
			h.Type = BSS
			h.Size, _ = sizeAndMemory(v)
		case hunkReloc32:
			if err := exe.readReloc32(r, h); err != nil {
				return err
			}
		case hunkSymbol:
			if err := readSymbols(r, h); err != nil {
				return err
			}
		case hunkDebug:
			if err := readDebug(r, h); err != nil {
				return err
			}
		case hunkName:
			n, err := r.long()
			if err != nil {
				return err
			}
			if h.Name, err = r.name(n); err != nil {
				return err
			}
		case hunkEnd:
			return nil
		case hunkUnit, hunkExt, hunkHeader:
			return fmt.Errorf("%w: unexpected block %d in a load file", ErrCorrupt, id)
		default:
			n, err := r.long()
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{"block": id, "longs": n}).Debug("skipping unknown hunk block")
			if err := r.skipLongs(n); err != nil {
				return err
			}
		}
	}
}

func readData(r *reader, h *Hunk, id uint32) error {
	v, err := r.long()
	if err != nil {
		return err
	}
	size, _ := sizeAndMemory(v)
	if size > maxHunkSize {
		return fmt.Errorf("%w: %d bytes of hunk data", ErrCorrupt, size)
	}
	h.Type = Code
	if id == hunkData {
		h.Type = Data
	}
	h.Size = size
	h.Data = make([]byte, size)
	_, err = io.ReadFull(r.r, h.Data)
	return err
}

func (exe *Executable) readReloc32(r *reader, h *Hunk) error {
	for {
		count, err := r.long()
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}
		target, err := r.long()
		if err != nil {
			return err
		}
		if target >= uint32(len(exe.Hunks)) {
			return fmt.Errorf("%w: relocation against hunk %d of %d", ErrCorrupt, target, len(exe.Hunks))
		}
		rel := Reloc32{Target: int(target)}
		for i := uint32(0); i < count; i++ {
			off, err := r.long()
			if err != nil {
				return err
			}
			rel.Offsets = append(rel.Offsets, off)
		}
		h.Relocs = append(h.Relocs, rel)
	}
}

// readSymbols symbols end up ordered by offset
func readSymbols(r *reader, h *Hunk) error {
	for {
		n, err := r.long()
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		name, err := r.name(n & 0xffffff)
		if err != nil {
			return err
		}
		off, err := r.long()
		if err != nil {
			return err
		}
		h.Symbols = append(h.Symbols, Symbol{Name: name, Offset: off})
	}
	sort.SliceStable(h.Symbols, func(i, j int) bool { return h.Symbols[i].Offset < h.Symbols[j].Offset })
	return nil
}

func readDebug(r *reader, h *Hunk) error {
	n, err := r.long()
	if err != nil {
		return err
	}
	if n < 2 {
		// too short to carry a tag
		return r.skipLongs(n)
	}
	base, err := r.long()
	if err != nil {
		return err
	}
	tag, err := r.long()
	if err != nil {
		return err
	}
	n -= 2
	if tag != debugLine {
		return r.skipLongs(n)
	}
	if n == 0 {
		return fmt.Errorf("%w: LINE debug block without a name", ErrCorrupt)
	}
	nameLongs, err := r.long()
	if err != nil {
		return err
	}
	if nameLongs > n-1 {
		return fmt.Errorf("%w: LINE name of %d longs in a block of %d", ErrCorrupt, nameLongs, n)
	}
	name, err := r.name(nameLongs)
	if err != nil {
		return err
	}
	sf := SourceFile{Name: name, BaseOffset: base}
	rest := n - 1 - nameLongs
	for i := uint32(0); i < rest/2; i++ {
		line, err := r.long()
		if err != nil {
			return err
		}
		off, err := r.long()
		if err != nil {
			return err
		}
		sf.Lines = append(sf.Lines, SourceLine{Line: line & 0xffffff, Offset: base + off})
	}
	if rest%2 != 0 {
		if err := r.skipLongs(1); err != nil {
			return err
		}
	}
	h.Lines = append(h.Lines, sf)
	return nil
}
