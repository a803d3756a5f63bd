package hunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

type loadFile struct {
	bytes.Buffer
}

func (l *loadFile) longs(v ...uint32) *loadFile {
	for _, x := range v {
		_ = binary.Write(&l.Buffer, binary.BigEndian, x)
	}
	return l
}

// text writes the length in longs followed by the NUL padded string
func (l *loadFile) text(s string) *loadFile {
	n := (len(s) + 3) / 4
	l.longs(uint32(n))
	b := make([]byte, n*4)
	copy(b, s)
	l.Write(b)
	return l
}

func sampleExecutable() []byte {
	l := &loadFile{}
	l.longs(hunkHeader, 0, 3, 0, 2)
	l.longs(2, 2|flagChip, 16)

	// hunk 0: code with relocations, symbols and line info
	l.longs(hunkName).text("main")
	l.longs(hunkCode, 2, 0x4e714e71, 0x4e754e75)
	l.longs(hunkReloc32, 2, 1, 4, 0, 1, 2, 0, 0)
	l.longs(hunkSymbol)
	l.text("_start").longs(4)
	l.text("_main").longs(0)
	l.longs(0)
	// LINE block: base, tag, name, two line pairs
	l.longs(hunkDebug, 2+1+2+4, 0x100, debugLine)
	l.text("main.c")
	l.longs(10, 0, 12|0x01000000, 4)
	// unknown block skipped by its length
	l.longs(1234, 2, 0xdeadbeef, 0xcafebabe)
	l.longs(hunkEnd)

	// hunk 1: chip data, with a non LINE debug block
	l.longs(hunkData, 2|flagChip, 1, 2)
	l.longs(hunkDebug, 3, 0, 0x4f505453, 0xffffffff)
	l.longs(hunkEnd)

	// hunk 2: bss
	l.longs(hunkBSS, 16)
	l.longs(hunkEnd)
	return l.Bytes()
}

func TestParse(t *testing.T) {
	exe, err := Parse(bytes.NewReader(sampleExecutable()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := &Executable{
		First: 0,
		Last:  2,
		Hunks: []*Hunk{
			{
				Type:      Code,
				Memory:    AnyMemory,
				AllocSize: 8,
				Size:      8,
				Name:      "main",
				Data:      []byte{0x4e, 0x71, 0x4e, 0x71, 0x4e, 0x75, 0x4e, 0x75},
				Relocs: []Reloc32{
					{Target: 1, Offsets: []uint32{4, 0}},
					{Target: 2, Offsets: []uint32{0}},
				},
				Symbols: []Symbol{{Name: "_main", Offset: 0}, {Name: "_start", Offset: 4}},
				Lines: []SourceFile{{
					Name:       "main.c",
					BaseOffset: 0x100,
					Lines:      []SourceLine{{Line: 10, Offset: 0x100}, {Line: 12, Offset: 0x104}},
				}},
			},
			{
				Type:      Data,
				Memory:    ChipMemory,
				AllocSize: 8,
				Size:      8,
				Data:      []byte{0, 0, 0, 1, 0, 0, 0, 2},
			},
			{
				Type:      BSS,
				Memory:    AnyMemory,
				AllocSize: 64,
				Size:      64,
			},
		},
	}
	if diff := deep.Equal(exe, expected); diff != nil {
		t.Errorf("mismatch: %v", diff)
	}
	if s := exe.Hunks[1].String(); s != "DATA hunk, chip memory, 8 bytes" {
		t.Errorf("unexpected description %q", s)
	}
}

func TestParseResidentLibraries(t *testing.T) {
	l := &loadFile{}
	l.longs(hunkHeader).text("dos.library").longs(0)
	l.longs(1, 0, 0, 1)
	l.longs(hunkCode, 1, 0x4e754e75, hunkEnd)
	exe, err := Parse(bytes.NewReader(l.Bytes()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := deep.Equal(exe.Libraries, []string{"dos.library"}); diff != nil {
		t.Errorf("libraries: %v", diff)
	}
}

func TestParseErrors(t *testing.T) {
	good := sampleExecutable()
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"object file", (&loadFile{}).longs(hunkUnit, 0).Bytes(), ErrNotExecutable},
		{"truncated", good[:len(good)-12], ErrCorrupt},
		{"reversed range", (&loadFile{}).longs(hunkHeader, 0, 2, 3, 1).Bytes(), ErrCorrupt},
		{"bad reloc target", (&loadFile{}).longs(hunkHeader, 0, 1, 0, 0, 1, hunkCode, 1, 0, hunkReloc32, 1, 5, 0, 0, hunkEnd).Bytes(), ErrCorrupt},
		{"ext in load file", (&loadFile{}).longs(hunkHeader, 0, 1, 0, 0, 0, hunkExt, 0).Bytes(), ErrCorrupt},
		{"huge data", (&loadFile{}).longs(hunkHeader, 0, 1, 0, 0, 0, hunkCode, 0x3fffffff).Bytes(), ErrCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.err) {
				t.Errorf("got %v, expected %v", err, tt.err)
			}
		})
	}
}

func TestIsExecutable(t *testing.T) {
	if !IsExecutable(sampleExecutable()) {
		t.Error("sample not recognised")
	}
	if IsExecutable([]byte{0, 0, 3}) || IsExecutable([]byte("DOS\x00")) {
		t.Error("false positive")
	}
}
