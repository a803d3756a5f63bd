package disk

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestGeometryForSize(t *testing.T) {
	tests := []struct {
		size int64
		geom Geometry
		err  error
	}{
		{901120, GeometryDD, nil},
		{1802240, GeometryHD, nil},
		{512 * 100, Geometry{Cylinders: 100, Heads: 1, SectorsPerTrack: 1}, nil},
		{901121, Geometry{}, ErrInvalidImageSize},
		{0, Geometry{}, ErrInvalidImageSize},
		{1024, Geometry{}, ErrInvalidImageSize},
	}
	for _, tt := range tests {
		g, err := GeometryForSize(tt.size)
		if !errors.Is(err, tt.err) {
			t.Errorf("size %d: mismatched error, actual %v expected %v", tt.size, err, tt.err)
		}
		if diff := deep.Equal(g, tt.geom); diff != nil {
			t.Errorf("size %d: %v", tt.size, diff)
		}
	}
	if GeometryDD.RootBlock() != 880 {
		t.Errorf("DD root block %d, expected 880", GeometryDD.RootBlock())
	}
	if GeometryHD.RootBlock() != 1760 {
		t.Errorf("HD root block %d, expected 1760", GeometryHD.RootBlock())
	}
}

func TestReadWriteBlock(t *testing.T) {
	d := NewMemory(GeometryDD)
	if d.BlockCount() != 1760 {
		t.Fatalf("block count %d", d.BlockCount())
	}
	b := bytes.Repeat([]byte{0xa5}, BlockSize)
	if err := d.WriteBlock(1759, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := d.ReadBlock(1759)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, b) {
		t.Errorf("read back different bytes")
	}
	if _, err := d.ReadBlock(1760); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("read past end: got %v", err)
	}
	if err := d.WriteBlock(1760, b); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("write past end: got %v", err)
	}
	if err := d.WriteBlock(3, b[:100]); err == nil {
		t.Errorf("partial block write accepted")
	}
	d.Writable = false
	if err := d.WriteBlock(3, b); !errors.Is(err, ErrReadOnly) {
		t.Errorf("read-only write: got %v", err)
	}
}
