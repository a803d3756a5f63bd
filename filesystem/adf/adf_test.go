package adf

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/diskfs/go-adf/disk"
	"github.com/diskfs/go-adf/filesystem"
	"github.com/go-test/deep"
)

var testTime = time.Date(2024, time.May, 1, 12, 30, 0, 0, time.UTC)

var allTypes = []DOSType{
	DOSTypeOFS, DOSTypeFFS, DOSTypeOFSIntl, DOSTypeFFSIntl, DOSTypeOFSDirCache, DOSTypeFFSDirCache,
}

// testFileSystem formats a fresh DD disk with a fixed clock
func testFileSystem(t *testing.T, dosType DOSType) (*FileSystem, *disk.Disk) {
	t.Helper()
	timeNow = func() time.Time { return testTime }
	t.Cleanup(func() { timeNow = time.Now })
	d := disk.NewMemory(disk.GeometryDD)
	fs, err := Create(d, &Params{Type: dosType, VolumeName: "Test"})
	if err != nil {
		t.Fatalf("could not create filesystem: %v", err)
	}
	return fs, d
}

func imageBytes(t *testing.T, d *disk.Disk) []byte {
	t.Helper()
	b, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func bitmapOf(t *testing.T, fs *FileSystem) []bool {
	t.Helper()
	r, err := fs.BitmapReport()
	if err != nil {
		t.Fatalf("bitmap report: %v", err)
	}
	return r.Free
}

func assertConsistent(t *testing.T, fs *FileSystem) {
	t.Helper()
	report, err := fs.Check()
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.OK() {
		t.Errorf("volume inconsistent: leaked %v unallocated %v crosslinked %v mislinked %v warnings %v",
			report.Leaked, report.Unallocated, report.CrossLinked, report.Mislinked, report.Warnings)
	}
}

func TestFormatWorkbench(t *testing.T) {
	timeNow = func() time.Time { return testTime }
	defer func() { timeNow = time.Now }()
	d := disk.NewMemory(disk.GeometryDD)
	fs, err := Create(d, &Params{Type: DOSTypeFFS, VolumeName: "Workbench"})
	if err != nil {
		t.Fatal(err)
	}
	info, err := fs.Information()
	if err != nil {
		t.Fatal(err)
	}
	expected := &Info{
		Type:         DOSTypeFFS,
		Name:         "Workbench",
		Created:      testTime,
		Modified:     testTime,
		RootModified: testTime,
		TotalBlocks:  1760,
		FreeBlocks:   1760 - 4,
		UsedBlocks:   0,
		SystemBlocks: 4,
		RootBlock:    880,
		Bootable:     false,
	}
	if diff := deep.Equal(info, expected); diff != nil {
		t.Errorf("Information() = %v", diff)
	}
	if fs.Type() != filesystem.TypeFFS || fs.Label() != "Workbench" {
		t.Errorf("type %v label %q", fs.Type(), fs.Label())
	}
	entries, err := fs.List("/")
	if err != nil || len(entries) != 0 {
		t.Errorf("fresh volume lists %d entries, err %v", len(entries), err)
	}
}

func TestFreshBitmap(t *testing.T) {
	for _, dt := range allTypes {
		t.Run(dt.String(), func(t *testing.T) {
			fs, _ := testFileSystem(t, dt)
			r, err := fs.BitmapReport()
			if err != nil {
				t.Fatal(err)
			}
			// the root directory cache counts with the system blocks
			system := 4
			if dt.DirCache() {
				system = 5
			}
			if r.UsedBlocks != 0 || r.SystemBlocks != system {
				t.Errorf("bitmap report: used %d system %d, expected 0 and %d", r.UsedBlocks, r.SystemBlocks, system)
			}
			info, err := fs.Information()
			if err != nil {
				t.Fatal(err)
			}
			if info.UsedBlocks != 0 || info.SystemBlocks != system || info.FreeBlocks != 1760-system {
				t.Errorf("information: used %d system %d free %d", info.UsedBlocks, info.SystemBlocks, info.FreeBlocks)
			}
			for i, free := range r.Free {
				system := i < 2 || i == 880 || i == 881
				switch {
				case system && free:
					t.Errorf("system block %d marked free", i)
				case !system && !free && !(dt.DirCache() && i == 2):
					t.Errorf("block %d marked used", i)
				}
			}
			assertConsistent(t, fs)
		})
	}
}

func TestReadBack(t *testing.T) {
	for _, dt := range allTypes {
		t.Run(dt.String(), func(t *testing.T) {
			_, d := testFileSystem(t, dt)
			fs, err := Read(d)
			if err != nil {
				t.Fatal(err)
			}
			if fs.DOSType() != dt {
				t.Errorf("read type %v, expected %v", fs.DOSType(), dt)
			}
			if fs.RootBlock() != 880 {
				t.Errorf("root block %d", fs.RootBlock())
			}
		})
	}
}

func TestReadRejects(t *testing.T) {
	d := disk.NewMemory(disk.GeometryDD)
	if _, err := Read(d); err == nil {
		t.Errorf("blank disk accepted")
	}
	if _, err := Create(d, &Params{Type: DOSType(7)}); err == nil {
		t.Errorf("invalid DOS type accepted")
	}
}

func TestDamagedRootDegrades(t *testing.T) {
	fs, d := testFileSystem(t, DOSTypeFFS)
	b, _ := d.ReadBlock(880)
	b[offTable+8] ^= 0x40
	if err := d.WriteBlock(880, b); err != nil {
		t.Fatal(err)
	}
	info, err := fs.Information()
	var w Warnings
	if !errors.As(err, &w) || !errors.Is(err, ErrInvalidChecksum) {
		t.Errorf("expected checksum warning, got %v", err)
	}
	if info == nil || info.TotalBlocks != 1760 || info.Type != DOSTypeFFS {
		t.Errorf("partial info not returned: %+v", info)
	}
	if err := fs.Mkdir("x"); !errors.Is(err, ErrInvalidChecksum) {
		t.Errorf("mutation on damaged root: got %v", err)
	}
}

func TestBitmapExtension(t *testing.T) {
	if testing.Short() {
		t.Skip("large hardfile")
	}
	timeNow = func() time.Time { return testTime }
	defer func() { timeNow = time.Now }()
	// one more bitmap page than the root can list
	count := uint32(bitmapPagesInRoot*bitmapBitsPerBlock + reservedBlocks + 10)
	d, err := disk.FromBytes(make([]byte, int(count)*blockSize))
	if err != nil {
		t.Fatal(err)
	}
	fs, err := Create(d, &Params{Type: DOSTypeFFS})
	if err != nil {
		t.Fatal(err)
	}
	rb, err := fs.readRoot()
	if err != nil {
		t.Fatal(err)
	}
	if rb.bitmapExt == 0 {
		t.Fatalf("no bitmap extension block")
	}
	a, err := fs.readAllocator()
	if err != nil {
		t.Fatal(err)
	}
	if len(a.pages) != bitmapPagesInRoot+1 || len(a.extPages) != 1 {
		t.Errorf("%d pages, %d extension pages", len(a.pages), len(a.extPages))
	}
	if !a.isFree(count-1) {
		t.Errorf("last block not free")
	}
	if err := fs.WriteFile("big", bytes.Repeat([]byte{1}, 4096)); err != nil {
		t.Fatal(err)
	}
	assertConsistent(t, fs)
}

func TestInstallBootBlock(t *testing.T) {
	fs, _ := testFileSystem(t, DOSTypeOFS)
	if err := fs.InstallBootBlock([]byte{0x43, 0xfa, 0x00, 0x3e}); err != nil {
		t.Fatal(err)
	}
	info, err := fs.Information()
	if err != nil {
		t.Fatal(err)
	}
	if !info.Bootable {
		t.Errorf("disk not bootable after installing boot code")
	}
	if err := fs.InstallBootBlock(make([]byte, BootCodeSize+1)); err == nil {
		t.Errorf("oversized boot code accepted")
	}
}

func TestSetLabel(t *testing.T) {
	fs, _ := testFileSystem(t, DOSTypeFFS)
	if err := fs.SetLabel("Games"); err != nil {
		t.Fatal(err)
	}
	if fs.Label() != "Games" {
		t.Errorf("label %q", fs.Label())
	}
	if err := fs.SetLabel("a:b"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("label with colon: got %v", err)
	}
}
