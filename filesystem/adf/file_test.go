package adf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func pattern(n int, seed int64) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	_, _ = r.Read(b)
	return b
}

func TestWriteReadSizes(t *testing.T) {
	for _, dt := range []DOSType{DOSTypeOFS, DOSTypeFFS, DOSTypeFFSDirCache} {
		payload := dt.dataSize()
		sizes := []struct {
			name     string
			size     int
			dataBlks int
			extBlks  int
		}{
			{"empty", 0, 0, 0},
			{"one block", payload, 1, 0},
			{"partial block", payload/2 + 1, 1, 0},
			{"72 blocks", 72 * payload, 72, 0},
			{"73 blocks", 72*payload + 1, 73, 1},
			{"200 blocks", 200 * payload, 200, 2},
		}
		for _, tt := range sizes {
			t.Run(fmt.Sprintf("%s/%s", dt, tt.name), func(t *testing.T) {
				fs, _ := testFileSystem(t, dt)
				fresh, err := fs.Information()
				if err != nil {
					t.Fatal(err)
				}
				data := pattern(tt.size, int64(tt.size))
				if err := fs.WriteFile("f", data); err != nil {
					t.Fatal(err)
				}
				got, err := fs.ReadFile("f")
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(data, got); diff != "" {
					t.Errorf("read back differs:\n%s", diff)
				}
				info, err := fs.Information()
				if err != nil {
					t.Fatal(err)
				}
				// header plus data plus extension blocks
				if used := fresh.FreeBlocks - info.FreeBlocks; used != 1+tt.dataBlks+tt.extBlks {
					t.Errorf("%d blocks used, expected %d", used, 1+tt.dataBlks+tt.extBlks)
				}
				_, h, err := fs.lookup("f")
				if err != nil {
					t.Fatal(err)
				}
				c, err := fs.fileChain(h)
				if err != nil {
					t.Fatal(err)
				}
				if len(c.data) != tt.dataBlks || len(c.ext) != tt.extBlks {
					t.Errorf("chain %d data %d extension blocks", len(c.data), len(c.ext))
				}
				assertConsistent(t, fs)
				if err := fs.Remove("f"); err != nil {
					t.Fatal(err)
				}
				after, _ := fs.Information()
				if after.FreeBlocks != fresh.FreeBlocks {
					t.Errorf("remove left %d blocks in use", fresh.FreeBlocks-after.FreeBlocks)
				}
			})
		}
	}
}

func TestReadmeFixture(t *testing.T) {
	fs, _ := testFileSystem(t, DOSTypeOFS)
	if err := fs.Mkdir("docs"); err != nil {
		t.Fatal(err)
	}
	content := bytes.Repeat([]byte("0123456789"), 100)
	if err := fs.WriteFile("docs/readme.txt", content); err != nil {
		t.Fatal(err)
	}
	entries, err := fs.List("docs")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "readme.txt" || entries[0].Size != 1000 || entries[0].Type != EntryFile {
		t.Errorf("entries %+v", entries)
	}
	got, err := fs.ReadFile("docs/readme.txt")
	if err != nil || !bytes.Equal(got, content) {
		t.Errorf("extract returned %d bytes, %v", len(got), err)
	}
	// 1000 bytes take three 488 byte OFS blocks
	_, h, _ := fs.lookup("docs/readme.txt")
	if h.highSeq != 3 {
		t.Errorf("high seq %d", h.highSeq)
	}
}

func TestRangedReadWrite(t *testing.T) {
	for _, dt := range []DOSType{DOSTypeOFS, DOSTypeFFS} {
		t.Run(dt.String(), func(t *testing.T) {
			fs, _ := testFileSystem(t, dt)
			f, err := fs.OpenFile("f", os.O_RDWR|os.O_CREATE)
			if err != nil {
				t.Fatal(err)
			}
			expected := pattern(3000, 1)
			if _, err := f.Write(expected); err != nil {
				t.Fatal(err)
			}
			// overwrite across a block boundary
			patch := bytes.Repeat([]byte{0xee}, 100)
			if _, err := f.Seek(450, io.SeekStart); err != nil {
				t.Fatal(err)
			}
			if _, err := f.Write(patch); err != nil {
				t.Fatal(err)
			}
			copy(expected[450:], patch)
			// write past the end leaves a zero-filled hole
			if _, err := f.Seek(4000, io.SeekStart); err != nil {
				t.Fatal(err)
			}
			if _, err := f.Write([]byte("tail")); err != nil {
				t.Fatal(err)
			}
			expected = append(expected, make([]byte, 1000)...)
			expected = append(expected, "tail"...)

			if _, err := f.Seek(0, io.SeekStart); err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(f)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(expected, got); diff != "" {
				t.Errorf("contents differ:\n%s", diff)
			}
			buf := make([]byte, 10)
			adfFile := f.(*File)
			if n, err := adfFile.ReadAt(buf, 3998); n != 6 || err != io.EOF {
				t.Errorf("short ReadAt returned %d, %v", n, err)
			}
			if err := adfFile.Truncate(10); err != nil {
				t.Fatal(err)
			}
			got, _ = fs.ReadFile("f")
			if diff := cmp.Diff(expected[:10], got); diff != "" {
				t.Errorf("after truncate:\n%s", diff)
			}
			if err := f.Close(); err != nil {
				t.Fatal(err)
			}
			if _, err := f.Read(buf); err == nil {
				t.Errorf("read after close succeeded")
			}
			assertConsistent(t, fs)
		})
	}
}

func TestOpenFileFlags(t *testing.T) {
	fs, _ := testFileSystem(t, DOSTypeFFS)
	if _, err := fs.OpenFile("missing", os.O_RDONLY); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("open missing: got %v", err)
	}
	if err := fs.WriteFile("log", []byte("one\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.OpenFile("log", os.O_RDWR|os.O_CREATE|os.O_EXCL); !errors.Is(err, os.ErrExist) {
		t.Errorf("exclusive create of existing: got %v", err)
	}
	f, err := fs.OpenFile("log", os.O_WRONLY|os.O_APPEND)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte("two\n")); err != nil {
		t.Fatal(err)
	}
	got, _ := fs.ReadFile("log")
	if string(got) != "one\ntwo\n" {
		t.Errorf("append: %q", got)
	}
	ro, err := fs.OpenFile("log", os.O_RDONLY)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ro.Write([]byte("x")); err == nil {
		t.Errorf("write through read-only handle")
	}
	if _, err := fs.OpenFile("log", os.O_RDWR|os.O_TRUNC); err != nil {
		t.Fatal(err)
	}
	if got, _ := fs.ReadFile("log"); len(got) != 0 {
		t.Errorf("truncated file holds %q", got)
	}
	if _, err := fs.OpenFile("/", os.O_RDONLY); err == nil {
		t.Errorf("opened the root directory as a file")
	}
}

func TestOutOfSpaceLeavesImageUntouched(t *testing.T) {
	for _, dt := range []DOSType{DOSTypeOFS, DOSTypeFFSDirCache} {
		t.Run(dt.String(), func(t *testing.T) {
			fs, d := testFileSystem(t, dt)
			if err := fs.WriteFile("small", []byte("keep me")); err != nil {
				t.Fatal(err)
			}
			before := imageBytes(t, d)
			huge := make([]byte, 1760*blockSize)
			f, err := fs.OpenFile("small", os.O_RDWR)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := f.Write(huge); !errors.Is(err, ErrOutOfSpace) {
				t.Errorf("expected ErrOutOfSpace, got %v", err)
			}
			if diff := cmp.Diff(before, imageBytes(t, d)); diff != "" {
				t.Errorf("failed write changed the image")
			}
			got, _ := fs.ReadFile("small")
			if string(got) != "keep me" {
				t.Errorf("file now holds %q", got)
			}
		})
	}
}

func TestWriteFileOutOfSpace(t *testing.T) {
	for _, dt := range []DOSType{DOSTypeOFS, DOSTypeFFS, DOSTypeFFSDirCache} {
		t.Run(dt.String(), func(t *testing.T) {
			fs, d := testFileSystem(t, dt)
			keep := pattern(1000, 5)
			if err := fs.WriteFile("keep", keep); err != nil {
				t.Fatal(err)
			}
			before := imageBytes(t, d)
			huge := make([]byte, 2<<20)

			if err := fs.WriteFile("keep", huge); !errors.Is(err, ErrOutOfSpace) {
				t.Errorf("replace: expected ErrOutOfSpace, got %v", err)
			}
			if diff := cmp.Diff(before, imageBytes(t, d)); diff != "" {
				t.Errorf("failed replace changed the image")
			}
			got, err := fs.ReadFile("keep")
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(keep, got); diff != "" {
				t.Errorf("failed replace lost the old contents:\n%s", diff)
			}

			if err := fs.WriteFile("new", huge); !errors.Is(err, ErrOutOfSpace) {
				t.Errorf("create: expected ErrOutOfSpace, got %v", err)
			}
			if diff := cmp.Diff(before, imageBytes(t, d)); diff != "" {
				t.Errorf("failed create changed the image")
			}
			if _, err := fs.Stat("new"); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("failed create left an entry behind: %v", err)
			}
			assertConsistent(t, fs)
		})
	}
}

func TestWriteFileReplace(t *testing.T) {
	for _, dt := range allTypes {
		t.Run(dt.String(), func(t *testing.T) {
			fs, _ := testFileSystem(t, dt)
			free := func() int {
				info, err := fs.Information()
				if err != nil {
					t.Fatal(err)
				}
				return info.FreeBlocks
			}
			empty := free()
			// long enough for an extension block, then shorter, then empty
			for i, size := range []int{100 * blockSize, 3000, 0, 700} {
				data := pattern(size, int64(i))
				if err := fs.WriteFile("s/startup-sequence", data); err == nil {
					t.Fatalf("wrote into a missing directory")
				}
				if err := fs.WriteFile("startup-sequence", data); err != nil {
					t.Fatalf("write %d bytes: %v", size, err)
				}
				got, err := fs.ReadFile("startup-sequence")
				if err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(data, got); diff != "" {
					t.Errorf("%d bytes read back wrong:\n%s", size, diff)
				}
				payload := fs.dosType.dataSize()
				count := blocksFor(int64(size), payload)
				if used := empty - free(); used != 1+count+extBlocksFor(count) {
					t.Errorf("%d bytes use %d blocks", size, used)
				}
				assertConsistent(t, fs)
			}
			if err := fs.WriteFile("/", nil); err == nil {
				t.Errorf("wrote over the root directory")
			}
		})
	}
}

func TestFillDisk(t *testing.T) {
	fs, _ := testFileSystem(t, DOSTypeFFS)
	info, _ := fs.Information()
	// one header and one extension block for every 72 data blocks past the first 72
	dataBlocks := info.FreeBlocks - 1
	dataBlocks -= extBlocksFor(dataBlocks)
	data := pattern(dataBlocks*blockSize, 7)
	if err := fs.WriteFile("all", data); err != nil {
		t.Fatal(err)
	}
	after, _ := fs.Information()
	if after.FreeBlocks != 0 {
		t.Errorf("%d blocks left free", after.FreeBlocks)
	}
	if err := fs.Mkdir("more"); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("mkdir on a full disk: got %v", err)
	}
	got, err := fs.ReadFile("all")
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("full disk file read back wrong: %v", err)
	}
	assertConsistent(t, fs)
}
