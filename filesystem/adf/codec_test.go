package adf

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"
)

func TestBootBlockRoundTrip(t *testing.T) {
	bb := &bootBlock{dosType: DOSTypeFFSIntl, rootBlock: 880, code: []byte{0x43, 0xfa, 0x00, 0x18}}
	b := make([]byte, bootBlockSize)
	if err := bb.MarshalADF(b); err != nil {
		t.Fatal(err)
	}
	if string(b[:3]) != "DOS" || b[3] != 3 {
		t.Errorf("signature %q %d", b[:3], b[3])
	}
	got, err := bootBlockFromBytes(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.dosType != bb.dosType || got.rootBlock != 880 || got.checksum != bb.checksum {
		t.Errorf("got %+v, expected %+v", got, bb)
	}
	if !got.hasCode() || !bytes.HasPrefix(got.code, bb.code) {
		t.Errorf("boot code lost")
	}

	// a broken checksum still decodes
	b[100] ^= 0xff
	got, err = bootBlockFromBytes(b)
	if !errors.Is(err, ErrInvalidChecksum) {
		t.Errorf("expected checksum error, got %v", err)
	}
	if got == nil || got.dosType != DOSTypeFFSIntl {
		t.Errorf("structure not returned with checksum warning")
	}

	b[0] = 'X'
	if _, err := bootBlockFromBytes(b); !errors.Is(err, ErrUnexpectedBlockType) {
		t.Errorf("non-DOS signature: got %v", err)
	}
}

func TestRootBlockRoundTrip(t *testing.T) {
	rb := &rootBlock{
		index:          880,
		bitmapFlag:     bitmapFlagValid,
		bitmapExt:      0,
		rootModified:   amigaDate{days: 16000, mins: 600, ticks: 25},
		name:           []byte("Workbench"),
		volumeModified: amigaDate{days: 16001, mins: 1, ticks: 2},
		created:        amigaDate{days: 15000},
		dirCache:       0,
	}
	rb.hashTable[3] = 882
	rb.hashTable[71] = 900
	rb.bitmapPages[0] = 881
	b := make([]byte, blockSize)
	if err := rb.MarshalADF(b); err != nil {
		t.Fatal(err)
	}
	got, err := rootBlockFromBytes(b, 880)
	if err != nil {
		t.Fatal(err)
	}
	expected := *rb
	expected.raw = b
	deep.CompareUnexportedFields = true
	if diff := deep.Equal(got, &expected); diff != nil {
		t.Errorf("rootBlockFromBytes() = %v", diff)
	}
	again := make([]byte, blockSize)
	if err := got.MarshalADF(again); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(b, again); diff != "" {
		t.Errorf("re-encoded root differs (-first +second):\n%s", diff)
	}

	b[offTable] ^= 1
	if _, err := rootBlockFromBytes(b, 880); !errors.Is(err, ErrInvalidChecksum) {
		t.Errorf("expected checksum error, got %v", err)
	}
}

func TestEntryHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		h    *entryHeader
	}{
		{"file", &entryHeader{
			index:     882,
			secType:   secTypeFile,
			protect:   uint32(ProtectArchive),
			size:      1000,
			comment:   []byte("a comment"),
			modified:  amigaDate{days: 1, mins: 2, ticks: 3},
			name:      []byte("readme.txt"),
			hashChain: 950,
			parent:    880,
		}},
		{"dir", &entryHeader{
			index:    883,
			secType:  secTypeDir,
			name:     []byte("docs"),
			parent:   880,
			modified: amigaDate{days: 7},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.h.isFile() {
				tt.h.setDataPointers([]uint32{884, 885})
			} else {
				tt.h.table[5] = 999
			}
			b := make([]byte, blockSize)
			if err := tt.h.MarshalADF(b); err != nil {
				t.Fatal(err)
			}
			got, err := entryHeaderFromBytes(b, tt.h.index)
			if err != nil {
				t.Fatal(err)
			}
			expected := *tt.h
			expected.raw = b
			deep.CompareUnexportedFields = true
			if diff := deep.Equal(got, &expected); diff != nil {
				t.Errorf("entryHeaderFromBytes() = %v", diff)
			}
			if _, err := entryHeaderFromBytes(b, tt.h.index+1); !errors.Is(err, ErrUnexpectedBlockType) {
				t.Errorf("header read at the wrong index: got %v", err)
			}
		})
	}
}

func TestDataPointersOrder(t *testing.T) {
	h := &entryHeader{secType: secTypeFile}
	h.setDataPointers([]uint32{10, 11, 12})
	if h.table[71] != 10 || h.table[70] != 11 || h.table[69] != 12 {
		t.Errorf("pointers not stored back to front: %v", h.table[69:])
	}
	if h.firstData != 10 || h.highSeq != 3 {
		t.Errorf("firstData %d highSeq %d", h.firstData, h.highSeq)
	}
	if diff := cmp.Diff([]uint32{10, 11, 12}, h.dataPointers()); diff != "" {
		t.Errorf("dataPointers() mismatch:\n%s", diff)
	}
}

func TestExtensionAndDataBlockRoundTrip(t *testing.T) {
	ext := &extensionBlock{index: 1000, parent: 882, next: 1100}
	ext.highSeq = setListPointers(&ext.table, []uint32{1001, 1002, 1003})
	b := make([]byte, blockSize)
	if err := ext.MarshalADF(b); err != nil {
		t.Fatal(err)
	}
	gotExt, err := extensionBlockFromBytes(b, 1000)
	if err != nil {
		t.Fatal(err)
	}
	ext.raw = b
	deep.CompareUnexportedFields = true
	if diff := deep.Equal(gotExt, ext); diff != nil {
		t.Errorf("extensionBlockFromBytes() = %v", diff)
	}

	db := &dataBlock{index: 1001, header: 882, seq: 73, size: 3, next: 1002}
	copy(db.data[:], "abc")
	d := make([]byte, blockSize)
	if err := db.MarshalADF(d); err != nil {
		t.Fatal(err)
	}
	gotData, err := dataBlockFromBytes(d, 1001)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(gotData, db); diff != nil {
		t.Errorf("dataBlockFromBytes() = %v", diff)
	}
	if _, err := extensionBlockFromBytes(d, 1001); !errors.Is(err, ErrUnexpectedBlockType) {
		t.Errorf("data block read as extension: got %v", err)
	}
}

func TestBitmapBlocksRoundTrip(t *testing.T) {
	bm := &bitmapBlock{index: 881}
	for i := range bm.longs {
		bm.longs[i] = uint32(i) * 0x01010101
	}
	b := make([]byte, blockSize)
	if err := bm.MarshalADF(b); err != nil {
		t.Fatal(err)
	}
	got, err := bitmapBlockFromBytes(b, 881)
	if err != nil {
		t.Fatal(err)
	}
	deep.CompareUnexportedFields = true
	if diff := deep.Equal(got, bm); diff != nil {
		t.Errorf("bitmapBlockFromBytes() = %v", diff)
	}

	ext := &bitmapExtBlock{index: 2000, next: 2001}
	ext.pages[0] = 1990
	ext.pages[126] = 1999
	e := make([]byte, blockSize)
	if err := ext.MarshalADF(e); err != nil {
		t.Fatal(err)
	}
	gotExt, err := bitmapExtBlockFromBytes(e, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(gotExt, ext); diff != nil {
		t.Errorf("bitmapExtBlockFromBytes() = %v", diff)
	}
}

func TestDirCacheBlockRoundTrip(t *testing.T) {
	dc := &dirCacheBlock{
		index:  890,
		parent: 880,
		next:   891,
		records: []cacheRecord{
			{header: 882, size: 1000, protect: 0, days: 1, mins: 2, ticks: 3, secType: int8(secTypeFile), name: []byte("readme.txt")},
			{header: 883, secType: int8(secTypeDir), name: []byte("docs"), comment: []byte("odd")},
		},
	}
	b := make([]byte, blockSize)
	if err := dc.MarshalADF(b); err != nil {
		t.Fatal(err)
	}
	got, err := dirCacheBlockFromBytes(b, 890)
	if err != nil {
		t.Fatal(err)
	}
	deep.CompareUnexportedFields = true
	if diff := deep.Equal(got, dc); diff != nil {
		t.Errorf("dirCacheBlockFromBytes() = %v", diff)
	}
	if l := dc.records[0].length(); l%2 != 0 {
		t.Errorf("record length %d is odd", l)
	}
}

func TestPackRecords(t *testing.T) {
	if blocks := packRecords(nil); len(blocks) != 1 || len(blocks[0]) != 0 {
		t.Errorf("empty directory should keep one empty cache block, got %d", len(blocks))
	}
	var records []cacheRecord
	for i := 0; i < 40; i++ {
		records = append(records, cacheRecord{header: uint32(i), name: bytes.Repeat([]byte{'x'}, 30)})
	}
	blocks := packRecords(records)
	total := 0
	for _, blk := range blocks {
		used := 0
		for _, r := range blk {
			used += r.length()
		}
		if used > dirCacheDataSize {
			t.Errorf("block holds %d bytes, maximum %d", used, dirCacheDataSize)
		}
		total += len(blk)
	}
	if total != 40 || len(blocks) < 2 {
		t.Errorf("%d records over %d blocks", total, len(blocks))
	}
}

func TestAmigaDate(t *testing.T) {
	d := amigaDate{days: 1, mins: 61, ticks: 100}
	got := d.Time()
	if got.Year() != 1978 || got.Day() != 2 || got.Hour() != 1 || got.Minute() != 1 || got.Second() != 2 {
		t.Errorf("Time() = %v", got)
	}
	if back := dateFromTime(got); back != d {
		t.Errorf("dateFromTime() = %+v, expected %+v", back, d)
	}
}
