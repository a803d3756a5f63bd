package adf

import (
	"bytes"
	"fmt"

	"github.com/diskfs/go-adf/disk"
	log "github.com/sirupsen/logrus"
)

// allocator the in-memory view of the bitmap. Changes stay in memory until writeAllocator,
// so an operation can reserve everything it needs before it writes a single block.
type allocator struct {
	blockCount uint32
	avail      []bool
	system     []bool
	// pages and extPages are the bitmap blocks and bitmap extension blocks, in chain order
	pages    []uint32
	extPages []uint32
	// stored is what each page held on disk, to skip rewriting unchanged pages
	stored [][]byte
}

// bitmapPagesFor number of bitmap blocks needed to cover blocks 2..blockCount-1
func bitmapPagesFor(blockCount uint32) int {
	bits := int(blockCount - reservedBlocks)
	return (bits + bitmapBitsPerBlock - 1) / bitmapBitsPerBlock
}

// bitmapExtPagesFor number of bitmap extension blocks needed to list pages bitmap blocks
func bitmapExtPagesFor(pages int) int {
	if pages <= bitmapPagesInRoot {
		return 0
	}
	return (pages - bitmapPagesInRoot + bitmapPagesPerExt - 1) / bitmapPagesPerExt
}

func newAllocator(blockCount, root uint32, pages, extPages []uint32) *allocator {
	a := &allocator{
		blockCount: blockCount,
		avail:      make([]bool, blockCount),
		system:     make([]bool, blockCount),
		pages:      pages,
		extPages:   extPages,
		stored:     make([][]byte, len(pages)),
	}
	for i := uint32(0); i < reservedBlocks; i++ {
		a.system[i] = true
	}
	a.system[root] = true
	for _, p := range pages {
		a.system[p] = true
	}
	for _, p := range extPages {
		a.system[p] = true
	}
	return a
}

// readAllocator loads the bitmap named by the root block. Any checksum failure is returned,
// mutating operations must not allocate from a bitmap they cannot trust.
func (fs *FileSystem) readAllocator() (*allocator, error) {
	rb, err := fs.readRoot()
	if err != nil {
		return nil, err
	}
	pages, extPages, err := fs.bitmapPages(rb)
	if err != nil {
		return nil, err
	}
	a := newAllocator(fs.blockCount, fs.rootBlock, pages, extPages)
	for i, p := range pages {
		b, err := fs.readBlock(p)
		if err != nil {
			return nil, err
		}
		bm, err := bitmapBlockFromBytes(b, p)
		if err != nil {
			return nil, fmt.Errorf("bitmap page %d: %w", i, err)
		}
		a.stored[i] = b
		a.load(i, bm)
	}
	return a, nil
}

// bitmapPages collects the bitmap block list from the root and its extension chain
func (fs *FileSystem) bitmapPages(rb *rootBlock) (pages, extPages []uint32, err error) {
	want := bitmapPagesFor(fs.blockCount)
	for _, p := range rb.bitmapPages {
		if p == 0 || len(pages) == want {
			break
		}
		pages = append(pages, p)
	}
	for next := rb.bitmapExt; next != 0 && len(pages) < want; {
		if next >= fs.blockCount || len(extPages) > bitmapExtPagesFor(want) {
			return nil, nil, fmt.Errorf("bitmap extension chain broken at block %d: %w", next, ErrUnexpectedBlockType)
		}
		b, err := fs.readBlock(next)
		if err != nil {
			return nil, nil, err
		}
		ext, err := bitmapExtBlockFromBytes(b, next)
		if err != nil {
			return nil, nil, err
		}
		extPages = append(extPages, next)
		for _, p := range ext.pages {
			if p == 0 || len(pages) == want {
				break
			}
			pages = append(pages, p)
		}
		next = ext.next
	}
	if len(pages) != want {
		return nil, nil, fmt.Errorf("root lists %d bitmap blocks, %d needed: %w", len(pages), want, ErrUnexpectedBlockType)
	}
	for _, p := range append(pages[:len(pages):len(pages)], extPages...) {
		if p < reservedBlocks || p >= fs.blockCount || p == fs.rootBlock {
			return nil, nil, fmt.Errorf("bitmap block pointer %d out of range: %w", p, ErrUnexpectedBlockType)
		}
	}
	return pages, extPages, nil
}

func (a *allocator) load(page int, bm *bitmapBlock) {
	base := reservedBlocks + uint32(page*bitmapBitsPerBlock)
	for l, v := range bm.longs {
		for bit := 0; bit < 32; bit++ {
			block := base + uint32(l*32+bit)
			if block >= a.blockCount {
				return
			}
			a.avail[block] = v&(1<<bit) != 0 && !a.system[block]
		}
	}
}

func (a *allocator) encode(page int) ([]byte, error) {
	bm := &bitmapBlock{index: a.pages[page]}
	base := reservedBlocks + uint32(page*bitmapBitsPerBlock)
	for l := range bm.longs {
		var v uint32
		for bit := 0; bit < 32; bit++ {
			block := base + uint32(l*32+bit)
			if block < a.blockCount && a.avail[block] {
				v |= 1 << bit
			}
		}
		bm.longs[l] = v
	}
	b := make([]byte, blockSize)
	if err := bm.MarshalADF(b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeAllocator writes every bitmap page whose contents changed
func (fs *FileSystem) writeAllocator(a *allocator) error {
	for i, p := range a.pages {
		b, err := a.encode(i)
		if err != nil {
			return err
		}
		if a.stored[i] != nil && bytes.Equal(a.stored[i], b) {
			continue
		}
		if err := fs.writeBlock(p, b); err != nil {
			return fmt.Errorf("could not write bitmap page %d: %w", i, err)
		}
		a.stored[i] = b
	}
	return nil
}

// isFree whether the block is available for allocation
func (a *allocator) isFree(index uint32) bool {
	return index < a.blockCount && a.avail[index]
}

// allocate reserves count blocks, lowest index first. Nothing is reserved if the request
// cannot be satisfied in full.
func (a *allocator) allocate(count int) ([]uint32, error) {
	if count <= 0 {
		return nil, nil
	}
	found := make([]uint32, 0, count)
	for i := reservedBlocks; i < a.blockCount && len(found) < count; i++ {
		if a.avail[i] {
			found = append(found, i)
		}
	}
	if len(found) < count {
		return nil, fmt.Errorf("%w: %d blocks requested, %d free", ErrOutOfSpace, count, len(found))
	}
	for _, i := range found {
		a.avail[i] = false
	}
	log.WithField("blocks", found).Debug("allocated blocks")
	return found, nil
}

// free releases blocks. The contents are left in place.
func (a *allocator) free(indices ...uint32) error {
	for _, i := range indices {
		if err := a.checkMutable(i); err != nil {
			return err
		}
	}
	for _, i := range indices {
		a.avail[i] = true
	}
	return nil
}

// markUsed reserves a specific block
func (a *allocator) markUsed(index uint32) error {
	if err := a.checkMutable(index); err != nil {
		return err
	}
	a.avail[index] = false
	return nil
}

func (a *allocator) checkMutable(index uint32) error {
	if index >= a.blockCount {
		return fmt.Errorf("block %d of %d: %w", index, a.blockCount, disk.ErrOutOfRange)
	}
	if a.system[index] {
		return fmt.Errorf("block %d: %w", index, ErrSystemBlock)
	}
	return nil
}

func (a *allocator) freeCount() int {
	n := 0
	for _, f := range a.avail {
		if f {
			n++
		}
	}
	return n
}

func (a *allocator) systemCount() int {
	n := 0
	for _, s := range a.system {
		if s {
			n++
		}
	}
	return n
}
