package adf

import (
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"
)

// DefragReport what a Defragment run changed
type DefragReport struct {
	// Moved number of block moves, including temporary moves out of the way
	Moved int
	// Repaired blocks the bitmap marked used that nothing referenced, now free
	Repaired []uint32
}

// defragger relocation state. Headers are tracked by the index they had when the scan ran.
type defragger struct {
	fs    *FileSystem
	a     *allocator
	where map[uint32]uint32
	moves int
}

func (d *defragger) cur(orig uint32) uint32 {
	if v, ok := d.where[orig]; ok {
		return v
	}
	return orig
}

// Defragment lays every file and directory out contiguously from block 2 upward, in tree
// order: each header followed by its data and extension blocks, or by its cache blocks and
// its children. Every move copies the block, repoints the pointer reaching it, then rewrites
// the back-references the block's own children hold and commits the bitmap. The forward
// pointers are always valid, so RebuildBitmap recovers a volume from an interrupted run; a
// later Defragment does the same before it moves anything. Running it again moves nothing.
func (fs *FileSystem) Defragment() (*DefragReport, error) {
	u, err := fs.scanUsage()
	if err != nil {
		return nil, err
	}
	if len(u.warnings) > 0 {
		return nil, fmt.Errorf("cannot defragment a damaged volume: %w", u.warnings)
	}
	if len(u.links) > 0 {
		// an interrupted run leaves back-references behind, settle them before planning moves
		if err := fs.repairLinks(u.links, u.allocator()); err != nil {
			return nil, err
		}
		if u, err = fs.scanUsage(); err != nil {
			return nil, err
		}
	}
	stored, err := fs.readAllocator()
	if err != nil {
		return nil, err
	}
	a := u.allocator()
	a.stored = stored.stored
	report := &DefragReport{}
	for i := reservedBlocks; i < fs.blockCount; i++ {
		if a.system[i] && u.count[i] > 0 {
			return nil, fmt.Errorf("system block %d is referenced by the tree: %w", i, ErrUnexpectedBlockType)
		}
		if u.count[i] > 1 {
			return nil, fmt.Errorf("block %d is referenced %d times: %w", i, u.count[i], ErrUnexpectedBlockType)
		}
		if a.avail[i] && !stored.avail[i] && !a.system[i] {
			report.Repaired = append(report.Repaired, i)
		}
	}
	if err := fs.writeAllocator(a); err != nil {
		return nil, err
	}

	d := &defragger{fs: fs, a: a, where: map[uint32]uint32{}}
	loc := make([]uint32, len(u.refs))
	at := map[uint32]int{}
	for k, ref := range u.refs {
		loc[k] = ref.index
		at[ref.index] = k
	}
	target := reservedBlocks
	for k, ref := range u.refs {
		for a.system[target] {
			target++
		}
		if loc[k] != target {
			if j, occupied := at[target]; occupied {
				spare, err := a.allocate(1)
				if err != nil {
					return report, fmt.Errorf("no free block to move block %d out of the way: %w", target, err)
				}
				if err := d.move(u.refs[j], target, spare[0]); err != nil {
					return report, err
				}
				loc[j] = spare[0]
				at[spare[0]] = j
				delete(at, target)
			}
			if err := a.markUsed(target); err != nil {
				return report, err
			}
			if err := d.move(ref, loc[k], target); err != nil {
				return report, err
			}
			delete(at, loc[k])
			loc[k] = target
			at[target] = k
		}
		target++
	}
	report.Moved = d.moves
	if d.moves > 0 || len(report.Repaired) > 0 {
		if err := fs.touchVolume(now()); err != nil {
			return report, err
		}
	}
	log.WithFields(log.Fields{"moved": report.Moved, "repaired": len(report.Repaired)}).Debug("defragmented volume")
	return report, nil
}

// move relocates one block. The destination must already be reserved in d.a.
func (d *defragger) move(ref blockRef, from, to uint32) error {
	b, err := d.fs.readBlock(from)
	if err != nil {
		return err
	}
	switch ref.kind {
	case kindHeader:
		err = d.moveHeader(ref, b, from, to)
	case kindData:
		err = d.moveData(ref, b, from, to)
	case kindExtension:
		err = d.moveExtension(ref, b, from, to)
	case kindDirCache:
		err = d.moveDirCache(ref, b, from, to)
	}
	if err != nil {
		return fmt.Errorf("moving %s block %d to %d: %w", ref.kind, from, to, err)
	}
	d.a.avail[from] = true
	d.a.avail[to] = false
	if err := d.fs.writeAllocator(d.a); err != nil {
		return err
	}
	if ref.kind == kindHeader {
		d.where[ref.index] = to
	}
	d.moves++
	log.WithFields(log.Fields{"kind": ref.kind, "from": from, "to": to}).Debug("moved block")
	return nil
}

func (d *defragger) moveHeader(ref blockRef, b []byte, from, to uint32) error {
	fs := d.fs
	h, err := entryHeaderFromBytes(b, from)
	if err != nil {
		return err
	}
	h.index = to
	if err := fs.writeHeader(h); err != nil {
		return err
	}

	parent, err := fs.readDir(d.cur(ref.owner))
	if err != nil {
		return err
	}
	slot := hashName(h.name, fs.dosType.Intl())
	if tbl := parent.table(); tbl[slot] == from {
		tbl[slot] = to
		if err := fs.writeDir(parent); err != nil {
			return err
		}
	} else if err := d.repointChain(tbl[slot], from, to); err != nil {
		return err
	}

	switch {
	case h.isDir():
		for _, next := range h.table {
			for steps := uint32(0); next != 0 && steps <= fs.blockCount; steps++ {
				child, err := fs.readHeader(next)
				if err != nil {
					return err
				}
				child.parent = to
				if err := fs.writeHeader(child); err != nil {
					return err
				}
				next = child.hashChain
			}
		}
		if fs.dosType.DirCache() {
			if err := d.editCacheChain(h.extension, from, func(dc *dirCacheBlock) bool {
				dc.parent = to
				return true
			}); err != nil {
				return err
			}
		}
	case h.isFile():
		c, err := fs.fileChain(h)
		if err != nil {
			return err
		}
		for _, e := range c.ext {
			ext, err := fs.readExtension(e)
			if err != nil {
				return err
			}
			ext.parent = to
			if err := fs.writeExtension(ext); err != nil {
				return err
			}
		}
		if !fs.dosType.FFS() {
			for _, index := range c.data {
				db, err := fs.readData(index)
				if err != nil {
					return err
				}
				db.header = to
				if err := fs.writeData(db); err != nil {
					return err
				}
			}
		}
	}

	if fs.dosType.DirCache() {
		return d.editCacheChain(parent.cacheFirst(), parent.index(), func(dc *dirCacheBlock) bool {
			changed := false
			for i := range dc.records {
				if dc.records[i].header == from {
					dc.records[i].header = to
					changed = true
				}
			}
			return changed
		})
	}
	return nil
}

// repointChain walks a hash chain from first and repoints the link to from
func (d *defragger) repointChain(first, from, to uint32) error {
	next := first
	for steps := uint32(0); next != 0 && steps <= d.fs.blockCount; steps++ {
		h, err := d.fs.readHeader(next)
		if err != nil {
			return err
		}
		if h.hashChain == from {
			h.hashChain = to
			return d.fs.writeHeader(h)
		}
		next = h.hashChain
	}
	return fmt.Errorf("no hash chain link to block %d: %w", from, ErrUnexpectedBlockType)
}

func (d *defragger) moveData(ref blockRef, b []byte, from, to uint32) error {
	fs := d.fs
	h, err := fs.readHeader(d.cur(ref.owner))
	if err != nil {
		return err
	}
	c, err := fs.fileChain(h)
	if err != nil {
		return err
	}
	i := slices.Index(c.data, from)
	if i < 0 {
		return fmt.Errorf("file %d does not list block %d: %w", h.index, from, ErrUnexpectedBlockType)
	}
	if err := fs.writeBlock(to, b); err != nil {
		return err
	}

	if j := slices.Index(h.table[:], from); j >= 0 {
		h.table[j] = to
		if h.firstData == from {
			h.firstData = to
		}
		if err := fs.writeHeader(h); err != nil {
			return err
		}
	} else {
		found := false
		for _, e := range c.ext {
			ext, err := fs.readExtension(e)
			if err != nil {
				return err
			}
			if j := slices.Index(ext.table[:], from); j >= 0 {
				ext.table[j] = to
				if err := fs.writeExtension(ext); err != nil {
					return err
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("no block list of file %d holds block %d: %w", h.index, from, ErrUnexpectedBlockType)
		}
	}

	if !fs.dosType.FFS() && i > 0 {
		prev, err := fs.readData(c.data[i-1])
		if err != nil {
			return err
		}
		prev.next = to
		return fs.writeData(prev)
	}
	return nil
}

func (d *defragger) moveExtension(ref blockRef, b []byte, from, to uint32) error {
	fs := d.fs
	ext, err := extensionBlockFromBytes(b, from)
	if err != nil {
		return err
	}
	ext.index = to
	if err := fs.writeExtension(ext); err != nil {
		return err
	}
	h, err := fs.readHeader(d.cur(ref.owner))
	if err != nil {
		return err
	}
	if h.extension == from {
		h.extension = to
		return fs.writeHeader(h)
	}
	next := h.extension
	for steps := uint32(0); next != 0 && steps <= fs.blockCount; steps++ {
		e, err := fs.readExtension(next)
		if err != nil {
			return err
		}
		if e.next == from {
			e.next = to
			return fs.writeExtension(e)
		}
		next = e.next
	}
	return fmt.Errorf("file %d does not chain to extension block %d: %w", h.index, from, ErrUnexpectedBlockType)
}

func (d *defragger) moveDirCache(ref blockRef, b []byte, from, to uint32) error {
	fs := d.fs
	dc, err := dirCacheBlockFromBytes(b, from)
	if err != nil {
		return err
	}
	dc.index = to
	if err := fs.writeDirCache(dc); err != nil {
		return err
	}
	dir, err := fs.readDir(d.cur(ref.owner))
	if err != nil {
		return err
	}
	if dir.cacheFirst() == from {
		dir.setCacheFirst(to)
		return fs.writeDir(dir)
	}
	found := false
	err = d.editCacheChain(dir.cacheFirst(), dir.index(), func(c *dirCacheBlock) bool {
		if c.next == from {
			c.next = to
			found = true
			return true
		}
		return false
	})
	if err == nil && !found {
		err = fmt.Errorf("directory %d does not chain to cache block %d: %w", dir.index(), from, ErrUnexpectedBlockType)
	}
	return err
}

// editCacheChain applies edit to each cache block of a chain, rewriting those it changed
func (d *defragger) editCacheChain(first, dir uint32, edit func(*dirCacheBlock) bool) error {
	chain, err := d.fs.readDirCacheChain(first, dir)
	if err != nil {
		return err
	}
	for _, index := range chain {
		dc, err := d.fs.readDirCacheBlock(index)
		if err != nil {
			return err
		}
		if edit(dc) {
			if err := d.fs.writeDirCache(dc); err != nil {
				return err
			}
		}
	}
	return nil
}
