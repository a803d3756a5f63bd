package adf

import (
	"fmt"
	"slices"

	log "github.com/sirupsen/logrus"
)

type blockKind int

const (
	kindHeader blockKind = iota
	kindData
	kindExtension
	kindDirCache
)

func (k blockKind) String() string {
	switch k {
	case kindHeader:
		return "header"
	case kindData:
		return "data"
	case kindExtension:
		return "extension"
	case kindDirCache:
		return "dircache"
	}
	return "unknown"
}

// blockRef one reference to a block found while walking the tree
type blockRef struct {
	index uint32
	kind  blockKind
	// owner header (or root) the block belongs to
	owner uint32
}

// usage the result of walking every reachable structure on the volume
type usage struct {
	blockCount uint32
	root       uint32
	pages      []uint32
	extPages   []uint32
	// refs in layout order: for every entry its header, then its data and extension blocks
	// or, for a directory, its cache chain followed by its children
	refs     []blockRef
	count    []int
	files    map[uint32]*fileChain
	links    []staleLink
	warnings Warnings
}

// staleLink a back-reference that disagrees with the forward pointers naming its block. The
// forward pointers win: a header belongs to the directory whose hash table reaches it, a data
// or extension block to the file whose lists hold it.
type staleLink struct {
	index uint32
	kind  blockKind
	owner uint32
	// seq and next what an OFS data block should hold
	seq  uint32
	next uint32
}

// scanUsage walks the directory tree from the root. Unreadable structures are recorded as
// warnings and their subtrees skipped.
func (fs *FileSystem) scanUsage() (*usage, error) {
	rb, err := fs.readRoot()
	if err != nil {
		return nil, err
	}
	u := &usage{
		blockCount: fs.blockCount,
		root:       fs.rootBlock,
		count:      make([]int, fs.blockCount),
		files:      map[uint32]*fileChain{},
	}
	if u.pages, u.extPages, err = fs.bitmapPages(rb); err != nil {
		u.warnings = append(u.warnings, err)
	}
	root := &dirNode{root: rb}
	fs.scanDir(u, root, map[uint32]bool{fs.rootBlock: true})
	return u, nil
}

func (u *usage) add(index uint32, kind blockKind, owner uint32) {
	u.refs = append(u.refs, blockRef{index: index, kind: kind, owner: owner})
	if index < u.blockCount {
		u.count[index]++
	}
}

func (fs *FileSystem) scanDir(u *usage, dir *dirNode, visiting map[uint32]bool) {
	headers, warnings := fs.listDir(dir)
	if fs.dosType.DirCache() {
		chain, err := fs.readDirCacheChain(dir.cacheFirst(), dir.index())
		if err != nil {
			u.warnings = append(u.warnings, err)
		}
		for _, c := range chain {
			u.add(c, kindDirCache, dir.index())
		}
		if err == nil && len(warnings) == 0 && !fs.cacheMatches(dir.index(), chain, headers) {
			first := dir.cacheFirst()
			if first == 0 {
				first = dir.index()
			}
			u.links = append(u.links, staleLink{index: first, kind: kindDirCache, owner: dir.index()})
		}
	}
	u.warnings = append(u.warnings, warnings...)
	for _, h := range headers {
		u.add(h.index, kindHeader, dir.index())
		if h.parent != dir.index() {
			u.links = append(u.links, staleLink{index: h.index, kind: kindHeader, owner: dir.index()})
		}
		switch {
		case h.isFile():
			c, err := fs.fileChain(h)
			if err != nil {
				u.warnings = append(u.warnings, err)
				continue
			}
			u.files[h.index] = c
			for _, ref := range c.layout(h.index) {
				u.add(ref.index, ref.kind, h.index)
			}
			if err := fs.fileLinks(u, h, c); err != nil {
				u.warnings = append(u.warnings, err)
			}
		case h.isDir():
			if visiting[h.index] {
				u.warnings = append(u.warnings, fmt.Errorf("directory %d contains itself: %w", h.index, ErrUnexpectedBlockType))
				continue
			}
			visiting[h.index] = true
			fs.scanDir(u, &dirNode{hdr: h}, visiting)
			delete(visiting, h.index)
		}
	}
}

// cacheMatches whether every cache block of dir names it as parent and the records list
// exactly the entries of its hash table
func (fs *FileSystem) cacheMatches(dir uint32, chain []uint32, headers []*entryHeader) bool {
	want := make(map[uint32]bool, len(headers))
	for _, h := range headers {
		want[h.index] = true
	}
	n := 0
	for _, index := range chain {
		dc, err := fs.readDirCacheBlock(index)
		if err != nil || dc.parent != dir {
			return false
		}
		for _, r := range dc.records {
			if !want[r.header] {
				return false
			}
			n++
		}
	}
	return n == len(headers)
}

// fileLinks records the extension blocks, and on OFS the data blocks, of file h whose
// back-references disagree with the file's block lists
func (fs *FileSystem) fileLinks(u *usage, h *entryHeader, c *fileChain) error {
	for _, e := range c.ext {
		ext, err := fs.readExtension(e)
		if err != nil {
			return err
		}
		if ext.parent != h.index {
			u.links = append(u.links, staleLink{index: e, kind: kindExtension, owner: h.index})
		}
	}
	if fs.dosType.FFS() {
		return nil
	}
	for i, index := range c.data {
		db, err := fs.readData(index)
		if err != nil {
			return fmt.Errorf("file %d: %w", h.index, err)
		}
		var next uint32
		if i+1 < len(c.data) {
			next = c.data[i+1]
		}
		if db.header != h.index || db.seq != uint32(i+1) || db.next != next {
			u.links = append(u.links, staleLink{index: index, kind: kindData, owner: h.index, seq: uint32(i + 1), next: next})
		}
	}
	return nil
}

// repairLinks rewrites stale back-references to agree with the forward pointers. Cache
// chains go last and are rebuilt from their directory, reserving or releasing blocks in a.
func (fs *FileSystem) repairLinks(links []staleLink, a *allocator) error {
	var caches []staleLink
	for _, l := range links {
		switch l.kind {
		case kindHeader:
			h, err := fs.readHeader(l.index)
			if err != nil {
				return err
			}
			h.parent = l.owner
			if err := fs.writeHeader(h); err != nil {
				return err
			}
		case kindExtension:
			ext, err := fs.readExtension(l.index)
			if err != nil {
				return err
			}
			ext.parent = l.owner
			if err := fs.writeExtension(ext); err != nil {
				return err
			}
		case kindData:
			db, err := fs.readData(l.index)
			if err != nil {
				return err
			}
			db.header, db.seq, db.next = l.owner, l.seq, l.next
			if err := fs.writeData(db); err != nil {
				return err
			}
		case kindDirCache:
			caches = append(caches, l)
			continue
		}
		log.WithFields(log.Fields{"kind": l.kind, "block": l.index, "owner": l.owner}).Debug("repaired back-reference")
	}
	for _, l := range caches {
		dir, err := fs.readDir(l.owner)
		if err != nil {
			return err
		}
		records, err := fs.dirRecords(dir)
		if err != nil {
			return err
		}
		plan, err := fs.planDirCache(a, dir.index(), dir.cacheFirst(), records)
		if err != nil {
			return err
		}
		if err := fs.writeDirCachePlan(plan); err != nil {
			return err
		}
		if plan.first() != dir.cacheFirst() {
			dir.setCacheFirst(plan.first())
			if err := fs.writeDir(dir); err != nil {
				return err
			}
		}
		log.WithField("directory", dir.index()).Debug("rebuilt directory cache")
	}
	return nil
}

// allocator occupancy as the scan found it
func (u *usage) allocator() *allocator {
	a := newAllocator(u.blockCount, u.root, u.pages, u.extPages)
	for i := reservedBlocks; i < u.blockCount; i++ {
		a.avail[i] = !a.system[i] && u.count[i] == 0
	}
	return a
}

// CheckReport differences between the bitmap and what the directory tree references
type CheckReport struct {
	// Leaked marked used but referenced by nothing
	Leaked []uint32
	// Unallocated referenced but marked free
	Unallocated []uint32
	// CrossLinked referenced more than once
	CrossLinked []uint32
	// Mislinked blocks whose parent, header key or cache records disagree with the pointers
	// that reach them
	Mislinked []uint32
	// Warnings structures that could not be read, their subtrees were not checked
	Warnings []error
}

// OK whether the volume is consistent
func (r *CheckReport) OK() bool {
	return len(r.Leaked) == 0 && len(r.Unallocated) == 0 && len(r.CrossLinked) == 0 && len(r.Mislinked) == 0 && len(r.Warnings) == 0
}

// Check compares the bitmap against a walk of the whole tree without changing anything
func (fs *FileSystem) Check() (*CheckReport, error) {
	u, err := fs.scanUsage()
	if err != nil {
		return nil, err
	}
	return fs.compare(u), nil
}

// compare the stored bitmap and back-references against what the scan found
func (fs *FileSystem) compare(u *usage) *CheckReport {
	report := &CheckReport{Warnings: u.warnings}
	for _, l := range u.links {
		report.Mislinked = append(report.Mislinked, l.index)
	}
	stored, err := fs.readAllocator()
	if err != nil {
		report.Warnings = append(report.Warnings, err)
		return report
	}
	for i := reservedBlocks; i < fs.blockCount; i++ {
		if stored.system[i] {
			if u.count[i] > 0 {
				report.CrossLinked = append(report.CrossLinked, i)
			}
			continue
		}
		switch {
		case u.count[i] > 1:
			report.CrossLinked = append(report.CrossLinked, i)
		case u.count[i] == 1 && stored.avail[i]:
			report.Unallocated = append(report.Unallocated, i)
		case u.count[i] == 0 && !stored.avail[i]:
			report.Leaked = append(report.Leaked, i)
		}
	}
	return report
}

// RebuildBitmap replaces the bitmap with the occupancy a tree walk finds, after rewriting
// back-references that disagree with the pointers reaching them. It refuses to run when
// parts of the tree are unreadable, since their blocks would be handed out again.
func (fs *FileSystem) RebuildBitmap() (*CheckReport, error) {
	u, err := fs.scanUsage()
	if err != nil {
		return nil, err
	}
	report := fs.compare(u)
	if len(u.warnings) > 0 {
		return report, fmt.Errorf("cannot rebuild bitmap from a damaged tree: %w", u.warnings)
	}
	a := u.allocator()
	if err := fs.repairLinks(u.links, a); err != nil {
		return report, err
	}
	if err := fs.writeAllocator(a); err != nil {
		return report, err
	}
	rb, err := fs.readRoot()
	if err != nil {
		return report, err
	}
	rb.bitmapFlag = bitmapFlagValid
	rb.volumeModified = now()
	if err := fs.writeRoot(rb); err != nil {
		return report, err
	}
	log.WithFields(log.Fields{"leaked": len(report.Leaked), "unallocated": len(report.Unallocated), "mislinked": len(report.Mislinked)}).Debug("rebuilt bitmap")
	return report, nil
}

// BitmapReport the allocation state of every block
type BitmapReport struct {
	// Free per block, indexed by block number. Blocks 0 and 1 are never free.
	Free        []bool
	TotalBlocks int
	FreeBlocks  int
	UsedBlocks  int
	// SystemBlocks counted as in Info
	SystemBlocks int
	// Usage percentage of blocks in use, system blocks included
	Usage float64
	// Fragmentation share of file data and extension blocks that do not directly follow the
	// previous block of the same file, 0 for a perfectly contiguous volume
	Fragmentation float64
	// Fragments number of contiguous runs per file, keyed by header block
	Fragments map[uint32]int
}

// BitmapReport reads the bitmap and measures file fragmentation. A damaged tree yields a
// report with fragmentation computed over the readable files, plus Warnings.
func (fs *FileSystem) BitmapReport() (*BitmapReport, error) {
	a, err := fs.readAllocator()
	if err != nil {
		return nil, err
	}
	r := &BitmapReport{
		Free:         slices.Clone(a.avail),
		TotalBlocks:  int(fs.blockCount),
		FreeBlocks:   a.freeCount(),
		SystemBlocks: a.systemCount(),
		Fragments:    map[uint32]int{},
	}
	if rb, err := fs.readRoot(); err == nil {
		r.SystemBlocks += fs.rootCacheBlocks(rb, a)
	}
	r.UsedBlocks = r.TotalBlocks - r.SystemBlocks - r.FreeBlocks
	r.Usage = 100 * float64(r.TotalBlocks-r.FreeBlocks) / float64(r.TotalBlocks)

	u, err := fs.scanUsage()
	if err != nil {
		return r, Warnings{err}
	}
	var total, breaks int
	for header, c := range u.files {
		refs := c.layout(header)
		runs := 0
		for i, ref := range refs {
			if i == 0 || ref.index != refs[i-1].index+1 {
				runs++
				if i > 0 {
					breaks++
				}
			}
		}
		r.Fragments[header] = runs
		total += len(refs)
	}
	if total > 0 {
		r.Fragmentation = float64(breaks) / float64(total)
	}
	return r, u.warnings.orNil()
}

// BlockStatus whether a block is free in the bitmap
func (fs *FileSystem) BlockStatus(index uint32) (bool, error) {
	a, err := fs.readAllocator()
	if err != nil {
		return false, err
	}
	if _, err := fs.readBlock(index); err != nil {
		return false, err
	}
	return a.isFree(index), nil
}

// AllocateBlock marks a block used in the bitmap. System blocks are refused.
func (fs *FileSystem) AllocateBlock(index uint32) error {
	return fs.setBlock(index, false)
}

// FreeBlock marks a block free in the bitmap without touching its contents. System blocks
// are refused.
func (fs *FileSystem) FreeBlock(index uint32) error {
	return fs.setBlock(index, true)
}

func (fs *FileSystem) setBlock(index uint32, free bool) error {
	a, err := fs.readAllocator()
	if err != nil {
		return err
	}
	if free {
		err = a.free(index)
	} else {
		err = a.markUsed(index)
	}
	if err != nil {
		return err
	}
	if err := fs.writeAllocator(a); err != nil {
		return err
	}
	return fs.touchVolume(now())
}
