package adf

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// dirNode a directory being read or changed, either the root or a directory header
type dirNode struct {
	root *rootBlock
	hdr  *entryHeader
}

func (d *dirNode) index() uint32 {
	if d.root != nil {
		return d.root.index
	}
	return d.hdr.index
}

func (d *dirNode) table() *[hashTableSize]uint32 {
	if d.root != nil {
		return &d.root.hashTable
	}
	return &d.hdr.table
}

func (d *dirNode) cacheFirst() uint32 {
	if d.root != nil {
		return d.root.dirCache
	}
	return d.hdr.extension
}

func (d *dirNode) setCacheFirst(v uint32) {
	if d.root != nil {
		d.root.dirCache = v
		return
	}
	d.hdr.extension = v
}

func (d *dirNode) touch(date amigaDate) {
	if d.root != nil {
		d.root.rootModified = date
		d.root.volumeModified = date
		return
	}
	d.hdr.modified = date
}

func (d *dirNode) empty() bool {
	for _, p := range d.table() {
		if p != 0 {
			return false
		}
	}
	return true
}

func (fs *FileSystem) readDir(index uint32) (*dirNode, error) {
	if index == fs.rootBlock {
		rb, err := fs.readRoot()
		if err != nil {
			return nil, err
		}
		return &dirNode{root: rb}, nil
	}
	h, err := fs.readHeader(index)
	if err != nil {
		return nil, err
	}
	if !h.isDir() {
		return nil, fmt.Errorf("%q: %w", latin1Decode(h.name), ErrNotDirectory)
	}
	return &dirNode{hdr: h}, nil
}

func (fs *FileSystem) writeDir(d *dirNode) error {
	if d.root != nil {
		return fs.writeRoot(d.root)
	}
	return fs.writeHeader(d.hdr)
}

// findEntry looks name up in dir's hash chain. A nil header and nil error means no such entry.
func (fs *FileSystem) findEntry(dir *dirNode, name []byte) (*entryHeader, error) {
	intl := fs.dosType.Intl()
	next := dir.table()[hashName(name, intl)]
	for steps := uint32(0); next != 0; steps++ {
		if steps > fs.blockCount {
			return nil, fmt.Errorf("directory %d: hash chain loops: %w", dir.index(), ErrUnexpectedBlockType)
		}
		h, err := fs.readHeader(next)
		if err != nil {
			return nil, err
		}
		if namesEqual(h.name, name, intl) {
			return h, nil
		}
		next = h.hashChain
	}
	return nil, nil
}

// walkDirs follows components from the root, each of which must be a directory
func (fs *FileSystem) walkDirs(components []string) (*dirNode, error) {
	dir, err := fs.readDir(fs.rootBlock)
	if err != nil {
		return nil, err
	}
	for i, c := range components {
		name, err := encodeName(c)
		if err != nil {
			return nil, err
		}
		h, err := fs.findEntry(dir, name)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("%s: %w", strings.Join(components[:i+1], "/"), ErrNotFound)
		}
		if !h.isDir() {
			return nil, fmt.Errorf("%s: %w", strings.Join(components[:i+1], "/"), ErrNotDirectory)
		}
		dir = &dirNode{hdr: h}
	}
	return dir, nil
}

// lookup resolves p to its parent directory and its header. The root has neither, and is
// reported as a nil parent with a nil header.
func (fs *FileSystem) lookup(p string) (*dirNode, *entryHeader, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, nil, nil
	}
	parent, err := fs.walkDirs(parts[:len(parts)-1])
	if err != nil {
		return nil, nil, err
	}
	name, err := encodeName(parts[len(parts)-1])
	if err != nil {
		return nil, nil, err
	}
	h, err := fs.findEntry(parent, name)
	if err != nil {
		return nil, nil, err
	}
	if h == nil {
		return nil, nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return parent, h, nil
}

// listDir reads every entry of a directory in slot then chain order. Damaged headers end
// their chain and are reported as warnings.
func (fs *FileSystem) listDir(dir *dirNode) ([]*entryHeader, Warnings) {
	var (
		headers  []*entryHeader
		warnings Warnings
		seen     = map[uint32]bool{}
	)
	for slot, next := range dir.table() {
		for next != 0 {
			if seen[next] {
				warnings = append(warnings, fmt.Errorf("directory %d slot %d: chain revisits block %d: %w", dir.index(), slot, next, ErrUnexpectedBlockType))
				break
			}
			seen[next] = true
			h, err := fs.readHeader(next)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"directory": dir.index(), "slot": slot}).Warn("skipping damaged entry")
				warnings = append(warnings, err)
				break
			}
			headers = append(headers, h)
			next = h.hashChain
		}
	}
	return headers, warnings
}

// List the entries of the directory at p. On a damaged directory the readable entries are
// returned together with Warnings.
func (fs *FileSystem) List(p string) ([]*Entry, error) {
	dir, err := fs.walkDirs(splitPath(p))
	if err != nil {
		return nil, err
	}
	headers, warnings := fs.listDir(dir)
	entries := make([]*Entry, len(headers))
	for i, h := range headers {
		entries[i] = entryFromHeader(h)
	}
	return entries, warnings.orNil()
}

// ReadDir the contents of a directory as os.FileInfo
func (fs *FileSystem) ReadDir(p string) ([]os.FileInfo, error) {
	entries, err := fs.List(p)
	if entries == nil && err != nil {
		return nil, err
	}
	infos := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = &FileInfo{entry: e}
	}
	return infos, err
}

// Stat describes the entry at p
func (fs *FileSystem) Stat(p string) (os.FileInfo, error) {
	_, h, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}
	if h == nil {
		rb, err := fs.readRoot()
		if err != nil {
			return nil, err
		}
		return &FileInfo{entry: &Entry{
			Name:     latin1Decode(rb.name),
			Type:     EntryDir,
			Modified: rb.rootModified.Time(),
			Block:    rb.index,
		}}, nil
	}
	return &FileInfo{entry: entryFromHeader(h)}, nil
}

// Mkdir creates the directory at p along with any missing parents. Existing directories
// along the path are not an error.
func (fs *FileSystem) Mkdir(p string) error {
	dir, err := fs.readDir(fs.rootBlock)
	if err != nil {
		return err
	}
	parts := splitPath(p)
	for i, part := range parts {
		name, err := encodeName(part)
		if err != nil {
			return err
		}
		h, err := fs.findEntry(dir, name)
		if err != nil {
			return err
		}
		if h == nil {
			if h, err = fs.createEntry(dir, name, secTypeDir, nil); err != nil {
				return fmt.Errorf("could not create directory %s: %w", strings.Join(parts[:i+1], "/"), err)
			}
		}
		if !h.isDir() {
			return fmt.Errorf("%s: %w", strings.Join(parts[:i+1], "/"), ErrNotDirectory)
		}
		dir = &dirNode{hdr: h}
	}
	return nil
}

// dirRecords cache records for every entry of dir, in listing order
func (fs *FileSystem) dirRecords(dir *dirNode) ([]cacheRecord, error) {
	headers, warnings := fs.listDir(dir)
	if len(warnings) > 0 {
		return nil, warnings
	}
	records := make([]cacheRecord, len(headers))
	for i, h := range headers {
		records[i] = recordFromHeader(h)
	}
	return records, nil
}

// replaceRecord swaps the record of h for its current state, appending it when absent
func replaceRecord(records []cacheRecord, h *entryHeader) []cacheRecord {
	for i := range records {
		if records[i].header == h.index {
			records[i] = recordFromHeader(h)
			return records
		}
	}
	return append(records, recordFromHeader(h))
}

func dropRecord(records []cacheRecord, index uint32) []cacheRecord {
	out := records[:0]
	for _, r := range records {
		if r.header != index {
			out = append(out, r)
		}
	}
	return out
}

// planParentCache recomputes the cache chain of dir after edit has been applied to its records
func (fs *FileSystem) planParentCache(a *allocator, dir *dirNode, edit func([]cacheRecord) []cacheRecord) (*dirCachePlan, error) {
	if !fs.dosType.DirCache() {
		return nil, nil
	}
	records, err := fs.dirRecords(dir)
	if err != nil {
		return nil, err
	}
	plan, err := fs.planDirCache(a, dir.index(), dir.cacheFirst(), edit(records))
	if err != nil {
		return nil, err
	}
	dir.setCacheFirst(plan.first())
	return plan, nil
}

// createEntry adds a new directory, or a file holding data, to parent. Blocks are reserved
// first, then written child first, parent second, then caches, bitmap, and the root's volume
// date. Nothing is written when any reservation fails.
func (fs *FileSystem) createEntry(parent *dirNode, name []byte, secType int32, data []byte) (*entryHeader, error) {
	a, err := fs.readAllocator()
	if err != nil {
		return nil, err
	}
	blocks, err := a.allocate(1)
	if err != nil {
		return nil, err
	}
	date := now()
	h := &entryHeader{
		index:    blocks[0],
		secType:  secType,
		name:     name,
		modified: date,
		parent:   parent.index(),
	}
	slot := hashName(name, fs.dosType.Intl())
	h.hashChain = parent.table()[slot]

	var c *fileChain
	if h.isFile() {
		c = &fileChain{}
		if err := c.grow(blocksFor(int64(len(data)), fs.dosType.dataSize()), a); err != nil {
			return nil, err
		}
		h.size = uint32(len(data))
	}
	var childCache *dirCachePlan
	if fs.dosType.DirCache() && h.isDir() {
		if childCache, err = fs.planDirCache(a, h.index, 0, nil); err != nil {
			return nil, err
		}
		h.extension = childCache.first()
	}
	parentCache, err := fs.planParentCache(a, parent, func(r []cacheRecord) []cacheRecord {
		return append(r, recordFromHeader(h))
	})
	if err != nil {
		return nil, err
	}

	if err := fs.writeDirCachePlan(childCache); err != nil {
		return nil, err
	}
	if c != nil {
		if err := fs.writeContents(h, c, data); err != nil {
			return nil, err
		}
		if err := fs.writeChain(h, c); err != nil {
			return nil, err
		}
	} else if err := fs.writeHeader(h); err != nil {
		return nil, err
	}
	parent.table()[slot] = h.index
	parent.touch(date)
	if err := fs.writeDir(parent); err != nil {
		return nil, err
	}
	if err := fs.writeDirCachePlan(parentCache); err != nil {
		return nil, err
	}
	if err := fs.writeAllocator(a); err != nil {
		return nil, err
	}
	if err := fs.touchVolume(date); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"name": latin1Decode(name), "block": h.index, "parent": parent.index()}).Debug("created entry")
	return h, nil
}

// unlink removes h from its hash chain in dir. When h heads the chain only dir's table is
// changed, in memory; otherwise the predecessor header is rewritten at once.
func (fs *FileSystem) unlink(dir *dirNode, h *entryHeader) error {
	slot := hashName(h.name, fs.dosType.Intl())
	tbl := dir.table()
	if tbl[slot] == h.index {
		tbl[slot] = h.hashChain
		return nil
	}
	next := tbl[slot]
	for steps := uint32(0); next != 0 && steps <= fs.blockCount; steps++ {
		prev, err := fs.readHeader(next)
		if err != nil {
			return err
		}
		if prev.hashChain == h.index {
			prev.hashChain = h.hashChain
			return fs.writeHeader(prev)
		}
		next = prev.hashChain
	}
	return fmt.Errorf("block %d is not linked from directory %d: %w", h.index, dir.index(), ErrUnexpectedBlockType)
}

// Remove deletes a file or an empty directory and frees every block it used
func (fs *FileSystem) Remove(p string) error {
	parent, h, err := fs.lookup(p)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("cannot remove the root directory")
	}
	release := []uint32{h.index}
	switch {
	case h.isDir():
		if !(&dirNode{hdr: h}).empty() {
			return fmt.Errorf("%s: %w", p, ErrDirectoryNotEmpty)
		}
		if fs.dosType.DirCache() {
			chain, err := fs.readDirCacheChain(h.extension, h.index)
			if err != nil {
				return err
			}
			release = append(release, chain...)
		}
	case h.isFile():
		c, err := fs.fileChain(h)
		if err != nil {
			return err
		}
		release = append(release, c.data...)
		release = append(release, c.ext...)
	}

	a, err := fs.readAllocator()
	if err != nil {
		return err
	}
	if err := a.free(release...); err != nil {
		return err
	}
	parentCache, err := fs.planParentCache(a, parent, func(r []cacheRecord) []cacheRecord {
		return dropRecord(r, h.index)
	})
	if err != nil {
		return err
	}

	date := now()
	if err := fs.unlink(parent, h); err != nil {
		return err
	}
	parent.touch(date)
	if err := fs.writeDir(parent); err != nil {
		return err
	}
	if err := fs.writeDirCachePlan(parentCache); err != nil {
		return err
	}
	if err := fs.writeAllocator(a); err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": p, "blocks": len(release)}).Debug("removed entry")
	return fs.touchVolume(date)
}

// Rename renames or moves an entry. The destination must not exist, except when it is the
// same entry under a different case. A directory cannot move below itself.
func (fs *FileSystem) Rename(oldpath, newpath string) error {
	src, h, err := fs.lookup(oldpath)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("cannot rename the root directory")
	}
	parts := splitPath(newpath)
	if len(parts) == 0 {
		return fmt.Errorf("%s: %w", newpath, os.ErrExist)
	}
	dst, err := fs.walkDirs(parts[:len(parts)-1])
	if err != nil {
		return err
	}
	name, err := encodeName(parts[len(parts)-1])
	if err != nil {
		return err
	}
	existing, err := fs.findEntry(dst, name)
	if err != nil {
		return err
	}
	if existing != nil && existing.index != h.index {
		return fmt.Errorf("%s: %w", newpath, os.ErrExist)
	}
	if h.isDir() {
		if err := fs.checkNotBelow(dst.index(), h.index); err != nil {
			return err
		}
	}
	sameDir := src.index() == dst.index()
	if sameDir {
		dst = src
	}

	var a *allocator
	if fs.dosType.DirCache() {
		if a, err = fs.readAllocator(); err != nil {
			return err
		}
	}
	renamed := *h
	renamed.name = name
	renamed.parent = dst.index()
	var srcCache, dstCache *dirCachePlan
	if sameDir {
		srcCache, err = fs.planParentCache(a, src, func(r []cacheRecord) []cacheRecord {
			return replaceRecord(r, &renamed)
		})
	} else {
		srcCache, err = fs.planParentCache(a, src, func(r []cacheRecord) []cacheRecord {
			return dropRecord(r, h.index)
		})
		if err == nil {
			dstCache, err = fs.planParentCache(a, dst, func(r []cacheRecord) []cacheRecord {
				return append(r, recordFromHeader(&renamed))
			})
		}
	}
	if err != nil {
		return err
	}

	date := now()
	if err := fs.unlink(src, h); err != nil {
		return err
	}
	src.touch(date)
	if !sameDir {
		if err := fs.writeDir(src); err != nil {
			return err
		}
		// the destination may have been the predecessor unlink just rewrote
		if dst.hdr != nil {
			fresh, err := fs.readHeader(dst.index())
			if err != nil {
				return err
			}
			dst.hdr.hashChain = fresh.hashChain
		}
	}
	slot := hashName(name, fs.dosType.Intl())
	renamed.hashChain = dst.table()[slot]
	if err := fs.writeHeader(&renamed); err != nil {
		return err
	}
	dst.table()[slot] = renamed.index
	dst.touch(date)
	if err := fs.writeDir(dst); err != nil {
		return err
	}
	if err := fs.writeDirCachePlan(srcCache); err != nil {
		return err
	}
	if err := fs.writeDirCachePlan(dstCache); err != nil {
		return err
	}
	if a != nil {
		if err := fs.writeAllocator(a); err != nil {
			return err
		}
	}
	return fs.touchVolume(date)
}

// checkNotBelow fails when dir is moved, or any of its ancestors are, into itself
func (fs *FileSystem) checkNotBelow(dir, moving uint32) error {
	for steps := uint32(0); dir != fs.rootBlock; steps++ {
		if dir == moving {
			return fmt.Errorf("cannot move directory %d into itself", moving)
		}
		if steps > fs.blockCount {
			return fmt.Errorf("parent chain of block %d loops: %w", dir, ErrUnexpectedBlockType)
		}
		h, err := fs.readHeader(dir)
		if err != nil {
			return err
		}
		dir = h.parent
	}
	return nil
}

// updateEntry rewrites a header after a metadata change, keeping the parent's cache current
func (fs *FileSystem) updateEntry(p string, change func(h *entryHeader) error) error {
	parent, h, err := fs.lookup(p)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("cannot change the root directory")
	}
	date := now()
	h.modified = date
	if err := change(h); err != nil {
		return err
	}
	var a *allocator
	var cache *dirCachePlan
	if fs.dosType.DirCache() {
		if a, err = fs.readAllocator(); err != nil {
			return err
		}
		if cache, err = fs.planParentCache(a, parent, func(r []cacheRecord) []cacheRecord {
			return replaceRecord(r, h)
		}); err != nil {
			return err
		}
	}
	if err := fs.writeHeader(h); err != nil {
		return err
	}
	if err := fs.writeDirCachePlan(cache); err != nil {
		return err
	}
	if a != nil {
		if err := fs.writeAllocator(a); err != nil {
			return err
		}
		if err := fs.writeDir(parent); err != nil {
			return err
		}
	}
	return fs.touchVolume(date)
}

// SetComment sets the comment of the entry at p
func (fs *FileSystem) SetComment(p, comment string) error {
	c, err := encodeComment(comment)
	if err != nil {
		return err
	}
	return fs.updateEntry(p, func(h *entryHeader) error {
		h.comment = c
		return nil
	})
}

// SetProtection sets the protection bits of the entry at p
func (fs *FileSystem) SetProtection(p string, prot Protection) error {
	return fs.updateEntry(p, func(h *entryHeader) error {
		h.protect = uint32(prot)
		return nil
	})
}

// SetModTime sets the date stamp of the entry at p
func (fs *FileSystem) SetModTime(p string, t time.Time) error {
	return fs.updateEntry(p, func(h *entryHeader) error {
		h.modified = dateFromTime(t)
		return nil
	})
}
