package adf

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/diskfs/go-adf/filesystem"
	log "github.com/sirupsen/logrus"
)

// fileChain the data and extension blocks of a file, in file order
type fileChain struct {
	data []uint32
	ext  []uint32
}

// blocksFor data blocks needed to hold size bytes
func blocksFor(size int64, payload int) int {
	return int((size + int64(payload) - 1) / int64(payload))
}

// extBlocksFor extension blocks needed to list count data blocks
func extBlocksFor(count int) int {
	if count <= maxDataBlocksPerList {
		return 0
	}
	return (count - 1) / maxDataBlocksPerList
}

// fileChain collects the block lists of a file header and its extension chain
func (fs *FileSystem) fileChain(h *entryHeader) (*fileChain, error) {
	c := &fileChain{data: h.dataPointers()}
	seen := map[uint32]bool{}
	for next := h.extension; next != 0; {
		if seen[next] || next >= fs.blockCount {
			return nil, fmt.Errorf("file %d: extension chain broken at block %d: %w", h.index, next, ErrUnexpectedBlockType)
		}
		seen[next] = true
		b, err := fs.readBlock(next)
		if err != nil {
			return nil, err
		}
		ext, err := extensionBlockFromBytes(b, next)
		if err != nil {
			return nil, err
		}
		c.ext = append(c.ext, next)
		c.data = append(c.data, ext.dataPointers()...)
		next = ext.next
	}
	for i, d := range c.data {
		if d < reservedBlocks || d >= fs.blockCount {
			return nil, fmt.Errorf("file %d: data block %d pointer %d out of range: %w", h.index, i, d, ErrUnexpectedBlockType)
		}
	}
	return c, nil
}

// layout the data and extension blocks of c in the order a file is laid out on a freshly
// written volume: data blocks 0-71, the first extension block, data blocks 72-143, and so on.
// Extension blocks that list nothing come last.
func (c *fileChain) layout(owner uint32) []blockRef {
	refs := make([]blockRef, 0, len(c.data)+len(c.ext))
	for i, d := range c.data {
		if i >= maxDataBlocksPerList && i%maxDataBlocksPerList == 0 {
			refs = append(refs, blockRef{index: c.ext[i/maxDataBlocksPerList-1], kind: kindExtension, owner: owner})
		}
		refs = append(refs, blockRef{index: d, kind: kindData, owner: owner})
	}
	for _, e := range c.ext[min(extBlocksFor(len(c.data)), len(c.ext)):] {
		refs = append(refs, blockRef{index: e, kind: kindExtension, owner: owner})
	}
	return refs
}

// grow extends c to count data blocks. New blocks are drawn from a lowest first and handed
// out in file layout order, an extension block ahead of the data blocks it lists.
func (c *fileChain) grow(count int, a *allocator) error {
	need := (count - len(c.data)) + (extBlocksFor(count) - len(c.ext))
	if need <= 0 {
		return nil
	}
	blocks, err := a.allocate(need)
	if err != nil {
		return err
	}
	for d := len(c.data); d < count; d++ {
		if d >= maxDataBlocksPerList && (d-maxDataBlocksPerList)/maxDataBlocksPerList >= len(c.ext) {
			c.ext = append(c.ext, blocks[0])
			blocks = blocks[1:]
		}
		c.data = append(c.data, blocks[0])
		blocks = blocks[1:]
	}
	return nil
}

// shrink cuts c to count data blocks and returns the blocks no longer needed
func (c *fileChain) shrink(count int) []uint32 {
	var released []uint32
	if count < len(c.data) {
		released = append(released, c.data[count:]...)
		c.data = c.data[:count]
	}
	if e := extBlocksFor(count); e < len(c.ext) {
		released = append(released, c.ext[e:]...)
		c.ext = c.ext[:e]
	}
	return released
}

// readPayload the file bytes carried by data block i of the chain
func (fs *FileSystem) readPayload(h *entryHeader, c *fileChain, i int) ([]byte, error) {
	b, err := fs.readBlock(c.data[i])
	if err != nil {
		return nil, err
	}
	if fs.dosType.FFS() {
		return b, nil
	}
	db, err := dataBlockFromBytes(b, c.data[i])
	if err != nil {
		return nil, err
	}
	if db.header != h.index || db.seq != uint32(i+1) {
		return nil, fmt.Errorf("file %d: data block %d claims header %d sequence %d: %w", h.index, c.data[i], db.header, db.seq, ErrUnexpectedBlockType)
	}
	return db.data[:db.size], nil
}

// readRange reads up to len(p) bytes at off from the file
func (fs *FileSystem) readRange(h *entryHeader, c *fileChain, off int64, p []byte) (int, error) {
	size := int64(h.size)
	if off >= size {
		return 0, io.EOF
	}
	payload := int64(fs.dosType.dataSize())
	end := min(size, off+int64(len(p)))
	n := 0
	for pos := off; pos < end; {
		i := int(pos / payload)
		if i >= len(c.data) {
			return n, fmt.Errorf("file %d: %d bytes need more than %d data blocks: %w", h.index, size, len(c.data), ErrUnexpectedBlockType)
		}
		data, err := fs.readPayload(h, c, i)
		if err != nil {
			return n, err
		}
		within := pos - int64(i)*payload
		if within >= int64(len(data)) {
			return n, fmt.Errorf("file %d: data block %d is short: %w", h.index, c.data[i], ErrUnexpectedBlockType)
		}
		k := copy(p[n:end-off], data[within:])
		n += k
		pos += int64(k)
	}
	return n, nil
}

// writeChain writes the extension blocks and the header for c, in that order
func (fs *FileSystem) writeChain(h *entryHeader, c *fileChain) error {
	h.setDataPointers(c.data[:min(len(c.data), maxDataBlocksPerList)])
	h.extension = 0
	if len(c.ext) > 0 {
		h.extension = c.ext[0]
	}
	for e, index := range c.ext {
		start := maxDataBlocksPerList * (e + 1)
		ext := &extensionBlock{index: index, parent: h.index}
		ext.highSeq = setListPointers(&ext.table, c.data[start:min(start+maxDataBlocksPerList, len(c.data))])
		if e+1 < len(c.ext) {
			ext.next = c.ext[e+1]
		}
		b := make([]byte, blockSize)
		if err := ext.MarshalADF(b); err != nil {
			return err
		}
		if err := fs.writeBlock(index, b); err != nil {
			return err
		}
	}
	return fs.writeHeader(h)
}

// writeDataBlock writes payload as block i of the chain
func (fs *FileSystem) writeDataBlock(h *entryHeader, c *fileChain, i int, payload []byte) error {
	b := make([]byte, blockSize)
	if fs.dosType.FFS() {
		copy(b, payload)
		return fs.writeBlock(c.data[i], b)
	}
	db := &dataBlock{
		index:  c.data[i],
		header: h.index,
		seq:    uint32(i + 1),
		size:   uint32(len(payload)),
	}
	if i+1 < len(c.data) {
		db.next = c.data[i+1]
	}
	copy(db.data[:], payload)
	if err := db.MarshalADF(b); err != nil {
		return err
	}
	return fs.writeBlock(db.index, b)
}

// commitFile finishes a file change: header, parent cache, bitmap, volume date
func (fs *FileSystem) commitFile(h *entryHeader, c *fileChain, a *allocator, date amigaDate) error {
	h.modified = date
	var cache *dirCachePlan
	var parent *dirNode
	if fs.dosType.DirCache() {
		var err error
		if parent, err = fs.readDir(h.parent); err != nil {
			return err
		}
		if cache, err = fs.planParentCache(a, parent, func(r []cacheRecord) []cacheRecord {
			return replaceRecord(r, h)
		}); err != nil {
			return err
		}
	}
	if err := fs.writeChain(h, c); err != nil {
		return err
	}
	if parent != nil {
		if err := fs.writeDir(parent); err != nil {
			return err
		}
	}
	if err := fs.writeDirCachePlan(cache); err != nil {
		return err
	}
	if err := fs.writeAllocator(a); err != nil {
		return err
	}
	return fs.touchVolume(date)
}

// writeRange writes p at off, growing the file as needed. Every block the write needs is
// reserved before any is written; a write that does not fit leaves the volume untouched.
func (fs *FileSystem) writeRange(h *entryHeader, off int64, p []byte) error {
	if off < 0 {
		return fmt.Errorf("negative offset %d", off)
	}
	if len(p) == 0 {
		return nil
	}
	end := off + int64(len(p))
	if end > math.MaxUint32 {
		return fmt.Errorf("file of %d bytes: %w", end, ErrOutOfSpace)
	}
	payload := fs.dosType.dataSize()
	oldSize := int64(h.size)
	newSize := max(oldSize, end)

	c, err := fs.fileChain(h)
	if err != nil {
		return err
	}
	a, err := fs.readAllocator()
	if err != nil {
		return err
	}
	oldCount := len(c.data)
	if err := c.grow(blocksFor(newSize, payload), a); err != nil {
		return err
	}
	h.size = uint32(newSize)

	// bytes between the old end and off are zero-filled
	first := int(min(off, oldSize) / int64(payload))
	last := int((end - 1) / int64(payload))
	if !fs.dosType.FFS() && len(c.data) > oldCount && oldCount > 0 {
		// the old last block gains a next pointer
		first = min(first, oldCount-1)
	}
	for i := first; i <= last; i++ {
		start := int64(i) * int64(payload)
		buf := make([]byte, min(int64(payload), newSize-start))
		if i < oldCount {
			old, err := fs.readPayload(h, c, i)
			if err != nil {
				return err
			}
			valid := max(0, min(int64(len(old)), oldSize-start))
			copy(buf, old[:valid])
		}
		if lo, hi := max(start, off), min(start+int64(len(buf)), end); lo < hi {
			copy(buf[lo-start:hi-start], p[lo-off:hi-off])
		}
		if err := fs.writeDataBlock(h, c, i, buf); err != nil {
			return err
		}
	}
	return fs.commitFile(h, c, a, now())
}

// truncate sets the file to size bytes, releasing or zero-filling blocks
func (fs *FileSystem) truncate(h *entryHeader, size int64) error {
	if size < 0 {
		return fmt.Errorf("negative size %d", size)
	}
	oldSize := int64(h.size)
	if size > oldSize {
		return fs.writeRange(h, oldSize, make([]byte, size-oldSize))
	}
	c, err := fs.fileChain(h)
	if err != nil {
		return err
	}
	a, err := fs.readAllocator()
	if err != nil {
		return err
	}
	payload := fs.dosType.dataSize()
	count := blocksFor(size, payload)
	if err := a.free(c.shrink(count)...); err != nil {
		return err
	}
	h.size = uint32(size)
	if count > 0 {
		last := count - 1
		data, err := fs.readPayload(h, c, last)
		if err != nil {
			return err
		}
		keep := size - int64(last)*int64(payload)
		if err := fs.writeDataBlock(h, c, last, data[:keep]); err != nil {
			return err
		}
	}
	return fs.commitFile(h, c, a, now())
}

// File an open file. Every call goes to the block device; Close only invalidates the handle.
type File struct {
	fs       *FileSystem
	header   uint32
	writable bool
	append   bool
	offset   int64
	closed   bool
}

var errClosed = errors.New("file already closed")

// OpenFile opens the file at p. Supported flags are os.O_RDONLY, os.O_WRONLY, os.O_RDWR,
// os.O_CREATE, os.O_EXCL, os.O_TRUNC and os.O_APPEND.
func (fs *FileSystem) OpenFile(p string, flag int) (filesystem.File, error) {
	return fs.openFile(p, flag)
}

func (fs *FileSystem) openFile(p string, flag int) (*File, error) {
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	_, h, err := fs.lookup(p)
	switch {
	case err == nil && h == nil:
		return nil, fmt.Errorf("%s: is a directory", p)
	case err == nil && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, fmt.Errorf("%s: %w", p, os.ErrExist)
	case errors.Is(err, ErrNotFound) && flag&os.O_CREATE != 0:
		if h, err = fs.createFile(p, nil); err != nil {
			return nil, err
		}
		writable = true
	case err != nil:
		return nil, err
	}
	if !h.isFile() {
		return nil, fmt.Errorf("%s: not a regular file", p)
	}
	if flag&os.O_TRUNC != 0 && writable && h.size > 0 {
		if err := fs.truncate(h, 0); err != nil {
			return nil, err
		}
	}
	return &File{
		fs:       fs,
		header:   h.index,
		writable: writable,
		append:   flag&os.O_APPEND != 0,
	}, nil
}

func (f *File) load() (*entryHeader, error) {
	if f.closed {
		return nil, errClosed
	}
	h, err := f.fs.readHeader(f.header)
	if err != nil {
		return nil, err
	}
	if !h.isFile() {
		return nil, fmt.Errorf("block %d is no longer a file: %w", f.header, ErrUnexpectedBlockType)
	}
	return h, nil
}

// Read reads up to len(b) bytes from the current position
func (f *File) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads len(b) bytes at off, returning io.EOF if fewer are available
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	h, err := f.load()
	if err != nil {
		return 0, err
	}
	c, err := f.fs.fileChain(h)
	if err != nil {
		return 0, err
	}
	n, err := f.fs.readRange(h, c, off, b)
	if err == nil && n < len(b) {
		err = io.EOF
	}
	return n, err
}

// Write writes b at the current position, or at the end when opened with os.O_APPEND
func (f *File) Write(b []byte) (int, error) {
	if f.append {
		h, err := f.load()
		if err != nil {
			return 0, err
		}
		f.offset = int64(h.size)
	}
	n, err := f.WriteAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

// WriteAt writes b at off. Either all of b is written or none of it.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if !f.writable {
		return 0, fmt.Errorf("file not open for writing")
	}
	h, err := f.load()
	if err != nil {
		return 0, err
	}
	if err := f.fs.writeRange(h, off, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Truncate changes the size of the file
func (f *File) Truncate(size int64) error {
	if !f.writable {
		return fmt.Errorf("file not open for writing")
	}
	h, err := f.load()
	if err != nil {
		return err
	}
	return f.fs.truncate(h, size)
}

// Seek sets the offset for the next Read or Write
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.offset + offset
	case io.SeekEnd:
		h, err := f.load()
		if err != nil {
			return 0, err
		}
		abs = int64(h.size) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("cannot seek to negative position %d", abs)
	}
	f.offset = abs
	return abs, nil
}

// Close the handle. Data is already on the block device.
func (f *File) Close() error {
	if f.closed {
		return errClosed
	}
	f.closed = true
	return nil
}

// ReadFile returns the whole contents of the file at p
func (fs *FileSystem) ReadFile(p string) ([]byte, error) {
	_, h, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}
	if h == nil || !h.isFile() {
		return nil, fmt.Errorf("%s: not a regular file", p)
	}
	c, err := fs.fileChain(h)
	if err != nil {
		return nil, err
	}
	b := make([]byte, h.size)
	n, err := fs.readRange(h, c, 0, b)
	if err != nil && err != io.EOF {
		return b[:n], err
	}
	return b[:n], nil
}

// WriteFile creates or replaces the file at p with data. The blocks of the new contents are
// reserved before anything is written: a file that does not fit leaves the volume as it was,
// an existing file keeps its old contents and a new one is not created.
func (fs *FileSystem) WriteFile(p string, data []byte) error {
	if int64(len(data)) > math.MaxUint32 {
		return fmt.Errorf("file of %d bytes: %w", len(data), ErrOutOfSpace)
	}
	_, h, err := fs.lookup(p)
	switch {
	case err == nil && h == nil:
		return fmt.Errorf("%s: is a directory", p)
	case err == nil && !h.isFile():
		return fmt.Errorf("%s: not a regular file", p)
	case err == nil:
		err = fs.replaceContents(h, data)
	case errors.Is(err, ErrNotFound):
		_, err = fs.createFile(p, data)
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"path": p, "size": len(data)}).Debug("wrote file")
	return nil
}

// createFile adds a file holding data at p, whose parent directory must exist
func (fs *FileSystem) createFile(p string, data []byte) (*entryHeader, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%s: is a directory", p)
	}
	parent, err := fs.walkDirs(parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	name, err := encodeName(parts[len(parts)-1])
	if err != nil {
		return nil, err
	}
	return fs.createEntry(parent, name, secTypeFile, data)
}

// replaceContents swaps the contents of a file for data. The old chain is released and the
// new one reserved in a single allocator pass, then everything is committed together.
func (fs *FileSystem) replaceContents(h *entryHeader, data []byte) error {
	c, err := fs.fileChain(h)
	if err != nil {
		return err
	}
	a, err := fs.readAllocator()
	if err != nil {
		return err
	}
	if err := a.free(c.shrink(0)...); err != nil {
		return err
	}
	if err := c.grow(blocksFor(int64(len(data)), fs.dosType.dataSize()), a); err != nil {
		return err
	}
	h.size = uint32(len(data))
	if err := fs.writeContents(h, c, data); err != nil {
		return err
	}
	return fs.commitFile(h, c, a, now())
}

// writeContents writes data over the data blocks of c, which hold exactly enough room for it
func (fs *FileSystem) writeContents(h *entryHeader, c *fileChain, data []byte) error {
	payload := fs.dosType.dataSize()
	for i := range c.data {
		start := i * payload
		if err := fs.writeDataBlock(h, c, i, data[start:min(start+payload, len(data))]); err != nil {
			return err
		}
	}
	return nil
}
