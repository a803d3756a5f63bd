// Package adf reads, writes and repairs AmigaDOS filesystems (OFS and FFS, with the
// international and directory cache variants) held in ADF disk images.
//
// Every structure is read from the block device when an operation needs it and written back
// before the operation returns. Nothing is cached between calls: the block device is the
// single source of truth.
package adf

import (
	"fmt"
	"strings"
	"time"

	"github.com/diskfs/go-adf/disk"
	"github.com/diskfs/go-adf/filesystem"
	log "github.com/sirupsen/logrus"
)

// BlockDevice is the block store a FileSystem reads and writes through. *disk.Disk implements it.
type BlockDevice interface {
	ReadBlock(index uint32) ([]byte, error)
	WriteBlock(index uint32, b []byte) error
	BlockCount() uint32
}

// Params options for Create
type Params struct {
	// Type of filesystem, defaults to DOSTypeOFS
	Type DOSType
	// VolumeName defaults to DefaultVolumeName
	VolumeName string
	// Created volume creation date, defaults to now
	Created time.Time
	// BootCode optional code to install in the boot block, at most BootCodeSize bytes
	BootCode []byte
}

// FileSystem implements the filesystem.FileSystem interface for AmigaDOS volumes
type FileSystem struct {
	dev        BlockDevice
	dosType    DOSType
	rootBlock  uint32
	blockCount uint32
}

var _ filesystem.FileSystem = (*FileSystem)(nil)

// Warnings non-fatal problems met by a read-only operation that still produced a result
type Warnings []error

func (w Warnings) Error() string {
	s := make([]string, len(w))
	for i, err := range w {
		s[i] = err.Error()
	}
	return fmt.Sprintf("%d warning(s): %s", len(w), strings.Join(s, "; "))
}

// Unwrap allows errors.Is and errors.As to see every warning
func (w Warnings) Unwrap() []error {
	return w
}

func (w Warnings) orNil() error {
	if len(w) == 0 {
		return nil
	}
	return w
}

// Create formats dev with a new, empty filesystem
func Create(dev BlockDevice, p *Params) (*FileSystem, error) {
	if p == nil {
		p = &Params{}
	}
	fs, err := newFileSystem(dev)
	if err != nil {
		return nil, err
	}
	if err := fs.format(p); err != nil {
		return nil, err
	}
	return fs, nil
}

// Read opens the filesystem on dev. A boot block checksum mismatch or an unreadable root
// is logged, not returned: raw block access still works, and read-only calls report the
// damage as warnings. Mutating calls re-validate everything they touch.
func Read(dev BlockDevice) (*FileSystem, error) {
	fs, err := newFileSystem(dev)
	if err != nil {
		return nil, err
	}
	bb, err := fs.readBootBlock()
	switch {
	case bb == nil:
		return nil, fmt.Errorf("not an AmigaDOS volume: %w", err)
	case err != nil:
		log.WithError(err).Warn("boot block checksum does not match, disk is not bootable")
	}
	if !bb.dosType.valid() {
		return nil, fmt.Errorf("unsupported filesystem type %s: %w", bb.dosType, ErrUnexpectedBlockType)
	}
	fs.dosType = bb.dosType
	if _, err := fs.readRoot(); err != nil {
		log.WithError(err).WithField("block", fs.rootBlock).Warn("root block is damaged")
	}
	return fs, nil
}

func newFileSystem(dev BlockDevice) (*FileSystem, error) {
	count := dev.BlockCount()
	if count < 4 {
		return nil, fmt.Errorf("%w: %d blocks", disk.ErrInvalidImageSize, count)
	}
	return &FileSystem{
		dev:        dev,
		rootBlock:  count / 2,
		blockCount: count,
	}, nil
}

// Format erases the volume and creates an empty filesystem of the given type
func (fs *FileSystem) Format(t DOSType, name string) error {
	return fs.format(&Params{Type: t, VolumeName: name})
}

func (fs *FileSystem) format(p *Params) error {
	if !p.Type.valid() {
		return fmt.Errorf("unsupported filesystem type %s", p.Type)
	}
	volumeName := p.VolumeName
	if volumeName == "" {
		volumeName = DefaultVolumeName
	}
	name, err := encodeName(volumeName)
	if err != nil {
		return err
	}
	if len(p.BootCode) > BootCodeSize {
		return fmt.Errorf("boot code is %d bytes, maximum %d", len(p.BootCode), BootCodeSize)
	}
	created := dateFromTime(p.Created)
	if p.Created.IsZero() {
		created = now()
	}

	// bitmap blocks follow the root, bitmap extension blocks follow those
	pageCount := bitmapPagesFor(fs.blockCount)
	extCount := bitmapExtPagesFor(pageCount)
	if fs.rootBlock+uint32(pageCount+extCount) >= fs.blockCount {
		return fmt.Errorf("%w: no room for %d bitmap blocks", disk.ErrInvalidImageSize, pageCount+extCount)
	}
	pages := make([]uint32, pageCount)
	for i := range pages {
		pages[i] = fs.rootBlock + 1 + uint32(i)
	}
	extPages := make([]uint32, extCount)
	for i := range extPages {
		extPages[i] = fs.rootBlock + 1 + uint32(pageCount+i)
	}

	zero := make([]byte, blockSize)
	for i := uint32(0); i < fs.blockCount; i++ {
		if err := fs.writeBlock(i, zero); err != nil {
			return fmt.Errorf("could not clear block %d: %w", i, err)
		}
	}

	a := newAllocator(fs.blockCount, fs.rootBlock, pages, extPages)
	for i := reservedBlocks; i < fs.blockCount; i++ {
		a.avail[i] = !a.system[i]
	}

	rb := &rootBlock{
		index:          fs.rootBlock,
		bitmapFlag:     bitmapFlagValid,
		name:           name,
		rootModified:   created,
		volumeModified: created,
		created:        created,
	}
	copy(rb.bitmapPages[:], pages)
	if extCount > 0 {
		rb.bitmapExt = extPages[0]
	}

	var cache *dirCachePlan
	if p.Type.DirCache() {
		if cache, err = fs.planDirCache(a, fs.rootBlock, 0, nil); err != nil {
			return err
		}
		rb.dirCache = cache.first()
	}

	for i, e := range extPages {
		ext := &bitmapExtBlock{index: e}
		start := bitmapPagesInRoot + i*bitmapPagesPerExt
		copy(ext.pages[:], pages[start:min(start+bitmapPagesPerExt, len(pages))])
		if i+1 < len(extPages) {
			ext.next = extPages[i+1]
		}
		b := make([]byte, blockSize)
		if err := ext.MarshalADF(b); err != nil {
			return err
		}
		if err := fs.writeBlock(e, b); err != nil {
			return err
		}
	}
	if err := fs.writeAllocator(a); err != nil {
		return err
	}
	if err := fs.writeDirCachePlan(cache); err != nil {
		return err
	}
	if err := fs.writeRoot(rb); err != nil {
		return err
	}
	bb := &bootBlock{dosType: p.Type, rootBlock: fs.rootBlock, code: p.BootCode}
	if err := fs.writeBootBlock(bb); err != nil {
		return err
	}
	fs.dosType = p.Type
	log.WithFields(log.Fields{"type": p.Type, "name": volumeName, "blocks": fs.blockCount}).Debug("formatted volume")
	return nil
}

// Type returns filesystem.TypeFFS or filesystem.TypeOFS
func (fs *FileSystem) Type() filesystem.Type {
	if fs.dosType.FFS() {
		return filesystem.TypeFFS
	}
	return filesystem.TypeOFS
}

// DOSType the exact filesystem flavour from the boot block
func (fs *FileSystem) DOSType() DOSType {
	return fs.dosType
}

// RootBlock index of the root block
func (fs *FileSystem) RootBlock() uint32 {
	return fs.rootBlock
}

// Label read the volume name
func (fs *FileSystem) Label() string {
	rb, err := fs.readRoot()
	if err != nil {
		return ""
	}
	return latin1Decode(rb.name)
}

// SetLabel changes the volume name
func (fs *FileSystem) SetLabel(label string) error {
	name, err := encodeName(label)
	if err != nil {
		return err
	}
	rb, err := fs.readRoot()
	if err != nil {
		return err
	}
	rb.name = name
	date := now()
	rb.rootModified = date
	rb.volumeModified = date
	return fs.writeRoot(rb)
}

// InstallBootBlock writes code into the boot block and makes the disk bootable
func (fs *FileSystem) InstallBootBlock(code []byte) error {
	if len(code) > BootCodeSize {
		return fmt.Errorf("boot code is %d bytes, maximum %d", len(code), BootCodeSize)
	}
	bb, err := fs.readBootBlock()
	if bb == nil {
		return err
	}
	bb.code = code
	return fs.writeBootBlock(bb)
}

// Info summary of a volume
type Info struct {
	Type         DOSType
	Name         string
	Created      time.Time
	Modified     time.Time
	RootModified time.Time
	TotalBlocks  int
	FreeBlocks   int
	// UsedBlocks blocks in use by files and directories, system blocks not included
	UsedBlocks int
	// SystemBlocks boot, root and bitmap blocks, plus the root's directory cache on DIRCACHE
	// volumes, which every freshly formatted volume carries
	SystemBlocks int
	RootBlock    uint32
	Bootable     bool
}

// Information describes the volume. Damage that prevents parts of the summary from being
// derived is returned as Warnings next to a non-nil Info.
func (fs *FileSystem) Information() (*Info, error) {
	var warnings Warnings
	info := &Info{
		Type:        fs.dosType,
		TotalBlocks: int(fs.blockCount),
		RootBlock:   fs.rootBlock,
	}
	bb, err := fs.readBootBlock()
	if err != nil {
		warnings = append(warnings, err)
	}
	info.Bootable = err == nil && bb != nil && bb.hasCode()

	rb, err := fs.readRoot()
	if err != nil {
		log.WithError(err).Warn("information: root block unreadable")
		return info, append(warnings, err)
	}
	info.Name = latin1Decode(rb.name)
	info.Created = rb.created.Time()
	info.Modified = rb.volumeModified.Time()
	info.RootModified = rb.rootModified.Time()

	a, err := fs.readAllocator()
	if err != nil {
		// fall back to what the tree says is in use
		log.WithError(err).Warn("information: bitmap unreadable, counting from a scan")
		warnings = append(warnings, err)
		u, scanErr := fs.scanUsage()
		if scanErr != nil {
			return info, append(warnings, scanErr)
		}
		warnings = append(warnings, u.warnings...)
		a = u.allocator()
	}
	info.SystemBlocks = a.systemCount() + fs.rootCacheBlocks(rb, a)
	info.FreeBlocks = a.freeCount()
	info.UsedBlocks = info.TotalBlocks - info.SystemBlocks - info.FreeBlocks
	return info, warnings.orNil()
}

// rootCacheBlocks the blocks of the root's directory cache chain that the bitmap marks used.
// Summaries count them with the system blocks.
func (fs *FileSystem) rootCacheBlocks(rb *rootBlock, a *allocator) int {
	if !fs.dosType.DirCache() {
		return 0
	}
	chain, err := fs.readDirCacheChain(rb.dirCache, fs.rootBlock)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range chain {
		if !a.isFree(c) {
			n++
		}
	}
	return n
}

func (fs *FileSystem) readBlock(index uint32) ([]byte, error) {
	if index >= fs.blockCount {
		return nil, fmt.Errorf("block %d of %d: %w", index, fs.blockCount, disk.ErrOutOfRange)
	}
	return fs.dev.ReadBlock(index)
}

func (fs *FileSystem) writeBlock(index uint32, b []byte) error {
	if index >= fs.blockCount {
		return fmt.Errorf("block %d of %d: %w", index, fs.blockCount, disk.ErrOutOfRange)
	}
	return fs.dev.WriteBlock(index, b)
}

// ReadBlock raw contents of a block
func (fs *FileSystem) ReadBlock(index uint32) ([]byte, error) {
	return fs.readBlock(index)
}

func (fs *FileSystem) readBootBlock() (*bootBlock, error) {
	b := make([]byte, 0, bootBlockSize)
	for i := uint32(0); i < reservedBlocks; i++ {
		blk, err := fs.readBlock(i)
		if err != nil {
			return nil, err
		}
		b = append(b, blk...)
	}
	return bootBlockFromBytes(b)
}

func (fs *FileSystem) writeBootBlock(bb *bootBlock) error {
	b := make([]byte, bootBlockSize)
	if err := bb.MarshalADF(b); err != nil {
		return err
	}
	for i := uint32(0); i < reservedBlocks; i++ {
		if err := fs.writeBlock(i, b[i*blockSize:(i+1)*blockSize]); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileSystem) readRoot() (*rootBlock, error) {
	b, err := fs.readBlock(fs.rootBlock)
	if err != nil {
		return nil, err
	}
	rb, err := rootBlockFromBytes(b, fs.rootBlock)
	if err != nil {
		return nil, fmt.Errorf("root block: %w", err)
	}
	return rb, nil
}

func (fs *FileSystem) writeRoot(rb *rootBlock) error {
	b := make([]byte, blockSize)
	if err := rb.MarshalADF(b); err != nil {
		return err
	}
	return fs.writeBlock(fs.rootBlock, b)
}

// touchVolume records a change to the volume in the root block, last in every mutation
func (fs *FileSystem) touchVolume(date amigaDate) error {
	rb, err := fs.readRoot()
	if err != nil {
		return err
	}
	rb.volumeModified = date
	return fs.writeRoot(rb)
}

func (fs *FileSystem) readHeader(index uint32) (*entryHeader, error) {
	if index < reservedBlocks || index >= fs.blockCount || index == fs.rootBlock {
		return nil, fmt.Errorf("header pointer %d: %w", index, disk.ErrOutOfRange)
	}
	b, err := fs.readBlock(index)
	if err != nil {
		return nil, err
	}
	return entryHeaderFromBytes(b, index)
}

func (fs *FileSystem) writeHeader(h *entryHeader) error {
	b := make([]byte, blockSize)
	if err := h.MarshalADF(b); err != nil {
		return err
	}
	return fs.writeBlock(h.index, b)
}

func (fs *FileSystem) readExtension(index uint32) (*extensionBlock, error) {
	b, err := fs.readBlock(index)
	if err != nil {
		return nil, err
	}
	return extensionBlockFromBytes(b, index)
}

func (fs *FileSystem) writeExtension(ext *extensionBlock) error {
	b := make([]byte, blockSize)
	if err := ext.MarshalADF(b); err != nil {
		return err
	}
	return fs.writeBlock(ext.index, b)
}

func (fs *FileSystem) readData(index uint32) (*dataBlock, error) {
	b, err := fs.readBlock(index)
	if err != nil {
		return nil, err
	}
	return dataBlockFromBytes(b, index)
}

func (fs *FileSystem) writeData(db *dataBlock) error {
	b := make([]byte, blockSize)
	if err := db.MarshalADF(b); err != nil {
		return err
	}
	return fs.writeBlock(db.index, b)
}

func (fs *FileSystem) writeDirCache(dc *dirCacheBlock) error {
	b := make([]byte, blockSize)
	if err := dc.MarshalADF(b); err != nil {
		return err
	}
	return fs.writeBlock(dc.index, b)
}
