package adf

import (
	"encoding/binary"
	"fmt"
)

const (
	dirCacheHeaderSize = 24
	dirCacheDataSize   = blockSize - dirCacheHeaderSize
	cacheRecordFixed   = 24
)

// dirCacheBlock one link of a directory's cache chain on DIRCACHE volumes
type dirCacheBlock struct {
	index   uint32
	parent  uint32
	records []cacheRecord
	next    uint32
}

// cacheRecord summary of one entry of the directory, enough to list it without reading its header
type cacheRecord struct {
	header  uint32
	size    uint32
	protect uint32
	uid     uint16
	gid     uint16
	days    uint16
	mins    uint16
	ticks   uint16
	secType int8
	name    []byte
	comment []byte
}

func (r *cacheRecord) length() int {
	l := cacheRecordFixed + len(r.name) + 1 + len(r.comment)
	return l + l%2
}

func recordFromHeader(h *entryHeader) cacheRecord {
	r := cacheRecord{
		header:  h.index,
		protect: h.protect,
		days:    uint16(h.modified.days),
		mins:    uint16(h.modified.mins),
		ticks:   uint16(h.modified.ticks),
		secType: int8(h.secType),
		name:    h.name,
		comment: h.comment,
	}
	if h.isFile() {
		r.size = h.size
	}
	return r
}

func dirCacheBlockFromBytes(b []byte, index uint32) (*dirCacheBlock, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("directory cache block must be %d bytes, received %d", blockSize, len(b))
	}
	var primary int32
	_, _ = toInt32(b, offType, &primary)
	if primary != typeDirCache {
		return nil, fmt.Errorf("block %d: type %d is not a directory cache block: %w", index, primary, ErrUnexpectedBlockType)
	}
	if err := verifyChecksum(b, offChecksum, headerChecksum, index); err != nil {
		return nil, err
	}
	if self := getLong(b, offHeaderKey); self != index {
		return nil, fmt.Errorf("block %d: cache block claims to be block %d: %w", index, self, ErrUnexpectedBlockType)
	}
	dc := &dirCacheBlock{
		index:  index,
		parent: getLong(b, 8),
		next:   getLong(b, 16),
	}
	count := int(getLong(b, 12))
	data := b[dirCacheHeaderSize:]
	pos := 0
	for i := 0; i < count; i++ {
		if pos+cacheRecordFixed > len(data) {
			return nil, fmt.Errorf("block %d: record %d runs past the end of the block: %w", index, i, ErrUnexpectedBlockType)
		}
		r := cacheRecord{
			header:  binary.BigEndian.Uint32(data[pos:]),
			size:    binary.BigEndian.Uint32(data[pos+4:]),
			protect: binary.BigEndian.Uint32(data[pos+8:]),
			uid:     binary.BigEndian.Uint16(data[pos+12:]),
			gid:     binary.BigEndian.Uint16(data[pos+14:]),
			days:    binary.BigEndian.Uint16(data[pos+16:]),
			mins:    binary.BigEndian.Uint16(data[pos+18:]),
			ticks:   binary.BigEndian.Uint16(data[pos+20:]),
			secType: int8(data[pos+22]),
		}
		nameLen := int(data[pos+23])
		namePos := pos + cacheRecordFixed
		if namePos+nameLen+1 > len(data) {
			return nil, fmt.Errorf("block %d: record %d name runs past the end of the block: %w", index, i, ErrUnexpectedBlockType)
		}
		r.name = append([]byte(nil), data[namePos:namePos+nameLen]...)
		commentLen := int(data[namePos+nameLen])
		commentPos := namePos + nameLen + 1
		if commentPos+commentLen > len(data) {
			return nil, fmt.Errorf("block %d: record %d comment runs past the end of the block: %w", index, i, ErrUnexpectedBlockType)
		}
		r.comment = append([]byte(nil), data[commentPos:commentPos+commentLen]...)
		dc.records = append(dc.records, r)
		pos += r.length()
	}
	return dc, nil
}

// MarshalADF encodes into b, recomputing the checksum
func (dc *dirCacheBlock) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("directory cache block must be %d bytes, received %d", blockSize, len(b))
	}
	clear(b)
	putInt32(b, offType, typeDirCache)
	putLong(b, offHeaderKey, dc.index)
	putLong(b, 8, dc.parent)
	putLong(b, 12, uint32(len(dc.records)))
	putLong(b, 16, dc.next)
	data := b[dirCacheHeaderSize:]
	pos := 0
	for i := range dc.records {
		r := &dc.records[i]
		if pos+r.length() > len(data) {
			return fmt.Errorf("block %d: records do not fit in one cache block", dc.index)
		}
		binary.BigEndian.PutUint32(data[pos:], r.header)
		binary.BigEndian.PutUint32(data[pos+4:], r.size)
		binary.BigEndian.PutUint32(data[pos+8:], r.protect)
		binary.BigEndian.PutUint16(data[pos+12:], r.uid)
		binary.BigEndian.PutUint16(data[pos+14:], r.gid)
		binary.BigEndian.PutUint16(data[pos+16:], r.days)
		binary.BigEndian.PutUint16(data[pos+18:], r.mins)
		binary.BigEndian.PutUint16(data[pos+20:], r.ticks)
		data[pos+22] = byte(r.secType)
		data[pos+23] = byte(len(r.name))
		namePos := pos + cacheRecordFixed
		copy(data[namePos:], r.name)
		data[namePos+len(r.name)] = byte(len(r.comment))
		copy(data[namePos+len(r.name)+1:], r.comment)
		pos += r.length()
	}
	setChecksum(b, offChecksum, headerChecksum)
	return nil
}

// packRecords splits records over as many cache blocks as they need, at least one
func packRecords(records []cacheRecord) [][]cacheRecord {
	var (
		blocks  [][]cacheRecord
		current []cacheRecord
		used    int
	)
	for _, r := range records {
		if l := r.length(); used+l > dirCacheDataSize {
			blocks = append(blocks, current)
			current, used = nil, 0
		}
		current = append(current, r)
		used += r.length()
	}
	return append(blocks, current)
}

// readDirCacheChain the cache block indices of a directory, in chain order
func (fs *FileSystem) readDirCacheChain(first, dir uint32) ([]uint32, error) {
	var chain []uint32
	seen := map[uint32]bool{}
	for next := first; next != 0; {
		if seen[next] {
			return nil, fmt.Errorf("directory %d: cache chain loops at block %d: %w", dir, next, ErrUnexpectedBlockType)
		}
		seen[next] = true
		dc, err := fs.readDirCacheBlock(next)
		if err != nil {
			return nil, err
		}
		chain = append(chain, next)
		next = dc.next
	}
	return chain, nil
}

func (fs *FileSystem) readDirCacheBlock(index uint32) (*dirCacheBlock, error) {
	b, err := fs.readBlock(index)
	if err != nil {
		return nil, err
	}
	return dirCacheBlockFromBytes(b, index)
}

// dirCachePlan the new contents of a directory's cache chain, with its blocks already
// reserved in the allocator but nothing written yet
type dirCachePlan struct {
	dir    uint32
	blocks []*dirCacheBlock
}

// planDirCache lays out records for dir over its existing cache chain, reserving more
// blocks or releasing surplus ones in a.
func (fs *FileSystem) planDirCache(a *allocator, dir uint32, first uint32, records []cacheRecord) (*dirCachePlan, error) {
	chain, err := fs.readDirCacheChain(first, dir)
	if err != nil {
		return nil, err
	}
	packed := packRecords(records)
	switch {
	case len(packed) > len(chain):
		extra, err := a.allocate(len(packed) - len(chain))
		if err != nil {
			return nil, fmt.Errorf("directory cache for block %d: %w", dir, err)
		}
		chain = append(chain, extra...)
	case len(packed) < len(chain):
		if err := a.free(chain[len(packed):]...); err != nil {
			return nil, err
		}
		chain = chain[:len(packed)]
	}
	plan := &dirCachePlan{dir: dir}
	for i, recs := range packed {
		dc := &dirCacheBlock{index: chain[i], parent: dir, records: recs}
		if i+1 < len(chain) {
			dc.next = chain[i+1]
		}
		plan.blocks = append(plan.blocks, dc)
	}
	return plan, nil
}

func (p *dirCachePlan) first() uint32 {
	return p.blocks[0].index
}

func (fs *FileSystem) writeDirCachePlan(p *dirCachePlan) error {
	if p == nil {
		return nil
	}
	for _, dc := range p.blocks {
		b := make([]byte, blockSize)
		if err := dc.MarshalADF(b); err != nil {
			return err
		}
		if err := fs.writeBlock(dc.index, b); err != nil {
			return err
		}
	}
	return nil
}
