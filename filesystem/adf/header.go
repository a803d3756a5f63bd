package adf

import (
	"fmt"
)

// entryHeader a file or directory header block. Directories use table as their hash table,
// files as the data block pointer list, which is stored back to front.
type entryHeader struct {
	index     uint32
	secType   int32
	highSeq   uint32
	firstData uint32
	table     [hashTableSize]uint32
	protect   uint32
	size      uint32
	comment   []byte
	modified  amigaDate
	name      []byte
	hashChain uint32
	parent    uint32
	// extension is the first file extension block for files, the first cache block for directories
	extension uint32
	raw       []byte
}

func entryHeaderFromBytes(b []byte, index uint32) (*entryHeader, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("header block must be %d bytes, received %d", blockSize, len(b))
	}
	var primary int32
	h := &entryHeader{index: index}
	_, _ = toInt32(b, offType, &primary)
	_, _ = toInt32(b, offSecType, &h.secType)
	if primary != typeHeader {
		return nil, fmt.Errorf("block %d: type %d is not a header block: %w", index, primary, ErrUnexpectedBlockType)
	}
	switch h.secType {
	case secTypeDir, secTypeFile, secTypeSoftLink, secTypeLinkDir, secTypeLinkFile:
	default:
		return nil, fmt.Errorf("block %d: secondary type %d is not a file or directory: %w", index, h.secType, ErrUnexpectedBlockType)
	}
	if err := verifyChecksum(b, offChecksum, headerChecksum, index); err != nil {
		return nil, err
	}
	if self := getLong(b, offHeaderKey); self != index {
		return nil, fmt.Errorf("block %d: header claims to be block %d: %w", index, self, ErrUnexpectedBlockType)
	}
	h.highSeq = getLong(b, offHighSeq)
	h.firstData = getLong(b, offFirstData)
	for i := range h.table {
		h.table[i] = getLong(b, offTable+4*i)
	}
	h.protect = getLong(b, offProtect)
	h.size = getLong(b, offByteSize)
	if _, err := toBString(b, offComment, maxCommentLength, &h.comment); err != nil {
		return nil, err
	}
	h.modified = readDate(b, offDate)
	if _, err := toBString(b, offName, maxNameLength, &h.name); err != nil {
		return nil, err
	}
	h.hashChain = getLong(b, offHashChain)
	h.parent = getLong(b, offParent)
	h.extension = getLong(b, offExtension)
	h.raw = append([]byte(nil), b...)
	if h.isFile() && h.highSeq > maxDataBlocksPerList {
		return nil, fmt.Errorf("block %d: %d data blocks listed, maximum %d: %w", index, h.highSeq, maxDataBlocksPerList, ErrUnexpectedBlockType)
	}
	return h, nil
}

// MarshalADF encodes into b, recomputing the checksum
func (h *entryHeader) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("header block must be %d bytes, received %d", blockSize, len(b))
	}
	if h.raw != nil {
		copy(b, h.raw)
	} else {
		clear(b)
	}
	putInt32(b, offType, typeHeader)
	putLong(b, offHeaderKey, h.index)
	putLong(b, offHighSeq, h.highSeq)
	putLong(b, offFirstData, h.firstData)
	for i, p := range h.table {
		putLong(b, offTable+4*i, p)
	}
	putLong(b, offProtect, h.protect)
	if h.isFile() {
		putLong(b, offByteSize, h.size)
	}
	putBString(b, offComment, maxCommentLength, h.comment)
	h.modified.put(b, offDate)
	putBString(b, offName, maxNameLength, h.name)
	putLong(b, offHashChain, h.hashChain)
	putLong(b, offParent, h.parent)
	putLong(b, offExtension, h.extension)
	putInt32(b, offSecType, h.secType)
	setChecksum(b, offChecksum, headerChecksum)
	return nil
}

func (h *entryHeader) isDir() bool {
	return h.secType == secTypeDir
}

func (h *entryHeader) isFile() bool {
	return h.secType == secTypeFile
}

// dataPointers the data blocks listed in this block, in file order
func (h *entryHeader) dataPointers() []uint32 {
	return listPointers(&h.table, h.highSeq)
}

func (h *entryHeader) setDataPointers(p []uint32) {
	h.highSeq = setListPointers(&h.table, p)
	h.firstData = 0
	if len(p) > 0 {
		h.firstData = p[0]
	}
}

// listPointers reads the back to front pointer tables of file headers and extension blocks
func listPointers(table *[hashTableSize]uint32, count uint32) []uint32 {
	count = min(count, maxDataBlocksPerList)
	p := make([]uint32, count)
	for i := range p {
		p[i] = table[maxDataBlocksPerList-1-i]
	}
	return p
}

func setListPointers(table *[hashTableSize]uint32, p []uint32) uint32 {
	clear(table[:])
	for i, v := range p {
		table[maxDataBlocksPerList-1-i] = v
	}
	return uint32(len(p))
}

// extensionBlock continues a file's data block list
type extensionBlock struct {
	index   uint32
	highSeq uint32
	table   [maxDataBlocksPerList]uint32
	parent  uint32
	next    uint32
	raw     []byte
}

func extensionBlockFromBytes(b []byte, index uint32) (*extensionBlock, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("extension block must be %d bytes, received %d", blockSize, len(b))
	}
	var primary, secondary int32
	_, _ = toInt32(b, offType, &primary)
	_, _ = toInt32(b, offSecType, &secondary)
	if primary != typeList || secondary != secTypeFile {
		return nil, fmt.Errorf("block %d: type %d/%d is not a file extension block: %w", index, primary, secondary, ErrUnexpectedBlockType)
	}
	if err := verifyChecksum(b, offChecksum, headerChecksum, index); err != nil {
		return nil, err
	}
	if self := getLong(b, offHeaderKey); self != index {
		return nil, fmt.Errorf("block %d: extension claims to be block %d: %w", index, self, ErrUnexpectedBlockType)
	}
	ext := &extensionBlock{
		index:   index,
		highSeq: getLong(b, offHighSeq),
		parent:  getLong(b, offParent),
		next:    getLong(b, offExtension),
		raw:     append([]byte(nil), b...),
	}
	if ext.highSeq > maxDataBlocksPerList {
		return nil, fmt.Errorf("block %d: %d data blocks listed, maximum %d: %w", index, ext.highSeq, maxDataBlocksPerList, ErrUnexpectedBlockType)
	}
	for i := range ext.table {
		ext.table[i] = getLong(b, offTable+4*i)
	}
	return ext, nil
}

// MarshalADF encodes into b, recomputing the checksum
func (ext *extensionBlock) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("extension block must be %d bytes, received %d", blockSize, len(b))
	}
	if ext.raw != nil {
		copy(b, ext.raw)
	} else {
		clear(b)
	}
	putInt32(b, offType, typeList)
	putLong(b, offHeaderKey, ext.index)
	putLong(b, offHighSeq, ext.highSeq)
	putLong(b, offTableSize, 0)
	putLong(b, offFirstData, 0)
	for i, p := range ext.table {
		putLong(b, offTable+4*i, p)
	}
	putLong(b, offHashChain, 0)
	putLong(b, offParent, ext.parent)
	putLong(b, offExtension, ext.next)
	putInt32(b, offSecType, secTypeFile)
	setChecksum(b, offChecksum, headerChecksum)
	return nil
}

func (ext *extensionBlock) dataPointers() []uint32 {
	return listPointers(&ext.table, ext.highSeq)
}

// dataBlock an OFS data block, 24 bytes of bookkeeping then payload
type dataBlock struct {
	index  uint32
	header uint32
	seq    uint32
	size   uint32
	next   uint32
	data   [ofsDataSize]byte
}

func dataBlockFromBytes(b []byte, index uint32) (*dataBlock, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("data block must be %d bytes, received %d", blockSize, len(b))
	}
	var primary int32
	_, _ = toInt32(b, offType, &primary)
	if primary != typeData {
		return nil, fmt.Errorf("block %d: type %d is not a data block: %w", index, primary, ErrUnexpectedBlockType)
	}
	if err := verifyChecksum(b, offChecksum, headerChecksum, index); err != nil {
		return nil, err
	}
	db := &dataBlock{
		index:  index,
		header: getLong(b, offHeaderKey),
		seq:    getLong(b, offHighSeq),
		size:   getLong(b, offTableSize),
		next:   getLong(b, offFirstData),
	}
	if db.size > ofsDataSize {
		return nil, fmt.Errorf("block %d: data size %d larger than %d: %w", index, db.size, ofsDataSize, ErrUnexpectedBlockType)
	}
	copy(db.data[:], b[ofsDataHeaderSize:])
	return db, nil
}

// MarshalADF encodes into b, recomputing the checksum
func (db *dataBlock) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("data block must be %d bytes, received %d", blockSize, len(b))
	}
	putInt32(b, offType, typeData)
	putLong(b, offHeaderKey, db.header)
	putLong(b, offHighSeq, db.seq)
	putLong(b, offTableSize, db.size)
	putLong(b, offFirstData, db.next)
	copy(b[ofsDataHeaderSize:], db.data[:])
	setChecksum(b, offChecksum, headerChecksum)
	return nil
}
