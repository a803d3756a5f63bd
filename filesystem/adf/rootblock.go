package adf

import (
	"fmt"
)

const bitmapFlagValid uint32 = 0xffffffff

// rootBlock the root of the directory tree and the anchor of the bitmap
type rootBlock struct {
	index          uint32
	hashTable      [hashTableSize]uint32
	bitmapFlag     uint32
	bitmapPages    [bitmapPagesInRoot]uint32
	bitmapExt      uint32
	rootModified   amigaDate
	name           []byte
	volumeModified amigaDate
	created        amigaDate
	dirCache       uint32
	// raw keeps the reserved fields so an unchanged block encodes byte-identical
	raw []byte
}

func rootBlockFromBytes(b []byte, index uint32) (*rootBlock, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("root block must be %d bytes, received %d", blockSize, len(b))
	}
	var primary, secondary int32
	_, _ = toInt32(b, offType, &primary)
	_, _ = toInt32(b, offSecType, &secondary)
	if primary != typeHeader || secondary != secTypeRoot {
		return nil, fmt.Errorf("block %d: type %d/%d is not a root block: %w", index, primary, secondary, ErrUnexpectedBlockType)
	}
	if err := verifyChecksum(b, offChecksum, headerChecksum, index); err != nil {
		return nil, err
	}
	rb := &rootBlock{
		index:          index,
		bitmapFlag:     getLong(b, offBitmapFlag),
		bitmapExt:      getLong(b, offBitmapExt),
		rootModified:   readDate(b, offDate),
		volumeModified: readDate(b, offVolumeDate),
		created:        readDate(b, offCreateDate),
		dirCache:       getLong(b, offExtension),
		raw:            append([]byte(nil), b...),
	}
	for i := range rb.hashTable {
		rb.hashTable[i] = getLong(b, offTable+4*i)
	}
	for i := range rb.bitmapPages {
		rb.bitmapPages[i] = getLong(b, offBitmapPages+4*i)
	}
	if _, err := toBString(b, offName, maxNameLength, &rb.name); err != nil {
		return nil, err
	}
	return rb, nil
}

// MarshalADF encodes into b, recomputing the checksum
func (rb *rootBlock) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("root block must be %d bytes, received %d", blockSize, len(b))
	}
	if rb.raw != nil {
		copy(b, rb.raw)
	} else {
		clear(b)
	}
	putInt32(b, offType, typeHeader)
	putLong(b, offHeaderKey, 0)
	putLong(b, offHighSeq, 0)
	putLong(b, offTableSize, hashTableSize)
	putLong(b, offFirstData, 0)
	for i, p := range rb.hashTable {
		putLong(b, offTable+4*i, p)
	}
	putLong(b, offBitmapFlag, rb.bitmapFlag)
	for i, p := range rb.bitmapPages {
		putLong(b, offBitmapPages+4*i, p)
	}
	putLong(b, offBitmapExt, rb.bitmapExt)
	rb.rootModified.put(b, offDate)
	putBString(b, offName, maxNameLength, rb.name)
	rb.volumeModified.put(b, offVolumeDate)
	rb.created.put(b, offCreateDate)
	putLong(b, offHashChain, 0)
	putLong(b, offParent, 0)
	putLong(b, offExtension, rb.dirCache)
	putInt32(b, offSecType, secTypeRoot)
	setChecksum(b, offChecksum, headerChecksum)
	return nil
}
