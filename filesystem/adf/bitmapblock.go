package adf

import "fmt"

// bitmapBlock 127 longs of occupancy bits, a set bit marks a free block
type bitmapBlock struct {
	index uint32
	longs [bitmapLongsPerBlock]uint32
}

func bitmapBlockFromBytes(b []byte, index uint32) (*bitmapBlock, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("bitmap block must be %d bytes, received %d", blockSize, len(b))
	}
	if err := verifyChecksum(b, 0, bitmapChecksum, index); err != nil {
		return nil, err
	}
	bm := &bitmapBlock{index: index}
	for i := range bm.longs {
		bm.longs[i] = getLong(b, 4+4*i)
	}
	return bm, nil
}

// MarshalADF encodes into b, recomputing the checksum
func (bm *bitmapBlock) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("bitmap block must be %d bytes, received %d", blockSize, len(b))
	}
	for i, l := range bm.longs {
		putLong(b, 4+4*i, l)
	}
	setChecksum(b, 0, bitmapChecksum)
	return nil
}

// bitmapExtBlock continues the list of bitmap pages once the root's 25 are used up
type bitmapExtBlock struct {
	index uint32
	pages [bitmapPagesPerExt]uint32
	next  uint32
}

func bitmapExtBlockFromBytes(b []byte, index uint32) (*bitmapExtBlock, error) {
	if len(b) != blockSize {
		return nil, fmt.Errorf("bitmap extension block must be %d bytes, received %d", blockSize, len(b))
	}
	ext := &bitmapExtBlock{index: index, next: getLong(b, 4*bitmapPagesPerExt)}
	for i := range ext.pages {
		ext.pages[i] = getLong(b, 4*i)
	}
	return ext, nil
}

func (ext *bitmapExtBlock) MarshalADF(b []byte) error {
	if len(b) != blockSize {
		return fmt.Errorf("bitmap extension block must be %d bytes, received %d", blockSize, len(b))
	}
	for i, p := range ext.pages {
		putLong(b, 4*i, p)
	}
	putLong(b, 4*bitmapPagesPerExt, ext.next)
	return nil
}
