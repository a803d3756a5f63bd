package adf

import (
	"bytes"
	"fmt"
)

const (
	bootBlockSize = 2 * blockSize
	bootCodeStart = 12
	// BootCodeSize maximum size of the code InstallBootBlock accepts
	BootCodeSize = bootBlockSize - bootCodeStart
)

var dosSignature = []byte("DOS")

// bootBlock the first two blocks of the disk
type bootBlock struct {
	dosType   DOSType
	checksum  uint32
	rootBlock uint32
	code      []byte
}

// bootBlockFromBytes decodes both boot blocks. A checksum mismatch is returned alongside the
// decoded structure: most non-bootable disks carry one, and it does not affect the filesystem.
func bootBlockFromBytes(b []byte) (*bootBlock, error) {
	if len(b) != bootBlockSize {
		return nil, fmt.Errorf("boot block must be %d bytes, received %d", bootBlockSize, len(b))
	}
	if !bytes.Equal(b[:3], dosSignature) {
		return nil, fmt.Errorf("boot block: signature %q is not DOS: %w", b[:3], ErrUnexpectedBlockType)
	}
	bb := &bootBlock{
		dosType:   DOSType(b[3]),
		checksum:  getLong(b, 4),
		rootBlock: getLong(b, 8),
		code:      append([]byte(nil), b[bootCodeStart:]...),
	}
	if calc := bootChecksum(b); calc != bb.checksum {
		return bb, fmt.Errorf("boot block: stored %#08x, calculated %#08x: %w", bb.checksum, calc, ErrInvalidChecksum)
	}
	return bb, nil
}

// MarshalADF encodes into b, which must be two blocks long, recomputing the checksum
func (bb *bootBlock) MarshalADF(b []byte) error {
	if len(b) != bootBlockSize {
		return fmt.Errorf("boot block must be %d bytes, received %d", bootBlockSize, len(b))
	}
	copy(b, dosSignature)
	b[3] = byte(bb.dosType)
	putLong(b, 8, bb.rootBlock)
	n := copy(b[bootCodeStart:], bb.code)
	clear(b[bootCodeStart+n:])
	putLong(b, 4, 0)
	bb.checksum = bootChecksum(b)
	putLong(b, 4, bb.checksum)
	return nil
}

func (bb *bootBlock) hasCode() bool {
	for _, c := range bb.code {
		if c != 0 {
			return true
		}
	}
	return false
}
