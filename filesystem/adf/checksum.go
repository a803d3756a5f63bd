package adf

import (
	"encoding/binary"
	"fmt"
)

// checksummer computes the checksum of a raw block with its own checksum field treated as zero
type checksummer func(b []byte) uint32

// normalChecksum the standard block checksum at offset, chosen so that all longs of the block sum to zero
func normalChecksum(offset int) checksummer {
	return func(b []byte) uint32 {
		var sum uint32
		for i := 0; i < blockSize; i += 4 {
			if i == offset {
				continue
			}
			sum += binary.BigEndian.Uint32(b[i:])
		}
		return -sum
	}
}

var (
	headerChecksum = normalChecksum(offChecksum)
	bitmapChecksum = normalChecksum(0)
)

// bootChecksum add-with-carry sum over both boot blocks, complemented
func bootChecksum(b []byte) uint32 {
	var sum uint32
	for i := 0; i < 2*blockSize; i += 4 {
		if i == 4 {
			continue
		}
		d := binary.BigEndian.Uint32(b[i:])
		if sum+d < sum {
			sum++
		}
		sum += d
	}
	return ^sum
}

// verifyChecksum checks the checksum stored at offset against fn
func verifyChecksum(b []byte, offset int, fn checksummer, index uint32) error {
	stored := binary.BigEndian.Uint32(b[offset:])
	if calc := fn(b); calc != stored {
		return fmt.Errorf("block %d: stored %#08x, calculated %#08x: %w", index, stored, calc, ErrInvalidChecksum)
	}
	return nil
}

// setChecksum stores the checksum computed by fn at offset
func setChecksum(b []byte, offset int, fn checksummer) {
	binary.BigEndian.PutUint32(b[offset:], fn(b))
}
