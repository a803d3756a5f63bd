package dms

import (
	"fmt"
)

const (
	heavyChars = 510 // literals and match lengths 3..256
	heavyMatch = 253 // symbol minus heavyMatch is the match length
	heavyPos   = 20
	charBits   = 12
	posBits    = 8
)

// heavyTables the Huffman tables of the Heavy modes. They survive between tracks until
// a track carries flagNewTables.
type heavyTables struct {
	charLen   [heavyChars]byte
	posLen    [heavyPos]byte
	charTable [1 << charBits]uint16
	posTable  [1 << posBits]uint16
	charLeft  [2*heavyChars - 1]uint16
	charRight [2*heavyChars - 1]uint16
	posLeft   [2*heavyPos - 1]uint16
	posRight  [2*heavyPos - 1]uint16
	// position symbols in use, 14 for Heavy1 and 15 for Heavy2
	np      int
	lastLen uint16
}

func (d *decruncher) unpackHeavy(in []byte, flags byte, size int) ([]byte, error) {
	h := &d.heavy
	mask := uint16(0x0fff)
	h.np = 14
	if flags&flagHeavy2 != 0 {
		mask = 0x1fff
		h.np = 15
	}
	r := newBitReader(in)
	if flags&flagNewTables != 0 {
		if err := h.readCharTable(r); err != nil {
			return nil, err
		}
		if err := h.readPosTable(r); err != nil {
			return nil, err
		}
	}
	o := d.output(&d.heavyLoc, mask, size)
	for !o.done() {
		c := h.decodeChar(r)
		if c < 256 {
			o.put(byte(c))
			continue
		}
		length := int(c) - heavyMatch
		from := d.heavyLoc - h.decodePos(r) - 1
		o.copyMatch(from, length)
	}
	return finish(r, o)
}

func (h *heavyTables) readCharTable(r *bitReader) error {
	n := int(r.bits(9))
	if n == 0 {
		c := r.bits(9)
		if c >= heavyChars {
			return fmt.Errorf("%w: literal symbol %d", ErrCorruptTrack, c)
		}
		h.charLen = [heavyChars]byte{}
		for i := range h.charTable {
			h.charTable[i] = c
		}
		return nil
	}
	if n > heavyChars {
		return fmt.Errorf("%w: %d literal code lengths", ErrCorruptTrack, n)
	}
	for i := 0; i < heavyChars; i++ {
		h.charLen[i] = 0
		if i < n {
			h.charLen[i] = byte(r.bits(5))
		}
	}
	return makeTable(h.charLen[:], charBits, h.charTable[:], h.charLeft[:], h.charRight[:])
}

func (h *heavyTables) readPosTable(r *bitReader) error {
	n := int(r.bits(5))
	if n == 0 {
		c := r.bits(5)
		if int(c) >= h.np {
			return fmt.Errorf("%w: position symbol %d", ErrCorruptTrack, c)
		}
		h.posLen = [heavyPos]byte{}
		for i := range h.posTable {
			h.posTable[i] = c
		}
		return nil
	}
	if n > h.np {
		return fmt.Errorf("%w: %d position code lengths", ErrCorruptTrack, n)
	}
	for i := 0; i < h.np; i++ {
		h.posLen[i] = 0
		if i < n {
			h.posLen[i] = byte(r.bits(4))
		}
	}
	return makeTable(h.posLen[:h.np], posBits, h.posTable[:], h.posLeft[:], h.posRight[:])
}

func (h *heavyTables) decodeChar(r *bitReader) uint16 {
	j := h.charTable[r.peek(charBits)]
	if j < heavyChars {
		r.drop(uint(h.charLen[j]))
		return j
	}
	r.drop(charBits)
	bits := r.peek(16)
	for m := uint16(0x8000); j >= heavyChars; m >>= 1 {
		if bits&m != 0 {
			j = h.charRight[j]
		} else {
			j = h.charLeft[j]
		}
	}
	r.drop(uint(h.charLen[j]) - charBits)
	return j
}

// decodePos a bit length symbol followed by the bits below the leading one. The last
// symbol repeats the previous position.
func (h *heavyTables) decodePos(r *bitReader) uint16 {
	np := uint16(h.np)
	j := h.posTable[r.peek(posBits)]
	if j < np {
		r.drop(uint(h.posLen[j]))
	} else {
		r.drop(posBits)
		bits := r.peek(16)
		for m := uint16(0x8000); j >= np; m >>= 1 {
			if bits&m != 0 {
				j = h.posRight[j]
			} else {
				j = h.posLeft[j]
			}
		}
		r.drop(uint(h.posLen[j]) - posBits)
	}
	if j != np-1 {
		if j > 0 {
			extra := uint(j - 1)
			j = r.bits(extra) | 1<<extra
		}
		h.lastLen = j
	}
	return h.lastLen
}

// makeTable builds a lookup table for the canonical code described by lens: codes up
// to tableBits long fill table directly, longer ones get a tree of left/right nodes
// numbered from len(lens) whose roots are stored in the table.
func makeTable(lens []byte, tableBits uint, table, left, right []uint16) error {
	b := &tableBuilder{
		lens:     lens,
		table:    table,
		left:     left,
		right:    right,
		avail:    len(lens),
		size:     1 << tableBits,
		bit:      1 << tableBits / 2,
		maxDepth: int(tableBits) + 1,
		depth:    1,
		length:   1,
		c:        -1,
	}
	b.node()
	b.node()
	if b.err != nil {
		return b.err
	}
	if b.codeword != b.size {
		return fmt.Errorf("%w: incomplete code table", ErrCorruptTrack)
	}
	return nil
}

type tableBuilder struct {
	lens            []byte
	table           []uint16
	left, right     []uint16
	avail           int
	size, bit       int
	maxDepth, depth int
	length, c       int
	codeword        int
	err             error
}

// node assigns codes depth first, left before right, so lengths are handed out in
// canonical order
func (b *tableBuilder) node() uint16 {
	if b.err != nil {
		return 0
	}
	i := 0
	if b.length == b.depth {
		for b.c++; b.c < len(b.lens); b.c++ {
			if int(b.lens[b.c]) != b.length {
				continue
			}
			i = b.codeword
			b.codeword += b.bit
			if b.codeword > b.size {
				b.err = fmt.Errorf("%w: oversubscribed code table", ErrCorruptTrack)
				return 0
			}
			for ; i < b.codeword; i++ {
				b.table[i] = uint16(b.c)
			}
			return uint16(b.c)
		}
		b.c = -1
		b.length++
		b.bit >>= 1
	}
	b.depth++
	switch {
	case b.depth < b.maxDepth:
		b.node()
		b.node()
	case b.depth > 32:
		b.err = fmt.Errorf("%w: code longer than 32 bits", ErrCorruptTrack)
		return 0
	default:
		i = b.avail
		b.avail++
		if i >= 2*len(b.lens)-1 || i >= len(b.left) {
			b.err = fmt.Errorf("%w: code tree overflow", ErrCorruptTrack)
			return 0
		}
		b.left[i] = b.node()
		b.right[i] = b.node()
		if b.codeword >= b.size {
			b.err = fmt.Errorf("%w: code tree overflow", ErrCorruptTrack)
			return 0
		}
		if b.depth == b.maxDepth {
			b.table[b.codeword] = uint16(i)
			b.codeword++
		}
	}
	b.depth--
	return uint16(i)
}
