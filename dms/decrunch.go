package dms

import (
	"fmt"
)

// textSize of the sliding dictionary shared by all LZ modes
const textSize = 1 << 14

// track flags
const (
	flagKeepState = 1 << 0
	flagNewTables = 1 << 1
	flagHeavyRLE  = 1 << 2
	// internal, selects the larger Heavy2 dictionary
	flagHeavy2 = 1 << 3
)

// decruncher holds the dictionary and per-mode state. Tracks marked flagKeepState
// continue from the state the previous track left behind, every other track starts
// over.
type decruncher struct {
	text      [textSize]byte
	quickLoc  uint16
	mediumLoc uint16
	deepLoc   uint16
	heavyLoc  uint16
	deep      *huffTree
	heavy     heavyTables
}

func newDecruncher() *decruncher {
	d := &decruncher{}
	d.reset()
	return d
}

func (d *decruncher) reset() {
	d.text = [textSize]byte{}
	d.quickLoc = 251
	d.mediumLoc = 0x3fbe
	d.deepLoc = 0x3fc4
	d.heavyLoc = 0
	d.deep = nil
	d.heavy.lastLen = 0
}

// unpack decodes one track payload into unpacked bytes. packed is the length after the
// LZ stage and before run-length decoding.
func (d *decruncher) unpack(in []byte, mode Mode, flags byte, packed, unpacked int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch mode {
	case ModeNone:
		if len(in) < unpacked {
			return nil, fmt.Errorf("%w: stored track holds %d of %d bytes", ErrCorruptTrack, len(in), unpacked)
		}
		out = append([]byte(nil), in[:unpacked]...)
	case ModeRLE:
		out, err = unpackRLE(in, unpacked)
	case ModeQuick, ModeMedium, ModeDeep:
		var lz []byte
		switch mode {
		case ModeQuick:
			lz, err = d.unpackQuick(in, packed)
		case ModeMedium:
			lz, err = d.unpackMedium(in, packed)
		default:
			lz, err = d.unpackDeep(in, packed)
		}
		if err == nil {
			out, err = unpackRLE(lz, unpacked)
		}
	case ModeHeavy1, ModeHeavy2:
		f := flags & 7
		if mode == ModeHeavy2 {
			f |= flagHeavy2
		}
		var lz []byte
		lz, err = d.unpackHeavy(in, f, packed)
		switch {
		case err != nil:
		case flags&flagHeavyRLE != 0:
			out, err = unpackRLE(lz, unpacked)
		case len(lz) < unpacked:
			err = fmt.Errorf("%w: heavy track holds %d of %d bytes", ErrCorruptTrack, len(lz), unpacked)
		default:
			out = lz[:unpacked]
		}
	default:
		return nil, fmt.Errorf("%w: mode %d", ErrUnsupportedCompression, mode)
	}
	if err != nil {
		return nil, err
	}
	if flags&flagKeepState == 0 {
		d.reset()
	}
	return out, nil
}

// unpackRLE expands 0x90 escapes: 0x90 0x00 is a literal 0x90, 0x90 n c repeats c n
// times and 0x90 0xff c hi lo repeats c a 16 bit number of times.
func unpackRLE(in []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)
	i := 0
	next := func() (byte, bool) {
		if i >= len(in) {
			return 0, false
		}
		i++
		return in[i-1], true
	}
	short := fmt.Errorf("%w: run-length data ends early", ErrCorruptTrack)
	for len(out) < size {
		a, ok := next()
		if !ok {
			return nil, short
		}
		if a != 0x90 {
			out = append(out, a)
			continue
		}
		b, ok := next()
		if !ok {
			return nil, short
		}
		if b == 0 {
			out = append(out, a)
			continue
		}
		c, ok := next()
		if !ok {
			return nil, short
		}
		n := int(b)
		if b == 0xff {
			hi, ok1 := next()
			lo, ok2 := next()
			if !ok1 || !ok2 {
				return nil, short
			}
			n = int(hi)<<8 | int(lo)
		}
		if len(out)+n > size {
			return nil, fmt.Errorf("%w: run of %d overflows the track", ErrCorruptTrack, n)
		}
		for ; n > 0; n-- {
			out = append(out, c)
		}
	}
	return out, nil
}

// lzOutput collects decoded bytes into the dictionary and the track buffer. A match
// may run past the end of the track, the overflow only reaches the dictionary.
type lzOutput struct {
	text *[textSize]byte
	mask uint16
	loc  *uint16
	out  []byte
	n    int
}

func (o *lzOutput) put(b byte) {
	o.text[*o.loc&o.mask] = b
	*o.loc++
	if o.n < len(o.out) {
		o.out[o.n] = b
	}
	o.n++
}

func (o *lzOutput) copyMatch(from uint16, length int) {
	for ; length > 0; length-- {
		o.put(o.text[from&o.mask])
		from++
	}
}

func (o *lzOutput) done() bool {
	return o.n >= len(o.out)
}

func (d *decruncher) output(loc *uint16, mask uint16, size int) *lzOutput {
	return &lzOutput{text: &d.text, mask: mask, loc: loc, out: make([]byte, size)}
}

func finish(r *bitReader, o *lzOutput) ([]byte, error) {
	if r.overrun() {
		return nil, fmt.Errorf("%w: packed data ends early", ErrCorruptTrack)
	}
	return o.out, nil
}

func (d *decruncher) unpackQuick(in []byte, size int) ([]byte, error) {
	r := newBitReader(in)
	o := d.output(&d.quickLoc, 0xff, size)
	for !o.done() {
		if r.bits(1) != 0 {
			o.put(byte(r.bits(8)))
			continue
		}
		length := int(r.bits(2)) + 2
		from := d.quickLoc - r.bits(8) - 1
		o.copyMatch(from, length)
	}
	d.quickLoc = (d.quickLoc + 5) & 0xff
	return finish(r, o)
}

func (d *decruncher) unpackMedium(in []byte, size int) ([]byte, error) {
	r := newBitReader(in)
	o := d.output(&d.mediumLoc, 0x3fff, size)
	for !o.done() {
		if r.bits(1) != 0 {
			o.put(byte(r.bits(8)))
			continue
		}
		length := int(readPrefix(r)) + 3
		from := d.mediumLoc - readPosition(r) - 1
		o.copyMatch(from, length)
	}
	d.mediumLoc = (d.mediumLoc + 66) & 0x3fff
	return finish(r, o)
}

// dCode and dLen decode the prefix code used for match lengths and the high six bits
// of match positions: the top dLen[c] bits of a byte c identify the value dCode[c].
var (
	dCode [256]byte
	dLen  [256]byte
)

func init() {
	// codes of 3 to 8 bits, and how many values each length covers
	groups := []struct{ bits, values int }{{3, 1}, {4, 3}, {5, 8}, {6, 12}, {7, 24}, {8, 16}}
	c, v := 0, 0
	for _, g := range groups {
		span := 1 << (8 - g.bits)
		for i := 0; i < g.values; i++ {
			for k := 0; k < span; k++ {
				dCode[c] = byte(v)
				dLen[c] = byte(g.bits)
				c++
			}
			v++
		}
	}
}

func readPrefix(r *bitReader) uint16 {
	c := r.peek(8)
	r.drop(uint(dLen[c]))
	return uint16(dCode[c])
}

// readPosition six prefix coded high bits followed by eight literal low bits
func readPosition(r *bitReader) uint16 {
	hi := readPrefix(r)
	return hi<<8 | r.bits(8)
}
