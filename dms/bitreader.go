package dms

// bitReader reads a packed track MSB first. At least 16 bits are always buffered, so
// peek can look ahead up to 16 bits. Reading past the input yields zero bits; callers
// check overrun once the track is done.
type bitReader struct {
	in    []byte
	pos   int
	buf   uint32
	count uint
}

func newBitReader(in []byte) *bitReader {
	r := &bitReader{in: in}
	r.drop(0)
	return r
}

// peek the next n bits without consuming them
func (r *bitReader) peek(n uint) uint16 {
	return uint16(r.buf >> (r.count - n))
}

func (r *bitReader) drop(n uint) {
	r.count -= n
	r.buf &= 1<<r.count - 1
	for r.count < 16 {
		var b byte
		if r.pos < len(r.in) {
			b = r.in[r.pos]
		}
		r.pos++
		r.buf = r.buf<<8 | uint32(b)
		r.count += 8
	}
}

func (r *bitReader) bits(n uint) uint16 {
	v := r.peek(n)
	r.drop(n)
	return v
}

// overrun reports whether more bits were consumed than the input holds
func (r *bitReader) overrun() bool {
	return r.pos*8-int(r.count) > len(r.in)*8
}
