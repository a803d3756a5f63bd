package dms

const (
	deepLookahead = 60
	deepThreshold = 2
	// literals plus match lengths 3..60
	deepChars = 256 - deepThreshold + deepLookahead
	deepNodes = deepChars*2 - 1
	deepRoot  = deepNodes - 1
	deepLimit = 0x8000
)

// huffTree is an adaptive Huffman tree. Nodes are kept ordered by frequency, siblings
// sit next to each other and son[n] is the left child of n, or symbol+deepNodes for
// a leaf. prnt maps nodes to parents and, past deepNodes, symbols to their leaves.
type huffTree struct {
	freq [deepNodes + 1]uint16
	prnt [deepNodes + deepChars]uint16
	son  [deepNodes]uint16
}

func newHuffTree() *huffTree {
	t := &huffTree{}
	for i := 0; i < deepChars; i++ {
		t.freq[i] = 1
		t.son[i] = uint16(i + deepNodes)
		t.prnt[i+deepNodes] = uint16(i)
	}
	for i, j := 0, deepChars; j <= deepRoot; i, j = i+2, j+1 {
		t.freq[j] = t.freq[i] + t.freq[i+1]
		t.son[j] = uint16(i)
		t.prnt[i] = uint16(j)
		t.prnt[i+1] = uint16(j)
	}
	t.freq[deepNodes] = 0xffff
	t.prnt[deepRoot] = 0
	return t
}

// rebuild halves every frequency and rebuilds the tree once the root saturates
func (t *huffTree) rebuild() {
	j := 0
	for i := 0; i < deepNodes; i++ {
		if t.son[i] >= deepNodes {
			t.freq[j] = (t.freq[i] + 1) / 2
			t.son[j] = t.son[i]
			j++
		}
	}
	for i, j := 0, deepChars; j < deepNodes; i, j = i+2, j+1 {
		f := t.freq[i] + t.freq[i+1]
		t.freq[j] = f
		k := j - 1
		for f < t.freq[k] {
			k--
		}
		k++
		copy(t.freq[k+1:j+1], t.freq[k:j])
		t.freq[k] = f
		copy(t.son[k+1:j+1], t.son[k:j])
		t.son[k] = uint16(i)
	}
	for i := 0; i < deepNodes; i++ {
		k := int(t.son[i])
		if k >= deepNodes {
			t.prnt[k] = uint16(i)
		} else {
			t.prnt[k] = uint16(i)
			t.prnt[k+1] = uint16(i)
		}
	}
}

// update counts one more occurrence of c and restores the ordering
func (t *huffTree) update(c uint16) {
	if t.freq[deepRoot] == deepLimit {
		t.rebuild()
	}
	n := t.prnt[int(c)+deepNodes]
	for {
		t.freq[n]++
		k := t.freq[n]
		if l := n + 1; k > t.freq[l] {
			for l++; k > t.freq[l]; l++ {
			}
			l--
			t.freq[n] = t.freq[l]
			t.freq[l] = k

			i := t.son[n]
			t.prnt[i] = l
			if i < deepNodes {
				t.prnt[i+1] = l
			}
			j := t.son[l]
			t.son[l] = i
			t.prnt[j] = n
			if j < deepNodes {
				t.prnt[j+1] = n
			}
			t.son[n] = j
			n = l
		}
		if n = t.prnt[n]; n == 0 {
			break
		}
	}
}

func (t *huffTree) decode(r *bitReader) uint16 {
	c := t.son[deepRoot]
	for c < deepNodes {
		c = t.son[c+r.bits(1)]
	}
	c -= deepNodes
	t.update(c)
	return c
}

func (d *decruncher) unpackDeep(in []byte, size int) ([]byte, error) {
	r := newBitReader(in)
	if d.deep == nil {
		d.deep = newHuffTree()
	}
	o := d.output(&d.deepLoc, 0x3fff, size)
	for !o.done() {
		c := d.deep.decode(r)
		if c < 256 {
			o.put(byte(c))
			continue
		}
		length := int(c) - 255 + deepThreshold
		from := d.deepLoc - readPosition(r) - 1
		o.copyMatch(from, length)
	}
	d.deepLoc = (d.deepLoc + 60) & 0x3fff
	return finish(r, o)
}
