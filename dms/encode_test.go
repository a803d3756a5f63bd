package dms

import (
	"encoding/binary"
	"sort"
	"testing"
	"time"
)

// Encoders producing streams the decrunchers accept. They only exist to build fixtures
// and favour simplicity over compression ratio.

type bitWriter struct {
	out []byte
	acc byte
	n   uint
}

func (w *bitWriter) write(v uint32, bits uint) {
	for i := bits; i > 0; i-- {
		w.acc = w.acc<<1 | byte(v>>(i-1)&1)
		w.n++
		if w.n == 8 {
			w.out = append(w.out, w.acc)
			w.acc, w.n = 0, 0
		}
	}
}

func (w *bitWriter) bytes() []byte {
	if w.n > 0 {
		w.out = append(w.out, w.acc<<(8-w.n))
		w.acc, w.n = 0, 0
	}
	return w.out
}

func packRLE(b []byte) []byte {
	var out []byte
	for i := 0; i < len(b); {
		c := b[i]
		n := 1
		for i+n < len(b) && b[i+n] == c && n < 0xffff {
			n++
		}
		switch {
		case n >= 255:
			out = append(out, 0x90, 0xff, c, byte(n>>8), byte(n))
		case n >= 4:
			out = append(out, 0x90, byte(n), c)
		default:
			n = 1
			if c == 0x90 {
				out = append(out, 0x90, 0)
			} else {
				out = append(out, c)
			}
		}
		i += n
	}
	return out
}

// token a literal when length is 0, otherwise a match of length bytes starting
// offset+1 bytes back
type token struct {
	lit    byte
	length int
	offset int
}

// parseLZ greedy parse, candidates are the last position sharing a three byte prefix
// and the previous byte
func parseLZ(b []byte, minLen, maxLen, maxOffset int) []token {
	var out []token
	last := map[[3]byte]int{}
	remember := func(p int) {
		if p+3 <= len(b) {
			last[[3]byte{b[p], b[p+1], b[p+2]}] = p
		}
	}
	matchLen := func(p, s int) int {
		n := 0
		for p+n < len(b) && n < maxLen && b[s+n] == b[p+n] {
			n++
		}
		return n
	}
	for p := 0; p < len(b); {
		best, bestOff := 0, 0
		var cands []int
		if p+3 <= len(b) {
			if s, ok := last[[3]byte{b[p], b[p+1], b[p+2]}]; ok {
				cands = append(cands, s)
			}
		}
		if p > 0 {
			cands = append(cands, p-1)
		}
		for _, s := range cands {
			off := p - s - 1
			if off < 0 || off > maxOffset {
				continue
			}
			if n := matchLen(p, s); n > best {
				best, bestOff = n, off
			}
		}
		if best >= minLen {
			out = append(out, token{length: best, offset: bestOff})
			for i := 0; i < best; i++ {
				remember(p + i)
			}
			p += best
			continue
		}
		out = append(out, token{lit: b[p]})
		remember(p)
		p++
	}
	return out
}

func packQuick(b []byte) []byte {
	var w bitWriter
	for _, t := range parseLZ(b, 2, 5, 0xff) {
		if t.length == 0 {
			w.write(1, 1)
			w.write(uint32(t.lit), 8)
			continue
		}
		w.write(0, 1)
		w.write(uint32(t.length-2), 2)
		w.write(uint32(t.offset), 8)
	}
	return w.bytes()
}

func writePrefix(w *bitWriter, v int) {
	for c := 0; c < 256; c++ {
		if int(dCode[c]) == v {
			w.write(uint32(c>>(8-dLen[c])), uint(dLen[c]))
			return
		}
	}
	panic("value has no prefix code")
}

func writePosition(w *bitWriter, off int) {
	writePrefix(w, off>>8)
	w.write(uint32(off&0xff), 8)
}

func packMedium(b []byte) []byte {
	var w bitWriter
	for _, t := range parseLZ(b, 3, 66, 0x3ffe) {
		if t.length == 0 {
			w.write(1, 1)
			w.write(uint32(t.lit), 8)
			continue
		}
		w.write(0, 1)
		writePrefix(&w, t.length-3)
		writePosition(&w, t.offset)
	}
	return w.bytes()
}

// encode writes the path to c's leaf and adapts the tree the way decode does
func (t *huffTree) encode(w *bitWriter, c uint16) {
	var path []uint16
	for k := t.prnt[int(c)+deepNodes]; k != deepRoot; k = t.prnt[k] {
		path = append(path, k-t.son[t.prnt[k]])
	}
	for i := len(path) - 1; i >= 0; i-- {
		w.write(uint32(path[i]), 1)
	}
	t.update(c)
}

func packDeep(b []byte) []byte {
	var w bitWriter
	tree := newHuffTree()
	for _, t := range parseLZ(b, 3, deepLookahead, 0x3ffe) {
		if t.length == 0 {
			tree.encode(&w, uint16(t.lit))
			continue
		}
		tree.encode(&w, uint16(t.length+255-deepThreshold))
		writePosition(&w, t.offset)
	}
	return w.bytes()
}

// huffmanLengths code lengths for the given symbol frequencies, 0 for unused symbols
func huffmanLengths(freq []int) []byte {
	type node struct {
		weight  int
		symbols []int
	}
	var nodes []node
	for s, f := range freq {
		if f > 0 {
			nodes = append(nodes, node{weight: f, symbols: []int{s}})
		}
	}
	lens := make([]byte, len(freq))
	for len(nodes) > 1 {
		sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].weight < nodes[j].weight })
		a, b := nodes[0], nodes[1]
		merged := node{weight: a.weight + b.weight, symbols: append(append([]int{}, a.symbols...), b.symbols...)}
		for _, s := range merged.symbols {
			lens[s]++
		}
		nodes = append([]node{merged}, nodes[2:]...)
	}
	return lens
}

type code struct {
	bits uint32
	len  uint
}

// canonicalCodes shorter codes first, ties by symbol
func canonicalCodes(lens []byte) []code {
	order := make([]int, 0, len(lens))
	for s, l := range lens {
		if l > 0 {
			order = append(order, s)
		}
	}
	sort.SliceStable(order, func(i, j int) bool { return lens[order[i]] < lens[order[j]] })
	codes := make([]code, len(lens))
	var next uint32
	prev := uint(0)
	for _, s := range order {
		l := uint(lens[s])
		next <<= l - prev
		prev = l
		codes[s] = code{bits: next, len: l}
		next++
	}
	return codes
}

// writeTable emits a code length table, or a single constant symbol when fewer than
// two symbols are used
func writeTable(w *bitWriter, lens []byte, countBits, lenBits uint) {
	used, n, only := 0, 0, 0
	for s, l := range lens {
		if l > 0 {
			used++
			n = s + 1
			only = s
		}
	}
	if used < 2 {
		for s := range lens {
			lens[s] = 0
		}
		w.write(0, countBits)
		w.write(uint32(only), countBits)
		return
	}
	w.write(uint32(n), countBits)
	for s := 0; s < n; s++ {
		w.write(uint32(lens[s]), lenBits)
	}
}

func bitLength(v int) int {
	n := 0
	for ; v > 0; v >>= 1 {
		n++
	}
	return n
}

func packHeavy(b []byte, heavy2 bool) []byte {
	np, maxOffset := 14, 0xffe
	if heavy2 {
		np, maxOffset = 15, 0x1ffe
	}
	tokens := parseLZ(b, 3, 256, maxOffset)
	charFreq := make([]int, heavyChars)
	posFreq := make([]int, np)
	posSym := make([]int, len(tokens))
	lastOff := 0
	for i, t := range tokens {
		if t.length == 0 {
			charFreq[t.lit]++
			continue
		}
		charFreq[t.length+heavyMatch]++
		if t.offset == lastOff {
			posSym[i] = np - 1
		} else {
			posSym[i] = bitLength(t.offset)
			lastOff = t.offset
		}
		posFreq[posSym[i]]++
	}
	charLens := huffmanLengths(charFreq)
	posLens := huffmanLengths(posFreq)

	var w bitWriter
	writeTable(&w, charLens, 9, 5)
	writeTable(&w, posLens, 5, 4)
	charCodes := canonicalCodes(charLens)
	posCodes := canonicalCodes(posLens)
	for i, t := range tokens {
		sym := int(t.lit)
		if t.length > 0 {
			sym = t.length + heavyMatch
		}
		w.write(charCodes[sym].bits, charCodes[sym].len)
		if t.length == 0 {
			continue
		}
		j := posSym[i]
		w.write(posCodes[j].bits, posCodes[j].len)
		if j > 1 && j != np-1 {
			w.write(uint32(t.offset-1<<(j-1)), uint(j-1))
		}
	}
	return w.bytes()
}

// testTrack describes one track of a fixture archive
type testTrack struct {
	number uint16
	mode   Mode
	data   []byte
	// corrupt flips a packed byte after the checksum was taken
	corrupt bool
}

func packTrack(t *testing.T, tr testTrack) (packed []byte, lzLen int, flags byte) {
	t.Helper()
	rle := packRLE(tr.data)
	switch tr.mode {
	case ModeNone:
		return append([]byte(nil), tr.data...), len(tr.data), 0
	case ModeRLE:
		return rle, len(rle), 0
	case ModeQuick:
		return packQuick(rle), len(rle), 0
	case ModeMedium:
		return packMedium(rle), len(rle), 0
	case ModeDeep:
		return packDeep(rle), len(rle), 0
	case ModeHeavy1, ModeHeavy2:
		return packHeavy(rle, tr.mode == ModeHeavy2), len(rle), flagNewTables | flagHeavyRLE
	}
	// undecodable modes carry stored data
	return append([]byte(nil), tr.data...), len(tr.data), 0
}

// buildArchive assembles a complete archive. password, when set, encrypts every track
// but FILE_ID.DIZ.
func buildArchive(t *testing.T, info InfoFlags, tracks []testTrack, password string) []byte {
	t.Helper()
	var body []byte
	var key uint16
	if password != "" {
		info |= InfoEncrypted
		key = crc16([]byte(password))
	}
	var packedTotal, unpackedTotal uint32
	low, high := uint16(0xffff), uint16(0)
	for _, tr := range tracks {
		packed, lzLen, flags := packTrack(t, tr)
		if password != "" && tr.number != trackFileID {
			for i, p := range packed {
				packed[i] = p ^ byte(key)
				key = key>>1 + uint16(packed[i])
			}
		}
		th := make([]byte, trackHeaderSize)
		copy(th, "TR")
		binary.BigEndian.PutUint16(th[2:], tr.number)
		binary.BigEndian.PutUint16(th[6:], uint16(len(packed)))
		binary.BigEndian.PutUint16(th[8:], uint16(lzLen))
		binary.BigEndian.PutUint16(th[10:], uint16(len(tr.data)))
		th[12] = flags
		th[13] = byte(tr.mode)
		binary.BigEndian.PutUint16(th[14:], sum16(tr.data))
		binary.BigEndian.PutUint16(th[16:], crc16(packed))
		binary.BigEndian.PutUint16(th[18:], crc16(th[:18]))
		if tr.corrupt {
			packed[len(packed)/2] ^= 0x55
		}
		body = append(body, th...)
		body = append(body, packed...)
		packedTotal += uint32(len(packed))
		unpackedTotal += uint32(len(tr.data))
		if tr.number < trackFileID {
			low, high = min(low, tr.number), max(high, tr.number)
		}
	}
	h := make([]byte, headerSize)
	copy(h, "DMS!")
	copy(h[4:], "PRO ")
	binary.BigEndian.PutUint16(h[10:], uint16(info))
	binary.BigEndian.PutUint32(h[12:], uint32(testDate.Unix()))
	binary.BigEndian.PutUint16(h[16:], low)
	binary.BigEndian.PutUint16(h[18:], high)
	binary.BigEndian.PutUint32(h[20:], packedTotal)
	binary.BigEndian.PutUint32(h[24:], unpackedTotal)
	binary.BigEndian.PutUint16(h[46:], 111)
	binary.BigEndian.PutUint16(h[48:], 111)
	binary.BigEndian.PutUint16(h[52:], uint16(ModeDeep))
	binary.BigEndian.PutUint16(h[54:], crc16(h[4:54]))
	return append(h, body...)
}

var testDate = time.Date(1993, 4, 1, 12, 0, 0, 0, time.UTC)
