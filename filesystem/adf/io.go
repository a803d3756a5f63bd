package adf

import (
	"encoding/binary"
	"fmt"
	"io"
)

func toUint32(b []byte, start int, to *uint32) (int, error) {
	if len(b) < start+4 {
		return 0, fmt.Errorf("%w: expected at least %d bytes, received: %d", io.EOF, start+4, len(b))
	}
	*to = binary.BigEndian.Uint32(b[start:])
	return start + 4, nil
}

func toInt32(b []byte, start int, to *int32) (int, error) {
	var u uint32
	n, err := toUint32(b, start, &u)
	*to = int32(u)
	return n, err
}

func toBString(b []byte, start, maxLength int, to *[]byte) (int, error) {
	if len(b) < start+1+maxLength {
		return 0, fmt.Errorf("%w: expected at least %d bytes, received: %d", io.EOF, start+1+maxLength, len(b))
	}
	l := int(b[start])
	if l > maxLength {
		l = maxLength
	}
	*to = append([]byte(nil), b[start+1:start+1+l]...)
	return start + 1 + maxLength, nil
}

// putBString writes a length-prefixed string and zeroes the rest of its field
func putBString(b []byte, start, maxLength int, s []byte) {
	if len(s) > maxLength {
		s = s[:maxLength]
	}
	b[start] = byte(len(s))
	field := b[start+1 : start+1+maxLength]
	n := copy(field, s)
	clear(field[n:])
}

func getLong(b []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(b[offset:])
}

func putLong(b []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(b[offset:], v)
}

func putInt32(b []byte, offset int, v int32) {
	binary.BigEndian.PutUint32(b[offset:], uint32(v))
}
