package adf

import (
	"fmt"
	"path"
	"strings"

	"github.com/elliotwutingfeng/asciiset"
)

// forbiddenNameChars cannot appear in a file, directory or volume name
var forbiddenNameChars asciiset.ASCIISet

// forbiddenCommentChars cannot appear in a comment
var forbiddenCommentChars asciiset.ASCIISet

func init() {
	var control strings.Builder
	for c := byte(0); c < 0x20; c++ {
		control.WriteByte(c)
	}
	control.WriteByte(0x7f)
	var ok bool
	if forbiddenNameChars, ok = asciiset.MakeASCIISet(control.String() + ":/"); !ok {
		panic("invalid name character set")
	}
	if forbiddenCommentChars, ok = asciiset.MakeASCIISet(control.String()); !ok {
		panic("invalid comment character set")
	}
}

// encodeName converts a name to its on-disk Latin-1 form, validating length and characters
func encodeName(name string) ([]byte, error) {
	b, err := latin1Encode(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidName, name, err)
	}
	switch {
	case len(b) == 0:
		return nil, fmt.Errorf("%w: empty name", ErrInvalidName)
	case len(b) > maxNameLength:
		return nil, fmt.Errorf("%w %q: longer than %d characters", ErrInvalidName, name, maxNameLength)
	case name == "." || name == "..":
		return nil, fmt.Errorf("%w %q", ErrInvalidName, name)
	}
	for _, c := range b {
		if forbiddenNameChars.Contains(c) {
			return nil, fmt.Errorf("%w %q: character %#02x not allowed", ErrInvalidName, name, c)
		}
	}
	return b, nil
}

func encodeComment(comment string) ([]byte, error) {
	b, err := latin1Encode(comment)
	if err != nil {
		return nil, fmt.Errorf("%w comment: %v", ErrInvalidName, err)
	}
	if len(b) > maxCommentLength {
		return nil, fmt.Errorf("%w: comment longer than %d characters", ErrInvalidName, maxCommentLength)
	}
	for _, c := range b {
		if forbiddenCommentChars.Contains(c) {
			return nil, fmt.Errorf("%w: comment character %#02x not allowed", ErrInvalidName, c)
		}
	}
	return b, nil
}

func latin1Encode(s string) ([]byte, error) {
	b := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return nil, fmt.Errorf("character %q has no Latin-1 form", r)
		}
		b = append(b, byte(r))
	}
	return b, nil
}

func latin1Decode(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

func toUpper(c byte, intl bool) byte {
	switch {
	case c >= 'a' && c <= 'z':
		return c - ('a' - 'A')
	case intl && c >= 0xe0 && c <= 0xfe && c != 0xf7:
		return c - 0x20
	}
	return c
}

// hashName the bucket a name lives in, in root and directory hash tables
func hashName(name []byte, intl bool) int {
	h := uint32(len(name))
	for _, c := range name {
		h = (h*13 + uint32(toUpper(c, intl))) & 0x7ff
	}
	return int(h % hashTableSize)
}

// namesEqual case-insensitive comparison with the same folding as the hash
func namesEqual(a, b []byte, intl bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if toUpper(a[i], intl) != toUpper(b[i], intl) {
			return false
		}
	}
	return true
}

// splitPath turns "/a/b/c", "a/b/c" or "Volume:a/b/c" into its components
func splitPath(p string) []string {
	if i := strings.IndexByte(p, ':'); i >= 0 {
		p = p[i+1:]
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}
