//go:build arm || 386

// lzma and lz do not compile for 32bit systems
package image

import (
	"fmt"
	"io"
)

func newXzReader(io.Reader) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: xz not supported on 32 bit systems", ErrUnsupportedFormat)
}

func newXzWriter(io.Writer) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%w: xz not supported on 32 bit systems", ErrUnsupportedFormat)
}

func newLzmaReader(io.Reader) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: lzma not supported on 32 bit systems", ErrUnsupportedFormat)
}

func newLzmaWriter(io.Writer) (io.WriteCloser, error) {
	return nil, fmt.Errorf("%w: lzma not supported on 32 bit systems", ErrUnsupportedFormat)
}
