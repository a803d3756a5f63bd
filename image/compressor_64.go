//go:build !arm && !386

package image

import (
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// closer gives readers without a Close method one, readers that own workers keep theirs
func closer(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(r)
}

func newXzReader(r io.Reader) (io.ReadCloser, error) {
	xzReader, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("error creating xz decompressor: %w", err)
	}
	return closer(xzReader), nil
}

func newXzWriter(w io.Writer) (io.WriteCloser, error) {
	xzWriter, err := xz.NewWriterConfig(w, xz.WriterConfig{
		Workers: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating xz compressor: %w", err)
	}
	return xzWriter, nil
}

func newLzmaReader(r io.Reader) (io.ReadCloser, error) {
	lz, err := lzma.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("error creating lzma decompressor: %w", err)
	}
	return closer(lz), nil
}

func newLzmaWriter(w io.Writer) (io.WriteCloser, error) {
	lz, err := lzma.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("error creating lzma compressor: %w", err)
	}
	return lz, nil
}
