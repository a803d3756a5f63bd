// Package image recognises the containers disk images travel in, compressed streams
// (.adz, .gz, .xz, .lzma, .lz4, .zst), zip archives and DMS archives, and removes or adds
// one layer of them. Decoding DMS itself is left to package dms.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	log "github.com/sirupsen/logrus"
)

// MaxImageSize guards against decompression bombs, larger payloads are rejected
const MaxImageSize = 1 << 30

var (
	// ErrUnsupportedFormat format cannot be unpacked or packed
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrNoImage archive holds no disk image
	ErrNoImage = errors.New("no disk image in archive")
	// ErrTooLarge unpacked payload exceeds MaxImageSize
	ErrTooLarge = errors.New("unpacked image too large")
)

// Format container around a disk image
type Format int

const (
	// Raw plain sector dump
	Raw Format = iota
	Gzip
	Zip
	Xz
	Lzma
	Lz4
	Zstd
	DMS
)

func (f Format) String() string {
	switch f {
	case Raw:
		return "raw"
	case Gzip:
		return "gzip"
	case Zip:
		return "zip"
	case Xz:
		return "xz"
	case Lzma:
		return "lzma"
	case Lz4:
		return "lz4"
	case Zstd:
		return "zstd"
	case DMS:
		return "dms"
	}
	return fmt.Sprintf("format %d", int(f))
}

var magics = []struct {
	format Format
	magic  []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{Zip, []byte("PK\x03\x04")},
	{Xz, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Lz4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{DMS, []byte("DMS!")},
	// lzma alone streams have no magic, this is the header of the default properties
	// with a dictionary below 16MB
	{Lzma, []byte{0x5d, 0x00, 0x00}},
}

// Detect the format from the first bytes of a file. Anything unrecognised is Raw.
func Detect(head []byte) Format {
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.format
		}
	}
	return Raw
}

// FormatForPath the format a file name suggests
func FormatForPath(p string) Format {
	switch strings.ToLower(path.Ext(p)) {
	case ".adz", ".gz", ".hdz":
		return Gzip
	case ".zip":
		return Zip
	case ".xz":
		return Xz
	case ".lzma":
		return Lzma
	case ".lz4":
		return Lz4
	case ".zst":
		return Zstd
	case ".dms":
		return DMS
	}
	return Raw
}

// imageExtensions members of an archive considered disk images, in preference order
var imageExtensions = []string{".adf", ".adz", ".dms", ".hdf", ".hdz"}

// Unpack removes one layer of compression or archiving. entry names the zip member to
// extract, empty picks the first member that looks like a disk image.
func Unpack(data []byte, f Format, entry string) ([]byte, error) {
	var (
		r   io.ReadCloser
		err error
	)
	switch f {
	case Raw, DMS:
		return data, nil
	case Zip:
		return unzip(data, entry)
	default:
		r, err = NewReader(bytes.NewReader(data), f)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, f)
}

func readLimited(r io.Reader, f Format) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("could not unpack %s: %w", f, err)
	}
	if len(b) > MaxImageSize {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxImageSize)
	}
	return b, nil
}

// NewReader decompresses a stream format
func NewReader(r io.Reader, f Format) (io.ReadCloser, error) {
	switch f {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error creating gzip decompressor: %w", err)
		}
		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error creating zstd decompressor: %w", err)
		}
		return zr.IOReadCloser(), nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case Xz:
		return newXzReader(r)
	case Lzma:
		return newLzmaReader(r)
	}
	return nil, fmt.Errorf("%w: cannot decompress %s", ErrUnsupportedFormat, f)
}

// NewWriter compresses into a stream format. The data is complete once the writer is
// closed.
func NewWriter(w io.Writer, f Format) (io.WriteCloser, error) {
	switch f {
	case Gzip:
		zw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("error creating gzip compressor: %w", err)
		}
		return zw, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("error creating zstd compressor: %w", err)
		}
		return zw, nil
	case Lz4:
		return lz4.NewWriter(w), nil
	case Xz:
		return newXzWriter(w)
	case Lzma:
		return newLzmaWriter(w)
	}
	return nil, fmt.Errorf("%w: cannot compress to %s", ErrUnsupportedFormat, f)
}

// Pack wraps raw in f and writes the result to w. name is the member name inside a zip.
func Pack(w io.Writer, raw []byte, f Format, name string) error {
	switch f {
	case Raw:
		_, err := w.Write(raw)
		return err
	case DMS:
		return fmt.Errorf("%w: DMS archives are decode only", ErrUnsupportedFormat)
	case Zip:
		return zipOne(w, raw, name)
	}
	zw, err := NewWriter(w, f)
	if err != nil {
		return err
	}
	if _, err := zw.Write(raw); err != nil {
		_ = zw.Close()
		return fmt.Errorf("could not compress to %s: %w", f, err)
	}
	return zw.Close()
}

// pickEntry chooses the member to extract: the named one, else the first with a disk
// image extension
func pickEntry(files []*zip.File, entry string) (*zip.File, error) {
	if entry != "" {
		for _, f := range files {
			if f.Name == entry || strings.EqualFold(path.Base(f.Name), entry) {
				return f, nil
			}
		}
		return nil, fmt.Errorf("%w: no member %q", ErrNoImage, entry)
	}
	for _, ext := range imageExtensions {
		for _, f := range files {
			if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
				continue
			}
			if strings.EqualFold(path.Ext(f.Name), ext) {
				return f, nil
			}
		}
	}
	return nil, ErrNoImage
}

func unzip(data []byte, entry string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("could not read zip archive: %w", err)
	}
	f, err := pickEntry(zr.File, entry)
	if err != nil {
		return nil, err
	}
	if f.UncompressedSize64 > MaxImageSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, f.Name, f.UncompressedSize64)
	}
	r, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", f.Name, err)
	}
	defer r.Close()
	log.WithFields(log.Fields{"member": f.Name, "size": f.UncompressedSize64}).Debug("extracting disk image from zip")
	return readLimited(r, Zip)
}

func zipOne(w io.Writer, raw []byte, name string) error {
	if name == "" {
		name = "disk.adf"
	}
	zw := zip.NewWriter(w)
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("could not add %s to zip: %w", name, err)
	}
	if _, err := fw.Write(raw); err != nil {
		return fmt.Errorf("could not write %s to zip: %w", name, err)
	}
	return zw.Close()
}
