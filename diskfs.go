// Package diskfs opens, creates and saves Amiga disk images.
//
// Raw images (.adf, .hdf) and block devices are used in place. Images wrapped in a
// compressed stream, a zip archive or a DMS archive are unpacked into memory; changes to
// those only reach the host through Save.
//
//	d, err := diskfs.Open("Workbench.adz")
//	if err != nil {
//		return err
//	}
//	fs, err := adf.Read(d)
//	if err != nil {
//		return err
//	}
//	entries, err := fs.List("/")
package diskfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-adf/disk"
	"github.com/diskfs/go-adf/dms"
	"github.com/diskfs/go-adf/image"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// maxLayers containers are not nested deeper than this, a zip of an adz of a dms is 3
const maxLayers = 4

type openOpts struct {
	readOnly bool
	zipEntry string
	dmsOpts  []dms.Option
}

// OpenOpt option for Open and OpenDMS
type OpenOpt func(o *openOpts) error

// WithReadOnly open the image without write access
func WithReadOnly(readOnly bool) OpenOpt {
	return func(o *openOpts) error {
		o.readOnly = readOnly
		return nil
	}
}

// WithZipEntry name of the image inside a zip archive. Without it the first member with a
// disk image extension is used.
func WithZipEntry(name string) OpenOpt {
	return func(o *openOpts) error {
		if name == "" {
			return errors.New("zip entry name cannot be empty")
		}
		o.zipEntry = name
		return nil
	}
}

// WithPassword password for encrypted DMS archives
func WithPassword(password string) OpenOpt {
	return func(o *openOpts) error {
		o.dmsOpts = append(o.dmsOpts, dms.WithPassword(password))
		return nil
	}
}

// WithGeometry geometry to place DMS tracks with, overriding the archive's density flag
func WithGeometry(g disk.Geometry) OpenOpt {
	return func(o *openOpts) error {
		if g.BlockCount() == 0 {
			return fmt.Errorf("invalid geometry %s", g)
		}
		o.dmsOpts = append(o.dmsOpts, dms.WithGeometry(g))
		return nil
	}
}

func applyOpts(opts []OpenOpt) (*openOpts, error) {
	o := &openOpts{}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Open a disk image or a block device holding one
func Open(device string, opts ...OpenOpt) (*disk.Disk, error) {
	o, err := applyOpts(opts)
	if err != nil {
		return nil, err
	}
	if device == "" {
		return nil, errors.New("must pass device or image name")
	}
	fi, err := os.Stat(device)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", device, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a disk image", device)
	}
	if fi.Mode()&os.ModeDevice != 0 {
		return openDevice(device, o)
	}
	head, err := readHead(device)
	if err != nil {
		return nil, err
	}
	// lzma has the weakest signature, a raw boot block can carry it by chance
	if f := image.Detect(head); f == image.Raw || (f == image.Lzma && image.FormatForPath(device) == image.Raw) {
		return openRaw(device, fi.Size(), o)
	}
	d, _, err := unwrapFile(device, o, false)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// OpenDMS decode a DMS archive, possibly inside a compressed stream or zip, and return it
// with its header, text tracks and per-track errors
func OpenDMS(path string, opts ...OpenOpt) (*dms.Image, error) {
	o, err := applyOpts(opts)
	if err != nil {
		return nil, err
	}
	_, img, err := unwrapFile(path, o, true)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func readHead(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", p, err)
	}
	defer f.Close()
	head := make([]byte, 8)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("could not read %s: %w", p, err)
	}
	return head[:n], nil
}

func openRaw(p string, size int64, o *openOpts) (*disk.Disk, error) {
	flag := os.O_RDWR
	if o.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(p, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", p, err)
	}
	d, err := disk.New(f, size, !o.readOnly)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	d.Path = p
	return d, nil
}

func openDevice(p string, o *openOpts) (*disk.Disk, error) {
	flag := os.O_RDWR | os.O_EXCL
	if o.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(p, flag, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", p, err)
	}
	size, err := getBlockDeviceSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("unable to get size of device %s: %w", p, err)
	}
	checkSectorSize(f, p)
	d, err := disk.New(f, size, !o.readOnly)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("device %s: %w", p, err)
	}
	d.Path = p
	return d, nil
}

// unwrapFile peels containers off the file at p until a raw image or, when wantDMS is
// set, a DMS archive remains
func unwrapFile(p string, o *openOpts, wantDMS bool) (*disk.Disk, *dms.Image, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open %s: %w", p, err)
	}
	if fi.Size() > image.MaxImageSize {
		return nil, nil, fmt.Errorf("%s: %w", p, image.ErrTooLarge)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("could not read %s: %w", p, err)
	}
	for layer := 0; layer < maxLayers; layer++ {
		f := image.Detect(data)
		switch f {
		case image.Raw:
			if wantDMS {
				return nil, nil, fmt.Errorf("%s: %w", p, dms.ErrNotDMS)
			}
			d, err := disk.FromBytes(data)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", p, err)
			}
			d.Writable = !o.readOnly
			d.Path = p
			return d, nil, nil
		case image.DMS:
			img, err := dms.Decode(bytes.NewReader(data), o.dmsOpts...)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", p, err)
			}
			for _, e := range img.Errors {
				log.WithFields(log.Fields{"path": p}).Warnf("DMS archive decoded with errors: %v", e)
			}
			img.Disk.Writable = !o.readOnly
			img.Disk.Path = p
			return img.Disk, img, nil
		}
		log.WithFields(log.Fields{"path": p, "format": f.String(), "layer": layer}).Debug("unpacking image container")
		if data, err = image.Unpack(data, f, o.zipEntry); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil, nil, fmt.Errorf("%s: more than %d nested containers", p, maxLayers)
}

// Create a zeroed image file of the given geometry. The file must not exist yet.
func Create(p string, g disk.Geometry) (*disk.Disk, error) {
	if p == "" {
		return nil, errors.New("must pass image name")
	}
	if g.BlockCount() == 0 {
		return nil, fmt.Errorf("invalid geometry %s", g)
	}
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create image file %s: %w", p, err)
	}
	if err := f.Truncate(g.Size()); err != nil {
		f.Close()
		return nil, fmt.Errorf("could not expand image file %s to %d bytes: %w", p, g.Size(), err)
	}
	d, err := disk.New(f, g.Size(), true)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.Path = p
	return d, nil
}

// Save writes the whole image of d to p in the given format, replacing p atomically.
// Saving over the file a raw disk is backed by is not needed, it is already current.
func Save(d *disk.Disk, p string, f image.Format) error {
	raw, err := d.Bytes()
	if err != nil {
		return err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("could not generate temporary name: %w", err)
	}
	dir, base := filepath.Split(p)
	tmp := filepath.Join(dir, "."+base+"."+id.String())
	if err := writeImage(tmp, raw, f, memberName(base)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not write %s image %s: %w", f, p, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not replace %s: %w", p, err)
	}
	log.WithFields(log.Fields{"path": p, "format": f.String(), "size": len(raw)}).Debug("saved image")
	return nil
}

func writeImage(p string, raw []byte, f image.Format, member string) error {
	out, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return err
	}
	if err := image.Pack(out, raw, f, member); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// memberName the name an image gets inside a zip saved as base
func memberName(base string) string {
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if ext := filepath.Ext(name); strings.EqualFold(ext, ".adf") || strings.EqualFold(ext, ".hdf") {
		return name
	}
	return name + ".adf"
}
