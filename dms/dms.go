// Package dms decodes DMS (Disk Masher System) archives, the track by track compressed
// container Amiga floppies were distributed in, into a plain block store.
//
// Every track carries its own compression mode and checksums. A damaged track is
// reported and skipped, the rest of the archive is still decoded, so callers can decide
// whether a partly recovered image is good enough:
//
//	img, err := dms.Decode(f)
//	if err != nil {
//		return err
//	}
//	for _, e := range img.Errors {
//		log.Print(e)
//	}
//	fs, err := adf.Read(img.Disk)
package dms

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/diskfs/go-adf/disk"
	log "github.com/sirupsen/logrus"
)

const (
	headerSize      = 56
	trackHeaderSize = 20

	// tracks with these numbers carry text rather than disk data
	trackBanner = 0xffff
	trackFileID = 80

	// anything this short at track 0 is an advertisement boot block, not disk data
	minTrackSize = 2048
)

var (
	// ErrNotDMS input does not start with a DMS signature
	ErrNotDMS = errors.New("not a DMS archive")
	// ErrCorruptHeader file header checksum does not match
	ErrCorruptHeader = errors.New("corrupt DMS header")
	// ErrPasswordRequired archive is encrypted and no password was given
	ErrPasswordRequired = errors.New("DMS archive is encrypted")
	// ErrUnsupportedCompression track uses a compression mode that cannot be decoded
	ErrUnsupportedCompression = errors.New("unsupported compression mode")
	// ErrCorruptTrack track checksum mismatch or malformed packed data
	ErrCorruptTrack = errors.New("corrupt track")
)

// InfoFlags general information bits of an archive
type InfoFlags uint16

const (
	InfoNoZero InfoFlags = 1 << iota
	InfoEncrypted
	InfoAppends
	InfoBanner
	InfoHighDensity
	InfoPC
	InfoDeviceFix
	_
	InfoFileID
)

func (f InfoFlags) String() string {
	names := []string{"NOZERO", "ENCRYPT", "APPENDS", "BANNER", "HIGHDENSITY", "PC", "DEVICEFIX", "", "FILEID.DIZ"}
	var b bytes.Buffer
	for i, n := range names {
		if n == "" || f&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n)
	}
	if b.Len() == 0 {
		return "none"
	}
	return b.String()
}

// Mode compression mode of a track, and the mode mostly used by an archive
type Mode uint8

const (
	ModeNone Mode = iota
	ModeRLE
	ModeQuick
	ModeMedium
	ModeDeep
	ModeHeavy1
	ModeHeavy2
	ModeHeavy3
	ModeHeavy4
	ModeHeavy5
)

func (m Mode) String() string {
	names := []string{"NOCOMP", "SIMPLE", "QUICK", "MEDIUM", "DEEP", "HEAVY1", "HEAVY2", "HEAVY3", "HEAVY4", "HEAVY5"}
	if int(m) < len(names) {
		return names[m]
	}
	return fmt.Sprintf("mode %d", uint8(m))
}

// Header the archive file header
type Header struct {
	Info InfoFlags
	// Date archive was created
	Date      time.Time
	LowTrack  uint16
	HighTrack uint16
	// PackedSize and UnpackedSize totals over all tracks
	PackedSize     uint32
	UnpackedSize   uint32
	OSVersion      uint16
	OSRevision     uint16
	CPU            uint16
	Coprocessor    uint16
	Machine        uint16
	CPUSpeed       uint16
	CreateDuration time.Duration
	CreatorVersion uint16
	NeededVersion  uint16
	DiskType       uint16
	Mode           Mode
}

func parseHeader(b []byte) (*Header, error) {
	if len(b) < headerSize || string(b[0:4]) != "DMS!" {
		return nil, ErrNotDMS
	}
	if sum, crc := binary.BigEndian.Uint16(b[54:56]), crc16(b[4:54]); sum != crc {
		return nil, fmt.Errorf("%w: checksum %#04x, computed %#04x", ErrCorruptHeader, sum, crc)
	}
	be := binary.BigEndian
	return &Header{
		Info:           InfoFlags(be.Uint16(b[10:12])),
		Date:           time.Unix(int64(be.Uint32(b[12:16])), 0).UTC(),
		LowTrack:       be.Uint16(b[16:18]),
		HighTrack:      be.Uint16(b[18:20]),
		PackedSize:     be.Uint32(b[20:24]),
		UnpackedSize:   be.Uint32(b[24:28]),
		OSVersion:      be.Uint16(b[28:30]),
		OSRevision:     be.Uint16(b[30:32]),
		CPU:            be.Uint16(b[32:34]),
		Coprocessor:    be.Uint16(b[34:36]),
		Machine:        be.Uint16(b[36:38]),
		CPUSpeed:       be.Uint16(b[40:42]),
		CreateDuration: time.Duration(be.Uint32(b[42:46])) * time.Second,
		CreatorVersion: be.Uint16(b[46:48]),
		NeededVersion:  be.Uint16(b[48:50]),
		DiskType:       be.Uint16(b[50:52]),
		Mode:           Mode(be.Uint16(b[52:54])),
	}, nil
}

// TrackHeader precedes the packed data of every track
type TrackHeader struct {
	Number uint16
	// PackedLength bytes stored in the archive
	PackedLength uint16
	// LZLength bytes after the LZ stage, before run-length decoding
	LZLength uint16
	// UnpackedLength bytes of disk data
	UnpackedLength uint16
	Flags          byte
	Mode           Mode
	Sum            uint16
	DataCRC        uint16
}

func parseTrackHeader(b []byte) (*TrackHeader, error) {
	if string(b[0:2]) != "TR" {
		return nil, fmt.Errorf("%w: missing track signature", ErrCorruptTrack)
	}
	be := binary.BigEndian
	if sum, crc := be.Uint16(b[18:20]), crc16(b[:18]); sum != crc {
		return nil, fmt.Errorf("%w: track header checksum %#04x, computed %#04x", ErrCorruptTrack, sum, crc)
	}
	return &TrackHeader{
		Number:         be.Uint16(b[2:4]),
		PackedLength:   be.Uint16(b[6:8]),
		LZLength:       be.Uint16(b[8:10]),
		UnpackedLength: be.Uint16(b[10:12]),
		Flags:          b[12],
		Mode:           Mode(b[13]),
		Sum:            be.Uint16(b[14:16]),
		DataCRC:        be.Uint16(b[16:18]),
	}, nil
}

// TrackError a track that could not be decoded. Its blocks are left zeroed.
type TrackError struct {
	Track uint16
	Err   error
}

func (e *TrackError) Error() string {
	return fmt.Sprintf("track %d: %v", e.Track, e.Err)
}

func (e *TrackError) Unwrap() error {
	return e.Err
}

// Image the result of decoding an archive
type Image struct {
	Header *Header
	// Disk holds the decoded blocks
	Disk *disk.Disk
	// Banner and FileID text tracks, when the archive has them
	Banner []byte
	FileID []byte
	// Errors one *TrackError for every track that failed
	Errors []error
}

// Err all track errors joined, nil when every track decoded
func (img *Image) Err() error {
	return errors.Join(img.Errors...)
}

type options struct {
	password *string
	geometry *disk.Geometry
}

// Option configures Decode
type Option func(*options)

// WithPassword key for encrypted archives
func WithPassword(password string) Option {
	return func(o *options) {
		o.password = &password
	}
}

// WithGeometry overrides the disk geometry, by default DD, or HD for archives flagged
// high density
func WithGeometry(g disk.Geometry) Option {
	return func(o *options) {
		o.geometry = &g
	}
}

// Decode reads an archive from r. An error is returned only when the archive as a whole
// is unusable; per track failures end up in Image.Errors.
func Decode(r io.Reader, opts ...Option) (*Image, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	b := make([]byte, headerSize)
	if _, err := io.ReadFull(r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNotDMS
		}
		return nil, fmt.Errorf("could not read header: %w", err)
	}
	h, err := parseHeader(b)
	if err != nil {
		return nil, err
	}

	g := disk.GeometryDD
	switch {
	case o.geometry != nil:
		g = *o.geometry
	case h.Info&InfoHighDensity != 0:
		g = disk.GeometryHD
	}
	dec := &decoder{
		r:     r,
		state: newDecruncher(),
		image: &Image{Header: h, Disk: disk.NewMemory(g)},
	}
	if h.Info&InfoEncrypted != 0 {
		if o.password == nil {
			return nil, ErrPasswordRequired
		}
		dec.key = crc16([]byte(*o.password))
		dec.encrypted = true
	}
	if err := dec.run(); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"tracks": fmt.Sprintf("%d-%d", h.LowTrack, h.HighTrack),
		"mode":   h.Mode,
		"failed": len(dec.image.Errors),
	}).Debug("decoded DMS archive")
	return dec.image, nil
}

type decoder struct {
	r         io.Reader
	state     *decruncher
	image     *Image
	key       uint16
	encrypted bool
}

func (d *decoder) fail(track uint16, err error) {
	log.WithError(err).WithField("track", track).Warn("could not decode track")
	d.image.Errors = append(d.image.Errors, &TrackError{Track: track, Err: err})
	d.state.reset()
}

// run decodes tracks until the input ends. A damaged track header leaves no way to find
// the next track, so it ends decoding.
func (d *decoder) run() error {
	hb := make([]byte, trackHeaderSize)
	last := uint16(0)
	for {
		if _, err := io.ReadFull(d.r, hb); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.Is(err, io.ErrUnexpectedEOF):
				d.fail(last, fmt.Errorf("%w: truncated track header", ErrCorruptTrack))
				return nil
			}
			return fmt.Errorf("could not read track header: %w", err)
		}
		th, err := parseTrackHeader(hb)
		if err != nil {
			d.fail(last, err)
			return nil
		}
		last = th.Number
		packed := make([]byte, th.PackedLength)
		if _, err := io.ReadFull(d.r, packed); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.fail(th.Number, fmt.Errorf("%w: truncated track data", ErrCorruptTrack))
				return nil
			}
			return fmt.Errorf("could not read track %d: %w", th.Number, err)
		}
		if err := d.track(th, packed); err != nil {
			d.fail(th.Number, err)
		}
	}
}

func (d *decoder) track(th *TrackHeader, packed []byte) error {
	if crc := crc16(packed); crc != th.DataCRC {
		return fmt.Errorf("%w: data checksum %#04x, computed %#04x", ErrCorruptTrack, th.DataCRC, crc)
	}
	// FILE_ID.DIZ is stored in the clear
	if d.encrypted && th.Number != trackFileID {
		d.decrypt(packed)
	}
	data, err := d.state.unpack(packed, th.Mode, th.Flags, int(th.LZLength), int(th.UnpackedLength))
	if err != nil {
		return err
	}
	if sum := sum16(data); sum != th.Sum {
		return fmt.Errorf("%w: unpacked checksum %#04x, computed %#04x", ErrCorruptTrack, th.Sum, sum)
	}
	switch {
	case th.Number == trackBanner:
		d.image.Banner = data
	case th.Number == trackFileID:
		d.image.FileID = data
	case th.Number < trackFileID && len(data) > minTrackSize:
		return d.place(th.Number, data)
	default:
		log.WithFields(log.Fields{"track": th.Number, "size": len(data)}).Debug("skipping non-disk track")
	}
	return nil
}

// place writes a decoded track to its block range
func (d *decoder) place(track uint16, data []byte) error {
	if len(data)%disk.BlockSize != 0 {
		return fmt.Errorf("%w: %d bytes is not a whole number of blocks", ErrCorruptTrack, len(data))
	}
	per := uint32(len(data) / disk.BlockSize)
	first := uint32(track) * per
	dd := d.image.Disk
	if first+per > dd.BlockCount() {
		return fmt.Errorf("%w: blocks %d-%d of a %d block disk", disk.ErrOutOfRange, first, first+per-1, dd.BlockCount())
	}
	for i := uint32(0); i < per; i++ {
		if err := dd.WriteBlock(first+i, data[i*disk.BlockSize:(i+1)*disk.BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// decrypt in place, the key is fed back from the cipher text
func (d *decoder) decrypt(b []byte) {
	for i, c := range b {
		b[i] = c ^ byte(d.key)
		d.key = d.key>>1 + uint16(c)
	}
}
