package diskfs

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/diskfs/go-adf/disk"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// getBlockDeviceSize get the size of an opened block device in Bytes.
func getBlockDeviceSize(f *os.File) (int64, error) {
	var blockDeviceSize uint64
	if _, _, err := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&blockDeviceSize))); err != 0 {
		return 0, os.NewSyscallError("ioctl: BLKGETSIZE64", err)
	}
	return int64(blockDeviceSize), nil
}

// getSectorSizes get the logical and physical sector sizes for a block device
func getSectorSizes(f *os.File) (logicalSectorSize, physicalSectorSize int64, err error) {
	fd := int(f.Fd())
	logicalSectorSizeInt, err := unix.IoctlGetInt(fd, unix.BLKSSZGET)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device logical sector size: %w", err)
	}
	physicalSectorSizeInt, err := unix.IoctlGetInt(fd, unix.BLKPBSZGET)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get device physical sector size: %w", err)
	}
	return int64(logicalSectorSizeInt), int64(physicalSectorSizeInt), nil
}

// checkSectorSize AmigaDOS blocks are 512 bytes, devices with larger sectors still work
// but every block write becomes a read-modify-write of a whole sector
func checkSectorSize(f *os.File, p string) {
	logical, physical, err := getSectorSizes(f)
	if err != nil {
		log.WithFields(log.Fields{"path": p}).Debugf("could not read sector sizes: %v", err)
		return
	}
	if logical != disk.BlockSize {
		log.WithFields(log.Fields{
			"path":     p,
			"logical":  logical,
			"physical": physical,
		}).Warnf("device sectors differ from the %d byte AmigaDOS block", disk.BlockSize)
	}
}
