//go:build !linux

package diskfs

import (
	"errors"
	"os"
)

func getBlockDeviceSize(f *os.File) (int64, error) {
	return 0, errors.New("block devices are only supported on linux")
}

func checkSectorSize(*os.File, string) {}
