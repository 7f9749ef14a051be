package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
)

func (sc *StoreConfig) checkConfig() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(sc.Path, 0o755); err != nil {
			return fmt.Errorf("error creating store directory %s: %w", sc.Path, err)
		}
		info, err = os.Stat(sc.Path)
		if err != nil {
			return fmt.Errorf("error checking store directory %s: %w", sc.Path, err)
		}
	} else if err != nil {
		return fmt.Errorf("error checking store directory %s: %w", sc.Path, err)
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if sc.MinimumFreeSpace > 0 {
		usage, err := disk.Usage(sc.Path)
		if err != nil {
			return fmt.Errorf("error reading disk usage for %s: %w", sc.Path, err)
		}
		freeGB := usage.Free / (1024 * 1024 * 1024)
		if freeGB < uint64(sc.MinimumFreeSpace) {
			return fmt.Errorf("not enough space available on disk: %d GB free, %d GB required",
				freeGB, sc.MinimumFreeSpace)
		}
	}

	return nil
}
