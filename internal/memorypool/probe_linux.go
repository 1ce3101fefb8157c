//go:build linux

package memorypool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// hostFreeMemoryKB reads available host memory from the kernel.
func hostFreeMemoryKB() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	freeBytes := uint64(info.Freeram) * uint64(info.Unit)
	return int64(freeBytes / 1024), nil
}
