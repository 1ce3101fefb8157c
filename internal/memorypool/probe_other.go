//go:build !linux

package memorypool

import "errors"

// hostFreeMemoryKB is unsupported off linux; the pool keeps its previous
// size when the probe errors, so a configured static size still works.
func hostFreeMemoryKB() (int64, error) {
	return 0, errors.New("host memory probe not supported on this platform")
}
