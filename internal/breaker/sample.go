package breaker

import (
	"errors"
	"math"
	"runtime"
	"runtime/debug"
)

var errUnsupported = errors.New("resource sampling not supported on this platform")

// HeapUsedPercent returns in-use heap as a percent of the soft memory limit,
// or of total system memory when no limit is set.
func HeapUsedPercent() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	limit := uint64(0)
	if l := debug.SetMemoryLimit(-1); l > 0 && l < math.MaxInt64 {
		limit = uint64(l)
	} else {
		total, _, err := systemMemory()
		if err != nil {
			return 0, err
		}
		limit = total
	}
	if limit == 0 {
		return 0, errUnsupported
	}
	return float64(ms.HeapInuse) * 100 / float64(limit), nil
}

// NativeMemoryUsedPercent returns used system memory as a percent of total.
func NativeMemoryUsedPercent() (float64, error) {
	total, free, err := systemMemory()
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, errUnsupported
	}
	return float64(total-free) * 100 / float64(total), nil
}

// DiskFreeBytes returns the bytes available to unprivileged users on path.
func DiskFreeBytes(path string) (uint64, error) {
	return diskFree(path)
}
