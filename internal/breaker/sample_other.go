//go:build !linux

package breaker

func systemMemory() (total, free uint64, err error) {
	return 0, 0, errUnsupported
}

func diskFree(path string) (uint64, error) {
	return 0, errUnsupported
}
