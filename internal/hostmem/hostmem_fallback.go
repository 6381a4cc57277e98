//go:build !unix

package hostmem

// MapOrDie is unsupported on this platform.
func MapOrDie(size uintptr, memTypeName string) uintptr {
	Die("anonymous mappings are not supported on this platform (%s requested %d bytes)", memTypeName, size)
	return 0
}

// UnmapOrDie is unsupported on this platform.
func UnmapOrDie(beg uintptr, size uintptr) {
	Die("anonymous mappings are not supported on this platform")
}
