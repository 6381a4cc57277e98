//go:build unix

package hostmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MapOrDie maps size anonymous read-write bytes and returns the base address of
// the mapping. The mapping is private and does not reserve swap, so very large
// address-space reservations only consume memory as pages are touched. Mapping
// failure terminates the process with a diagnostic naming the requester.
func MapOrDie(size uintptr, memTypeName string) uintptr {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		Die("failed to map %d bytes for %s: %v", size, memTypeName, err)
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

// UnmapOrDie returns the mapping [beg, beg+size) to the OS. The range must be
// exactly one prior MapOrDie result. Unmap failure terminates the process.
func UnmapOrDie(beg uintptr, size uintptr) {
	data := unsafe.Slice((*byte)(unsafe.Pointer(beg)), size)
	if err := unix.Munmap(data); err != nil {
		Die("failed to unmap %d bytes at %#x: %v", size, beg, err)
	}
}
