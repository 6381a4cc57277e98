package shadowheap

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shadowheap/memutils"
)

// CacheBackend is the narrow surface a LocalCache refills from and drains to.
// Bulk transfers are the only point where chunks cross goroutines; they carry
// whatever synchronization the backend needs.
type CacheBackend interface {
	// BulkAllocate appends free chunks of the given class to out. On return
	// out is non-empty.
	BulkAllocate(classID uintptr, out *TransferList)
	// BulkDeallocate takes ownership of every chunk in the list, leaving it
	// empty.
	BulkDeallocate(classID uintptr, in *TransferList)
	// MaxCached returns how many chunks of the class a local cache should
	// retain before handing surplus back.
	MaxCached(classID uintptr) int
	// NumClasses returns the number of size classes the backend serves.
	NumClasses() uintptr
}

// PrimaryAllocator is the contract of the size-classed backend serving the
// common case. Chunks of a class are exactly the class size, and a chunk whose
// class size is a power of two is aligned to that power of two.
type PrimaryAllocator interface {
	CacheBackend
	memutils.Validatable

	// CanAllocate reports whether a size/alignment pair is servable by some
	// class. The façade calls it after alignment rounding.
	CanAllocate(size uintptr, alignment uintptr) bool
	ClassID(size uintptr) uintptr
	GetSizeClass(p unsafe.Pointer) uintptr
	PointerIsMine(p unsafe.Pointer) bool
	GetMetaData(p unsafe.Pointer) unsafe.Pointer
	GetBlockBegin(p unsafe.Pointer) unsafe.Pointer
	GetActuallyAllocatedSize(p unsafe.Pointer) uintptr
	TotalMemoryUsed() uintptr
	AddStatistics(stats *memutils.Statistics)
	BuildStatsString(writer *jwriter.Writer)
	// TestOnlyUnmap returns the backend's entire address space to the OS.
	// Every pointer it ever produced becomes invalid.
	TestOnlyUnmap()
}
