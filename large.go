package shadowheap

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shadowheap/internal/hostmem"
	"github.com/vkngwrapper/shadowheap/internal/utils"
	"github.com/vkngwrapper/shadowheap/memutils"
	"golang.org/x/exp/slog"
)

// largeHeader is the bookkeeping record written into the page immediately
// before the user region of every large mapping. That is the mapping's first
// page unless alignment slack precedes it. The user region starts exactly one
// page after the header, so
// the header is always recoverable from a user pointer by subtracting the
// page size. Scratch metadata space follows the fixed fields inside the
// header page.
type largeHeader struct {
	mapBeg   uintptr
	mapSize  uintptr
	userSize uintptr
	next     *largeHeader
	prev     *largeHeader
}

const largeHeaderSize = unsafe.Sizeof(largeHeader{})

// LargeMapAllocator serves sizes and alignments the size-classed backend will
// not, creating one anonymous mapping per allocation. It is the secondary
// backend of a combined Allocator and is safe for concurrent use: the live
// set is guarded by a single spin mutex, and the mapping syscalls themselves
// run outside the critical section.
type LargeMapAllocator struct {
	mutex    utils.SpinMutex
	logger   *slog.Logger
	pageSize uintptr

	listHead *largeHeader
	count    int
	byUser   *swiss.Map[uintptr, *largeHeader]
}

// NewLargeMapAllocator creates an empty large-map allocator.
func NewLargeMapAllocator(logger *slog.Logger) *LargeMapAllocator {
	return &LargeMapAllocator{
		logger:   logger,
		pageSize: hostmem.PageSize(),
		byUser:   swiss.NewMap[uintptr, *largeHeader](16),
	}
}

func (a *LargeMapAllocator) header(user uintptr) *largeHeader {
	memutils.DebugAssert(memutils.IsAligned(user, a.pageSize), "large user pointers are page-aligned")
	return (*largeHeader)(unsafe.Pointer(user - a.pageSize))
}

func (a *LargeMapAllocator) userAddress(h *largeHeader) uintptr {
	return uintptr(unsafe.Pointer(h)) + a.pageSize
}

// Allocate maps RoundUp(size, pageSize) + pageSize anonymous bytes (plus
// alignment slack when alignment exceeds the page size), reserves the first
// page before the user region for the header, and returns the aligned user
// pointer. Alignment must be a power of two. The only recoverable failure is
// arithmetic overflow of the mapping size, reported as nil; a failed mapping
// aborts the process.
func (a *LargeMapAllocator) Allocate(size uintptr, alignment uintptr) unsafe.Pointer {
	a.logger.Debug("LargeMapAllocator::Allocate")
	memutils.DebugCheckPow2(alignment, "alignment")

	mapSize := memutils.AlignUp(size, a.pageSize) + a.pageSize
	if alignment > a.pageSize {
		mapSize += alignment
	}
	if mapSize < size {
		// Overflow.
		return nil
	}

	mapBeg := hostmem.MapOrDie(mapSize, "LargeMapAllocator")
	res := mapBeg + a.pageSize
	if !memutils.IsAligned(res, alignment) {
		res = memutils.AlignUp(res, alignment)
	}
	memutils.DebugAssert(memutils.IsAligned(res, alignment), "user pointer alignment")
	memutils.DebugAssert(res+size <= mapBeg+mapSize, "user region must stay inside its mapping")

	h := a.header(res)
	h.mapBeg = mapBeg
	h.mapSize = mapSize
	h.userSize = size

	a.mutex.Lock()
	h.next = a.listHead
	h.prev = nil
	if a.listHead != nil {
		a.listHead.prev = h
	}
	a.listHead = h
	a.count++
	a.byUser.Put(res, h)
	a.mutex.Unlock()

	return unsafe.Pointer(res)
}

// Deallocate unlinks the allocation at p from the live set and returns its
// entire mapping, header page included, to the OS. The unmap happens after
// the lock is released.
func (a *LargeMapAllocator) Deallocate(p unsafe.Pointer) {
	a.logger.Debug("LargeMapAllocator::Deallocate")

	user := uintptr(p)
	h := a.header(user)
	mapBeg := h.mapBeg
	mapSize := h.mapSize

	a.mutex.Lock()
	known, ok := a.byUser.Get(user)
	memutils.DebugAssert(ok && known == h, "deallocating a pointer the large allocator does not own")
	if h.prev != nil {
		h.prev.next = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	if h == a.listHead {
		a.listHead = h.next
	}
	a.count--
	a.byUser.Delete(user)
	a.mutex.Unlock()

	hostmem.UnmapOrDie(mapBeg, mapSize)
}

// PointerIsMine reports whether p was returned by a prior Allocate and is
// still live. Non-page-aligned pointers are rejected without taking the lock,
// since every user pointer this allocator hands out is page-aligned.
func (a *LargeMapAllocator) PointerIsMine(p unsafe.Pointer) bool {
	user := uintptr(p)
	if !memutils.IsAligned(user, a.pageSize) {
		return false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	_, ok := a.byUser.Get(user)
	return ok
}

// GetBlockBegin returns the user address of the live allocation whose user
// region contains p, or nil. Interior pointers are resolved by walking the
// live list.
func (a *LargeMapAllocator) GetBlockBegin(p unsafe.Pointer) unsafe.Pointer {
	addr := uintptr(p)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for h := a.listHead; h != nil; h = h.next {
		user := a.userAddress(h)
		if addr >= user && addr < user+h.userSize {
			return unsafe.Pointer(user)
		}
	}
	return nil
}

// GetActuallyAllocatedSize returns the usable size of the allocation at p:
// its requested size rounded up to a whole page. Alignment slack and the
// header page are not usable and are not counted.
func (a *LargeMapAllocator) GetActuallyAllocatedSize(p unsafe.Pointer) uintptr {
	return memutils.AlignUp(a.header(uintptr(p)).userSize, a.pageSize)
}

// GetMetaData returns the scratch metadata region for the allocation at p,
// located in the header page immediately after the fixed header fields. At
// least pageSize/2 bytes are available.
func (a *LargeMapAllocator) GetMetaData(p unsafe.Pointer) unsafe.Pointer {
	h := a.header(uintptr(p))
	return unsafe.Add(unsafe.Pointer(h), largeHeaderSize)
}

// TotalMemoryUsed returns the sum of the page-rounded user sizes of all live
// allocations.
func (a *LargeMapAllocator) TotalMemoryUsed() uintptr {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var total uintptr
	for h := a.listHead; h != nil; h = h.next {
		total += memutils.AlignUp(h.userSize, a.pageSize)
	}
	return total
}

// AddStatistics accumulates the live set into stats: one block per mapping,
// one allocation per user region.
func (a *LargeMapAllocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for h := a.listHead; h != nil; h = h.next {
		stats.AddBlock(h.mapSize)
		stats.AddAllocation(h.userSize)
	}
}

// BuildStatsString writes the live set as a JSON array.
func (a *LargeMapAllocator) BuildStatsString(writer *jwriter.Writer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	s := writer.Array()
	defer s.End()

	for h := a.listHead; h != nil; h = h.next {
		o := s.Object()
		o.Name("UserAddress").String(fmt.Sprintf("%#x", a.userAddress(h)))
		o.Name("UserSize").Int(int(h.userSize))
		o.Name("MapSize").Int(int(h.mapSize))
		o.End()
	}
}

// Validate checks that the live list is well-formed: back-links are
// consistent, the header count matches the list length, and the user-pointer
// index agrees with the list.
func (a *LargeMapAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	actualCount := 0
	var prev *largeHeader
	for h := a.listHead; h != nil; h = h.next {
		if h.prev != prev {
			return errors.Newf("large allocation list back-link mismatch at entry %d", actualCount)
		}
		user := a.userAddress(h)
		known, ok := a.byUser.Get(user)
		if !ok || known != h {
			return errors.Newf("large allocation at %#x is missing from the user-pointer index", user)
		}
		actualCount++
		prev = h
	}

	if actualCount != a.count {
		return errors.Newf("the listed number of large allocations (%d) does not match the actual number of allocations (%d)", a.count, actualCount)
	}
	if a.byUser.Count() != actualCount {
		return errors.Newf("the user-pointer index holds %d entries but the list holds %d", a.byUser.Count(), actualCount)
	}
	return nil
}
