package shadowheap

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shadowheap/memutils"
	"golang.org/x/exp/slog"
)

// Allocator composes a size-classed primary backend with a per-mapping
// secondary into one complete allocator. Requests the primary can serve go
// through the caller's LocalCache; everything else maps its own memory
// through the LargeMapAllocator. Deallocation and all pointer-identity
// queries dispatch on which backend owns the pointer.
//
// nil is returned only for arithmetic overflow of size and alignment; every
// other failure is either fatal (a refused mapping) or a caller contract
// violation caught by debug builds.
type Allocator struct {
	logger    *slog.Logger
	primary   PrimaryAllocator
	secondary *LargeMapAllocator
}

// Allocate returns at least size bytes aligned to alignment, served through
// cache when the primary accepts the request. A size of zero is treated as
// one byte, and alignments above 8 round the size up to an alignment multiple
// first so the class chunk is naturally aligned. When cleared is set the
// returned region is zeroed out to the rounded size.
func (a *Allocator) Allocate(cache *LocalCache, size uintptr, alignment uintptr, cleared bool) unsafe.Pointer {
	// Returning nil on a zero-size request would break malloc(0) semantics.
	if size == 0 {
		size = 1
	}
	if size+alignment < size {
		return nil
	}
	if alignment > 8 {
		size = memutils.AlignUp(size, alignment)
	}

	var res unsafe.Pointer
	if a.primary.CanAllocate(size, alignment) {
		res = cache.Allocate(a.primary, a.primary.ClassID(size))
	} else {
		res = a.secondary.Allocate(size, alignment)
	}

	if alignment > 8 {
		memutils.DebugAssert(memutils.IsAligned(uintptr(res), alignment), "allocator produced an unaligned pointer")
	}
	if cleared && res != nil {
		memZero(res, size)
	}
	return res
}

// Deallocate returns p to whichever backend produced it. nil is a no-op.
func (a *Allocator) Deallocate(cache *LocalCache, p unsafe.Pointer) {
	if p == nil {
		return
	}
	if a.primary.PointerIsMine(p) {
		cache.Deallocate(a.primary, a.primary.GetSizeClass(p), p)
	} else {
		a.secondary.Deallocate(p)
	}
}

// Reallocate resizes the allocation at p to newSize, copying the smaller of
// the old usable size and newSize into a freshly allocated region. A nil p
// degenerates to Allocate and a zero newSize to Deallocate. The old and new
// regions never alias.
func (a *Allocator) Reallocate(cache *LocalCache, p unsafe.Pointer, newSize uintptr, alignment uintptr) unsafe.Pointer {
	if p == nil {
		return a.Allocate(cache, newSize, alignment, false)
	}
	if newSize == 0 {
		a.Deallocate(cache, p)
		return nil
	}
	memutils.DebugAssert(a.PointerIsMine(p), "reallocating a pointer this allocator does not own")

	oldSize := a.GetActuallyAllocatedSize(p)
	copySize := newSize
	if oldSize < copySize {
		copySize = oldSize
	}
	newP := a.Allocate(cache, newSize, alignment, false)
	if newP != nil {
		memCopy(newP, p, copySize)
	}
	a.Deallocate(cache, p)
	return newP
}

// PointerIsMine reports whether either backend owns p.
func (a *Allocator) PointerIsMine(p unsafe.Pointer) bool {
	if a.primary.PointerIsMine(p) {
		return true
	}
	return a.secondary.PointerIsMine(p)
}

// GetMetaData returns the per-allocation metadata region for p.
func (a *Allocator) GetMetaData(p unsafe.Pointer) unsafe.Pointer {
	if a.primary.PointerIsMine(p) {
		return a.primary.GetMetaData(p)
	}
	return a.secondary.GetMetaData(p)
}

// GetBlockBegin recovers the allocation start from any interior pointer.
func (a *Allocator) GetBlockBegin(p unsafe.Pointer) unsafe.Pointer {
	if a.primary.PointerIsMine(p) {
		return a.primary.GetBlockBegin(p)
	}
	return a.secondary.GetBlockBegin(p)
}

// GetActuallyAllocatedSize returns the usable size of the allocation at p,
// which is at least the size that was requested for it.
func (a *Allocator) GetActuallyAllocatedSize(p unsafe.Pointer) uintptr {
	if a.primary.PointerIsMine(p) {
		return a.primary.GetActuallyAllocatedSize(p)
	}
	return a.secondary.GetActuallyAllocatedSize(p)
}

// TotalMemoryUsed sums both backends. Chunks loaned to local caches still
// count against the primary.
func (a *Allocator) TotalMemoryUsed() uintptr {
	return a.primary.TotalMemoryUsed() + a.secondary.TotalMemoryUsed()
}

// SwallowCache drains cache back into the primary. Call it when the owning
// goroutine retires or periodically under memory pressure.
func (a *Allocator) SwallowCache(cache *LocalCache) {
	a.logger.Debug("Allocator::SwallowCache")
	cache.Drain(a.primary)
}

// AddStatistics accumulates both backends into stats.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.primary.AddStatistics(stats)
	a.secondary.AddStatistics(stats)
}

// BuildStatsString writes a JSON snapshot of both backends.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	o := writer.Object()
	defer o.End()

	o.Name("TotalMemoryUsed").Int(int(a.TotalMemoryUsed()))
	a.primary.BuildStatsString(o.Name("SizeClasses"))
	a.secondary.BuildStatsString(o.Name("LargeAllocations"))
}

// Validate checks both backends.
func (a *Allocator) Validate() error {
	if err := a.primary.Validate(); err != nil {
		return err
	}
	return a.secondary.Validate()
}

// TestOnlyUnmap returns the primary's address space to the OS.
func (a *Allocator) TestOnlyUnmap() {
	a.logger.Debug("Allocator::TestOnlyUnmap")
	a.primary.TestOnlyUnmap()
}
