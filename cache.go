package shadowheap

import (
	"unsafe"

	"github.com/vkngwrapper/shadowheap/memutils"
)

// LocalCache is a goroutine-owned magazine of free chunks layered over a
// size-classed backend. Its free lists are never touched by another
// goroutine; chunks become visible across goroutines only through the
// backend's bulk operations.
//
// The zero value is a valid empty cache: the per-class lists are allocated on
// first use, so a LocalCache can live in zero-initialized storage with no
// construction ordering concerns. A cache must not outlive its backend.
type LocalCache struct {
	freeLists []TransferList
}

// Init sizes the cache for a backend. Calling it is optional; Allocate and
// Deallocate initialize a zero-value cache on first use.
func (c *LocalCache) Init(backend CacheBackend) {
	if c.freeLists == nil {
		c.freeLists = make([]TransferList, backend.NumClasses())
	}
}

// Allocate returns a chunk of the given class, refilling the class list from
// the backend when it is empty.
func (c *LocalCache) Allocate(backend CacheBackend, classID uintptr) unsafe.Pointer {
	c.Init(backend)
	memutils.DebugAssert(classID < uintptr(len(c.freeLists)), "size class out of range")

	list := &c.freeLists[classID]
	if list.IsEmpty() {
		backend.BulkAllocate(classID, list)
	}
	return list.PopFront()
}

// Deallocate places p on the class free list. When the list reaches twice the
// backend's cache cap, the front half is handed back in one bulk transfer;
// the hysteresis between cap and 2*cap keeps alternating allocate/free
// traffic from bouncing chunks to the backend and back.
func (c *LocalCache) Deallocate(backend CacheBackend, classID uintptr, p unsafe.Pointer) {
	c.Init(backend)
	memutils.DebugAssert(classID < uintptr(len(c.freeLists)), "size class out of range")

	list := &c.freeLists[classID]
	list.PushFront(p)
	if list.Size() >= 2*backend.MaxCached(classID) {
		c.drainHalf(backend, classID)
	}
}

// Drain hands every cached chunk back to the backend. It is called when the
// owning goroutine retires or under memory pressure; afterward every class
// list is empty.
func (c *LocalCache) Drain(backend CacheBackend) {
	for i := range c.freeLists {
		if !c.freeLists[i].IsEmpty() {
			backend.BulkDeallocate(uintptr(i), &c.freeLists[i])
		}
	}
}

func (c *LocalCache) drainHalf(backend CacheBackend, classID uintptr) {
	list := &c.freeLists[classID]

	var half TransferList
	count := list.Size() / 2
	for i := 0; i < count; i++ {
		half.PushFront(list.PopFront())
	}
	backend.BulkDeallocate(classID, &half)
}
