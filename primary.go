package shadowheap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/shadowheap/internal/hostmem"
	"github.com/vkngwrapper/shadowheap/internal/utils"
	"github.com/vkngwrapper/shadowheap/memutils"
	"github.com/vkngwrapper/shadowheap/sizeclass"
)

// regionState is the shared state of one size class. Each class has its own
// spin mutex, so bulk traffic in different classes never contends.
type regionState struct {
	mutex        utils.SpinMutex
	freeList     TransferList
	carvedChunks uintptr
	carvedUser   uintptr
	carvedMeta   uintptr
}

// RegionAllocator is the stock primary backend. It reserves one large
// anonymous space and splits it into equal power-of-two regions, one per size
// class. Chunks of class c are carved sequentially from region c, and
// per-chunk metadata cells grow downward from the region's end. Because the
// space is region-aligned and class sizes divide their chunk offsets, a chunk
// whose size is a power of two is aligned to that power of two.
//
// Address arithmetic alone answers reverse queries: the owning class of a
// pointer is its region index, and the chunk start is the offset rounded down
// to a class-size multiple. Nothing is ever returned to the OS until
// TestOnlyUnmap.
type RegionAllocator struct {
	schedule     *sizeclass.Schedule
	mapBeg       uintptr
	mapSize      uintptr
	spaceBeg     uintptr
	spaceSize    uintptr
	regionSize   uintptr
	metadataSize uintptr
	regions      []regionState
}

var _ PrimaryAllocator = &RegionAllocator{}

// NewRegionAllocator reserves addressSpaceSize bytes (plus one region of
// alignment slack) and prepares one region per class of the schedule.
// addressSpaceSize must be a power of two large enough to give every class a
// region that fits at least one chunk of the largest class together with its
// metadata cell; metadataSize must be a power of two. The reservation does
// not consume physical memory until chunks are carved and touched.
func NewRegionAllocator(schedule *sizeclass.Schedule, addressSpaceSize uintptr, metadataSize uintptr) (*RegionAllocator, error) {
	if err := memutils.CheckPow2(addressSpaceSize, "address space size"); err != nil {
		return nil, err
	}
	if err := memutils.CheckPow2(metadataSize, "metadata size"); err != nil {
		return nil, err
	}

	numClasses := schedule.NumClasses()
	regionSize := addressSpaceSize / numClasses
	if regionSize < schedule.MaxSize()+metadataSize {
		return nil, errors.Newf("address space of %d bytes leaves regions of %d bytes, too small for the largest class (%d bytes)",
			addressSpaceSize, regionSize, schedule.MaxSize())
	}

	mapSize := addressSpaceSize + regionSize
	mapBeg := hostmem.MapOrDie(mapSize, "RegionAllocator")

	return &RegionAllocator{
		schedule:     schedule,
		mapBeg:       mapBeg,
		mapSize:      mapSize,
		spaceBeg:     memutils.AlignUp(mapBeg, regionSize),
		spaceSize:    addressSpaceSize,
		regionSize:   regionSize,
		metadataSize: metadataSize,
		regions:      make([]regionState, numClasses),
	}, nil
}

func (p *RegionAllocator) regionBegin(classID uintptr) uintptr {
	return p.spaceBeg + classID*p.regionSize
}

// Schedule returns the size class schedule backing this allocator.
func (p *RegionAllocator) Schedule() *sizeclass.Schedule {
	return p.schedule
}

func (p *RegionAllocator) NumClasses() uintptr {
	return p.schedule.NumClasses()
}

func (p *RegionAllocator) MaxCached(classID uintptr) int {
	return p.schedule.MaxCached(classID)
}

// CanAllocate reports whether the size/alignment pair maps onto a class.
// Natural chunk alignment covers every alignment up to the largest class
// size, provided the caller rounded the size to an alignment multiple first.
func (p *RegionAllocator) CanAllocate(size uintptr, alignment uintptr) bool {
	return size <= p.schedule.MaxSize() && alignment <= p.schedule.MaxSize()
}

func (p *RegionAllocator) ClassID(size uintptr) uintptr {
	return p.schedule.ClassID(size)
}

func (p *RegionAllocator) PointerIsMine(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	return addr >= p.spaceBeg && addr < p.spaceBeg+p.spaceSize
}

func (p *RegionAllocator) GetSizeClass(ptr unsafe.Pointer) uintptr {
	memutils.DebugAssert(p.PointerIsMine(ptr), "pointer does not belong to this allocator")
	return (uintptr(ptr) - p.spaceBeg) / p.regionSize
}

// GetBlockBegin returns the start of the chunk containing ptr.
func (p *RegionAllocator) GetBlockBegin(ptr unsafe.Pointer) unsafe.Pointer {
	classID := p.GetSizeClass(ptr)
	size := p.schedule.Size(classID)
	regionBeg := p.regionBegin(classID)
	offset := uintptr(ptr) - regionBeg
	return unsafe.Pointer(regionBeg + offset/size*size)
}

func (p *RegionAllocator) GetActuallyAllocatedSize(ptr unsafe.Pointer) uintptr {
	return p.schedule.Size(p.GetSizeClass(ptr))
}

// GetMetaData returns the metadata cell of the chunk containing ptr. Cells
// sit at the far end of the chunk's region, ordered by chunk index.
func (p *RegionAllocator) GetMetaData(ptr unsafe.Pointer) unsafe.Pointer {
	classID := p.GetSizeClass(ptr)
	size := p.schedule.Size(classID)
	regionBeg := p.regionBegin(classID)
	chunkIdx := (uintptr(ptr) - regionBeg) / size
	return unsafe.Pointer(regionBeg + p.regionSize - (chunkIdx+1)*p.metadataSize)
}

// BulkAllocate moves up to MaxCached(classID) free chunks into out, carving
// fresh chunks from the class region when the shared free list is empty. On
// return out is non-empty; an exhausted region is fatal.
func (p *RegionAllocator) BulkAllocate(classID uintptr, out *TransferList) {
	memutils.DebugAssert(classID < p.NumClasses(), "size class out of range")
	r := &p.regions[classID]
	size := p.schedule.Size(classID)
	batch := p.schedule.MaxCached(classID)

	r.mutex.Lock()
	if r.freeList.IsEmpty() {
		p.populateFreeList(classID, r, size, batch)
	}
	for i := 0; i < batch && !r.freeList.IsEmpty(); i++ {
		out.PushFront(r.freeList.PopFront())
	}
	r.mutex.Unlock()

	memutils.DebugAssert(!out.IsEmpty(), "bulk allocation must produce chunks")
}

// BulkDeallocate splices the entire incoming list back onto the class free
// list, leaving in empty.
func (p *RegionAllocator) BulkDeallocate(classID uintptr, in *TransferList) {
	memutils.DebugAssert(classID < p.NumClasses(), "size class out of range")
	r := &p.regions[classID]

	r.mutex.Lock()
	r.freeList.Append(in)
	r.mutex.Unlock()
}

// populateFreeList carves up to batch fresh chunks. Called with the region
// mutex held and an empty free list.
func (p *RegionAllocator) populateFreeList(classID uintptr, r *regionState, size uintptr, batch int) {
	regionBeg := p.regionBegin(classID)
	for i := 0; i < batch; i++ {
		if r.carvedUser+size+r.carvedMeta+p.metadataSize > p.regionSize {
			break
		}
		chunk := regionBeg + r.carvedChunks*size
		r.freeList.PushFront(unsafe.Pointer(chunk))
		r.carvedChunks++
		r.carvedUser += size
		r.carvedMeta += p.metadataSize
	}

	if r.freeList.IsEmpty() {
		hostmem.Die("out of space in the region for size class %d (%d-byte chunks)", classID, size)
	}
}

// TotalMemoryUsed returns the user bytes carved from all regions. Chunks
// sitting on free lists still count: region space is never returned to the
// OS.
func (p *RegionAllocator) TotalMemoryUsed() uintptr {
	var total uintptr
	for i := range p.regions {
		r := &p.regions[i]
		r.mutex.Lock()
		total += r.carvedUser
		r.mutex.Unlock()
	}
	return total
}

// AddStatistics accumulates per-class carve counters into stats.
func (p *RegionAllocator) AddStatistics(stats *memutils.Statistics) {
	for i := range p.regions {
		r := &p.regions[i]
		r.mutex.Lock()
		if r.carvedChunks != 0 {
			stats.AddBlock(r.carvedUser + r.carvedMeta)
			stats.AllocationCount += int(r.carvedChunks)
			stats.AllocationBytes += r.carvedUser
		}
		r.mutex.Unlock()
	}
}

// BuildStatsString writes the carved classes as a JSON array.
func (p *RegionAllocator) BuildStatsString(writer *jwriter.Writer) {
	s := writer.Array()
	defer s.End()

	for i := range p.regions {
		r := &p.regions[i]
		r.mutex.Lock()
		carved := r.carvedChunks
		free := r.freeList.Size()
		r.mutex.Unlock()
		if carved == 0 {
			continue
		}

		o := s.Object()
		o.Name("Class").Int(i)
		o.Name("ChunkSize").Int(int(p.schedule.Size(uintptr(i))))
		o.Name("CarvedChunks").Int(int(carved))
		o.Name("FreeChunks").Int(free)
		o.End()
	}
}

// Validate checks the carve counters of every class against each other and
// against the shared free list length.
func (p *RegionAllocator) Validate() error {
	for i := range p.regions {
		r := &p.regions[i]
		size := p.schedule.Size(uintptr(i))

		r.mutex.Lock()
		carved := r.carvedChunks
		carvedUser := r.carvedUser
		carvedMeta := r.carvedMeta
		free := r.freeList.Size()
		r.mutex.Unlock()

		if carvedUser != carved*size {
			return errors.Newf("class %d carved %d chunks but accounts %d user bytes (expected %d)", i, carved, carvedUser, carved*size)
		}
		if carvedMeta != carved*p.metadataSize {
			return errors.Newf("class %d carved %d chunks but accounts %d metadata bytes (expected %d)", i, carved, carvedMeta, carved*p.metadataSize)
		}
		if uintptr(free) > carved {
			return errors.Newf("class %d free list holds %d chunks but only %d were ever carved", i, free, carved)
		}
	}
	return nil
}

// TestOnlyUnmap returns the entire reserved space to the OS. Every chunk this
// allocator ever produced becomes invalid, including chunks still sitting in
// local caches.
func (p *RegionAllocator) TestOnlyUnmap() {
	hostmem.UnmapOrDie(p.mapBeg, p.mapSize)
}
