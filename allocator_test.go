package shadowheap_test

import (
	"encoding/json"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/shadowheap"
	"github.com/vkngwrapper/shadowheap/memutils"
	"github.com/vkngwrapper/shadowheap/sizeclass"
)

func testAllocator(t *testing.T) *shadowheap.Allocator {
	t.Helper()
	allocator, err := shadowheap.New(testLogger(), shadowheap.CreateOptions{
		Schedule:         sizeclass.Compact,
		AddressSpaceSize: testSpaceSize,
	})
	require.NoError(t, err)
	return allocator
}

func TestAllocatorDefaults(t *testing.T) {
	if unsafe.Sizeof(uintptr(0)) < 8 {
		t.Skip("the default address space reservation needs a 64-bit platform")
	}

	allocator, err := shadowheap.New(nil, shadowheap.CreateOptions{})
	require.NoError(t, err)

	var cache shadowheap.LocalCache
	p := allocator.Allocate(&cache, 100, 8, false)
	require.NotNil(t, p)
	allocator.Deallocate(&cache, p)
}

func TestAllocatorZeroSizeRequest(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	p := allocator.Allocate(&cache, 0, 8, false)
	require.NotNil(t, p)
	require.GreaterOrEqual(t, allocator.GetActuallyAllocatedSize(p), uintptr(1))

	// The single byte is usable.
	*(*byte)(p) = 0x7F
	allocator.Deallocate(&cache, p)
}

func TestAllocatorAlignedSmallRequest(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	p := allocator.Allocate(&cache, 16, 16, false)
	require.NotNil(t, p)
	require.True(t, memutils.IsAligned(uintptr(p), 16))
	require.GreaterOrEqual(t, allocator.GetActuallyAllocatedSize(p), uintptr(16))

	allocator.Deallocate(&cache, p)
}

func TestAllocatorAlignmentSweep(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	for alignment := uintptr(16); alignment <= 1<<16; alignment <<= 1 {
		for _, size := range []uintptr{1, 33, alignment - 1, alignment, alignment * 3} {
			p := allocator.Allocate(&cache, size, alignment, false)
			require.NotNil(t, p, "size %d alignment %d", size, alignment)
			require.True(t, memutils.IsAligned(uintptr(p), alignment), "size %d alignment %d", size, alignment)
			allocator.Deallocate(&cache, p)
		}
	}
	allocator.SwallowCache(&cache)
}

func TestAllocatorOverflowReturnsNil(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	require.Nil(t, allocator.Allocate(&cache, ^uintptr(0)-4, 16, false))
}

func TestAllocatorDeallocateNilIsNoOp(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	allocator.Deallocate(&cache, nil)
}

func TestAllocatorSmallChurnKeepsMemoryBounded(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	const count = 300
	const size = 32

	chunks := make([]unsafe.Pointer, 0, count)
	for i := 0; i < count; i++ {
		p := allocator.Allocate(&cache, size, 8, false)
		require.NotNil(t, p)
		chunks = append(chunks, p)
	}

	used := allocator.TotalMemoryUsed()
	// Chunks are carved in bulk, so the primary holds the live set plus
	// bounded slack.
	require.GreaterOrEqual(t, used, uintptr(count*size))
	require.LessOrEqual(t, used, uintptr((count+2*256)*size))

	for _, p := range chunks {
		allocator.Deallocate(&cache, p)
	}
	// Freed chunks stay carved, parked in the cache and the primary free
	// lists.
	require.Equal(t, used, allocator.TotalMemoryUsed())

	allocator.SwallowCache(&cache)
	require.Equal(t, used, allocator.TotalMemoryUsed())

	// A second burst is served entirely from the recycled chunks.
	for i := 0; i < count; i++ {
		chunks[i] = allocator.Allocate(&cache, size, 8, false)
		require.NotNil(t, chunks[i])
	}
	require.Equal(t, used, allocator.TotalMemoryUsed())
	for _, p := range chunks {
		allocator.Deallocate(&cache, p)
	}
	require.NoError(t, allocator.Validate())
}

func TestAllocatorLargePathDispatch(t *testing.T) {
	allocator := testAllocator(t)
	maxSize := sizeclass.Compact.MaxSize()

	var cache shadowheap.LocalCache
	p := allocator.Allocate(&cache, maxSize*4, 8, false)
	require.NotNil(t, p)
	require.True(t, allocator.PointerIsMine(p))
	require.Equal(t, p, allocator.GetBlockBegin(p))
	require.Equal(t, p, allocator.GetBlockBegin(unsafe.Pointer(uintptr(p)+maxSize)))
	require.GreaterOrEqual(t, allocator.GetActuallyAllocatedSize(p), maxSize*4)

	used := allocator.TotalMemoryUsed()
	require.GreaterOrEqual(t, used, maxSize*4)

	allocator.Deallocate(&cache, p)
	require.Less(t, allocator.TotalMemoryUsed(), used)
	require.False(t, allocator.PointerIsMine(p))
}

func TestAllocatorClearedAllocationIsZeroed(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache

	// Dirty a chunk, free it, then demand a cleared chunk of the same class;
	// recycling must not leak the old contents.
	p := allocator.Allocate(&cache, 64, 8, false)
	require.NotNil(t, p)
	dirty := unsafe.Slice((*byte)(p), 64)
	for i := range dirty {
		dirty[i] = 0xFF
	}
	allocator.Deallocate(&cache, p)

	q := allocator.Allocate(&cache, 64, 8, true)
	require.NotNil(t, q)
	require.Equal(t, p, q)
	clean := unsafe.Slice((*byte)(q), 64)
	for i := range clean {
		require.Equal(t, byte(0), clean[i], "byte %d", i)
	}
	allocator.Deallocate(&cache, q)
}

func TestAllocatorPointerIdentity(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	p := allocator.Allocate(&cache, 48, 8, false)
	require.NotNil(t, p)
	require.True(t, allocator.PointerIsMine(p))

	size := allocator.GetActuallyAllocatedSize(p)
	for offset := uintptr(0); offset < size; offset += 7 {
		q := unsafe.Pointer(uintptr(p) + offset)
		require.Equal(t, p, allocator.GetBlockBegin(q), "offset %d", offset)
	}

	var local int
	require.False(t, allocator.PointerIsMine(unsafe.Pointer(&local)))

	allocator.Deallocate(&cache, p)
}

func TestAllocatorMetaDataDispatch(t *testing.T) {
	allocator := testAllocator(t)
	maxSize := sizeclass.Compact.MaxSize()

	var cache shadowheap.LocalCache

	small := allocator.Allocate(&cache, 64, 8, false)
	require.NotNil(t, allocator.GetMetaData(small))

	big := allocator.Allocate(&cache, maxSize*2, 8, false)
	meta := allocator.GetMetaData(big)
	require.NotNil(t, meta)
	scratch := unsafe.Slice((*byte)(meta), 64)
	scratch[0] = 0x42

	allocator.Deallocate(&cache, small)
	allocator.Deallocate(&cache, big)
}

func TestAllocatorReallocatePreservesContents(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	p := allocator.Allocate(&cache, 64, 8, false)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 64)
	for i := range buf {
		buf[i] = 0xA5
	}

	q := allocator.Reallocate(&cache, p, 200, 8)
	require.NotNil(t, q)
	require.True(t, allocator.PointerIsMine(q))

	grown := unsafe.Slice((*byte)(q), 200)
	for i := 0; i < 64; i++ {
		require.Equal(t, byte(0xA5), grown[i], "byte %d", i)
	}
	allocator.Deallocate(&cache, q)
}

func TestAllocatorReallocateAcrossBackends(t *testing.T) {
	allocator := testAllocator(t)
	maxSize := sizeclass.Compact.MaxSize()

	var cache shadowheap.LocalCache

	// Large to larger: the old mapping dies, so the old pointer is provably
	// disowned afterward.
	p := allocator.Allocate(&cache, maxSize*2, 8, false)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), maxSize*2)
	for i := range buf {
		buf[i] = 0xA5
	}

	q := allocator.Reallocate(&cache, p, maxSize*6, 8)
	require.NotNil(t, q)
	require.False(t, allocator.PointerIsMine(p))
	require.True(t, allocator.PointerIsMine(q))
	moved := unsafe.Slice((*byte)(q), maxSize*2)
	for i := range moved {
		if moved[i] != 0xA5 {
			t.Fatalf("byte %d lost its contents after reallocation", i)
		}
	}

	// Shrinking hops back to the size-classed backend and keeps the prefix.
	r := allocator.Reallocate(&cache, q, 128, 8)
	require.NotNil(t, r)
	require.False(t, allocator.PointerIsMine(q))
	prefix := unsafe.Slice((*byte)(r), 128)
	for i := range prefix {
		require.Equal(t, byte(0xA5), prefix[i], "byte %d", i)
	}

	allocator.Deallocate(&cache, r)
}

func TestAllocatorReallocateEdgeCases(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache

	// nil pointer degenerates to a plain allocation.
	p := allocator.Reallocate(&cache, nil, 40, 8)
	require.NotNil(t, p)

	// Zero new size degenerates to deallocation.
	require.Nil(t, allocator.Reallocate(&cache, p, 0, 8))
}

func TestAllocatorStats(t *testing.T) {
	allocator := testAllocator(t)
	maxSize := sizeclass.Compact.MaxSize()

	var cache shadowheap.LocalCache
	small := allocator.Allocate(&cache, 64, 8, false)
	big := allocator.Allocate(&cache, maxSize*2, 8, false)

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Positive(t, stats.BlockCount)
	require.Positive(t, stats.AllocationCount)
	require.Positive(t, stats.AllocationBytes)

	w := jwriter.NewWriter()
	allocator.BuildStatsString(&w)
	require.NoError(t, w.Error())
	require.True(t, json.Valid(w.Bytes()), "stats output %q is not valid JSON", w.Bytes())

	allocator.Deallocate(&cache, small)
	allocator.Deallocate(&cache, big)
}

func TestAllocatorSwallowCacheThenTestOnlyUnmap(t *testing.T) {
	allocator := testAllocator(t)

	var cache shadowheap.LocalCache
	for i := 0; i < 50; i++ {
		p := allocator.Allocate(&cache, 96, 8, false)
		require.NotNil(t, p)
		allocator.Deallocate(&cache, p)
	}
	allocator.SwallowCache(&cache)
	require.NoError(t, allocator.Validate())

	// Returns the primary's reservation; the allocator must not be used
	// after.
	allocator.TestOnlyUnmap()
}
