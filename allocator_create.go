package shadowheap

import (
	"github.com/vkngwrapper/shadowheap/sizeclass"
	"golang.org/x/exp/slog"
)

const (
	ptrBits = 32 << (^uintptr(0) >> 63)

	// defaultAddressSpaceSize is the primary reservation used when none is
	// provided via CreateOptions: 4Gb of (lazily committed) address space on
	// 64-bit platforms, 256Mb on 32-bit ones.
	defaultAddressSpaceSize uintptr = 1 << (28 + (ptrBits-32)/8)

	// defaultMetadataSize is the per-chunk metadata cell size used when none
	// is provided via CreateOptions.
	defaultMetadataSize uintptr = 32
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Schedule is the size class schedule of the primary backend. When nil,
	// sizeclass.Default is used.
	Schedule *sizeclass.Schedule

	// AddressSpaceSize is the total address space reserved by the primary
	// backend, split evenly across its size classes. It must be a power of
	// two. When zero, 4Gb is reserved on 64-bit platforms and 256Mb on
	// 32-bit ones. The reservation consumes physical memory only as chunks
	// are handed out.
	AddressSpaceSize uintptr

	// MetadataSize is the size of the per-chunk metadata cell kept by the
	// primary backend for its consumers. It must be a power of two. When
	// zero, 32 bytes per chunk are kept.
	MetadataSize uintptr

	// Primary can replace the stock region-based backend. When nil, a
	// RegionAllocator is built from the fields above, which are ignored
	// otherwise.
	Primary PrimaryAllocator
}

// New creates a combined Allocator from a size-classed primary backend and a
// per-mapping secondary.
//
// logger - Debug-level diagnostics are written here; nil uses slog.Default()
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	primary := options.Primary
	if primary == nil {
		schedule := options.Schedule
		if schedule == nil {
			schedule = sizeclass.Default
		}
		spaceSize := options.AddressSpaceSize
		if spaceSize == 0 {
			spaceSize = defaultAddressSpaceSize
		}
		metadataSize := options.MetadataSize
		if metadataSize == 0 {
			metadataSize = defaultMetadataSize
		}

		var err error
		primary, err = NewRegionAllocator(schedule, spaceSize, metadataSize)
		if err != nil {
			return nil, err
		}
	}

	return &Allocator{
		logger:    logger,
		primary:   primary,
		secondary: NewLargeMapAllocator(logger),
	}, nil
}
