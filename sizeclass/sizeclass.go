package sizeclass

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/shadowheap/memutils"
)

const (
	// MaxClasses is the largest class count a Schedule may produce.
	MaxClasses = 256

	segmentCount = 5

	// ptrSize is the smallest chunk that can hold an intrusive free list node.
	ptrSize = 8
)

// Schedule maps request sizes to a small set of size classes and back. The
// class sizes form a spline of five linear segments: the first class has size
// bounds[0], classes then grow by steps[0] until they reach bounds[1], then by
// steps[1], and so on up to bounds[5]. Steps are powers of two so the mapping
// divides cheaply, and the largest class size is itself a power of two.
//
// A Schedule is immutable after construction and safe for concurrent use.
type Schedule struct {
	bounds [segmentCount + 1]uintptr
	steps  [segmentCount]uintptr
	caps   [segmentCount]int

	// edges[k] is the id of the last class in segment k
	edges      [segmentCount]uintptr
	numClasses uintptr
}

// NewSchedule builds a Schedule from segment bounds, per-segment steps and
// per-segment cache caps, validating the spline invariants: bounds strictly
// increase, every step and the final bound are powers of two, each segment
// length divides evenly by its step, the resulting class count is a power of
// two no greater than MaxClasses, and caps do not increase across segments.
func NewSchedule(bounds [segmentCount + 1]uintptr, steps [segmentCount]uintptr, caps [segmentCount]int) (*Schedule, error) {
	s := &Schedule{
		bounds: bounds,
		steps:  steps,
		caps:   caps,
	}

	if bounds[0] < ptrSize {
		return nil, errors.Wrapf(memutils.ScheduleError, "the smallest class size %d cannot hold a free list node", bounds[0])
	}

	classCount := uintptr(0)
	for k := 0; k < segmentCount; k++ {
		if bounds[k] >= bounds[k+1] {
			return nil, errors.Wrapf(memutils.ScheduleError, "segment bounds must strictly increase, but bound %d is %d and bound %d is %d",
				k, bounds[k], k+1, bounds[k+1])
		}
		if err := memutils.CheckPow2(steps[k], "segment step"); err != nil {
			return nil, err
		}
		segmentLen := bounds[k+1] - bounds[k]
		if segmentLen%steps[k] != 0 {
			return nil, errors.Wrapf(memutils.ScheduleError, "segment %d length %d is not divisible by its step %d", k, segmentLen, steps[k])
		}
		if caps[k] < 1 {
			return nil, errors.Wrapf(memutils.ScheduleError, "segment %d cache cap must be positive", k)
		}
		if k > 0 && caps[k] > caps[k-1] {
			return nil, errors.Wrapf(memutils.ScheduleError, "cache caps must not increase across segments, but segment %d caps %d after %d",
				k, caps[k], caps[k-1])
		}

		classCount += segmentLen / steps[k]
		s.edges[k] = classCount
	}

	if err := memutils.CheckPow2(bounds[segmentCount], "largest class size"); err != nil {
		return nil, err
	}

	s.numClasses = classCount + 1
	if s.numClasses > MaxClasses {
		return nil, errors.Wrapf(memutils.ScheduleError, "schedule produces %d classes, more than the maximum %d", s.numClasses, MaxClasses)
	}
	if err := memutils.CheckPow2(s.numClasses, "class count"); err != nil {
		return nil, err
	}

	return s, nil
}

// MustSchedule builds a Schedule and panics if the spline invariants do not
// hold. It is intended for the canonical package-level schedules.
func MustSchedule(bounds [segmentCount + 1]uintptr, steps [segmentCount]uintptr, caps [segmentCount]int) *Schedule {
	s, err := NewSchedule(bounds, steps, caps)
	if err != nil {
		panic(err)
	}
	return s
}

var (
	// Default quantizes sizes up to 2Mb into 256 classes. It favors tight
	// packing of the small sizes that dominate runtime bookkeeping.
	Default = MustSchedule(
		[6]uintptr{1 << 4, 1 << 9, 1 << 12, 1 << 15, 1 << 18, 1 << 21},
		[5]uintptr{1 << 4, 1 << 6, 1 << 9, 1 << 12, 1 << 15},
		[5]int{256, 64, 16, 4, 1},
	)

	// Compact quantizes sizes up to 32Kb into 32 classes, trading internal
	// fragmentation for a much smaller class table and address space.
	Compact = MustSchedule(
		[6]uintptr{1 << 3, 1 << 4, 1 << 7, 1 << 8, 1 << 12, 1 << 15},
		[5]uintptr{1 << 3, 1 << 4, 1 << 7, 1 << 8, 1 << 12},
		[5]int{256, 64, 16, 4, 1},
	)
)

// NumClasses returns the number of size classes, always a power of two.
func (s *Schedule) NumClasses() uintptr {
	return s.numClasses
}

// MinSize returns the size of class 0.
func (s *Schedule) MinSize() uintptr {
	return s.bounds[0]
}

// MaxSize returns the size of the largest class, always a power of two.
func (s *Schedule) MaxSize() uintptr {
	return s.bounds[segmentCount]
}

func (s *Schedule) firstClassOfSegment(k int) uintptr {
	if k == 0 {
		return 0
	}
	return s.edges[k-1]
}

// Size returns the chunk size served for classID. Size(0) is MinSize and
// Size(NumClasses()-1) is MaxSize.
func (s *Schedule) Size(classID uintptr) uintptr {
	for k := 0; k < segmentCount; k++ {
		if classID <= s.edges[k] {
			return s.bounds[k] + s.steps[k]*(classID-s.firstClassOfSegment(k))
		}
	}
	return 0
}

// ClassID returns the smallest class whose size can hold a request of the
// given size. The result is unspecified for sizes above MaxSize; callers must
// guard with CanAllocate on the owning backend.
func (s *Schedule) ClassID(size uintptr) uintptr {
	if size <= s.bounds[0] {
		return 0
	}
	for k := 0; k < segmentCount; k++ {
		if size <= s.bounds[k+1] {
			return s.firstClassOfSegment(k) + (size-s.bounds[k]+s.steps[k]-1)/s.steps[k]
		}
	}
	return 0
}

// MaxCached returns how many free chunks of classID a thread-local cache may
// retain. Caps never increase with size, so the large classes cache little.
func (s *Schedule) MaxCached(classID uintptr) int {
	for k := 0; k < segmentCount; k++ {
		if classID <= s.edges[k] {
			return s.caps[k]
		}
	}
	return 0
}

// Step returns the spacing between neighboring class sizes around classID.
// The difference between a request size and its class size is always below
// this value.
func (s *Schedule) Step(classID uintptr) uintptr {
	for k := 0; k < segmentCount; k++ {
		if classID <= s.edges[k] {
			return s.steps[k]
		}
	}
	return 0
}
