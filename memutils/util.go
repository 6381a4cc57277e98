package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

// IsPowerOfTwo reports whether number is a (nonzero) power of two.
func IsPowerOfTwo[T Number](number T) bool {
	return number != 0 && number&(number-1) == 0
}

func CheckPow2[T Number](number T, name string) error {
	if !IsPowerOfTwo(number) {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the nearest multiple of alignment, which must be
// a power of two.
func AlignUp(value uintptr, alignment uintptr) uintptr {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to the nearest multiple of alignment, which must
// be a power of two.
func AlignDown(value uintptr, alignment uintptr) uintptr {
	return value &^ (alignment - 1)
}

// IsAligned reports whether value is a multiple of alignment, which must be a
// power of two.
func IsAligned(value uintptr, alignment uintptr) bool {
	return value&(alignment-1) == 0
}
