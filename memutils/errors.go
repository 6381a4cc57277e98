package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ScheduleError is the error wrapped by size-class schedule construction failures
var ScheduleError error = errors.New("invalid size class schedule")
