package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrOutOfSpace is returned when no chunk, existing or newly created, can hold a requested allocation
	ErrOutOfSpace error = errors.New("no free region large enough for the requested allocation")
	// ErrCopyFailed is returned when the device could not copy the contents of an allocation that was being relocated.
	// The relocation is abandoned and both chunks are left as they were before it began.
	ErrCopyFailed error = errors.New("device copy for relocation failed")
	// ErrStaleLocation is returned when a relocation's source allocation was freed or moved between the
	// moment the relocation was proposed and the moment it was applied
	ErrStaleLocation error = errors.New("relocation source no longer matches a live allocation")
	// ErrStaleRequest is returned when an AllocationRequest is committed after the free region it describes
	// has been consumed or reshaped by another allocation
	ErrStaleRequest error = errors.New("allocation request no longer matches a free region")
	// ErrInvariantViolation indicates that a chunk's free regions and live allocations no longer partition
	// the chunk exactly. Continuing after this error risks silent memory corruption.
	ErrInvariantViolation error = errors.New("chunk partition invariant violated")
)
