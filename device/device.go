package device

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_device

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Memory is a handle to a single allocation of device memory. Implementations must be comparable
// (usually a pointer) since the allocator uses memory handles as map keys.
type Memory interface {
	// Size is the size in bytes the memory was allocated with
	Size() int
	// MemoryTypeIndex is the index of the memory type the memory was allocated from
	MemoryTypeIndex() int
}

// Device is the set of device operations the allocator depends on. Every chunk of memory the allocator
// manages is created with AllocateDeviceMemory and destroyed with FreeDeviceMemory, and every relocation
// performed by the defragmenter is a single CopyWithinDevice call.
type Device interface {
	// FindMemoryTypeIndex returns the index of the first memory type whose property flags include
	// every flag in the provided set
	FindMemoryTypeIndex(flags core1_0.MemoryPropertyFlags) (int, error)
	AllocateDeviceMemory(size int, memoryTypeIndex int) (Memory, common.VkResult, error)
	FreeDeviceMemory(memory Memory)
	// MapMemory returns a host pointer to the byte at offset within memory. Calls are reference
	// counted: each successful MapMemory must be paired with one UnmapMemory.
	MapMemory(memory Memory, offset, size int) (unsafe.Pointer, common.VkResult, error)
	UnmapMemory(memory Memory)
	// CopyWithinDevice copies size bytes from src at srcOffset to dst at dstOffset. src and dst may be
	// the same memory, in which case the ranges must not overlap.
	CopyWithinDevice(src Memory, srcOffset int, dst Memory, dstOffset int, size int) (common.VkResult, error)
}
