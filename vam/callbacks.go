package vam

import "github.com/vkngwrapper/arsenal/device"

type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory device.Memory,
	size int,
	userData interface{},
)

type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory device.Memory,
	size int,
	userData interface{},
)

// RelocationCallback is called after the defragmenter commits a move. The location already reports its
// new memory and offset; oldMemory and oldOffset are where its contents used to live. Consumers should
// rebind any buffer or image attached to the location.
type RelocationCallback func(
	location *MemoryLocation,
	oldMemory device.Memory,
	oldOffset int,
)

type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(
	memoryType int,
	memory device.Memory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(
	memoryType int,
	memory device.Memory,
	size int,
) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}
