// Package hostmem implements device.Device on top of ordinary host memory. Each chunk is an anonymous
// memory mapping, so the allocator can be exercised end to end without a GPU.
package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// DefaultMemoryTypes is the memory type table used when Options.MemoryTypes is empty
var DefaultMemoryTypes = []core1_0.MemoryPropertyFlags{
	core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
	core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached,
}

type Options struct {
	// MemoryTypes lists the property flags of each memory type the device reports
	MemoryTypes []core1_0.MemoryPropertyFlags
	// MaxBytes caps the total size of live memory. Allocations past the cap fail with
	// VKErrorOutOfDeviceMemory. Zero means no cap.
	MaxBytes int
}

// Memory is a single host memory allocation
type Memory struct {
	data            []byte
	memoryTypeIndex int
	mapCount        int
	freed           bool
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int            { return len(m.data) }
func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }

// Bytes exposes the backing storage directly, for inspection in tests
func (m *Memory) Bytes() []byte { return m.data }

// CopyFailureFunc decides whether a CopyWithinDevice call should fail
type CopyFailureFunc func(src device.Memory, srcOffset int, dst device.Memory, dstOffset int, size int) bool

type Device struct {
	lock        sync.Mutex
	memoryTypes []core1_0.MemoryPropertyFlags
	maxBytes    int

	liveBytes   int
	liveCount   int
	copyCount   int
	copyFailure CopyFailureFunc
}

var _ device.Device = &Device{}

func New(options Options) *Device {
	memoryTypes := options.MemoryTypes
	if len(memoryTypes) == 0 {
		memoryTypes = DefaultMemoryTypes
	}

	return &Device{
		memoryTypes: memoryTypes,
		maxBytes:    options.MaxBytes,
	}
}

// SetCopyFailure installs a function that can force CopyWithinDevice to fail. Pass nil to remove it.
func (d *Device) SetCopyFailure(failure CopyFailureFunc) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.copyFailure = failure
}

// LiveMemoryCount is the number of allocations that have not been freed
func (d *Device) LiveMemoryCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.liveCount
}

// LiveBytes is the total size of allocations that have not been freed
func (d *Device) LiveBytes() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.liveBytes
}

// CopyCount is the number of successful CopyWithinDevice calls
func (d *Device) CopyCount() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.copyCount
}

func (d *Device) FindMemoryTypeIndex(flags core1_0.MemoryPropertyFlags) (int, error) {
	for index, typeFlags := range d.memoryTypes {
		if typeFlags&flags == flags {
			return index, nil
		}
	}

	return -1, cerrors.Newf("no memory type has the property flags %s", flags)
}

func (d *Device) AllocateDeviceMemory(size int, memoryTypeIndex int) (device.Memory, common.VkResult, error) {
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, cerrors.Newf("invalid device memory size %d", size)
	}
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryTypes) {
		return nil, core1_0.VKErrorUnknown, cerrors.Newf("invalid memory type index %d", memoryTypeIndex)
	}

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.maxBytes > 0 && d.liveBytes+size > d.maxBytes {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	data, err := mapAnonymous(size)
	if err != nil {
		return nil, core1_0.VKErrorOutOfHostMemory, cerrors.Wrap(err, "failed to map host memory")
	}

	d.liveBytes += size
	d.liveCount++

	return &Memory{data: data, memoryTypeIndex: memoryTypeIndex}, core1_0.VKSuccess, nil
}

func (d *Device) hostMemory(memory device.Memory) *Memory {
	hostMemory, ok := memory.(*Memory)
	if !ok {
		panic(fmt.Sprintf("received memory of type %T that was not allocated by a host memory device", memory))
	}
	if hostMemory.freed {
		panic("received memory that has already been freed")
	}
	return hostMemory
}

func (d *Device) FreeDeviceMemory(memory device.Memory) {
	d.lock.Lock()
	defer d.lock.Unlock()

	hostMemory := d.hostMemory(memory)
	if hostMemory.mapCount > 0 {
		panic(fmt.Sprintf("freed memory that is still mapped %d times", hostMemory.mapCount))
	}

	err := unmapAnonymous(hostMemory.data)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when unmapping host memory: %+v", err))
	}

	d.liveBytes -= len(hostMemory.data)
	d.liveCount--
	hostMemory.freed = true
	hostMemory.data = nil
}

func (d *Device) MapMemory(memory device.Memory, offset, size int) (unsafe.Pointer, common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	hostMemory := d.hostMemory(memory)
	if offset < 0 || size <= 0 || offset+size > len(hostMemory.data) {
		return nil, core1_0.VKErrorMemoryMapFailed, cerrors.Newf("cannot map [%d, %d) in memory of size %d", offset, offset+size, len(hostMemory.data))
	}

	hostMemory.mapCount++
	return unsafe.Pointer(&hostMemory.data[offset]), core1_0.VKSuccess, nil
}

func (d *Device) UnmapMemory(memory device.Memory) {
	d.lock.Lock()
	defer d.lock.Unlock()

	hostMemory := d.hostMemory(memory)
	if hostMemory.mapCount == 0 {
		panic("unmapped memory that was not mapped")
	}
	hostMemory.mapCount--
}

func (d *Device) CopyWithinDevice(src device.Memory, srcOffset int, dst device.Memory, dstOffset int, size int) (common.VkResult, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	srcMemory := d.hostMemory(src)
	dstMemory := d.hostMemory(dst)

	if srcOffset < 0 || srcOffset+size > len(srcMemory.data) || dstOffset < 0 || dstOffset+size > len(dstMemory.data) {
		return core1_0.VKErrorUnknown, cerrors.Newf("copy of %d bytes from offset %d to offset %d is out of bounds", size, srcOffset, dstOffset)
	}

	if d.copyFailure != nil && d.copyFailure(src, srcOffset, dst, dstOffset, size) {
		return core1_0.VKErrorDeviceLost, core1_0.VKErrorDeviceLost.ToError()
	}

	copy(dstMemory.data[dstOffset:dstOffset+size], srcMemory.data[srcOffset:srcOffset+size])
	d.copyCount++

	return core1_0.VKSuccess, nil
}
