// Package vulkan implements device.Device over a core1_0.Device. Relocations are performed with host
// copies through mapped memory, so only host-visible memory types can be defragmented.
package vulkan

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
)

const DefaultPriority float32 = 0.5

type Options struct {
	// AllocationCallbacks is an optional set of callbacks that will be executed from Vulkan when
	// device memory is allocated and freed
	AllocationCallbacks *driver.AllocationCallbacks
	// Priority is the ext_memory_priority priority value applied to each chunk of device memory. This
	// only has an effect when the extension is active. Zero selects DefaultPriority.
	Priority float32
	// ExternallySynchronized disables the internal mapping mutexes. The consumer must guarantee that
	// memory is mapped and unmapped from one goroutine at a time.
	ExternallySynchronized bool
}

type Device struct {
	device           core1_0.Device
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	maxAllocations   int

	allocationCallbacks *driver.AllocationCallbacks
	useMemoryPriority   bool
	priority            float32
	useMutex            bool

	memoryCount atomic.Int32
}

var _ device.Device = &Device{}

func New(coreDevice core1_0.Device, physicalDevice core1_0.PhysicalDevice, options Options) (*Device, error) {
	if coreDevice == nil || physicalDevice == nil {
		return nil, cerrors.New("a device and physical device are required")
	}

	priority := options.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 0 || priority > 1 {
		return nil, cerrors.Newf("invalid priority value %f: priority values should be between 0 and 1, inclusive", priority)
	}

	d := &Device{
		device:              coreDevice,
		memoryProperties:    physicalDevice.MemoryProperties(),
		allocationCallbacks: options.AllocationCallbacks,
		useMemoryPriority:   coreDevice.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		priority:            priority,
		useMutex:            !options.ExternallySynchronized,
	}

	return d, nil
}

// SetMaxAllocationCount caps the number of live device memory objects, usually at the
// MaxMemoryAllocationCount limit of the physical device. Zero means no cap.
func (d *Device) SetMaxAllocationCount(count int) {
	d.maxAllocations = count
}

func (d *Device) FindMemoryTypeIndex(flags core1_0.MemoryPropertyFlags) (int, error) {
	for index, memoryType := range d.memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&flags == flags {
			return index, nil
		}
	}

	return -1, cerrors.Newf("no memory type has the property flags %s", flags)
}

func (d *Device) AllocateDeviceMemory(size int, memoryTypeIndex int) (mem device.Memory, res common.VkResult, err error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryProperties.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, cerrors.Newf("invalid memory type index %d", memoryTypeIndex)
	}

	newCount := d.memoryCount.Add(1)
	defer func() {
		// If we failed out, roll back the count
		if err != nil {
			d.memoryCount.Add(-1)
		}
	}()

	if d.maxAllocations > 0 && int(newCount) > d.maxAllocations {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}

	var allocInfo core1_0.MemoryAllocateInfo
	allocInfo.MemoryTypeIndex = memoryTypeIndex
	allocInfo.AllocationSize = size

	if d.useMemoryPriority {
		priorityInfo := ext_memory_priority.MemoryPriorityAllocateInfo{
			Priority: d.priority,
		}
		priorityInfo.Next = allocInfo.Next
		allocInfo.Next = priorityInfo
	}

	vulkanMem, res, err := d.device.AllocateMemory(d.allocationCallbacks, allocInfo)
	if err != nil {
		return nil, res, err
	}

	return &Memory{
		memory:          vulkanMem,
		size:            size,
		memoryTypeIndex: memoryTypeIndex,
		propertyFlags:   d.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags,
		mapMutex: utils.OptionalMutex{
			UseMutex: d.useMutex,
		},
		allocationCallbacks: d.allocationCallbacks,
	}, res, nil
}

func (d *Device) vulkanMemory(memory device.Memory) *Memory {
	vulkanMemory, ok := memory.(*Memory)
	if !ok {
		panic(fmt.Sprintf("received memory of type %T that was not allocated by a vulkan device", memory))
	}
	return vulkanMemory
}

func (d *Device) FreeDeviceMemory(memory device.Memory) {
	d.vulkanMemory(memory).free()
	d.memoryCount.Add(-1)
}

func (d *Device) MapMemory(memory device.Memory, offset, size int) (unsafe.Pointer, common.VkResult, error) {
	vulkanMemory := d.vulkanMemory(memory)
	if offset < 0 || offset+size > vulkanMemory.size {
		return nil, core1_0.VKErrorMemoryMapFailed, cerrors.Newf("cannot map [%d, %d) in memory of size %d", offset, offset+size, vulkanMemory.size)
	}

	data, res, err := vulkanMemory.mapAll()
	if err != nil {
		return nil, res, err
	}

	return unsafe.Add(data, offset), res, nil
}

func (d *Device) UnmapMemory(memory device.Memory) {
	err := d.vulkanMemory(memory).unmap()
	if err != nil {
		panic(fmt.Sprintf("unexpected error when unmapping memory: %+v", err))
	}
}

func (d *Device) CopyWithinDevice(src device.Memory, srcOffset int, dst device.Memory, dstOffset int, size int) (common.VkResult, error) {
	srcMemory := d.vulkanMemory(src)
	dstMemory := d.vulkanMemory(dst)

	if srcMemory.propertyFlags&core1_0.MemoryPropertyHostVisible == 0 || dstMemory.propertyFlags&core1_0.MemoryPropertyHostVisible == 0 {
		return core1_0.VKErrorFeatureNotPresent, cerrors.New("relocation requires host-visible memory")
	}

	srcData, res, err := d.MapMemory(src, srcOffset, size)
	if err != nil {
		return res, err
	}
	defer d.UnmapMemory(src)

	dstData, res, err := d.MapMemory(dst, dstOffset, size)
	if err != nil {
		return res, err
	}
	defer d.UnmapMemory(dst)

	if !srcMemory.isHostCoherent() {
		res, err = d.device.InvalidateMappedMemoryRanges([]core1_0.MappedMemoryRange{
			{Memory: srcMemory.memory, Offset: 0, Size: srcMemory.size},
		})
		if err != nil {
			return res, err
		}
	}

	copy(unsafe.Slice((*byte)(dstData), size), unsafe.Slice((*byte)(srcData), size))

	if !dstMemory.isHostCoherent() {
		return d.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
			{Memory: dstMemory.memory, Offset: 0, Size: dstMemory.size},
		})
	}

	return core1_0.VKSuccess, nil
}
