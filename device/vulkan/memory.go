package vulkan

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/internal/utils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Memory wraps a core1_0.DeviceMemory with a reference-counted host mapping. The whole allocation is
// mapped the first time any range of it is mapped, and unmapped when the last reference is released.
type Memory struct {
	memory          core1_0.DeviceMemory
	size            int
	memoryTypeIndex int
	propertyFlags   core1_0.MemoryPropertyFlags

	mapMutex      utils.OptionalMutex
	mapReferences int
	mapData       unsafe.Pointer

	allocationCallbacks *driver.AllocationCallbacks
}

var _ device.Memory = &Memory{}

func (m *Memory) Size() int            { return m.size }
func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }

// VulkanDeviceMemory returns the underlying DeviceMemory, for binding buffers and images
func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) References() int {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	return m.mapReferences
}

func (m *Memory) isHostCoherent() bool {
	return m.propertyFlags&core1_0.MemoryPropertyHostCoherent != 0
}

func (m *Memory) mapAll() (unsafe.Pointer, common.VkResult, error) {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		if m.mapData == nil {
			return nil, core1_0.VKErrorUnknown, errors.New("the memory is showing existing memory mapping references, but no mapped memory")
		}

		m.mapReferences++
		return m.mapData, core1_0.VKSuccess, nil
	}

	mappedData, result, err := m.memory.Map(0, -1, 0)
	if err != nil {
		return nil, result, err
	}

	m.mapData = mappedData
	m.mapReferences = 1
	return mappedData, result, nil
}

func (m *Memory) unmap() error {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences == 0 {
		return errors.New("device memory has more references being unmapped than are currently mapped")
	}

	m.mapReferences--
	if m.mapReferences == 0 {
		m.memory.Unmap()
		m.mapData = nil
	}

	return nil
}

func (m *Memory) free() {
	m.mapMutex.Lock()
	defer m.mapMutex.Unlock()

	if m.mapReferences > 0 {
		m.memory.Unmap()
		m.mapData = nil
		m.mapReferences = 0
	}

	m.memory.Free(m.allocationCallbacks)
}
