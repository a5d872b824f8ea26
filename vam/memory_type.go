package vam

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/core1_0"
)

// UsageFlags is the set of resource usage flag types a MemoryType can be keyed on
type UsageFlags interface {
	~int32 | ~uint32
}

// MemoryType describes the memory a resource needs: how the resource will be used, and which memory
// properties the backing memory must have. A pool created for one MemoryType can serve any request
// whose flags are a subset of its own.
type MemoryType[T UsageFlags] struct {
	Usage  T
	Memory core1_0.MemoryPropertyFlags
}

// BufferType is the MemoryType of buffer allocations
type BufferType = MemoryType[core1_0.BufferUsageFlags]

// ImageType is the MemoryType of image allocations
type ImageType = MemoryType[core1_0.ImageUsageFlags]

func (t MemoryType[T]) Equal(other MemoryType[T]) bool {
	return t.Usage == other.Usage && t.Memory == other.Memory
}

// Valid returns true if memory of this type can serve a request for the other type, that is, if
// both the usage flags and the memory property flags of this type are supersets of the other's
func (t MemoryType[T]) Valid(other MemoryType[T]) bool {
	return t.Usage&other.Usage == other.Usage && t.Memory&other.Memory == other.Memory
}

func (t MemoryType[T]) String() string {
	return fmt.Sprintf("{ %v, %v }", t.Usage, t.Memory)
}
