//go:build debug_init_allocs

package vam

import (
	"unsafe"
)

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data, and all freed
	// allocations to be overwritten. If you are concerned that nondeterministic initialization of memory
	// or use after free is causing a bug, you can activate this to help diagnose the issue. It impacts
	// performance and should generally be left deactivated.
	InitializeAllocs bool = true
)

// fillAllocation must be called with the location's lock held
func (l *MemoryLocation) fillAllocation(pattern uint8) {
	data, _, err := l.pool.device.MapMemory(l.memory, l.offset, l.size)
	if err != nil {
		// Memory that can't be mapped can't be filled
		return
	}
	defer l.pool.device.UnmapMemory(l.memory)

	dataSlice := unsafe.Slice((*uint8)(data), l.size)
	for i := 0; i < l.size; i++ {
		dataSlice[i] = pattern
	}
}
