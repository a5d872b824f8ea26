//go:build !debug_init_allocs

package vam

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data, and all freed
	// allocations to be overwritten. Build with the debug_init_allocs tag to activate it.
	InitializeAllocs bool = false
)

func (l *MemoryLocation) fillAllocation(pattern uint8) {}
