package metadata

// AllocationRequest indicates where the metadata intends to place new memory. It is built from the
// Candidate returned by CreateAllocationRequest. The request can be committed with ChunkMetadata.Alloc. Between
// the two calls, other allocations may consume or reshape the free region the request was computed from,
// in which case Alloc fails with memutils.ErrStaleRequest and the consumer should search again.
type AllocationRequest struct {
	// Region is the free region the request was carved from at the time it was created
	Region Region
	// Offset is the aligned offset of the allocation within the chunk
	Offset int
	// Size is the size in bytes of the allocation
	Size int
	// Alignment is the alignment the allocation was requested with
	Alignment uint
}

// RequestAt builds an AllocationRequest for a specific offset. This is used to reserve relocation
// targets that were chosen against a simulated free list.
func RequestAt(offset, size int, alignment uint) AllocationRequest {
	return AllocationRequest{
		Region:    Region{Offset: offset, Size: size},
		Offset:    offset,
		Size:      size,
		Alignment: alignment,
	}
}
