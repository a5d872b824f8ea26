package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify individual live allocations within
// a ChunkMetadata. Handles are never reused within a single ChunkMetadata.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Region is a half-open byte range [Offset, Offset+Size) within a chunk
type Region struct {
	Offset int
	Size   int
}

// End returns the first byte offset past the end of the region
func (r Region) End() int {
	return r.Offset + r.Size
}

// Contains returns true if the byte range [offset, offset+size) lies entirely within this region
func (r Region) Contains(offset, size int) bool {
	return offset >= r.Offset && offset+size <= r.End()
}

// Overlaps returns true if the two regions share at least one byte
func (r Region) Overlaps(other Region) bool {
	return r.Offset < other.End() && other.Offset < r.End()
}

// Suballocation describes one live allocation within a chunk
type Suballocation struct {
	Handle    BlockAllocationHandle
	Offset    int
	Size      int
	Alignment uint
	UserData  any
}

func (s Suballocation) Region() Region {
	return Region{Offset: s.Offset, Size: s.Size}
}
