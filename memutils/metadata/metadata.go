package metadata

import (
	"fmt"
	"sort"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/memutils"
)

// ChunkMetadata tracks the free regions and live allocations of a single chunk of device memory. Free
// regions and live allocations always partition [0, Size()) exactly: every byte belongs to exactly one
// of them.
//
// ChunkMetadata is not safe for concurrent use. Consumers are expected to guard it with a lock, reading
// under a read lock and mutating under a write lock.
type ChunkMetadata struct {
	size       int
	free       *FreeList
	live       *swiss.Map[BlockAllocationHandle, *Suballocation]
	nextHandle BlockAllocationHandle
}

var _ FreeRegionSource = &ChunkMetadata{}
var _ memutils.Validatable = &ChunkMetadata{}

func NewChunkMetadata() *ChunkMetadata {
	return &ChunkMetadata{}
}

// Init must be called before the ChunkMetadata is used. The whole chunk starts out as a single free region.
func (m *ChunkMetadata) Init(size int) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to initialize chunk metadata with size %d", size))
	}

	m.size = size
	m.free = NewFreeList(Region{Offset: 0, Size: size})
	m.live = swiss.NewMap[BlockAllocationHandle, *Suballocation](42)
}

// Size retrieves the size in bytes that the chunk was initialized with
func (m *ChunkMetadata) Size() int { return m.size }

func (m *ChunkMetadata) AllocationCount() int { return m.live.Count() }

func (m *ChunkMetadata) FreeRegionsCount() int { return m.free.Len() }

func (m *ChunkMetadata) SumFreeSize() int { return m.free.Sum() }

func (m *ChunkMetadata) IsEmpty() bool { return m.live.Count() == 0 }

// FreeRegions returns a copy of the free regions in offset order
func (m *ChunkMetadata) FreeRegions() []Region { return m.free.Regions() }

func (m *ChunkMetadata) VisitFreeRegions(visit func(region Region) bool) {
	m.free.VisitFreeRegions(visit)
}

// FragmentationScore is 1 - largestFree/sumFree. A chunk whose free bytes form a single region
// (or which has no free bytes) scores 0.
func (m *ChunkMetadata) FragmentationScore() float64 {
	sum := m.free.Sum()
	if sum == 0 {
		return 0
	}

	return 1 - float64(m.free.Largest().Size)/float64(sum)
}

// Alloc commits an AllocationRequest, splitting the free region that contains it into an optional left
// padding region, the live allocation, and an optional right remainder. If the requested range is no
// longer entirely free, memutils.ErrStaleRequest is returned and the metadata is unchanged.
func (m *ChunkMetadata) Alloc(request AllocationRequest, userData any) (BlockAllocationHandle, error) {
	memutils.DebugCheckPow2(request.Alignment, "request.Alignment")

	if request.Offset < 0 || request.Offset+request.Size > m.size {
		return NoAllocation, cerrors.Newf("allocation request [%d, %d) lies outside a chunk of size %d",
			request.Offset, request.Offset+request.Size, m.size)
	}
	if request.Alignment > 1 && memutils.AlignUp(request.Offset, request.Alignment) != request.Offset {
		return NoAllocation, cerrors.Newf("allocation request offset %d does not honor alignment %d",
			request.Offset, request.Alignment)
	}

	err := m.free.Reserve(request.Offset, request.Size)
	if err != nil {
		return NoAllocation, err
	}

	handle := m.nextHandle
	m.nextHandle++
	m.live.Put(handle, &Suballocation{
		Handle:    handle,
		Offset:    request.Offset,
		Size:      request.Size,
		Alignment: request.Alignment,
		UserData:  userData,
	})

	memutils.DebugValidate(m)
	return handle, nil
}

// Free removes a live allocation and returns its range to the free list, merging it with the free
// regions on either side in the same operation. Freeing a handle that is not live is an error.
func (m *ChunkMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	err = m.free.Release(alloc.Offset, alloc.Size)
	if err != nil {
		return err
	}
	m.live.Delete(allocHandle)

	memutils.DebugValidate(m)
	return nil
}

func (m *ChunkMetadata) getAllocation(handle BlockAllocationHandle) (*Suballocation, error) {
	alloc, ok := m.live.Get(handle)
	if !ok {
		return nil, errors.New("received a handle that does not map to a live allocation in this chunk")
	}
	return alloc, nil
}

// Allocation returns a copy of the live allocation identified by the handle
func (m *ChunkMetadata) Allocation(allocHandle BlockAllocationHandle) (Suballocation, error) {
	alloc, err := m.getAllocation(allocHandle)
	if err != nil {
		return Suballocation{}, err
	}
	return *alloc, nil
}

// Allocations returns copies of every live allocation, sorted by offset
func (m *ChunkMetadata) Allocations() []Suballocation {
	out := make([]Suballocation, 0, m.live.Count())
	m.live.Iter(func(_ BlockAllocationHandle, alloc *Suballocation) bool {
		out = append(out, *alloc)
		return false
	})

	sort.Slice(out, func(i, j int) bool {
		return out[i].Offset < out[j].Offset
	})
	return out
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the chunk, in offset order. Free regions are reported with the handle NoAllocation.
func (m *ChunkMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	allocs := m.Allocations()
	freeRegions := m.free.Regions()

	allocIndex, freeIndex := 0, 0
	for allocIndex < len(allocs) || freeIndex < len(freeRegions) {
		var err error
		if freeIndex >= len(freeRegions) || (allocIndex < len(allocs) && allocs[allocIndex].Offset < freeRegions[freeIndex].Offset) {
			alloc := allocs[allocIndex]
			err = handleBlock(alloc.Handle, alloc.Offset, alloc.Size, alloc.UserData, false)
			allocIndex++
		} else {
			region := freeRegions[freeIndex]
			err = handleBlock(NoAllocation, region.Offset, region.Size, nil, true)
			freeIndex++
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// Validate performs internal consistency checks on the metadata: the free list is sorted with no touching
// regions, no two live allocations overlap, and free regions plus live allocations cover [0, Size())
// exactly once. Every error returned wraps memutils.ErrInvariantViolation.
func (m *ChunkMetadata) Validate() error {
	err := m.free.Validate()
	if err != nil {
		return err
	}

	if m.free.Sum() > m.size {
		return cerrors.Wrapf(memutils.ErrInvariantViolation, "chunk of size %d reports %d free bytes", m.size, m.free.Sum())
	}

	nextOffset := 0
	liveBytes := 0
	err = m.VisitAllRegions(func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		if offset != nextOffset {
			return cerrors.Wrapf(memutils.ErrInvariantViolation, "region at offset %d does not begin where the previous region ended (%d)", offset, nextOffset)
		}
		if size <= 0 {
			return cerrors.Wrapf(memutils.ErrInvariantViolation, "region at offset %d has size %d", offset, size)
		}
		if !free {
			liveBytes += size
		}

		nextOffset = offset + size
		return nil
	})
	if err != nil {
		return err
	}

	if nextOffset != m.size {
		return cerrors.Wrapf(memutils.ErrInvariantViolation, "the full size of the chunk is %d, but the regions only added up to %d", m.size, nextOffset)
	}

	if liveBytes+m.free.Sum() != m.size {
		return cerrors.Wrapf(memutils.ErrInvariantViolation, "live bytes %d plus free bytes %d do not equal chunk size %d", liveBytes, m.free.Sum(), m.size)
	}

	return nil
}

func (m *ChunkMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	m.free.VisitFreeRegions(func(region Region) bool {
		stats.AddUnusedRange(region.Size)
		return true
	})

	m.live.Iter(func(_ BlockAllocationHandle, alloc *Suballocation) bool {
		stats.AddAllocation(alloc.Size)
		return false
	})
}

func (m *ChunkMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.live.Count()
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.free.Sum()
}

// BlockJsonData populates a json object with summary information about this chunk
func (m *ChunkMetadata) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.free.Sum())
	json.Name("Allocations").Int(m.AllocationCount())
	json.Name("UnusedRanges").Int(m.FreeRegionsCount())
	json.Name("LargestUnusedRange").Int(m.free.Largest().Size)
	json.Name("Fragmentation").Float64(m.FragmentationScore())
}
