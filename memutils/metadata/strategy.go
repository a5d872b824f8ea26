package metadata

import (
	"fmt"
	"math"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
)

// FreeRegionSource is anything that can enumerate free regions in ascending offset order.
// ChunkMetadata and FreeList both implement it.
type FreeRegionSource interface {
	VisitFreeRegions(visit func(region Region) bool)
}

// Candidate identifies a place where an allocation fits
type Candidate struct {
	// Chunk is the index of the chunk within the slice of sources passed to FindRange
	Chunk int
	// Region is the free region the allocation would be carved from
	Region Region
	// Offset is the aligned offset the allocation would be placed at
	Offset int
}

// Request converts this candidate into an AllocationRequest for the provided size and alignment
func (c Candidate) Request(size int, alignment uint) AllocationRequest {
	return AllocationRequest{
		Region:    c.Region,
		Offset:    c.Offset,
		Size:      size,
		Alignment: alignment,
	}
}

// FitStrategy chooses a free region across a set of chunks for an allocation of the given size and
// alignment. Implementations must not mutate the sources. Alignment padding is counted against the
// region, so a region fits only if AlignUp(region.Offset, alignment) + size <= region.End().
type FitStrategy interface {
	FindRange(chunks []FreeRegionSource, size int, alignment uint) (Candidate, bool)
	Kind() StrategyKind
}

// CreateAllocationRequest finds where the strategy would place an allocation of the requested size and
// alignment across the sources. Call Request on the returned Candidate to get an AllocationRequest that can
// be committed to the chosen chunk with ChunkMetadata.Alloc.
//
// maxOffset should usually be math.MaxInt. When it is lower, the allocation must begin below maxOffset.
// The defragmenter uses this to move an allocation toward the start of its own chunk.
//
// The returned bool is false, with a nil error, when no free region can hold the allocation.
func CreateAllocationRequest(
	sources []FreeRegionSource,
	allocSize int, allocAlignment uint,
	strategy FitStrategy,
	maxOffset int,
) (Candidate, bool, error) {
	if allocSize <= 0 {
		return Candidate{}, false, cerrors.Newf("invalid allocation size %d", allocSize)
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return Candidate{}, false, err
	}

	if maxOffset < math.MaxInt {
		limited := make([]FreeRegionSource, len(sources))
		for i, source := range sources {
			limited[i] = belowOffset{source: source, maxOffset: maxOffset}
		}
		sources = limited
	}

	candidate, found := strategy.FindRange(sources, allocSize, allocAlignment)
	if !found || candidate.Offset >= maxOffset {
		return Candidate{}, false, nil
	}

	return candidate, true, nil
}

type belowOffset struct {
	source    FreeRegionSource
	maxOffset int
}

func (s belowOffset) VisitFreeRegions(visit func(region Region) bool) {
	s.source.VisitFreeRegions(func(region Region) bool {
		if region.Offset >= s.maxOffset {
			return false
		}
		return visit(region)
	})
}

func fit(region Region, size int, alignment uint) (int, bool) {
	offset := memutils.AlignUp(region.Offset, alignment)
	return offset, offset+size <= region.End()
}

// FirstFit picks the first region, in chunk order and then offset order, that fits
type FirstFit struct{}

func (FirstFit) Kind() StrategyKind { return StrategyFirstFit }

func (FirstFit) FindRange(chunks []FreeRegionSource, size int, alignment uint) (Candidate, bool) {
	var candidate Candidate
	found := false

	for chunkIndex, chunk := range chunks {
		chunk.VisitFreeRegions(func(region Region) bool {
			offset, ok := fit(region, size, alignment)
			if ok {
				candidate = Candidate{Chunk: chunkIndex, Region: region, Offset: offset}
				found = true
			}
			return !ok
		})

		if found {
			return candidate, true
		}
	}

	return candidate, false
}

// BestFit picks the smallest region across all chunks that fits. Ties go to the first region seen.
type BestFit struct{}

func (BestFit) Kind() StrategyKind { return StrategyBestFit }

func (BestFit) FindRange(chunks []FreeRegionSource, size int, alignment uint) (Candidate, bool) {
	var candidate Candidate
	bestSize := math.MaxInt
	found := false

	for chunkIndex, chunk := range chunks {
		chunk.VisitFreeRegions(func(region Region) bool {
			offset, ok := fit(region, size, alignment)
			if ok && region.Size < bestSize {
				bestSize = region.Size
				candidate = Candidate{Chunk: chunkIndex, Region: region, Offset: offset}
				found = true
			}
			// An exact fit cannot be beaten
			return bestSize != size
		})

		if found && bestSize == size {
			break
		}
	}

	return candidate, found
}

// WorstFit picks the largest region across all chunks that fits. Ties go to the first region seen.
type WorstFit struct{}

func (WorstFit) Kind() StrategyKind { return StrategyWorstFit }

func (WorstFit) FindRange(chunks []FreeRegionSource, size int, alignment uint) (Candidate, bool) {
	var candidate Candidate
	worstSize := -1
	found := false

	for chunkIndex, chunk := range chunks {
		chunk.VisitFreeRegions(func(region Region) bool {
			offset, ok := fit(region, size, alignment)
			if ok && region.Size > worstSize {
				worstSize = region.Size
				candidate = Candidate{Chunk: chunkIndex, Region: region, Offset: offset}
				found = true
			}
			return true
		})
	}

	return candidate, found
}

// MinOffset picks the lowest-offset region that fits in the first chunk that has one. It is used when
// placing relocation targets, where packing allocations toward the start of a chunk is the goal. It
// is not offered as a configurable strategy.
type MinOffset struct{}

func (MinOffset) Kind() StrategyKind { return StrategyMinOffset }

func (MinOffset) FindRange(chunks []FreeRegionSource, size int, alignment uint) (Candidate, bool) {
	return FirstFit{}.FindRange(chunks, size, alignment)
}

// StrategyKind names a FitStrategy implementation for configuration purposes
type StrategyKind uint32

const (
	StrategyFirstFit StrategyKind = iota
	StrategyBestFit
	StrategyWorstFit
	StrategyMinOffset
)

var strategyKindMapping = map[StrategyKind]string{
	StrategyFirstFit:  "FirstFit",
	StrategyBestFit:   "BestFit",
	StrategyWorstFit:  "WorstFit",
	StrategyMinOffset: "MinOffset",
}

func (k StrategyKind) String() string {
	return strategyKindMapping[k]
}

// ParseStrategyKind converts a configuration string into one of the selectable strategy kinds:
// FirstFit, BestFit, or WorstFit
func ParseStrategyKind(name string) (StrategyKind, error) {
	for kind, kindName := range strategyKindMapping {
		if kind != StrategyMinOffset && kindName == name {
			return kind, nil
		}
	}

	return StrategyFirstFit, cerrors.Newf("unknown fit strategy %q: expected FirstFit, BestFit, or WorstFit", name)
}

// NewFitStrategy returns the FitStrategy implementation for the provided kind
func NewFitStrategy(kind StrategyKind) FitStrategy {
	switch kind {
	case StrategyFirstFit:
		return FirstFit{}
	case StrategyBestFit:
		return BestFit{}
	case StrategyWorstFit:
		return WorstFit{}
	case StrategyMinOffset:
		return MinOffset{}
	}

	panic(fmt.Sprintf("unknown fit strategy kind: %d", kind))
}
