package metadata

import (
	"sort"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
)

// FreeList is an offset-sorted list of non-overlapping free regions. After every completed Reserve
// or Release, no two regions in the list touch: adjacent free ranges are always merged into one.
//
// FreeList is not safe for concurrent use. ChunkMetadata guards its own list, and the defragmentation
// planner works against private copies.
type FreeList struct {
	regions []Region
	sum     int
}

var _ FreeRegionSource = &FreeList{}

// NewFreeList creates a FreeList from the provided regions, which may be in any order. Touching
// regions are merged. Overlapping regions cause a panic.
func NewFreeList(regions ...Region) *FreeList {
	l := &FreeList{}
	for _, region := range regions {
		if region.Size <= 0 {
			continue
		}

		err := l.Release(region.Offset, region.Size)
		if err != nil {
			panic(err)
		}
	}
	return l
}

// Len is the number of distinct free regions
func (l *FreeList) Len() int { return len(l.regions) }

// Sum is the total number of free bytes
func (l *FreeList) Sum() int { return l.sum }

// Largest returns the largest free region. Ties go to the lowest offset. The zero Region is returned
// when the list is empty.
func (l *FreeList) Largest() Region {
	var largest Region
	for _, region := range l.regions {
		if region.Size > largest.Size {
			largest = region
		}
	}
	return largest
}

// Regions returns a copy of the free regions in offset order
func (l *FreeList) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// VisitFreeRegions calls visit for each free region in ascending offset order until visit returns false
func (l *FreeList) VisitFreeRegions(visit func(region Region) bool) {
	for _, region := range l.regions {
		if !visit(region) {
			return
		}
	}
}

// firstEndingAfter returns the index of the first region whose end lies past offset
func (l *FreeList) firstEndingAfter(offset int) int {
	return sort.Search(len(l.regions), func(i int) bool {
		return l.regions[i].End() > offset
	})
}

// Reserve removes the range [offset, offset+size) from the list. The range must lie entirely within
// a single free region; otherwise memutils.ErrStaleRequest is returned and the list is unchanged. The
// remainder of the region on either side stays free.
func (l *FreeList) Reserve(offset, size int) error {
	if size <= 0 {
		return cerrors.Newf("cannot reserve a range of size %d", size)
	}

	index := l.firstEndingAfter(offset)
	if index >= len(l.regions) || !l.regions[index].Contains(offset, size) {
		return cerrors.Wrapf(memutils.ErrStaleRequest, "range [%d, %d) is not free", offset, offset+size)
	}

	region := l.regions[index]
	left := Region{Offset: region.Offset, Size: offset - region.Offset}
	right := Region{Offset: offset + size, Size: region.End() - (offset + size)}

	var replacement []Region
	if left.Size > 0 {
		replacement = append(replacement, left)
	}
	if right.Size > 0 {
		replacement = append(replacement, right)
	}

	l.splice(index, 1, replacement...)
	l.sum -= size
	return nil
}

// Release returns the range [offset, offset+size) to the list, merging it with its left and right
// neighbors when they touch it. Releasing a range that overlaps an existing free region is an error
// and leaves the list unchanged.
func (l *FreeList) Release(offset, size int) error {
	if size <= 0 {
		return cerrors.Newf("cannot release a range of size %d", size)
	}

	released := Region{Offset: offset, Size: size}
	index := l.firstEndingAfter(offset)
	if index < len(l.regions) && l.regions[index].Overlaps(released) {
		return cerrors.Wrapf(memutils.ErrInvariantViolation, "range [%d, %d) overlaps free region [%d, %d)",
			offset, offset+size, l.regions[index].Offset, l.regions[index].End())
	}

	start := index
	merged := released
	if index > 0 && l.regions[index-1].End() == offset {
		start = index - 1
		merged.Offset = l.regions[start].Offset
		merged.Size += l.regions[start].Size
	}

	removed := index - start
	if index < len(l.regions) && l.regions[index].Offset == released.End() {
		merged.Size += l.regions[index].Size
		removed++
	}

	l.splice(start, removed, merged)
	l.sum += size
	return nil
}

func (l *FreeList) splice(index, remove int, insert ...Region) {
	tail := append([]Region(nil), l.regions[index+remove:]...)
	l.regions = append(append(l.regions[:index], insert...), tail...)
}

// Validate confirms that the list is sorted, contains no empty, overlapping or touching regions,
// and that its cached free byte count is correct
func (l *FreeList) Validate() error {
	sum := 0
	for i, region := range l.regions {
		if region.Size <= 0 {
			return cerrors.Wrapf(memutils.ErrInvariantViolation, "free region at offset %d has size %d", region.Offset, region.Size)
		}
		if i > 0 && l.regions[i-1].End() >= region.Offset {
			return cerrors.Wrapf(memutils.ErrInvariantViolation, "free region at offset %d touches or overlaps the free region before it", region.Offset)
		}
		sum += region.Size
	}

	if sum != l.sum {
		return cerrors.Wrapf(memutils.ErrInvariantViolation, "free list reports %d free bytes, but its regions add up to %d", l.sum, sum)
	}

	return nil
}
