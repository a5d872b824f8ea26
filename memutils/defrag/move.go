package defrag

//go:generate mockgen -source move.go -destination ./mocks/pool.go -package mock_defrag

import (
	"sort"

	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

// ChunkSnapshot is a point-in-time copy of one chunk's layout, taken by Pool.Snapshot
type ChunkSnapshot struct {
	// ID identifies the chunk within its pool
	ID int
	// Memory is the device memory handle backing the chunk. It is the key passed to Defragger.Invalidate.
	Memory any
	Size   int
	// FreeRegions lists the chunk's free regions in offset order
	FreeRegions []metadata.Region
	// Allocations lists the chunk's live allocations in offset order
	Allocations []metadata.Suballocation
}

// Pool is the set of chunks a Defragger works on
type Pool interface {
	// Snapshot copies the layout of every chunk in the pool. Each chunk must be read under its own lock
	// so that every snapshot is internally consistent.
	Snapshot() []ChunkSnapshot
	// Relocate applies a single relocation: reserve the target, copy the contents, then release the
	// source. It returns the size of the source chunk if the chunk was released as a consequence, or 0
	// if it was kept. ErrStaleLocation and
	// ErrStaleRequest indicate that the pool changed since the snapshot; ErrCopyFailed indicates that
	// the device could not copy the contents. In every error case the pool must be left as it was.
	Relocate(op Operation) (releasedBytes int, err error)
}

// Operation is a single proposed relocation of a live allocation
type Operation struct {
	// SourceChunk is the ID of the chunk the allocation currently lives in
	SourceChunk int
	// Source is the allocation as it appeared in the snapshot the operation was proposed from
	Source metadata.Suballocation
	// TargetChunk is the ID of the chunk the allocation will be moved to. It may equal SourceChunk.
	TargetChunk int
	// TargetOffset is the aligned offset the allocation will be moved to
	TargetOffset int
	// Weight is the expected fragmentation benefit of the move. Higher weights are applied first.
	Weight float64
	// Emptying is true when every live allocation of the source chunk is scheduled to move this pass
	Emptying bool
}

func (o Operation) Size() int {
	return o.Source.Size
}

func (o Operation) CrossChunk() bool {
	return o.SourceChunk != o.TargetChunk
}

// rankOperations sorts operations by weight descending, then toward operations that empty their
// source chunk, then by higher source offset
func rankOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		left, right := ops[i], ops[j]
		if left.Weight != right.Weight {
			return left.Weight > right.Weight
		}
		if left.Emptying != right.Emptying {
			return left.Emptying
		}
		return left.Source.Offset > right.Source.Offset
	})
}
