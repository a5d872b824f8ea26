package defrag_test

import (
	"math"
	"sync"
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/defrag"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

// Segment describes one region of a fake chunk: a live allocation, or a free region if Free is set
type Segment struct {
	Size int
	Free bool
}

type fakePool struct {
	lock   sync.Mutex
	chunks []*metadata.ChunkMetadata
	// releaseEmpty causes chunks to be released as soon as relocation empties them
	releaseEmpty bool
	released     map[int]bool
}

func newFakePool(t *testing.T, layouts ...[]Segment) *fakePool {
	pool := &fakePool{released: make(map[int]bool)}

	for _, layout := range layouts {
		size := 0
		for _, segment := range layout {
			size += segment.Size
		}

		chunk := metadata.NewChunkMetadata()
		chunk.Init(size)

		var toFree []metadata.BlockAllocationHandle
		for _, segment := range layout {
			candidate, success, err := metadata.CreateAllocationRequest(
				[]metadata.FreeRegionSource{chunk}, segment.Size, 1, metadata.FirstFit{}, math.MaxInt)
			require.NoError(t, err)
			require.True(t, success)

			handle, err := chunk.Alloc(candidate.Request(segment.Size, 1), nil)
			require.NoError(t, err)

			if segment.Free {
				toFree = append(toFree, handle)
			}
		}

		for _, handle := range toFree {
			require.NoError(t, chunk.Free(handle))
		}

		pool.chunks = append(pool.chunks, chunk)
	}

	return pool
}

func (p *fakePool) Snapshot() []defrag.ChunkSnapshot {
	p.lock.Lock()
	defer p.lock.Unlock()

	var snapshots []defrag.ChunkSnapshot
	for id, chunk := range p.chunks {
		if p.released[id] {
			continue
		}

		snapshots = append(snapshots, defrag.ChunkSnapshot{
			ID:          id,
			Memory:      id,
			Size:        chunk.Size(),
			FreeRegions: chunk.FreeRegions(),
			Allocations: chunk.Allocations(),
		})
	}
	return snapshots
}

func (p *fakePool) Relocate(op defrag.Operation) (int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	source := p.chunks[op.SourceChunk]
	alloc, err := source.Allocation(op.Source.Handle)
	if err != nil || alloc.Offset != op.Source.Offset {
		return 0, cerrors.Wrap(memutils.ErrStaleLocation, "source moved")
	}

	target := p.chunks[op.TargetChunk]
	_, err = target.Alloc(metadata.RequestAt(op.TargetOffset, alloc.Size, alloc.Alignment), alloc.UserData)
	if err != nil {
		return 0, err
	}

	err = source.Free(op.Source.Handle)
	if err != nil {
		return 0, err
	}

	if p.releaseEmpty && source.IsEmpty() && op.CrossChunk() {
		p.released[op.SourceChunk] = true
		return source.Size(), nil
	}

	return 0, nil
}

func (p *fakePool) validate(t *testing.T) {
	p.lock.Lock()
	defer p.lock.Unlock()

	for _, chunk := range p.chunks {
		require.NoError(t, chunk.Validate())
	}
}
