package vam

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// typedPool pairs a chunk pool with the MemoryType it was created for
type typedPool[T UsageFlags] struct {
	memoryType MemoryType[T]
	pool       *chunkPool
}

// selectPool returns the first existing pool whose type can serve the requested type, creating a new
// pool for the requested type if there is none
func selectPool[T UsageFlags](a *Allocator, pools *[]typedPool[T], memoryType MemoryType[T]) (*chunkPool, error) {
	a.mutex.RLock()
	pool := findPool(*pools, memoryType)
	destroyed := a.destroyed
	a.mutex.RUnlock()

	if destroyed {
		return nil, errors.New("attempted to allocate from an allocator that has been destroyed")
	} else if pool != nil {
		return pool, nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	// Another goroutine may have created a matching pool while the lock was released
	pool = findPool(*pools, memoryType)
	if pool != nil {
		return pool, nil
	}

	pool, err := a.createPool(memoryType.Memory)
	if err != nil {
		return nil, err
	}

	*pools = append(*pools, typedPool[T]{
		memoryType: memoryType,
		pool:       pool,
	})
	return pool, nil
}

func findPool[T UsageFlags](pools []typedPool[T], memoryType MemoryType[T]) *chunkPool {
	for _, candidate := range pools {
		if candidate.memoryType.Valid(memoryType) {
			return candidate.pool
		}
	}

	return nil
}

// createPool must be called with the allocator's write lock held
func (a *Allocator) createPool(flags core1_0.MemoryPropertyFlags) (*chunkPool, error) {
	memoryTypeIndex, err := a.device.FindMemoryTypeIndex(flags)
	if err != nil {
		return nil, err
	}

	pool := &chunkPool{}
	err = pool.Init(a.useMutex, a, memoryTypeIndex, a.chunkSize, a.minChunkCount, a.strategy, a.defragOptions)
	if err != nil {
		return nil, err
	}

	_, err = pool.CreateMinChunks()
	if err != nil {
		destroyErr := pool.Destroy()
		return nil, errors.CombineErrors(err, destroyErr)
	}

	if a.defragRunning {
		pool.defragger.Start()
	}

	a.pools = append(a.pools, pool)
	return pool, nil
}
