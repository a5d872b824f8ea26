package vam

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/defrag"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

// Allocator carves buffer and image memory out of large chunks of device memory. Each distinct memory
// type gets its own pool of chunks, and each pool owns a defragmenter that moves allocations between
// and within chunks to keep free space contiguous.
type Allocator struct {
	useMutex    bool
	logger      *slog.Logger
	device      device.Device
	createFlags CreateFlags
	callbacks   *memoryCallbacks

	relocationCallback RelocationCallback
	strategy           metadata.FitStrategy
	chunkSize          int
	minChunkCount      int
	defragOptions      defrag.Options

	mutex         utils.OptionalRWMutex
	bufferPools   []typedPool[core1_0.BufferUsageFlags]
	imagePools    []typedPool[core1_0.ImageUsageFlags]
	pools         []*chunkPool
	defragRunning bool
	destroyed     bool
}

// poolList copies the pool list so that pools can be operated on without holding the allocator lock.
// Defragmentation passes call the RelocationCallback, which may call back into the allocator.
func (a *Allocator) poolList() []*chunkPool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	pools := make([]*chunkPool, len(a.pools))
	copy(pools, a.pools)
	return pools
}

func (a *Allocator) logMethod(name string) {
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, name)
}

// AllocateBuffer allocates memory for a buffer of the provided type
func (a *Allocator) AllocateBuffer(memoryType BufferType, size int, alignment uint) (*MemoryLocation, common.VkResult, error) {
	a.logMethod("Allocator::AllocateBuffer")

	pool, err := selectPool(a, &a.bufferPools, memoryType)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	return pool.Allocate(size, alignment)
}

// AllocateImage allocates memory for an image of the provided type
func (a *Allocator) AllocateImage(memoryType ImageType, size int, alignment uint) (*MemoryLocation, common.VkResult, error) {
	a.logMethod("Allocator::AllocateImage")

	pool, err := selectPool(a, &a.imagePools, memoryType)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	return pool.Allocate(size, alignment)
}

// Deallocate frees a memory location. It is equivalent to location.Free().
func (a *Allocator) Deallocate(location *MemoryLocation) error {
	a.logMethod("Allocator::Deallocate")

	if location == nil {
		return errors.New("attempted to deallocate a nil memory location")
	}

	return location.Free()
}

// Invalidate tells the defragmenter of the pool that owns memory that the chunk's layout has changed
// and should be rescored
func (a *Allocator) Invalidate(memory device.Memory) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, pool := range a.pools {
		if pool.owns(memory) {
			pool.defragger.Invalidate(memory)
			return
		}
	}
}

// StartDefragmentation starts every pool's defragmenter in the background, including the
// defragmenters of pools created later
func (a *Allocator) StartDefragmentation() error {
	a.logMethod("Allocator::StartDefragmentation")

	if !a.useMutex {
		return errors.New("background defragmentation is not available to externally-synchronized allocators")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return errors.New("attempted to start defragmentation on an allocator that has been destroyed")
	}

	a.defragRunning = true
	for _, pool := range a.pools {
		pool.defragger.Start()
	}

	return nil
}

// StopDefragmentation stops every pool's background defragmenter and waits for in-flight passes to
// finish
func (a *Allocator) StopDefragmentation() {
	a.logMethod("Allocator::StopDefragmentation")

	a.mutex.Lock()
	a.defragRunning = false
	a.mutex.Unlock()

	for _, pool := range a.poolList() {
		pool.defragger.Stop()
	}
}

// Defragment runs one defragmentation pass on every pool from the calling goroutine and returns the
// combined statistics for those passes
func (a *Allocator) Defragment() (defrag.DefragmentationStats, error) {
	a.logMethod("Allocator::Defragment")

	var stats defrag.DefragmentationStats
	for _, pool := range a.poolList() {
		passStats, err := pool.defragger.RunPass()
		if err != nil {
			return stats, err
		}
		stats.Add(passStats)
	}

	return stats, nil
}

// DefragmentationStats returns the statistics every pool's defragmenter has accumulated
func (a *Allocator) DefragmentationStats() defrag.DefragmentationStats {
	var stats defrag.DefragmentationStats
	for _, pool := range a.poolList() {
		stats.Add(pool.defragger.Stats())
	}

	return stats
}

// Validate checks that every chunk's free regions and allocations exactly partition the chunk
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, pool := range a.pools {
		err := pool.Validate()
		if err != nil {
			return err
		}
	}

	return nil
}

// CalculateStatistics populates stats with totals across every chunk of every pool
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, pool := range a.pools {
		pool.AddDetailedStatistics(stats)
	}
}

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString produces a JSON document describing the allocator's memory usage. When detailedMap
// is true, the document also lists every chunk of every pool along with its free regions and
// allocations.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	printStatistics(&totalObj, &stats)
	totalObj.End()

	a.mutex.RLock()
	poolsArray := rootObj.Name("Pools").Array()
	for _, pool := range a.bufferPools {
		poolObj := poolsArray.Object()
		poolObj.Name("Kind").String("Buffer")
		poolObj.Name("MemoryType").String(pool.memoryType.String())
		a.printPool(&poolObj, pool.pool, detailedMap)
		poolObj.End()
	}
	for _, pool := range a.imagePools {
		poolObj := poolsArray.Object()
		poolObj.Name("Kind").String("Image")
		poolObj.Name("MemoryType").String(pool.memoryType.String())
		a.printPool(&poolObj, pool.pool, detailedMap)
		poolObj.End()
	}
	poolsArray.End()
	a.mutex.RUnlock()

	rootObj.End()
	return string(writer.Bytes())
}

func (a *Allocator) printPool(json *jwriter.ObjectState, pool *chunkPool, detailedMap bool) {
	if detailedMap {
		pool.PrintDetailedMap(json)
		return
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	pool.AddDetailedStatistics(&stats)

	json.Name("MemoryTypeIndex").Int(pool.MemoryTypeIndex())
	statsObj := json.Name("Stats").Object()
	printStatistics(&statsObj, &stats)
	statsObj.End()
}

// Destroy stops every defragmenter and frees every chunk of device memory. Allocations that were never
// freed are logged as errors and cause Destroy to return an error. Their chunks are not freed.
func (a *Allocator) Destroy() error {
	a.logMethod("Allocator::Destroy")

	a.mutex.Lock()
	if a.destroyed {
		a.mutex.Unlock()
		return nil
	}
	a.destroyed = true
	a.defragRunning = false
	a.mutex.Unlock()

	var err error
	for _, pool := range a.poolList() {
		err = errors.CombineErrors(err, pool.Destroy())
	}

	return err
}
