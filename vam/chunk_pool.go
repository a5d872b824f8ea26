package vam

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
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

// maxStaleRetries is the number of times an allocation will search the pool again after its
// allocation request went stale before the commit
const maxStaleRetries = 8

// chunkPool is the set of chunks for a single memory type. All allocations from the pool are carved
// out of its chunks, and the pool's defragger moves allocations between them.
type chunkPool struct {
	logger             *slog.Logger
	device             device.Device
	callbacks          *memoryCallbacks
	relocationCallback RelocationCallback
	defragger          *defrag.Defragger

	memoryTypeIndex int
	chunkSize       int
	minChunkCount   int
	strategy        metadata.FitStrategy
	useMutex        bool

	// mutex guards the chunk table. It is always acquired before any location or chunk mutex.
	mutex       utils.OptionalRWMutex
	chunks      []*chunk
	chunksByID  *swiss.Map[int, *chunk]
	nextChunkID int
}

var _ defrag.Pool = &chunkPool{}

func (p *chunkPool) MemoryTypeIndex() int { return p.memoryTypeIndex }
func (p *chunkPool) ChunkSize() int       { return p.chunkSize }

func (p *chunkPool) ChunkCount() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	return len(p.chunks)
}

func (p *chunkPool) owns(memory device.Memory) bool {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, c := range p.chunks {
		if c.memory == memory {
			return true
		}
	}

	return false
}

func (p *chunkPool) Init(
	useMutex bool,
	allocator *Allocator,
	memoryTypeIndex int,
	chunkSize int,
	minChunkCount int,
	strategy metadata.FitStrategy,
	defragOptions defrag.Options,
) error {
	p.logger = allocator.logger
	p.device = allocator.device
	p.callbacks = allocator.callbacks
	p.relocationCallback = allocator.relocationCallback
	p.memoryTypeIndex = memoryTypeIndex
	p.chunkSize = chunkSize
	p.minChunkCount = minChunkCount
	p.strategy = strategy
	p.useMutex = useMutex
	p.chunksByID = swiss.NewMap[int, *chunk](8)
	p.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
	}

	var err error
	p.defragger, err = defrag.NewDefragger(p.logger.With(slog.Int("MemoryTypeIndex", memoryTypeIndex)), p, defragOptions)
	return err
}

func (p *chunkPool) CreateMinChunks() (common.VkResult, error) {
	for i := 0; i < p.minChunkCount; i++ {
		_, res, err := p.createChunk(p.chunkSize)
		if err != nil {
			return res, err
		}
	}

	return core1_0.VKSuccess, nil
}

// Destroy stops the pool's defragger and frees every chunk. Chunks that still hold allocations are
// logged and left in place, and an error is returned.
func (p *chunkPool) Destroy() error {
	p.defragger.Exit()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	remaining := p.chunks[:0]
	for _, c := range p.chunks {
		memory := c.memory
		destroyErr := c.Destroy(p.device)
		if destroyErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(destroyErr, "chunk %d", c.id))
			remaining = append(remaining, c)
			continue
		}

		p.chunksByID.Delete(c.id)
		p.callbacks.Free(p.memoryTypeIndex, memory, memory.Size())
	}
	p.chunks = remaining

	return err
}

func (p *chunkPool) createChunk(chunkSize int) (*chunk, common.VkResult, error) {
	memory, res, err := p.device.AllocateDeviceMemory(chunkSize, p.memoryTypeIndex)
	if err != nil {
		return nil, res, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	c := &chunk{}
	c.Init(p.logger, p.nextChunkID, memory, p.useMutex)
	p.nextChunkID++

	p.chunks = append(p.chunks, c)
	p.chunksByID.Put(c.id, c)
	p.callbacks.Allocate(p.memoryTypeIndex, memory, chunkSize)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created chunk",
		slog.Int("chunk.id", c.id),
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
		slog.Int("Size", chunkSize),
	)
	return c, res, nil
}

func (p *chunkPool) removeChunk(c *chunk) {
	for chunkIndex := 0; chunkIndex < len(p.chunks); chunkIndex++ {
		if p.chunks[chunkIndex] == c {
			p.chunks = append(p.chunks[0:chunkIndex], p.chunks[chunkIndex+1:]...)
			p.chunksByID.Delete(c.id)
			return
		}
	}

	panic("attempted to remove a chunk from a pool that it did not belong to")
}

// Allocate carves a new allocation out of the pool's chunks. If no chunk can hold it, a new chunk
// large enough for the allocation is created and the search is retried once.
func (p *chunkPool) Allocate(size int, alignment uint) (*MemoryLocation, common.VkResult, error) {
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", size)
	}
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	location := &MemoryLocation{}
	location.init(p, size, alignment, p.useMutex)

	memory, err := p.allocateFromChunks(location)
	if err == nil {
		p.defragger.Invalidate(memory)
		return location, core1_0.VKSuccess, nil
	} else if !errors.Is(err, memutils.ErrOutOfSpace) {
		return nil, core1_0.VKErrorUnknown, err
	}

	newChunkSize := p.chunkSize
	if size > newChunkSize {
		newChunkSize = size
	}

	newChunk, res, err := p.createChunk(newChunkSize)
	if err != nil {
		return nil, res, err
	}
	p.defragger.Invalidate(newChunk.memory)

	memory, err = p.allocateFromChunks(location)
	if errors.Is(err, memutils.ErrOutOfSpace) {
		return nil, core1_0.VKErrorOutOfDeviceMemory, err
	} else if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	p.defragger.Invalidate(memory)
	return location, core1_0.VKSuccess, nil
}

func (p *chunkPool) allocateFromChunks(location *MemoryLocation) (device.Memory, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		memory, err := p.tryAllocate(location)
		if err == nil || !errors.Is(err, memutils.ErrStaleRequest) {
			return memory, err
		}

		p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocation request went stale",
			slog.Int("Attempt", attempt),
			slog.Int("Size", location.size),
		)
	}

	return nil, errors.Wrapf(memutils.ErrOutOfSpace, "allocation request went stale %d times", maxStaleRetries)
}

func (p *chunkPool) tryAllocate(location *MemoryLocation) (device.Memory, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	sources := make([]metadata.FreeRegionSource, 0, len(p.chunks))
	for _, c := range p.chunks {
		sources = append(sources, c)
	}

	candidate, found, err := metadata.CreateAllocationRequest(sources, location.size, location.alignment, p.strategy, math.MaxInt)
	if err != nil {
		return nil, err
	} else if !found {
		return nil, memutils.ErrOutOfSpace
	}

	target := p.chunks[candidate.Chunk]

	location.mutex.Lock()
	defer location.mutex.Unlock()

	target.mutex.Lock()
	defer target.mutex.Unlock()

	handle, err := target.metadata.Alloc(candidate.Request(location.size, location.alignment), location)
	if err != nil {
		return nil, err
	}

	location.chunkID = target.id
	location.handle = handle
	location.offset = candidate.Offset
	location.memory = target.memory
	location.fillAllocation(createdFillPattern)

	return target.memory, nil
}

func (p *chunkPool) free(location *MemoryLocation) error {
	freedChunk, memory, err := p.freeWithLock(location)
	if err != nil {
		return err
	}

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from chunk",
		slog.Int("chunk.id", freedChunk.id),
		slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
	)

	p.defragger.Invalidate(memory)
	p.releaseIfEmpty(freedChunk)
	return nil
}

func (p *chunkPool) freeWithLock(location *MemoryLocation) (*chunk, device.Memory, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	location.mutex.Lock()
	defer location.mutex.Unlock()

	if location.freed {
		return nil, nil, errors.New("attempted to free a memory location that has already been freed")
	} else if location.mapped() {
		return nil, nil, errors.New("attempted to free a memory location that is still mapped")
	}

	c, ok := p.chunksByID.Get(location.chunkID)
	if !ok {
		panic(fmt.Sprintf("memory location refers to chunk %d, which does not exist", location.chunkID))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	location.fillAllocation(destroyedFillPattern)
	err := c.metadata.Free(location.handle)
	if err != nil {
		return nil, nil, err
	}

	location.freed = true
	location.handle = metadata.NoAllocation
	return c, c.memory, nil
}

// releaseIfEmpty frees the candidate chunk's device memory if it has no allocations, the pool holds
// another empty chunk, and the pool is above its minimum chunk count. It returns the number of bytes
// released.
func (p *chunkPool) releaseIfEmpty(candidate *chunk) int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.chunksByID.Get(candidate.id); !ok || len(p.chunks) <= p.minChunkCount {
		return 0
	}

	if !candidate.metadata.IsEmpty() {
		return 0
	}

	hasOtherEmptyChunk := false
	for _, c := range p.chunks {
		if c != candidate && c.metadata.IsEmpty() {
			hasOtherEmptyChunk = true
			break
		}
	}

	if !hasOtherEmptyChunk {
		return 0
	}

	memory := candidate.memory
	size := memory.Size()

	p.removeChunk(candidate)
	err := candidate.Destroy(p.device)
	if err != nil {
		panic(fmt.Sprintf("unexpected failure when destroying an empty chunk: %+v", err))
	}
	p.callbacks.Free(p.memoryTypeIndex, memory, size)

	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty chunk",
		slog.Int("chunk.id", candidate.id),
		slog.Int("Size", size),
	)
	return size
}

// Snapshot copies the layout of every chunk, each under its own read lock
func (p *chunkPool) Snapshot() []defrag.ChunkSnapshot {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	snapshots := make([]defrag.ChunkSnapshot, 0, len(p.chunks))
	for _, c := range p.chunks {
		c.mutex.RLock()
		snapshots = append(snapshots, defrag.ChunkSnapshot{
			ID:          c.id,
			Memory:      c.memory,
			Size:        c.metadata.Size(),
			FreeRegions: c.metadata.FreeRegions(),
			Allocations: c.metadata.Allocations(),
		})
		c.mutex.RUnlock()
	}

	return snapshots
}

// Relocate moves a single allocation to the target of the operation. The target is reserved and the
// contents copied while the location and both chunks are locked. The source is only released, and
// the location only updated, after the copy succeeds.
func (p *chunkPool) Relocate(op defrag.Operation) (int, error) {
	source, location, oldMemory, oldOffset, err := p.relocateWithLock(op)
	if err != nil {
		return 0, err
	}

	newMemory := location.Memory()
	p.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Relocated allocation",
		slog.Int("SourceChunk", op.SourceChunk),
		slog.Int("SourceOffset", oldOffset),
		slog.Int("TargetChunk", op.TargetChunk),
		slog.Int("TargetOffset", op.TargetOffset),
		slog.Int("Size", op.Size()),
	)

	if p.relocationCallback != nil {
		p.relocationCallback(location, oldMemory, oldOffset)
	}

	p.defragger.Invalidate(oldMemory)
	if !op.CrossChunk() {
		return 0, nil
	}

	p.defragger.Invalidate(newMemory)
	return p.releaseIfEmpty(source), nil
}

func lockChunks(first, second *chunk) (unlock func()) {
	if first == second {
		first.mutex.Lock()
		return first.mutex.Unlock
	}

	if second.id < first.id {
		first, second = second, first
	}

	first.mutex.Lock()
	second.mutex.Lock()
	return func() {
		second.mutex.Unlock()
		first.mutex.Unlock()
	}
}

func (p *chunkPool) relocateWithLock(op defrag.Operation) (source *chunk, location *MemoryLocation, oldMemory device.Memory, oldOffset int, err error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	source, sourceOk := p.chunksByID.Get(op.SourceChunk)
	target, targetOk := p.chunksByID.Get(op.TargetChunk)
	if !sourceOk || !targetOk {
		return nil, nil, nil, 0, errors.Wrapf(memutils.ErrStaleLocation, "chunk %d or chunk %d was released", op.SourceChunk, op.TargetChunk)
	}

	source.mutex.RLock()
	alloc, allocErr := source.metadata.Allocation(op.Source.Handle)
	source.mutex.RUnlock()
	if allocErr != nil || alloc.Region() != op.Source.Region() {
		return nil, nil, nil, 0, errors.Wrapf(memutils.ErrStaleLocation, "allocation at offset %d of chunk %d was freed or moved", op.Source.Offset, op.SourceChunk)
	}

	location, ok := alloc.UserData.(*MemoryLocation)
	if !ok || location == nil {
		return nil, nil, nil, 0, errors.Newf("allocation at offset %d of chunk %d has no memory location", alloc.Offset, source.id)
	}

	if !location.mutex.TryLock() {
		return nil, nil, nil, 0, errors.Wrapf(memutils.ErrStaleLocation, "memory location at offset %d of chunk %d is in use", alloc.Offset, source.id)
	}
	defer location.mutex.Unlock()

	if location.mapped() {
		return nil, nil, nil, 0, errors.Wrapf(memutils.ErrStaleLocation, "memory location at offset %d of chunk %d is mapped", alloc.Offset, source.id)
	}

	unlock := lockChunks(source, target)
	defer unlock()

	alloc, allocErr = source.metadata.Allocation(op.Source.Handle)
	if location.freed || location.chunkID != source.id || location.handle != op.Source.Handle ||
		allocErr != nil || alloc.Region() != op.Source.Region() {
		return nil, nil, nil, 0, errors.Wrapf(memutils.ErrStaleLocation, "allocation at offset %d of chunk %d was freed or moved", op.Source.Offset, op.SourceChunk)
	}

	targetHandle, err := target.metadata.Alloc(metadata.RequestAt(op.TargetOffset, alloc.Size, alloc.Alignment), location)
	if err != nil {
		return nil, nil, nil, 0, err
	}

	res, err := p.device.CopyWithinDevice(source.memory, alloc.Offset, target.memory, op.TargetOffset, alloc.Size)
	if err != nil {
		rollbackErr := target.metadata.Free(targetHandle)
		if rollbackErr != nil {
			panic(fmt.Sprintf("unexpected error when rolling back a relocation target: %+v", rollbackErr))
		}

		return nil, nil, nil, 0, errors.Wrapf(memutils.ErrCopyFailed, "copy from chunk %d to chunk %d returned %s: %v", source.id, target.id, res, err)
	}

	err = source.metadata.Free(alloc.Handle)
	if err != nil {
		panic(fmt.Sprintf("unexpected error when freeing a relocated allocation with handle %d: %+v", alloc.Handle, err))
	}

	oldMemory = location.memory
	oldOffset = location.offset

	location.chunkID = target.id
	location.handle = targetHandle
	location.offset = op.TargetOffset
	location.memory = target.memory
	location.generation++

	memutils.DebugValidate(source)
	memutils.DebugValidate(target)

	return source, location, oldMemory, oldOffset, nil
}

func (p *chunkPool) AddStatistics(stats *memutils.Statistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, c := range p.chunks {
		c.mutex.RLock()
		c.metadata.AddStatistics(stats)
		c.mutex.RUnlock()
	}
}

func (p *chunkPool) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, c := range p.chunks {
		c.mutex.RLock()
		c.metadata.AddDetailedStatistics(stats)
		c.mutex.RUnlock()
	}
}

func (p *chunkPool) Validate() error {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	for _, c := range p.chunks {
		c.mutex.RLock()
		err := c.Validate()
		c.mutex.RUnlock()

		if err != nil {
			return errors.Wrapf(err, "memory type %d, chunk %d", p.memoryTypeIndex, c.id)
		}
	}

	return nil
}

func (p *chunkPool) PrintDetailedMap(json *jwriter.ObjectState) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	json.Name("MemoryTypeIndex").Int(p.memoryTypeIndex)
	json.Name("ChunkSize").Int(p.chunkSize)
	json.Name("Strategy").String(p.strategy.Kind().String())

	stats := p.defragger.Stats()
	defragObj := json.Name("Defragmentation").Object()
	defragObj.Name("State").String(p.defragger.State().String())
	defragObj.Name("BytesMoved").Int(stats.BytesMoved)
	defragObj.Name("AllocationsMoved").Int(stats.AllocationsMoved)
	defragObj.Name("MovesFailed").Int(stats.MovesFailed)
	defragObj.Name("MovesSkipped").Int(stats.MovesSkipped)
	defragObj.Name("ChunksFreed").Int(stats.ChunksFreed)
	defragObj.End()

	chunksObj := json.Name("Chunks").Object()
	defer chunksObj.End()

	for _, c := range p.chunks {
		c.mutex.RLock()

		chunkObj := chunksObj.Name(strconv.Itoa(c.id)).Object()
		c.metadata.BlockJsonData(chunkObj)
		p.printDetailedMapAllocations(c.metadata, chunkObj)
		chunkObj.End()

		c.mutex.RUnlock()
	}
}

func (p *chunkPool) printDetailedMapAllocations(md *metadata.ChunkMetadata, json jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	err := md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("FREE")
				return nil
			}

			obj.Name("Type").String("ALLOCATION")
			return nil
		})
	if err != nil {
		p.logger.LogAttrs(context.Background(), slog.LevelError,
			"error while iterating chunk regions for the detailed map",
			slog.Int("MemoryTypeIndex", p.memoryTypeIndex),
			slog.Any("error", err))
	}
}
