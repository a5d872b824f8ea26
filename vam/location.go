package vam

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

const (
	createdFillPattern   uint8 = 0xDC
	destroyedFillPattern uint8 = 0xEF
)

// MemoryLocation is the handle returned to consumers for every allocation. It stays valid for the
// life of the allocation, even as the defragmenter moves the allocation between and within chunks.
// The offset, memory, and mapped pointers it returns are only valid until the next relocation, so
// consumers should fetch them through the location each time they are needed, or hold a mapping
// with Map, which prevents relocation until Unmap.
type MemoryLocation struct {
	pool  *chunkPool
	mutex utils.OptionalRWMutex

	chunkID    int
	handle     metadata.BlockAllocationHandle
	offset     int
	size       int
	alignment  uint
	memory     device.Memory
	generation uint64
	resource   any
	freed      bool

	mapCount atomic.Int32
}

func (l *MemoryLocation) init(pool *chunkPool, size int, alignment uint, useMutex bool) {
	l.pool = pool
	l.size = size
	l.alignment = alignment
	l.handle = metadata.NoAllocation
	l.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
	}
}

// Offset is the offset of the allocation within its chunk's device memory
func (l *MemoryLocation) Offset() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.offset
}

func (l *MemoryLocation) Size() int {
	return l.size
}

func (l *MemoryLocation) Alignment() uint {
	return l.alignment
}

// ChunkID identifies the chunk within its pool that currently holds the allocation
func (l *MemoryLocation) ChunkID() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.chunkID
}

// Memory is the device memory of the chunk that currently holds the allocation
func (l *MemoryLocation) Memory() device.Memory {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.memory
}

// Generation is incremented each time the allocation is relocated
func (l *MemoryLocation) Generation() uint64 {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.generation
}

// SetResource attaches a consumer resource, usually the buffer or image bound to this memory, to the
// location. It is made available to the RelocationCallback.
func (l *MemoryLocation) SetResource(resource any) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.resource = resource
}

func (l *MemoryLocation) Resource() any {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.resource
}

// Map returns a host pointer to the start of the allocation. The allocation will not be relocated
// until a matching call to Unmap. Map may be called multiple times, each call must be paired with
// an Unmap.
func (l *MemoryLocation) Map() (unsafe.Pointer, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.freed {
		return nil, errors.New("attempted to map a memory location that has already been freed")
	}

	// Relocation and Free check the map count under the write lock
	l.mapCount.Add(1)
	data, _, err := l.pool.device.MapMemory(l.memory, l.offset, l.size)
	if err != nil {
		l.mapCount.Add(-1)
		return nil, err
	}

	return data, nil
}

func (l *MemoryLocation) Unmap() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.mapCount.Add(-1) < 0 {
		l.mapCount.Add(1)
		return errors.New("attempted to unmap a memory location that is not mapped")
	}

	l.pool.device.UnmapMemory(l.memory)
	return nil
}

func (l *MemoryLocation) mapped() bool {
	return l.mapCount.Load() > 0
}

func (l *MemoryLocation) checkRange(offset int, size int) error {
	if offset < 0 || offset+size > l.size {
		return errors.Newf("range [%d, %d) lies outside a memory location of size %d", offset, offset+size, l.size)
	}
	return nil
}

// Write copies data into the allocation, starting offset bytes from the start of the allocation
func (l *MemoryLocation) Write(offset int, data []byte) error {
	err := l.checkRange(offset, len(data))
	if err != nil {
		return err
	}

	ptr, err := l.Map()
	if err != nil {
		return err
	}

	copy(unsafe.Slice((*byte)(unsafe.Add(ptr, offset)), len(data)), data)
	return l.Unmap()
}

// Read copies len(data) bytes out of the allocation, starting offset bytes from the start of the
// allocation
func (l *MemoryLocation) Read(offset int, data []byte) error {
	err := l.checkRange(offset, len(data))
	if err != nil {
		return err
	}

	ptr, err := l.Map()
	if err != nil {
		return err
	}

	copy(data, unsafe.Slice((*byte)(unsafe.Add(ptr, offset)), len(data)))
	return l.Unmap()
}

// Free returns the allocation to its chunk. The location must not be used afterward.
func (l *MemoryLocation) Free() error {
	return l.pool.free(l)
}
