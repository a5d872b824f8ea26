package vam

import (
	"context"
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"golang.org/x/exp/slog"
)

// chunk is a single allocation of device memory that live allocations are carved from
type chunk struct {
	id     int
	memory device.Memory
	logger *slog.Logger

	mutex    utils.OptionalRWMutex
	metadata *metadata.ChunkMetadata
}

var _ metadata.FreeRegionSource = &chunk{}

func (c *chunk) Init(logger *slog.Logger, id int, memory device.Memory, useMutex bool) {
	if c.memory != nil {
		panic("attempting to initialize a chunk that is already in use")
	}

	c.id = id
	c.memory = memory
	c.logger = logger
	c.mutex = utils.OptionalRWMutex{
		UseMutex: useMutex,
	}
	c.metadata = metadata.NewChunkMetadata()
	c.metadata.Init(memory.Size())
}

// VisitFreeRegions holds the chunk's read lock while the visitor runs, so that a fit strategy sees
// a consistent free list
func (c *chunk) VisitFreeRegions(visit func(region metadata.Region) bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	c.metadata.VisitFreeRegions(visit)
}

// Destroy releases the chunk's device memory. It fails, and logs every live allocation, if the chunk
// still holds allocations.
func (c *chunk) Destroy(dev device.Device) error {
	if !c.metadata.IsEmpty() {
		// Log all remaining allocations
		err := c.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			c.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			c.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.New("some allocations were not freed before the destruction of this chunk!")
	}

	if c.memory == nil {
		panic("attempting to destroy a chunk, but it did not have a backing device memory handle")
	}

	dev.FreeDeviceMemory(c.memory)
	c.memory = nil
	c.metadata = nil
	return nil
}

func (c *chunk) logUnreleasedMemory(offset, size int, userData any) {
	attrs := []slog.Attr{
		slog.Int("chunk.id", c.id),
		slog.Int("offset", offset),
		slog.Int("size", size),
	}

	location, isLocation := userData.(*MemoryLocation)
	if isLocation && location != nil && location.resource != nil {
		attrs = append(attrs, slog.String("resource", fmt.Sprintf("%+v", location.resource)))
	}

	c.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation", attrs...)
}

func (c *chunk) Validate() error {
	if c.memory == nil {
		return errors.New("no valid memory for this chunk")
	}
	if c.metadata.Size() != c.memory.Size() {
		return errors.Errorf("chunk %d has metadata of size %d but device memory of size %d", c.id, c.metadata.Size(), c.memory.Size())
	}

	err := c.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		location, isLocation := userData.(*MemoryLocation)
		if free && isLocation {
			return cerrors.Wrapf(memutils.ErrInvariantViolation, "a region at offset %d is marked as free but contains a memory location", offset)
		} else if !free && (!isLocation || location == nil) {
			return cerrors.Wrapf(memutils.ErrInvariantViolation, "an allocation at offset %d is marked as allocated but has no memory location", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return c.metadata.Validate()
}
