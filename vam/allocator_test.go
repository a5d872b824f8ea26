package vam

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/device/hostmem"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"
)

var vertexBuffer = BufferType{
	Usage:  core1_0.BufferUsageVertexBuffer,
	Memory: core1_0.MemoryPropertyHostVisible,
}

func readyAllocator(t *testing.T, deviceOptions hostmem.Options, options CreateOptions) (*hostmem.Device, *Allocator) {
	dev := hostmem.New(deviceOptions)
	allocator, err := New(slog.Default(), dev, options)
	require.NoError(t, err)

	return dev, allocator
}

func allocateBuffer(t *testing.T, allocator *Allocator, size int) *MemoryLocation {
	location, res, err := allocator.AllocateBuffer(vertexBuffer, size, 1)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	return location
}

func TestFirstFitEndToEnd(t *testing.T) {
	dev, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})

	a := allocateBuffer(t, allocator, 100)
	b := allocateBuffer(t, allocator, 200)
	c := allocateBuffer(t, allocator, 300)

	require.Equal(t, 0, a.Offset())
	require.Equal(t, 100, b.Offset())
	require.Equal(t, 300, c.Offset())

	require.NoError(t, allocator.Deallocate(b))
	require.NoError(t, allocator.Validate())

	d := allocateBuffer(t, allocator, 150)
	require.Equal(t, 100, d.Offset())
	require.Equal(t, a.ChunkID(), d.ChunkID())
	require.Equal(t, 1, dev.LiveMemoryCount())

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1024, stats.BlockBytes)
	require.Equal(t, 3, stats.AllocationCount)
	require.Equal(t, 474, stats.UnusedBytes())
	require.Equal(t, 2, stats.UnusedRangeCount)
	require.Equal(t, 50, stats.UnusedRangeSizeMin)
	require.Equal(t, 424, stats.UnusedRangeSizeMax)

	require.NoError(t, allocator.Validate())

	require.NoError(t, a.Free())
	require.NoError(t, c.Free())
	require.NoError(t, d.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, dev.LiveMemoryCount())
}

func TestAllocateCreatesChunks(t *testing.T) {
	dev, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})

	first := allocateBuffer(t, allocator, 1000)
	second := allocateBuffer(t, allocator, 100)
	oversized := allocateBuffer(t, allocator, 2000)

	require.Equal(t, 0, first.ChunkID())
	require.Equal(t, 1, second.ChunkID())
	require.Equal(t, 0, second.Offset())
	require.Equal(t, 2, oversized.ChunkID())
	require.Equal(t, 2000, oversized.Memory().Size())

	require.Equal(t, 3, dev.LiveMemoryCount())
	require.Equal(t, 1024+1024+2000, dev.LiveBytes())

	// Fits in the remainder of the first chunk
	third := allocateBuffer(t, allocator, 24)
	require.Equal(t, 0, third.ChunkID())
	require.Equal(t, 1000, third.Offset())
}

func TestAllocateOutOfDeviceMemory(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{MaxBytes: 1024}, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})

	allocateBuffer(t, allocator, 1000)

	location, res, err := allocator.AllocateBuffer(vertexBuffer, 500, 1)
	require.Error(t, err)
	require.Nil(t, location)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
}

func TestAllocateInvalidParameters(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{DisableDefragmentation: true})

	_, _, err := allocator.AllocateBuffer(vertexBuffer, 0, 1)
	require.Error(t, err)

	_, _, err = allocator.AllocateBuffer(vertexBuffer, 100, 3)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, _, err = allocator.AllocateBuffer(BufferType{Memory: core1_0.MemoryPropertyLazilyAllocated}, 100, 1)
	require.Error(t, err)
}

func TestAlignment(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})

	allocateBuffer(t, allocator, 10)

	aligned, _, err := allocator.AllocateBuffer(vertexBuffer, 100, 64)
	require.NoError(t, err)
	require.Equal(t, 64, aligned.Offset())
	require.Equal(t, uint(64), aligned.Alignment())

	// The padding stays free
	unaligned := allocateBuffer(t, allocator, 50)
	require.Equal(t, 10, unaligned.Offset())
	require.NoError(t, allocator.Validate())
}

func TestFitStrategies(t *testing.T) {
	testCases := map[string]struct {
		strategy       metadata.StrategyKind
		expectedOffset int
	}{
		"FirstFit": {strategy: metadata.StrategyFirstFit, expectedOffset: 0},
		"BestFit":  {strategy: metadata.StrategyBestFit, expectedOffset: 974},
		"WorstFit": {strategy: metadata.StrategyWorstFit, expectedOffset: 200},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
				ChunkSize:              1024,
				Strategy:               testCase.strategy,
				DisableDefragmentation: true,
			})

			// Free regions of 100, 500, and 50 bytes
			first := allocateBuffer(t, allocator, 100)
			allocateBuffer(t, allocator, 100)
			third := allocateBuffer(t, allocator, 500)
			allocateBuffer(t, allocator, 274)
			require.NoError(t, first.Free())
			require.NoError(t, third.Free())

			location := allocateBuffer(t, allocator, 20)
			require.Equal(t, testCase.expectedOffset, location.Offset())
			require.NoError(t, allocator.Validate())
		})
	}
}

func TestPoolSelection(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{DisableDefragmentation: true})

	_, _, err := allocator.AllocateBuffer(BufferType{
		Usage:  core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst,
		Memory: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
	}, 64, 1)
	require.NoError(t, err)

	// A subset of an existing pool's type is served by that pool
	_, _, err = allocator.AllocateBuffer(vertexBuffer, 64, 1)
	require.NoError(t, err)
	require.Len(t, allocator.bufferPools, 1)

	_, _, err = allocator.AllocateBuffer(BufferType{
		Usage:  core1_0.BufferUsageIndexBuffer,
		Memory: core1_0.MemoryPropertyHostVisible,
	}, 64, 1)
	require.NoError(t, err)
	require.Len(t, allocator.bufferPools, 2)

	_, _, err = allocator.AllocateImage(ImageType{
		Usage:  core1_0.ImageUsageSampled,
		Memory: core1_0.MemoryPropertyHostVisible,
	}, 64, 1)
	require.NoError(t, err)
	require.Len(t, allocator.bufferPools, 2)
	require.Len(t, allocator.imagePools, 1)
	require.Len(t, allocator.pools, 3)

	_, _, err = allocator.AllocateBuffer(BufferType{
		Usage:  core1_0.BufferUsageIndexBuffer,
		Memory: core1_0.MemoryPropertyHostCached,
	}, 64, 1)
	require.NoError(t, err)
	require.Equal(t, 1, allocator.bufferPools[2].pool.MemoryTypeIndex())
}

func TestDoubleFree(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{DisableDefragmentation: true})

	location := allocateBuffer(t, allocator, 100)
	require.NoError(t, location.Free())
	require.Error(t, location.Free())
	require.Error(t, allocator.Deallocate(nil))
	require.NoError(t, allocator.Validate())
}

func TestEmptyChunkHysteresis(t *testing.T) {
	testCases := map[string]struct {
		minChunkCount        int
		expectedAfterFirst   int
		expectedAfterSecond  int
		expectedInitialCount int
	}{
		"NoMinimum": {
			minChunkCount:        0,
			expectedInitialCount: 2,
			expectedAfterFirst:   2,
			expectedAfterSecond:  1,
		},
		"MinimumOfTwo": {
			minChunkCount:        2,
			expectedInitialCount: 2,
			expectedAfterFirst:   2,
			expectedAfterSecond:  2,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			dev, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
				ChunkSize:              1024,
				MinChunkCount:          testCase.minChunkCount,
				DisableDefragmentation: true,
			})

			first := allocateBuffer(t, allocator, 1000)
			second := allocateBuffer(t, allocator, 1000)
			require.NotEqual(t, first.ChunkID(), second.ChunkID())
			require.Equal(t, testCase.expectedInitialCount, dev.LiveMemoryCount())

			// The first empty chunk is kept around
			require.NoError(t, first.Free())
			require.Equal(t, testCase.expectedAfterFirst, dev.LiveMemoryCount())

			// The second is released, since there is already an empty chunk
			require.NoError(t, second.Free())
			require.Equal(t, testCase.expectedAfterSecond, dev.LiveMemoryCount())
			require.NoError(t, allocator.Validate())
		})
	}
}

func TestLocationReadWrite(t *testing.T) {
	dev, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})

	allocateBuffer(t, allocator, 16)
	location := allocateBuffer(t, allocator, 16)

	require.NoError(t, location.Write(4, []byte("arsenal")))
	memory := location.Memory().(*hostmem.Memory)
	require.Equal(t, []byte("arsenal"), memory.Bytes()[20:27])

	out := make([]byte, 7)
	require.NoError(t, location.Read(4, out))
	require.Equal(t, []byte("arsenal"), out)

	require.Error(t, location.Write(10, []byte("arsenal")))
	require.Error(t, location.Read(-1, out))

	ptr, err := location.Map()
	require.NoError(t, err)
	require.NotNil(t, ptr)

	// Freeing a mapped location is refused
	require.Error(t, location.Free())

	require.NoError(t, location.Unmap())
	require.Error(t, location.Unmap())

	require.NoError(t, location.Free())
	_, err = location.Map()
	require.Error(t, err)
	require.Equal(t, 1, dev.LiveMemoryCount())
}

func TestLocationResource(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{DisableDefragmentation: true})

	location := allocateBuffer(t, allocator, 16)
	require.Nil(t, location.Resource())

	location.SetResource("vertices")
	require.Equal(t, "vertices", location.Resource())
	require.Equal(t, 16, location.Size())
	require.Equal(t, uint64(0), location.Generation())
}

func TestLocationUsableWhileMapped(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{DisableDefragmentation: true})

	location := allocateBuffer(t, allocator, 16)
	_, err := location.Map()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		location.SetResource("vertices")
		_ = location.Offset()

		err := location.Write(0, []byte("arsenal"))
		if err == nil {
			err = location.Free()
		}
		done <- err
	}()

	select {
	case err = <-done:
		require.ErrorContains(t, err, "still mapped")
	case <-time.After(5 * time.Second):
		require.FailNow(t, "location blocked while mapped")
	}

	require.Equal(t, "vertices", location.Resource())
	require.NoError(t, location.Unmap())

	out := make([]byte, 7)
	require.NoError(t, location.Read(0, out))
	require.Equal(t, []byte("arsenal"), out)
	require.NoError(t, location.Free())
}

func TestMemoryCallbacks(t *testing.T) {
	var allocated, freed []int
	var allocator *Allocator

	dev := hostmem.New(hostmem.Options{})
	allocator, err := New(slog.Default(), dev, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
		MemoryCallbackOptions: &MemoryCallbackOptions{
			Allocate: func(a *Allocator, memoryType int, memory device.Memory, size int, userData interface{}) {
				require.Same(t, allocator, a)
				require.Equal(t, "callback", userData)
				allocated = append(allocated, size)
			},
			Free: func(a *Allocator, memoryType int, memory device.Memory, size int, userData interface{}) {
				freed = append(freed, size)
			},
			UserData: "callback",
		},
	})
	require.NoError(t, err)

	location := allocateBuffer(t, allocator, 2000)
	require.Equal(t, []int{2000}, allocated)

	require.NoError(t, location.Free())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, []int{2000}, freed)
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	dev, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})

	allocateBuffer(t, allocator, 100)
	empty := allocateBuffer(t, allocator, 1000)
	require.NoError(t, empty.Free())
	require.Equal(t, 2, dev.LiveMemoryCount())

	require.Error(t, allocator.Destroy())

	// The empty chunk is released, the chunk with a live allocation is not
	require.Equal(t, 1, dev.LiveMemoryCount())

	_, _, err := allocator.AllocateBuffer(vertexBuffer, 100, 1)
	require.Error(t, err)

	// Destroying twice is harmless
	require.NoError(t, allocator.Destroy())
}

func TestBuildStatsString(t *testing.T) {
	var errorLog bytes.Buffer
	logger := slog.New(slog.HandlerOptions{Level: slog.LevelError}.NewTextHandler(&errorLog))
	allocator, err := New(logger, hostmem.New(hostmem.Options{}), CreateOptions{
		ChunkSize:              1024,
		DisableDefragmentation: true,
	})
	require.NoError(t, err)

	allocateBuffer(t, allocator, 100)
	_, _, err = allocator.AllocateImage(ImageType{Memory: core1_0.MemoryPropertyHostVisible}, 200, 1)
	require.NoError(t, err)

	for _, detailed := range []bool{false, true} {
		statsString := allocator.BuildStatsString(detailed)

		var parsed map[string]any
		require.NoError(t, json.Unmarshal([]byte(statsString), &parsed))

		total := parsed["Total"].(map[string]any)
		require.Equal(t, float64(2), total["BlockCount"])
		require.Equal(t, float64(300), total["AllocationBytes"])

		pools := parsed["Pools"].([]any)
		require.Len(t, pools, 2)
		require.Equal(t, "Buffer", pools[0].(map[string]any)["Kind"])
		require.Equal(t, "Image", pools[1].(map[string]any)["Kind"])

		if detailed {
			require.Contains(t, statsString, "Suballocations")
			require.Contains(t, statsString, "FirstFit")
		} else {
			require.NotContains(t, statsString, "Suballocations")
		}
	}

	require.Empty(t, errorLog.String())
}
