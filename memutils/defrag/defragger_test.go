package defrag_test

import (
	"testing"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/memutils/defrag"
	mock_defrag "github.com/vkngwrapper/arsenal/memutils/defrag/mocks"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newDefragger(t *testing.T, pool defrag.Pool, options defrag.Options) *defrag.Defragger {
	if options.ScanInterval == 0 {
		options.ScanInterval = time.Hour
	}

	d, err := defrag.NewDefragger(slog.Default(), pool, options)
	require.NoError(t, err)
	t.Cleanup(d.Exit)

	return d
}

func TestRunPass(t *testing.T) {
	testCases := map[string]struct {
		Threshold          float64
		MaxPassBytes       int
		MaxPassAllocations int
		ReleaseEmpty       bool
		Layouts            [][]Segment
		ExpectedStats      defrag.DefragmentationStats
		ExpectedFree       [][]metadata.Region
	}{
		"MoveWithinChunk": {
			Threshold: 0.3,
			Layouts: [][]Segment{
				{{Size: 100, Free: true}, {Size: 100}, {Size: 50, Free: true}},
			},
			ExpectedStats: defrag.DefragmentationStats{
				BytesMoved:       100,
				AllocationsMoved: 1,
				Passes:           1,
			},
			ExpectedFree: [][]metadata.Region{
				{{Offset: 100, Size: 150}},
			},
		},
		"NoWorkToDo": {
			Layouts: [][]Segment{
				{{Size: 100}, {Size: 150, Free: true}},
			},
			ExpectedFree: [][]metadata.Region{
				{{Offset: 100, Size: 150}},
			},
		},
		"BelowThreshold": {
			Threshold: 0.9,
			Layouts: [][]Segment{
				{{Size: 100, Free: true}, {Size: 100}, {Size: 50, Free: true}},
			},
			ExpectedFree: [][]metadata.Region{
				{{Offset: 0, Size: 100}, {Offset: 200, Size: 50}},
			},
		},
		"EmptyChunkIntoDenserChunk": {
			ReleaseEmpty: true,
			Layouts: [][]Segment{
				{{Size: 800}, {Size: 200, Free: true}},
				{{Size: 500, Free: true}, {Size: 100}, {Size: 400, Free: true}},
			},
			ExpectedStats: defrag.DefragmentationStats{
				BytesMoved:       100,
				AllocationsMoved: 1,
				Passes:           1,
				ChunksFreed:      1,
				BytesFreed:       1000,
			},
			ExpectedFree: [][]metadata.Region{
				{{Offset: 900, Size: 100}},
				{{Offset: 0, Size: 1000}},
			},
		},
		"AllocationBudget": {
			Threshold:          0.3,
			MaxPassAllocations: 1,
			Layouts: [][]Segment{
				{{Size: 100, Free: true}, {Size: 50}, {Size: 50, Free: true}, {Size: 50}, {Size: 50, Free: true}},
			},
			ExpectedStats: defrag.DefragmentationStats{
				BytesMoved:       50,
				AllocationsMoved: 1,
				Passes:           1,
			},
			// The highest-offset allocation moves first
			ExpectedFree: [][]metadata.Region{
				{{Offset: 50, Size: 50}, {Offset: 150, Size: 150}},
			},
		},
		"ByteBudget": {
			Threshold:    0.3,
			MaxPassBytes: 40,
			Layouts: [][]Segment{
				{{Size: 100, Free: true}, {Size: 50}, {Size: 50, Free: true}},
			},
			ExpectedFree: [][]metadata.Region{
				{{Offset: 0, Size: 100}, {Offset: 150, Size: 50}},
			},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			pool := newFakePool(t, testCase.Layouts...)
			pool.releaseEmpty = testCase.ReleaseEmpty

			d := newDefragger(t, pool, defrag.Options{
				FragmentationThreshold: testCase.Threshold,
				MaxPassBytes:           testCase.MaxPassBytes,
				MaxPassAllocations:     testCase.MaxPassAllocations,
			})

			stats, err := d.RunPass()
			require.NoError(t, err)
			require.Equal(t, testCase.ExpectedStats, stats)
			require.Equal(t, testCase.ExpectedStats, d.Stats())

			pool.validate(t)
			for i, expected := range testCase.ExpectedFree {
				require.Equal(t, expected, pool.chunks[i].FreeRegions())
			}
		})
	}
}

func TestRunPassCompactsOverMultiplePasses(t *testing.T) {
	pool := newFakePool(t, []Segment{
		{Size: 10, Free: true}, {Size: 10}, {Size: 10, Free: true}, {Size: 10},
		{Size: 10, Free: true}, {Size: 10}, {Size: 10, Free: true}, {Size: 10},
	})

	d := newDefragger(t, pool, defrag.Options{FragmentationThreshold: 0.01})

	for i := 0; i < 10; i++ {
		_, err := d.RunPass()
		require.NoError(t, err)
		pool.validate(t)
	}

	require.Equal(t, []metadata.Region{{Offset: 40, Size: 40}}, pool.chunks[0].FreeRegions())
}

func TestScoreChunks(t *testing.T) {
	d := newDefragger(t, newFakePool(t), defrag.Options{})

	snapshots := []defrag.ChunkSnapshot{
		{
			ID: 0, Memory: "dense", Size: 1000,
			FreeRegions: []metadata.Region{{Offset: 800, Size: 200}},
		},
		{
			ID: 1, Memory: "sparse", Size: 1000,
			FreeRegions: []metadata.Region{{Offset: 0, Size: 500}, {Offset: 600, Size: 400}},
		},
	}

	scores := d.ScoreChunks(snapshots)
	require.InDelta(t, 0.2, scores[0], 0.0001)
	require.InDelta(t, 0.9, scores[1], 0.0001)

	// Scores are cached per memory handle until invalidated
	changed := []defrag.ChunkSnapshot{
		snapshots[0],
		{
			ID: 1, Memory: "sparse", Size: 1000,
			FreeRegions: []metadata.Region{{Offset: 0, Size: 300}, {Offset: 600, Size: 100}},
		},
	}
	scores = d.ScoreChunks(changed)
	require.InDelta(t, 0.9, scores[1], 0.0001)

	d.Invalidate("sparse")
	scores = d.ScoreChunks(changed)
	require.InDelta(t, 0.25, scores[1], 0.0001)
}

func TestRankOperations(t *testing.T) {
	ops := []defrag.Operation{
		{SourceChunk: 0, Source: metadata.Suballocation{Offset: 10}, Weight: 0.1},
		{SourceChunk: 1, Source: metadata.Suballocation{Offset: 20}, Weight: 0.5},
		{SourceChunk: 2, Source: metadata.Suballocation{Offset: 30}, Weight: 0.5, Emptying: true},
		{SourceChunk: 3, Source: metadata.Suballocation{Offset: 40}, Weight: 0.5},
	}

	defrag.RankOperations(ops)

	order := make([]int, len(ops))
	for i, op := range ops {
		order[i] = op.SourceChunk
	}
	require.Equal(t, []int{2, 3, 1, 0}, order)
}

// Three allocations that can each move toward the start of a single chunk
func threeMovableAllocations() defrag.ChunkSnapshot {
	return defrag.ChunkSnapshot{
		ID: 0, Memory: 0, Size: 500,
		FreeRegions: []metadata.Region{{Offset: 0, Size: 200}, {Offset: 250, Size: 50}, {Offset: 350, Size: 50}, {Offset: 450, Size: 50}},
		Allocations: []metadata.Suballocation{
			{Handle: 1, Offset: 200, Size: 50, Alignment: 1},
			{Handle: 2, Offset: 300, Size: 50, Alignment: 1},
			{Handle: 3, Offset: 400, Size: 50, Alignment: 1},
		},
	}
}

func TestFailedRelocationsDoNotAbortPass(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pool := mock_defrag.NewMockPool(ctrl)
	pool.EXPECT().Snapshot().Return([]defrag.ChunkSnapshot{
		threeMovableAllocations(),
	})

	pool.EXPECT().Relocate(gomock.Any()).DoAndReturn(func(op defrag.Operation) (int, error) {
		switch op.Source.Handle {
		case 1:
			return 0, cerrors.Wrap(memutils.ErrCopyFailed, "device lost")
		case 2:
			return 0, cerrors.Wrap(memutils.ErrStaleLocation, "freed")
		default:
			return 0, nil
		}
	}).Times(3)

	d := newDefragger(t, pool, defrag.Options{FragmentationThreshold: 0.1})
	stats, err := d.RunPass()
	require.NoError(t, err)
	require.Equal(t, defrag.DefragmentationStats{
		BytesMoved:       50,
		AllocationsMoved: 1,
		MovesFailed:      1,
		MovesSkipped:     1,
		Passes:           1,
	}, stats)
}

func TestFailedSourceSkippedUntilInvalidated(t *testing.T) {
	testCases := map[string]struct {
		Err           error
		RetriedBefore bool
	}{
		"CopyFailed": {
			Err: cerrors.Wrap(memutils.ErrCopyFailed, "device lost"),
		},
		"Unexpected": {
			Err: cerrors.New("broken pool"),
		},
		"Stale": {
			Err:           cerrors.Wrap(memutils.ErrStaleLocation, "mapped"),
			RetriedBefore: true,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			pool := mock_defrag.NewMockPool(ctrl)
			pool.EXPECT().Snapshot().Return([]defrag.ChunkSnapshot{
				threeMovableAllocations(),
			}).AnyTimes()

			attempts := 0
			pool.EXPECT().Relocate(gomock.Any()).DoAndReturn(func(op defrag.Operation) (int, error) {
				attempts++
				return 0, testCase.Err
			}).AnyTimes()

			d := newDefragger(t, pool, defrag.Options{FragmentationThreshold: 0.1})
			_, err := d.RunPass()
			require.NoError(t, err)
			require.Equal(t, 3, attempts)

			stats, err := d.RunPass()
			require.NoError(t, err)
			if testCase.RetriedBefore {
				require.Equal(t, 6, attempts)
				require.Equal(t, 1, stats.Passes)
			} else {
				require.Equal(t, 3, attempts)
				require.Equal(t, defrag.DefragmentationStats{}, stats)
			}

			before := attempts
			d.Invalidate(0)
			_, err = d.RunPass()
			require.NoError(t, err)
			require.Equal(t, before+3, attempts)
		})
	}
}

func TestInvalidateDuringSnapshotIsNotLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	before := defrag.ChunkSnapshot{
		ID: 0, Memory: "chunk", Size: 1000,
		FreeRegions: []metadata.Region{{Offset: 0, Size: 500}, {Offset: 600, Size: 400}},
		Allocations: []metadata.Suballocation{{Handle: 1, Offset: 500, Size: 100, Alignment: 1}},
	}
	after := defrag.ChunkSnapshot{
		ID: 0, Memory: "chunk", Size: 1000,
		FreeRegions: []metadata.Region{{Offset: 800, Size: 200}},
		Allocations: []metadata.Suballocation{{Handle: 1, Offset: 500, Size: 100, Alignment: 1}},
	}

	var d *defrag.Defragger
	invalidated := make(chan struct{})
	pool := mock_defrag.NewMockPool(ctrl)
	pool.EXPECT().Snapshot().DoAndReturn(func() []defrag.ChunkSnapshot {
		// The layout changes while the snapshot is being taken
		go func() {
			d.Invalidate("chunk")
			close(invalidated)
		}()
		return []defrag.ChunkSnapshot{before}
	})

	d = newDefragger(t, pool, defrag.Options{FragmentationThreshold: 0.99})
	stats, err := d.RunPass()
	require.NoError(t, err)
	require.Equal(t, 0, stats.Passes)

	select {
	case <-invalidated:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "Invalidate did not return")
	}

	scores := d.ScoreChunks([]defrag.ChunkSnapshot{after})
	require.InDelta(t, 0, scores[0], 0.0001)
}

func TestExitMidCycle(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	pool := mock_defrag.NewMockPool(ctrl)
	pool.EXPECT().Snapshot().Return([]defrag.ChunkSnapshot{
		threeMovableAllocations(),
	}).AnyTimes()

	entered := make(chan struct{})
	release := make(chan struct{})
	pool.EXPECT().Relocate(gomock.Any()).DoAndReturn(func(op defrag.Operation) (int, error) {
		close(entered)
		<-release
		return 0, nil
	}).Times(1)

	d := newDefragger(t, pool, defrag.Options{FragmentationThreshold: 0.1})
	d.Start()
	require.True(t, d.Running())

	<-entered
	require.Equal(t, defrag.StateApplying, d.State())

	exited := make(chan struct{})
	go func() {
		d.Exit()
		close(exited)
	}()

	require.Eventually(t, func() bool { return !d.Running() }, time.Second, time.Millisecond)
	close(release)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("Exit did not return")
	}

	require.Equal(t, defrag.StateStopped, d.State())
	require.Equal(t, 1, d.Stats().AllocationsMoved)

	// Exit and Stop are idempotent, and passes are refused after exit
	d.Exit()
	d.Stop()
	_, err := d.RunPass()
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	pool := newFakePool(t, []Segment{{Size: 100, Free: true}, {Size: 100}, {Size: 50, Free: true}})
	d := newDefragger(t, pool, defrag.Options{
		ScanInterval:           time.Millisecond,
		FragmentationThreshold: 0.3,
	})

	d.Start()
	d.Start()

	require.Eventually(t, func() bool {
		return d.Stats().AllocationsMoved == 1
	}, 5*time.Second, time.Millisecond)

	d.Stop()
	require.False(t, d.Running())
	require.Equal(t, defrag.StateIdle, d.State())
	pool.validate(t)
	require.Equal(t, []metadata.Region{{Offset: 100, Size: 150}}, pool.chunks[0].FreeRegions())
}

func TestInvalidOptions(t *testing.T) {
	_, err := defrag.NewDefragger(slog.Default(), newFakePool(t), defrag.Options{FragmentationThreshold: 2})
	require.Error(t, err)
}
