package defrag

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
	"golang.org/x/exp/slog"
)

// Defragger owns a single background worker that watches one Pool and relocates allocations out of
// fragmented chunks. The worker wakes on a timer, on Trigger, on Invalidate, and on Exit. Each wake
// runs at most one cycle: scan the pool, propose relocations, then apply them in rank order.
//
// A Defragger is created paused: call Start to let the worker run cycles on its own. RunPass runs
// a single cycle on the calling goroutine whether or not the worker is running.
type Defragger struct {
	logger  *slog.Logger
	pool    Pool
	options Options

	running atomic.Bool
	state   atomic.Uint32

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	// cycleMutex is held for the duration of every cycle, so that Stop can wait for an in-flight
	// cycle to finish
	cycleMutex sync.Mutex

	plannerMutex sync.Mutex
	planner      *planner

	statsMutex sync.Mutex
	stats      DefragmentationStats
}

func NewDefragger(logger *slog.Logger, pool Pool, options Options) (*Defragger, error) {
	if pool == nil {
		panic("attempted to create a defragger without a pool")
	}

	resolved, err := options.resolve()
	if err != nil {
		return nil, err
	}

	d := &Defragger{
		logger:  logger,
		pool:    pool,
		options: resolved,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		planner: newPlanner(resolved.FragmentationThreshold),
	}
	d.state.Store(uint32(StateIdle))

	go d.run()

	return d, nil
}

func (d *Defragger) run() {
	defer close(d.done)

	ticker := time.NewTicker(d.options.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
		case <-d.wake:
		}

		if !d.shouldContinue(false) {
			continue
		}

		d.cycle(false)
	}
}

func (d *Defragger) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Defragger) exited() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

func (d *Defragger) shouldContinue(manual bool) bool {
	if d.exited() {
		return false
	}

	return manual || d.running.Load()
}

// Running returns true between Start and Stop
func (d *Defragger) Running() bool {
	return d.running.Load()
}

// State reports what the worker is currently doing
func (d *Defragger) State() State {
	return State(d.state.Load())
}

func (d *Defragger) setState(state State) {
	d.state.Store(uint32(state))
}

// Start allows the worker to run cycles on its own. It is idempotent.
func (d *Defragger) Start() {
	if d.exited() {
		return
	}

	if !d.running.Swap(true) {
		d.logger.Debug("Defragger::Start")
		d.signal()
	}
}

// Stop prevents the worker from starting new cycles and blocks until any in-flight cycle has returned
// to idle. An in-flight cycle abandons its remaining operations. It is idempotent.
func (d *Defragger) Stop() {
	if d.running.Swap(false) {
		d.logger.Debug("Defragger::Stop")
	}

	d.cycleMutex.Lock()
	defer d.cycleMutex.Unlock()
}

// Exit stops the worker permanently and waits for its goroutine to return. It is idempotent.
func (d *Defragger) Exit() {
	d.Stop()

	d.quitOnce.Do(func() {
		d.logger.Debug("Defragger::Exit")
		close(d.quit)
	})

	<-d.done
	d.setState(StateStopped)
}

// Trigger wakes the worker so that it runs a cycle now rather than waiting for its timer
func (d *Defragger) Trigger() {
	d.signal()
}

// Invalidate marks the cached fragmentation score for the chunk backed by memory as dirty and wakes
// the worker. Pools should call this whenever a chunk's layout changes.
func (d *Defragger) Invalidate(memory any) {
	d.plannerMutex.Lock()
	d.planner.invalidate(memory)
	d.plannerMutex.Unlock()

	d.signal()
}

func (d *Defragger) markFailed(memory any) {
	d.plannerMutex.Lock()
	defer d.plannerMutex.Unlock()

	d.planner.markFailed(memory)
}

// Stats returns the statistics accumulated over every cycle so far
func (d *Defragger) Stats() DefragmentationStats {
	d.statsMutex.Lock()
	defer d.statsMutex.Unlock()

	return d.stats
}

// RunPass runs a single scan, propose, and apply cycle on the calling goroutine and returns the
// statistics for that cycle. It waits for any in-flight background cycle to finish first.
func (d *Defragger) RunPass() (DefragmentationStats, error) {
	if d.exited() {
		return DefragmentationStats{}, cerrors.New("attempted to run a defragmentation pass after the defragger exited")
	}

	return d.cycle(true), nil
}

func (d *Defragger) cycle(manual bool) DefragmentationStats {
	d.cycleMutex.Lock()
	defer d.cycleMutex.Unlock()

	var passStats DefragmentationStats
	if !d.shouldContinue(manual) {
		return passStats
	}

	d.setState(StateScanning)
	defer d.setState(StateIdle)

	// The snapshot is taken under the planner lock so that an Invalidate racing with it can't
	// leave a score computed from the older layout in the cache
	d.plannerMutex.Lock()
	chunks := d.planner.scan(d.pool.Snapshot())
	d.plannerMutex.Unlock()

	if !d.shouldContinue(manual) {
		return passStats
	}

	d.setState(StateProposing)
	pass := PassContext{
		MaxPassBytes:       d.options.MaxPassBytes,
		MaxPassAllocations: d.options.MaxPassAllocations,
	}
	ops := d.planner.propose(&pass, chunks)
	if len(ops) == 0 {
		return passStats
	}
	rankOperations(ops)

	memories := make(map[int]any, len(chunks))
	for _, chunk := range chunks {
		memories[chunk.snapshot.ID] = chunk.snapshot.Memory
	}

	d.setState(StateApplying)
	passStats = d.apply(ops, memories, manual)
	passStats.Passes = 1

	d.statsMutex.Lock()
	d.stats.Add(passStats)
	d.statsMutex.Unlock()

	return passStats
}

func (d *Defragger) apply(ops []Operation, memories map[int]any, manual bool) DefragmentationStats {
	var stats DefragmentationStats

	for _, op := range ops {
		if !d.shouldContinue(manual) {
			d.logger.Debug("Defragger abandoned pass", slog.Int("Remaining", len(ops)-stats.AllocationsMoved-stats.MovesFailed-stats.MovesSkipped))
			break
		}

		releasedBytes, err := d.pool.Relocate(op)

		switch {
		case err == nil:
			stats.BytesMoved += op.Size()
			stats.AllocationsMoved++
			if releasedBytes > 0 {
				stats.ChunksFreed++
				stats.BytesFreed += releasedBytes
			}
		case cerrors.Is(err, memutils.ErrStaleLocation), cerrors.Is(err, memutils.ErrStaleRequest):
			stats.MovesSkipped++
			d.logger.LogAttrs(context.Background(), slog.LevelDebug, "Defragger skipped stale relocation",
				slog.Int("SourceChunk", op.SourceChunk),
				slog.Int("SourceOffset", op.Source.Offset),
				slog.Int("TargetChunk", op.TargetChunk),
				slog.Int("TargetOffset", op.TargetOffset),
				slog.Int("Size", op.Size()),
			)
		case cerrors.Is(err, memutils.ErrCopyFailed):
			stats.MovesFailed++
			d.markFailed(memories[op.SourceChunk])
			d.logger.LogAttrs(context.Background(), slog.LevelWarn, "Defragger relocation copy failed",
				slog.Int("SourceChunk", op.SourceChunk),
				slog.Int("TargetChunk", op.TargetChunk),
				slog.Int("Size", op.Size()),
				slog.String("Error", err.Error()),
			)
		default:
			stats.MovesFailed++
			d.markFailed(memories[op.SourceChunk])
			d.logger.LogAttrs(context.Background(), slog.LevelError, "Defragger relocation failed",
				slog.Int("SourceChunk", op.SourceChunk),
				slog.Int("TargetChunk", op.TargetChunk),
				slog.Int("Size", op.Size()),
				slog.String("Error", err.Error()),
			)
		}
	}

	return stats
}
