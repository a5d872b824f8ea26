package defrag

import (
	"math"
	"time"

	cerrors "github.com/cockroachdb/errors"
)

// State identifies what a Defragger's worker is doing at the moment
type State uint32

const (
	StateIdle State = iota
	StateScanning
	StateProposing
	StateApplying
	StateStopped
)

var stateMapping = map[State]string{
	StateIdle:      "Idle",
	StateScanning:  "Scanning",
	StateProposing: "Proposing",
	StateApplying:  "Applying",
	StateStopped:   "Stopped",
}

func (s State) String() string {
	return stateMapping[s]
}

const (
	DefaultScanInterval           = 100 * time.Millisecond
	DefaultFragmentationThreshold = 0.5
)

// Options controls how often a Defragger scans and how much work each pass may do
type Options struct {
	// ScanInterval is the period of the worker's timer. Zero selects DefaultScanInterval.
	ScanInterval time.Duration
	// FragmentationThreshold is the minimum score a chunk must reach before allocations are moved
	// out of it. Zero selects DefaultFragmentationThreshold.
	FragmentationThreshold float64
	// MaxPassBytes is the maximum number of bytes to relocate in each pass. Zero means no limit.
	MaxPassBytes int
	// MaxPassAllocations is the maximum number of relocations to perform in each pass. Zero means no limit.
	MaxPassAllocations int
}

// Validate returns an error if any option is out of range
func (o Options) Validate() error {
	if o.ScanInterval < 0 {
		return cerrors.Newf("scan interval must not be negative, but was %s", o.ScanInterval)
	}
	if o.FragmentationThreshold < 0 || o.FragmentationThreshold > 1 {
		return cerrors.Newf("fragmentation threshold must be between 0 and 1, but was %f", o.FragmentationThreshold)
	}
	if o.MaxPassBytes < 0 || o.MaxPassAllocations < 0 {
		return cerrors.Newf("pass budgets must not be negative: bytes %d, allocations %d", o.MaxPassBytes, o.MaxPassAllocations)
	}

	return nil
}

func (o Options) resolve() (Options, error) {
	err := o.Validate()
	if err != nil {
		return o, err
	}

	if o.ScanInterval == 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.FragmentationThreshold == 0 {
		o.FragmentationThreshold = DefaultFragmentationThreshold
	}
	if o.MaxPassBytes == 0 {
		o.MaxPassBytes = math.MaxInt
	}
	if o.MaxPassAllocations == 0 {
		o.MaxPassAllocations = math.MaxInt
	}

	return o, nil
}

// DefragmentationStats contains basic metrics for defragmentation over time
type DefragmentationStats struct {
	// BytesMoved is the number of bytes that have been successfully relocated
	BytesMoved int
	// AllocationsMoved is the number of successful relocations
	AllocationsMoved int
	// MovesFailed is the number of relocations abandoned because the device copy failed
	MovesFailed int
	// MovesSkipped is the number of relocations dropped because the source allocation was freed,
	// moved, or mapped after the relocation was proposed, or because the target was no longer free
	MovesSkipped int
	// Passes is the number of passes that reached the apply stage
	Passes int
	// ChunksFreed is the number of chunks the pool chose to release as a consequence of relocating
	// allocations out of them
	ChunksFreed int
	// BytesFreed is the number of bytes of device memory released along with those chunks
	BytesFreed int
}

func (s *DefragmentationStats) Add(stats DefragmentationStats) {
	s.BytesMoved += stats.BytesMoved
	s.AllocationsMoved += stats.AllocationsMoved
	s.MovesFailed += stats.MovesFailed
	s.MovesSkipped += stats.MovesSkipped
	s.Passes += stats.Passes
	s.ChunksFreed += stats.ChunksFreed
	s.BytesFreed += stats.BytesFreed
}

type defragCounterStatus uint32

const (
	defragCounterPass defragCounterStatus = iota
	defragCounterIgnore
	defragCounterEnd
)

var defragCounterStatusMapping = map[defragCounterStatus]string{
	defragCounterPass:   "defragCounterPass",
	defragCounterIgnore: "defragCounterIgnore",
	defragCounterEnd:    "defragCounterEnd",
}

func (s defragCounterStatus) String() string {
	return defragCounterStatusMapping[s]
}
