package vam

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/vkngwrapper/arsenal/device"
	"github.com/vkngwrapper/arsenal/internal/utils"
	"github.com/vkngwrapper/arsenal/memutils/defrag"
	"github.com/vkngwrapper/arsenal/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// thread at a time or are synchronized by some other mechanism, but performance may improve because
	// internal mutexes are not used. Background defragmentation is unavailable with this flag, but
	// Allocator.Defragment may still be called.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

const (
	// DefaultChunkSize is the value that is used as the ChunkSize when none is provided via
	// CreateOptions. It is equal to 64Mb.
	DefaultChunkSize int = 64 * 1024 * 1024
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// ChunkSize is the size of each chunk of device memory the allocator creates. Allocations larger
	// than ChunkSize receive a chunk of their own size.
	ChunkSize int
	// Strategy selects the fit strategy used to place new allocations. The zero value is FirstFit.
	Strategy metadata.StrategyKind
	// MinChunkCount is the number of chunks each pool creates up front and never releases
	MinChunkCount int

	// ScanInterval is how often each pool's defragmenter scans its chunks
	ScanInterval time.Duration
	// FragmentationThreshold is the fragmentation score, between 0 and 1, a chunk must reach before the
	// defragmenter moves allocations out of it
	FragmentationThreshold float64
	// MaxBytesPerPass limits the number of bytes each defragmentation pass may move. Zero means no limit.
	MaxBytesPerPass int
	// MaxAllocationsPerPass limits the number of moves in each defragmentation pass. Zero means no limit.
	MaxAllocationsPerPass int
	// DisableDefragmentation prevents defragmenters from starting in the background when pools are
	// created. StartDefragmentation may still start them later.
	DisableDefragmentation bool

	// RelocationCallback is called each time the defragmenter moves an allocation
	RelocationCallback RelocationCallback

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// is allocated from this allocator. It can be helpful in cases when the consumer requires allocator-
	// level info about allocated memory
	MemoryCallbackOptions *MemoryCallbackOptions
}

func (o CreateOptions) defragOptions() defrag.Options {
	return defrag.Options{
		ScanInterval:           o.ScanInterval,
		FragmentationThreshold: o.FragmentationThreshold,
		MaxPassBytes:           o.MaxBytesPerPass,
		MaxPassAllocations:     o.MaxAllocationsPerPass,
	}
}

func (o CreateOptions) validate() error {
	if o.ChunkSize < 0 {
		return errors.Newf("chunk size must not be negative, but was %d", o.ChunkSize)
	}
	if o.MinChunkCount < 0 {
		return errors.Newf("minimum chunk count must not be negative, but was %d", o.MinChunkCount)
	}
	if o.Strategy == metadata.StrategyMinOffset || o.Strategy.String() == "" {
		return errors.Newf("invalid fit strategy %d: expected FirstFit, BestFit, or WorstFit", o.Strategy)
	}
	if o.FragmentationThreshold < 0 || o.FragmentationThreshold > 1 {
		return errors.Newf("fragmentation threshold must be between 0 and 1, but was %f", o.FragmentationThreshold)
	}

	return nil
}

// ParseCreateOptions reads CreateOptions from a JSON document. The recognized keys are chunkSize,
// scanIntervalMs, fragmentationThreshold, strategy, minChunkCount, maxBytesPerPass,
// maxAllocationsPerPass, and disableDefragmentation. Unknown keys are an error. Callbacks and
// flags cannot be expressed in JSON and are left zero.
func ParseCreateOptions(data []byte) (CreateOptions, error) {
	var options CreateOptions
	var strategyErr error

	r := jreader.NewReader(data)
	for obj := r.Object(); obj.Next(); {
		name := string(obj.Name())
		switch name {
		case "chunkSize":
			options.ChunkSize = r.Int()
		case "scanIntervalMs":
			options.ScanInterval = time.Duration(r.Int()) * time.Millisecond
		case "fragmentationThreshold":
			options.FragmentationThreshold = r.Float64()
		case "strategy":
			options.Strategy, strategyErr = metadata.ParseStrategyKind(r.String())
		case "minChunkCount":
			options.MinChunkCount = r.Int()
		case "maxBytesPerPass":
			options.MaxBytesPerPass = r.Int()
		case "maxAllocationsPerPass":
			options.MaxAllocationsPerPass = r.Int()
		case "disableDefragmentation":
			options.DisableDefragmentation = r.Bool()
		default:
			r.AddError(errors.Newf("unknown allocator option %q", name))
		}
	}

	if err := r.Error(); err != nil {
		return CreateOptions{}, errors.Wrap(err, "failed to parse allocator options")
	}
	if strategyErr != nil {
		return CreateOptions{}, strategyErr
	}

	return options, options.validate()
}

// New creates a new Allocator
//
// logger - The logger that allocator activity, including the activity of every defragmenter, will
// be written to
//
// dev - The device that chunks of memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, dev device.Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("a logger is required")
	}
	if dev == nil {
		return nil, errors.New("a device is required")
	}

	err := options.validate()
	if err != nil {
		return nil, err
	}
	err = options.defragOptions().Validate()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:           useMutex,
		logger:             logger,
		device:             dev,
		createFlags:        options.Flags,
		strategy:           metadata.NewFitStrategy(options.Strategy),
		minChunkCount:      options.MinChunkCount,
		defragOptions:      options.defragOptions(),
		relocationCallback: options.RelocationCallback,
		mutex: utils.OptionalRWMutex{
			UseMutex: useMutex,
		},
	}
	allocator.callbacks = &memoryCallbacks{
		Callbacks: options.MemoryCallbackOptions,
		Allocator: allocator,
	}

	if options.ChunkSize == 0 {
		allocator.chunkSize = DefaultChunkSize
	} else {
		allocator.chunkSize = options.ChunkSize
	}

	// A background goroutine cannot honor external synchronization
	allocator.defragRunning = useMutex && !options.DisableDefragmentation

	return allocator, nil
}
