package defrag

import (
	"fmt"
	"math"
	"sort"

	"github.com/vkngwrapper/arsenal/memutils/metadata"
)

// chunkScore is the cached per-chunk portion of a fragmentation score. It only depends on the
// chunk's own free list and is recomputed when the chunk is invalidated.
type chunkScore struct {
	size          int
	sumFree       int
	largestFree   int
	fragmentation float64
}

func computeChunkScore(snapshot ChunkSnapshot) *chunkScore {
	score := &chunkScore{size: snapshot.Size}
	for _, region := range snapshot.FreeRegions {
		score.sumFree += region.Size
		if region.Size > score.largestFree {
			score.largestFree = region.Size
		}
	}

	if score.sumFree > 0 {
		score.fragmentation = 1 - float64(score.largestFree)/float64(score.sumFree)
	}
	return score
}

func (s *chunkScore) liveBytes() int {
	return s.size - s.sumFree
}

// scoredChunk is a chunk under consideration during a single pass
type scoredChunk struct {
	snapshot ChunkSnapshot
	cached   *chunkScore
	score    float64
	free     *metadata.FreeList
	failed   bool
}

func (c *scoredChunk) density() float64 {
	return float64(c.cached.liveBytes()) / float64(c.cached.size)
}

// denserThan orders chunks so that allocations only ever flow in one direction between any
// two chunks within a pass
func (c *scoredChunk) denserThan(other *scoredChunk) bool {
	if c.cached.liveBytes() != other.cached.liveBytes() {
		return c.density() > other.density()
	}
	return c.snapshot.ID < other.snapshot.ID
}

// planner turns chunk snapshots into a ranked list of relocation operations
type planner struct {
	threshold float64
	scores    map[any]*chunkScore
	// failed holds chunks that a relocation failed out of. They are not used as sources again
	// until they are invalidated.
	failed map[any]struct{}
}

func newPlanner(threshold float64) *planner {
	return &planner{
		threshold: threshold,
		scores:    make(map[any]*chunkScore),
		failed:    make(map[any]struct{}),
	}
}

func (p *planner) invalidate(memory any) {
	delete(p.scores, memory)
	delete(p.failed, memory)
}

func (p *planner) markFailed(memory any) {
	p.failed[memory] = struct{}{}
}

// scan scores every chunk in the pool. Cached scores are reused for chunks that have not been
// invalidated since they were last scored. Scores for chunks that no longer exist are dropped.
func (p *planner) scan(snapshots []ChunkSnapshot) []*scoredChunk {
	chunks := make([]*scoredChunk, 0, len(snapshots))
	seen := make(map[any]struct{}, len(snapshots))
	totalFree := 0

	for _, snapshot := range snapshots {
		cached, ok := p.scores[snapshot.Memory]
		if !ok || cached.size != snapshot.Size {
			cached = computeChunkScore(snapshot)
			p.scores[snapshot.Memory] = cached
		}
		seen[snapshot.Memory] = struct{}{}
		totalFree += cached.sumFree

		_, failed := p.failed[snapshot.Memory]
		chunks = append(chunks, &scoredChunk{
			snapshot: snapshot,
			cached:   cached,
			free:     metadata.NewFreeList(snapshot.FreeRegions...),
			failed:   failed,
		})
	}

	for memory := range p.scores {
		if _, ok := seen[memory]; !ok {
			delete(p.scores, memory)
		}
	}
	for memory := range p.failed {
		if _, ok := seen[memory]; !ok {
			delete(p.failed, memory)
		}
	}

	for _, chunk := range chunks {
		chunk.score = chunk.cached.fragmentation

		// A chunk whose live bytes would fit in the other chunks' free space is a candidate for
		// emptying outright
		live := chunk.cached.liveBytes()
		if len(chunks) > 1 && live > 0 && totalFree-chunk.cached.sumFree >= live {
			emptiable := float64(chunk.cached.sumFree) / float64(chunk.cached.size)
			chunk.score = math.Max(chunk.score, emptiable)
		}
	}

	return chunks
}

// sources returns the chunks worth moving allocations out of, highest score first. Chunks with a
// failed relocation are left alone until their layout changes.
func (p *planner) sources(chunks []*scoredChunk) []*scoredChunk {
	var sources []*scoredChunk
	for _, chunk := range chunks {
		if chunk.failed || len(chunk.snapshot.Allocations) == 0 || chunk.score <= 0 || chunk.score < p.threshold {
			continue
		}
		sources = append(sources, chunk)
	}

	sort.SliceStable(sources, func(i, j int) bool {
		if sources[i].score != sources[j].score {
			return sources[i].score > sources[j].score
		}
		return sources[i].snapshot.ID < sources[j].snapshot.ID
	})
	return sources
}

// propose builds the operations for one pass. Targets are reserved in each chunk's simulated free
// list as they are chosen, but source ranges are never released, so every operation has a distinct
// source and a target that overlaps no other operation's target or any live allocation. The
// operations can therefore be applied in any order, and any of them can be dropped.
func (p *planner) propose(pass *PassContext, chunks []*scoredChunk) []Operation {
	var ops []Operation
	sourced := make(map[int]bool)
	targeted := make(map[int]bool)

	for _, source := range p.sources(chunks) {
		destinations := p.destinations(source, chunks, sourced)
		firstOp := len(ops)

		// Walk from the highest offset down
		allocs := source.snapshot.Allocations
		for allocIndex := len(allocs) - 1; allocIndex >= 0; allocIndex-- {
			alloc := allocs[allocIndex]

			counter := pass.checkCounters(alloc.Size)
			switch counter {
			case defragCounterIgnore:
				continue
			case defragCounterEnd:
				p.markEmptying(source, ops[firstOp:])
				return ops
			case defragCounterPass:
				break
			default:
				panic(fmt.Sprintf("unexpected defrag counter status: %s", counter.String()))
			}

			op, found := p.proposeCrossChunk(source, destinations, targeted, alloc)
			if found {
				sourced[source.snapshot.ID] = true
			} else {
				op, found = p.proposeWithinChunk(source, alloc)
			}

			if !found {
				continue
			}

			ops = append(ops, op)
			if pass.incrementCounters(alloc.Size) {
				p.markEmptying(source, ops[firstOp:])
				return ops
			}
		}

		p.markEmptying(source, ops[firstOp:])
	}

	return ops
}

// destinations lists the chunks that may receive allocations from source: chunks denser than the source
// that have not already had allocations moved out of them this pass, densest first
func (p *planner) destinations(source *scoredChunk, chunks []*scoredChunk, sourced map[int]bool) []*scoredChunk {
	var destinations []*scoredChunk
	for _, chunk := range chunks {
		if chunk == source || sourced[chunk.snapshot.ID] || !chunk.denserThan(source) {
			continue
		}
		destinations = append(destinations, chunk)
	}

	sort.SliceStable(destinations, func(i, j int) bool {
		return destinations[i].denserThan(destinations[j])
	})
	return destinations
}

func (p *planner) proposeCrossChunk(source *scoredChunk, destinations []*scoredChunk, targeted map[int]bool, alloc metadata.Suballocation) (Operation, bool) {
	if len(destinations) == 0 || targeted[source.snapshot.ID] {
		return Operation{}, false
	}

	regionSources := make([]metadata.FreeRegionSource, len(destinations))
	for i, destination := range destinations {
		regionSources[i] = destination.free
	}

	candidate, found, err := metadata.CreateAllocationRequest(regionSources, alloc.Size, alloc.Alignment, metadata.MinOffset{}, math.MaxInt)
	if err != nil {
		panic(fmt.Sprintf("unexpected error while placing a relocation target: %+v", err))
	} else if !found {
		return Operation{}, false
	}

	destination := destinations[candidate.Chunk]
	err = destination.free.Reserve(candidate.Offset, alloc.Size)
	if err != nil {
		panic(fmt.Sprintf("unexpected error while reserving a simulated relocation target: %+v", err))
	}
	targeted[destination.snapshot.ID] = true

	ratio := float64(alloc.Size) / float64(source.snapshot.Size)
	return Operation{
		SourceChunk:  source.snapshot.ID,
		Source:       alloc,
		TargetChunk:  destination.snapshot.ID,
		TargetOffset: candidate.Offset,
		Weight:       source.cached.fragmentation*ratio + ratio,
	}, true
}

func (p *planner) proposeWithinChunk(source *scoredChunk, alloc metadata.Suballocation) (Operation, bool) {
	if alloc.Offset == 0 {
		return Operation{}, false
	}

	candidate, found, err := metadata.CreateAllocationRequest([]metadata.FreeRegionSource{source.free}, alloc.Size, alloc.Alignment, metadata.MinOffset{}, alloc.Offset)
	if err != nil {
		panic(fmt.Sprintf("unexpected error while placing a relocation target: %+v", err))
	} else if !found {
		return Operation{}, false
	}

	err = source.free.Reserve(candidate.Offset, alloc.Size)
	if err != nil {
		panic(fmt.Sprintf("unexpected error while reserving a simulated relocation target: %+v", err))
	}

	ratio := float64(alloc.Size) / float64(source.snapshot.Size)
	return Operation{
		SourceChunk:  source.snapshot.ID,
		Source:       alloc,
		TargetChunk:  source.snapshot.ID,
		TargetOffset: candidate.Offset,
		Weight:       source.cached.fragmentation * ratio,
	}, true
}

func (p *planner) markEmptying(source *scoredChunk, ops []Operation) {
	if len(ops) != len(source.snapshot.Allocations) {
		return
	}

	for i := range ops {
		if !ops[i].CrossChunk() {
			return
		}
	}

	for i := range ops {
		ops[i].Emptying = true
	}
}
