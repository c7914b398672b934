package pmem

import (
	"sort"
	"sync"
)

// bucketPool is the global, mutex-striped free list for a single block-count
// bucket (spec.md §4.1: "A global pool per block-count"). Thread-local lists
// overflow into it once they cross the high-water mark, and refill from it
// when they run dry.
type bucketPool struct {
	mu    sync.Mutex
	stack []Extent
}

func (p *bucketPool) push(e Extent) {
	p.mu.Lock()
	p.stack = append(p.stack, e)
	p.mu.Unlock()
}

func (p *bucketPool) pushAll(es []Extent) {
	p.mu.Lock()
	p.stack = append(p.stack, es...)
	p.mu.Unlock()
}

func (p *bucketPool) pop() (Extent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.stack) == 0 {
		return Extent{}, false
	}
	last := len(p.stack) - 1
	e := p.stack[last]
	p.stack = p.stack[:last]
	return e, true
}

// largePool holds extents whose block count exceeds Config.MaxBlocksPerExtent.
// It is searched first-fit and periodically defragmented by BackgroundWork,
// which merges any two entries that are adjacent on the medium — the same
// fragmentation-reduction role spec.md §4.1 assigns to `background_work`.
type largePool struct {
	mu    sync.Mutex
	items []Extent
}

func (p *largePool) push(e Extent) {
	p.mu.Lock()
	p.items = append(p.items, e)
	p.mu.Unlock()
}

func (p *largePool) takeFirstFit(blocks, blockSize uint32) (Extent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.items {
		if e.Blocks >= blocks {
			p.items = append(p.items[:i], p.items[i+1:]...)
			if e.Blocks > blocks {
				// Split: return the front, push the exact remainder back.
				rem := Extent{
					Off:    e.Off + Offset(blocks)*Offset(blockSize),
					Blocks: e.Blocks - blocks,
				}
				p.items = append(p.items, rem)
			}
			return Extent{Off: e.Off, Blocks: blocks}, true
		}
	}
	return Extent{}, false
}

// merge coalesces adjacent extents (by byte offset) in the large pool,
// reducing fragmentation the way spec.md §4.1 describes for
// `background_work`. blockSize converts a Blocks count to a byte span.
func (p *largePool) merge(blockSize uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) < 2 {
		return
	}
	sort.Slice(p.items, func(i, j int) bool { return p.items[i].Off < p.items[j].Off })

	merged := p.items[:1]
	for _, cur := range p.items[1:] {
		last := &merged[len(merged)-1]
		lastEnd := uint64(last.Off) + uint64(last.Blocks)*uint64(blockSize)
		if lastEnd == uint64(cur.Off) {
			last.Blocks += cur.Blocks
			continue
		}
		merged = append(merged, cur)
	}
	p.items = merged
}
