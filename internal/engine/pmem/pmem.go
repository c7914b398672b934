// Package pmem implements the persistent-memory allocator (C1): it owns a
// memory-mapped persistent region and hands out byte-aligned extents,
// reclaiming freed ones through a two-tier (thread-local, then global) free
// list keyed by block count, the way spec.md §4.1 describes.
//
// The region is mapped with github.com/edsrzf/mmap-go, the same library the
// teacher's go.mod already requires, rather than hand-rolled syscall.Mmap
// calls (compare _examples/fenilsonani-vcs/internal/hyperdrive/persistent_memory.go,
// which maps manually — this package is grounded on that file's allocator
// shape but swaps the raw syscall for the library form).
package pmem

import (
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"

	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/klog"
	"github.com/tooss367/kvdk-go/internal/kmetrics"
)

const highWaterMark = 64 // extents per bucket before thread-local overflows to global

// threadLocalPools holds one allocator-private free list per block-count
// bucket for a single accessing thread. No lock guards it: spec.md §5 says
// thread-local pools "need no lock" because only the owning thread touches
// its own slot, indexed by the dense id C3 hands out.
type threadLocalPools struct {
	buckets [][]Extent // index 1..MaxBlocksPerExtent
}

// Allocator is the PMem allocator (C1).
type Allocator struct {
	cfg Config
	log klog.Logger

	file    *os.File
	mapping mmap.MMap
	base    unsafe.Pointer

	carveMu sync.Mutex
	cursor  uint64 // next never-yet-carved block index, guarded by carveMu

	global []bucketPool // index 1..MaxBlocksPerExtent, allocated once
	large  largePool

	localMu sync.RWMutex
	local   []*threadLocalPools // indexed by C3 thread id, grown on demand

	allocMeter *kmetrics.Meter
	freeMeter  *kmetrics.Meter
}

// Open memory-maps (creating if absent) the data file at path sized to
// cfg.Capacity and returns a ready allocator. Recovery (C9) is responsible
// for re-deriving which extents are free by scanning records; a fresh
// Allocator always starts with the whole region unclaimed.
func Open(path string, cfg Config, log klog.Logger) (*Allocator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, status.Wrap(status.IOError, err)
	}
	if uint64(info.Size()) < cfg.Capacity {
		if err := f.Truncate(int64(cfg.Capacity)); err != nil {
			f.Close()
			return nil, status.Wrap(status.IOError, err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, status.Wrap(status.MapError, err)
	}

	a := &Allocator{
		cfg:        cfg,
		log:        log,
		file:       f,
		mapping:    m,
		base:       unsafe.Pointer(&m[0]),
		global:     make([]bucketPool, cfg.MaxBlocksPerExtent+1),
		allocMeter: kmetrics.NewRegisteredMeter("pmem/alloc/blocks"),
		freeMeter:  kmetrics.NewRegisteredMeter("pmem/free/blocks"),
	}
	return a, nil
}

// Close flushes and unmaps the region.
func (a *Allocator) Close() error {
	if err := a.mapping.Flush(); err != nil {
		return status.Wrap(status.IOError, err)
	}
	if err := a.mapping.Unmap(); err != nil {
		return status.Wrap(status.MapError, err)
	}
	return a.file.Close()
}

// Config returns the allocator's immutable parameters.
func (a *Allocator) Config() Config { return a.cfg }

func (a *Allocator) ensureLocal(tid int) *threadLocalPools {
	a.localMu.RLock()
	if tid < len(a.local) && a.local[tid] != nil {
		tl := a.local[tid]
		a.localMu.RUnlock()
		return tl
	}
	a.localMu.RUnlock()

	a.localMu.Lock()
	defer a.localMu.Unlock()
	if tid >= len(a.local) {
		grown := make([]*threadLocalPools, tid+1)
		copy(grown, a.local)
		a.local = grown
	}
	if a.local[tid] == nil {
		a.local[tid] = &threadLocalPools{buckets: make([][]Extent, a.cfg.MaxBlocksPerExtent+1)}
	}
	return a.local[tid]
}

// Allocate hands out an extent of at least size bytes (after accounting for
// the caller-supplied header size), per spec.md §4.1's allocate(size).
func (a *Allocator) Allocate(tid int, size, header uint32) (Extent, error) {
	blocks := a.cfg.blocksForSize(size, header)

	if blocks <= a.cfg.MaxBlocksPerExtent {
		tl := a.ensureLocal(tid)
		if n := len(tl.buckets[blocks]); n > 0 {
			e := tl.buckets[blocks][n-1]
			tl.buckets[blocks] = tl.buckets[blocks][:n-1]
			a.allocMeter.Mark(int64(blocks))
			return e, nil
		}
		if e, ok := a.global[blocks].pop(); ok {
			a.allocMeter.Mark(int64(blocks))
			return e, nil
		}
	} else if e, ok := a.large.takeFirstFit(blocks, a.cfg.BlockSize); ok {
		a.allocMeter.Mark(int64(blocks))
		return e, nil
	}

	// Nothing free of the right shape: carve fresh blocks from the
	// never-allocated tail of the region. Carving never lets an extent
	// straddle a segment boundary, so the parallel recovery scan (§4.9)
	// can partition work by segment without one goroutine seeing half of
	// a record another goroutine owns.
	a.carveMu.Lock()
	start := a.cursor
	segBlocks := uint64(a.cfg.SegmentBlocks)
	segStart := (start / segBlocks) * segBlocks
	if start+uint64(blocks) > segStart+segBlocks {
		start = segStart + segBlocks // skip to the next segment
	}
	if start+uint64(blocks) > a.cfg.totalBlocks() {
		a.carveMu.Unlock()
		a.log.Warn("pmem overflow", "requestedBlocks", blocks)
		return Extent{}, status.New(status.PmemOverflow, "no extent of sufficient size")
	}
	a.cursor = start + uint64(blocks)
	a.carveMu.Unlock()

	e := Extent{Off: Offset(start * uint64(a.cfg.BlockSize)), Blocks: blocks}
	a.allocMeter.Mark(int64(blocks))
	return e, nil
}

// Free returns an extent to the caller's thread-local free list (spec.md
// §4.1: "free pushes to the caller's thread-local list"), migrating the
// overflow to the global pool once the bucket crosses the high-water mark.
func (a *Allocator) Free(tid int, e Extent) {
	a.freeMeter.Mark(int64(e.Blocks))

	if e.Blocks > a.cfg.MaxBlocksPerExtent {
		a.large.push(e)
		return
	}
	tl := a.ensureLocal(tid)
	tl.buckets[e.Blocks] = append(tl.buckets[e.Blocks], e)
	if len(tl.buckets[e.Blocks]) > highWaterMark {
		overflow := tl.buckets[e.Blocks][highWaterMark/2:]
		cp := append([]Extent(nil), overflow...)
		tl.buckets[e.Blocks] = tl.buckets[e.Blocks][:highWaterMark/2]
		a.global[e.Blocks].pushAll(cp)
	}
}

// reserveAt marks the extent as already carved, used only by Recovery (C9)
// to reconstruct allocator state: extents that host a validated record are
// never free, and the bump cursor must clear past them.
func (a *Allocator) reserveAt(e Extent) {
	end := uint64(e.Off)/uint64(a.cfg.BlockSize) + uint64(e.Blocks)
	a.carveMu.Lock()
	if end > a.cursor {
		a.cursor = end
	}
	a.carveMu.Unlock()
}

// ReserveAt exposes reserveAt to the recovery package (C9), which is the
// sole authorized caller outside this package per the design notes'
// friend-access contract (§9).
func (a *Allocator) ReserveAt(e Extent) { a.reserveAt(e) }

// MarkFree returns an extent directly to the large/global pools without
// going through a thread-local list, used by recovery rollback and the
// cleaner, neither of which has — or should pretend to have — a single
// owning accessor thread for the extent being freed.
func (a *Allocator) MarkFree(e Extent) {
	a.freeMeter.Mark(int64(e.Blocks))
	if e.Blocks > a.cfg.MaxBlocksPerExtent {
		a.large.push(e)
		return
	}
	a.global[e.Blocks].push(e)
}

// OffsetToAddr converts a stable persistent offset into a process address
// within the mapped region. It is the only function in the engine allowed
// to do so (§9).
func (a *Allocator) OffsetToAddr(o Offset) unsafe.Pointer {
	return unsafe.Pointer(uintptr(a.base) + uintptr(o))
}

// AddrToOffset is the inverse of OffsetToAddr.
func (a *Allocator) AddrToOffset(p unsafe.Pointer) Offset {
	return Offset(uintptr(p) - uintptr(a.base))
}

// Bytes returns the raw mapped byte slice backing offset o..o+n, for callers
// that need direct slice access instead of an unsafe.Pointer (record
// marshalling, checksum computation).
func (a *Allocator) Bytes(o Offset, n uint32) []byte {
	return a.mapping[uint64(o) : uint64(o)+uint64(n)]
}

// TotalBlocks reports the region's capacity in blocks, used by recovery to
// bound its segment partitioning.
func (a *Allocator) TotalBlocks() uint64 { return a.cfg.totalBlocks() }

// BackgroundWork periodically merges adjacent free extents in the large
// pool, per spec.md §4.1, and asynchronously flushes dirty pages so an
// unclean shutdown loses at most one interval's writes, until the stop
// channel closes.
func (a *Allocator) BackgroundWork(stop <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			a.large.merge(a.cfg.BlockSize)
			if err := unix.Msync(a.mapping, unix.MS_ASYNC); err != nil {
				a.log.Warn("msync failed", "err", err)
			}
		}
	}
}
