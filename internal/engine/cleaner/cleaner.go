// Package cleaner implements the old-records cleaner (C8): it dequeues
// records whose superseding version's timestamp has fallen below the
// oldest live snapshot and returns their extents to the allocator, per
// spec.md §4.8.
//
// The "keep a layer readable until nothing can observe it, then reclaim"
// shape is grounded on the teacher's core/state/snapshot package, whose
// `Cap` operation flattens and discards diff layers once they're no longer
// reachable from any live root — the same deferred-reclaim discipline this
// package applies to individual records instead of whole layers.
package cleaner

import (
	"time"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/tcache"
	"github.com/tooss367/kvdk-go/internal/engine/version"
	"github.com/tooss367/kvdk-go/internal/engine/versionchain"
	"github.com/tooss367/kvdk-go/internal/klog"
	"github.com/tooss367/kvdk-go/internal/kmetrics"
)

// Cleaner is C8. It is constructed with the pending queues (via Tcaches),
// the hash index and the allocator, plus the version controller it reads
// the oldest-snapshot watermark from and the version chain it prunes.
type Cleaner struct {
	Alloc   *pmem.Allocator
	Hash    *hashindex.Index
	Version *version.Controller
	Tcaches *tcache.Manager
	Chain   *versionchain.Chain
	Log     klog.Logger

	freedMeter *kmetrics.Meter
}

func New(alloc *pmem.Allocator, hash *hashindex.Index, vc *version.Controller, tc *tcache.Manager, chain *versionchain.Chain, log klog.Logger) *Cleaner {
	return &Cleaner{
		Alloc:      alloc,
		Hash:       hash,
		Version:    vc,
		Tcaches:    tc,
		Chain:      chain,
		Log:        log,
		freedMeter: kmetrics.NewRegisteredMeter("cleaner/freed/blocks"),
	}
}

// Tick performs one cleaner iteration, per spec.md §4.8's numbered steps.
func (c *Cleaner) Tick() {
	oldest := c.Version.UpdateOldestSnapshot()

	c.Tcaches.Each(func(tid int, tc *tcache.Cache) {
		data, del := tc.DrainBelow(oldest)

		for _, p := range data {
			if c.Chain != nil {
				c.Chain.PruneOffset(pmem.Offset(p.Offset))
			}
			c.Alloc.MarkFree(pmem.Extent{Off: pmem.Offset(p.Offset), Blocks: p.Blocks})
			c.freedMeter.Mark(int64(p.Blocks))
		}

		for _, p := range del {
			c.reclaimDelete(p)
		}
	})
}

// reclaimDelete additionally drops the hash-index entry for a delete
// record still the latest version, under the bucket lock, before freeing
// its extent — spec.md §4.8 step 4.
func (c *Cleaner) reclaimDelete(p tcache.PendingFree) {
	off := pmem.Offset(p.Offset)
	raw := c.Alloc.Bytes(off, record.HeaderSize())
	keySize := beUint16(raw[18:20])
	full := c.Alloc.Bytes(off, record.HeaderSize()+uint32(keySize))
	key := full[record.HeaderSize() : record.HeaderSize()+uint32(keySize)]

	h := c.Hash.Acquire(key)
	if e, st := c.Hash.Search(h, key, 1<<record.StringDeleteRecord|1<<record.SortedDeleteRecord|1<<record.HashDeleteRecord); st == hashindex.Ok {
		if e.Payload() == p.Offset {
			c.Hash.MarkDeleted(h, e)
		}
	}
	h.Unlock()

	if c.Chain != nil {
		c.Chain.PruneOffset(off)
	}
	c.Alloc.MarkFree(pmem.Extent{Off: off, Blocks: p.Blocks})
	c.freedMeter.Mark(int64(p.Blocks))
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

// Run drives Tick on interval until stop is closed, the background
// coordinator role described in spec.md §4.8/§9 ("one scheduling thread
// wakes N cleaner workers on a condition variable" — simplified here to a
// single cleaner goroutine per engine, since spec.md's core invariant is
// at-most-once free, not worker count).
func (c *Cleaner) Run(stop <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.Tick()
		}
	}
}
