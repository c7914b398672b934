// Package version implements the MVCC version controller (C4): a strictly
// monotonic timestamp source plus the set of live snapshots and their
// minimum ("oldest live snapshot"), per spec.md §4.4.
//
// Grounded on the revision bookkeeping in
// _examples/other_examples/e2fa551c_thistonyuncle-etcd__mvcc-kvstore.go.go's
// `store` type (currentRev/compactMainRev guarded by revMu) and on the
// diffLayer staleness flag in the teacher's core/state/snapshot package,
// which is the closest the pack gets to "is this version still observable".
package version

import (
	"math"
	"sync"
	"sync/atomic"
)

// MaxTimestamp is the sentinel meaning "this thread holds no snapshot"
// (spec.md §3: "initially a sentinel").
const MaxTimestamp uint64 = math.MaxUint64

// Handle points back to the owning thread's snapshot slot, per spec.md §3's
// "a back-link to the owning thread's slot".
type Handle struct {
	tid int
	ts  uint64
}

func (h Handle) Timestamp() uint64 { return h.ts }

// Controller is the version controller (C4).
type Controller struct {
	latestTS uint64 // atomic, monotonic

	mu       sync.RWMutex
	slots    []uint64 // holding_snapshot[tid], grown on demand
	oldestTS uint64   // cached, updated by UpdateOldestSnapshot
}

func New(maxAccessThreads int) *Controller {
	slots := make([]uint64, maxAccessThreads)
	for i := range slots {
		slots[i] = MaxTimestamp
	}
	return &Controller{slots: slots, oldestTS: MaxTimestamp}
}

// NewTimestamp returns a strictly monotonic timestamp, never repeating
// across restarts because recovery seeds latestTS to one greater than any
// timestamp observed in the persistent scan (spec.md §4.4, §4.9).
func (c *Controller) NewTimestamp() uint64 {
	return atomic.AddUint64(&c.latestTS, 1)
}

// SeedLatest is called once by recovery (C9) to set latestTS = maxObserved+1.
func (c *Controller) SeedLatest(maxObserved uint64) {
	atomic.StoreUint64(&c.latestTS, maxObserved+1)
}

// Latest returns the most recently issued timestamp without allocating a
// new one; used by MakeSnapshot.
func (c *Controller) Latest() uint64 { return atomic.LoadUint64(&c.latestTS) }

// MakeSnapshot writes the controller's latest timestamp into tid's slot and
// returns a Handle pointing at it (spec.md §3, §4.4).
func (c *Controller) MakeSnapshot(tid int) Handle {
	ts := c.Latest()
	c.mu.RLock()
	if tid < len(c.slots) {
		atomic.StoreUint64(&c.slots[tid], ts)
		c.mu.RUnlock()
		return Handle{tid: tid, ts: ts}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	if tid >= len(c.slots) {
		grown := make([]uint64, tid+1)
		for i := range grown {
			grown[i] = MaxTimestamp
		}
		copy(grown, c.slots)
		c.slots = grown
	}
	c.slots[tid] = ts
	c.mu.Unlock()
	return Handle{tid: tid, ts: ts}
}

// ReleaseSnapshot resets the handle's slot back to the sentinel (spec.md §3).
func (c *Controller) ReleaseSnapshot(h Handle) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h.tid < len(c.slots) {
		atomic.StoreUint64(&c.slots[h.tid], MaxTimestamp)
	}
}

// ResetThread resets tid's slot to the sentinel directly, used by
// ReleaseAccessThread (spec.md §6) so a thread giving up its dense id never
// leaves a stale snapshot pinning the oldest-live-snapshot watermark.
func (c *Controller) ResetThread(tid int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if tid < len(c.slots) {
		atomic.StoreUint64(&c.slots[tid], MaxTimestamp)
	}
}

// UpdateOldestSnapshot scans every thread's slot and stores the minimum
// (spec.md §4.4), returning it.
func (c *Controller) UpdateOldestSnapshot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	oldest := MaxTimestamp
	for i := range c.slots {
		if v := atomic.LoadUint64(&c.slots[i]); v < oldest {
			oldest = v
		}
	}
	atomic.StoreUint64(&c.oldestTS, oldest)
	return oldest
}

// OldestSnapshotTS returns the cached value from the last sweep, per
// spec.md §4.4's "a cached oldest_snapshot_ts updated by a background sweep".
func (c *Controller) OldestSnapshotTS() uint64 { return atomic.LoadUint64(&c.oldestTS) }
