// Package tcache implements the per-thread cache described in spec.md §3:
// for each accessing thread, the newest timestamp observed during recovery,
// the set of skip-list ids touched, the current batch's journal handle, and
// two deques of old-record entries pending free.
//
// Per the design notes (§9), this is a single fixed-size array indexed by
// the C3 thread id rather than true goroutine-local storage, so the
// cleaner and the snapshot sweep can iterate every thread's state from a
// background goroutine.
package tcache

import "sync"

// PendingFree is one (record_offset, superseding_timestamp) pair awaiting
// the cleaner's at-most-once physical free, per spec.md §4.8.
type PendingFree struct {
	Offset      uint64
	Blocks      uint32
	Supersedeat uint64 // superseding_timestamp
}

// Cache is one accessing thread's volatile state.
type Cache struct {
	mu sync.Mutex

	NewestTimestamp uint64
	TouchedSkipList map[uint64]struct{}

	JournalPath string // non-empty while a BatchWrite is in flight

	PendingFreeData   []PendingFree
	PendingFreeDelete []PendingFree
}

// Manager owns one Cache per dense thread id.
type Manager struct {
	mu    sync.RWMutex
	byTid []*Cache
}

func New(maxAccessThreads int) *Manager {
	m := &Manager{byTid: make([]*Cache, maxAccessThreads)}
	for i := range m.byTid {
		m.byTid[i] = &Cache{TouchedSkipList: make(map[uint64]struct{})}
	}
	return m
}

// For returns the Cache owned by tid. Panics on out-of-range tid, which
// would indicate a C3 bug (ids are always < maxAccessThreads).
func (m *Manager) For(tid int) *Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTid[tid]
}

// Each iterates every thread's cache, including threads that never
// accessed the engine, used by the cleaner tick (§4.8) to visit peer state.
func (m *Manager) Each(fn func(tid int, c *Cache)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, c := range m.byTid {
		fn(i, c)
	}
}

// EnqueueData appends a freed data-record candidate to tid's data deque.
func (c *Cache) EnqueueData(p PendingFree) {
	c.mu.Lock()
	c.PendingFreeData = append(c.PendingFreeData, p)
	c.mu.Unlock()
}

// EnqueueDelete appends a freed delete-record candidate to tid's delete deque.
func (c *Cache) EnqueueDelete(p PendingFree) {
	c.mu.Lock()
	c.PendingFreeDelete = append(c.PendingFreeDelete, p)
	c.mu.Unlock()
}

// DrainBelow removes and returns every pending entry (from both deques)
// whose Supersedeat is strictly below oldest, per spec.md §4.8's cleaner
// tick. It returns the data-deque matches and delete-deque matches
// separately since the cleaner treats them differently (the delete-deque
// ones additionally drop a hash-index entry).
func (c *Cache) DrainBelow(oldest uint64) (data, del []PendingFree) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, c.PendingFreeData = partition(c.PendingFreeData, oldest)
	del, c.PendingFreeDelete = partition(c.PendingFreeDelete, oldest)
	return data, del
}

func partition(q []PendingFree, oldest uint64) (ready, rest []PendingFree) {
	for _, p := range q {
		if p.Supersedeat < oldest {
			ready = append(ready, p)
		} else {
			rest = append(rest, p)
		}
	}
	return ready, rest
}
