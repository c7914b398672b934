// Package threads implements the thread manager (C3): it assigns each
// accessing goroutine a dense integer id in [0, maxAccessThreads) so every
// other component can index per-thread state by a plain array lookup
// instead of hashing or locking on every operation (spec.md §4.3).
//
// The dense id itself is handed out from a fixed-size free-id stack (array
// indexing must stay O(1) and allocation-free on the hot path, per spec.md's
// own rationale), but the bookkeeping of which ids are currently leased uses
// github.com/deckarep/golang-set, the set type the teacher's go.mod already
// requires and uses for exactly this kind of small membership bookkeeping
// elsewhere in the protocol manager.
package threads

import (
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/tooss367/kvdk-go/internal/engine/status"
)

// Manager hands out dense thread ids.
type Manager struct {
	mu      sync.Mutex
	max     int
	freeIDs []int   // LIFO stack of unused ids, O(1) push/pop
	leased  mapset.Set // ids currently leased, for release-time validation
}

func New(maxAccessThreads int) *Manager {
	free := make([]int, maxAccessThreads)
	for i := range free {
		free[i] = maxAccessThreads - 1 - i // pop smallest id first
	}
	return &Manager{
		max:     maxAccessThreads,
		freeIDs: free,
		leased:  mapset.NewSet(),
	}
}

// MaybeInitializeAccess returns a fresh dense id, or TooManyAccessThreads
// when the cap (spec.md §6, §8 boundary behavior) is reached.
func (m *Manager) MaybeInitializeAccess() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.freeIDs) == 0 {
		return -1, status.New(status.TooManyAccessThreads, "no free access-thread ids")
	}
	id := m.freeIDs[len(m.freeIDs)-1]
	m.freeIDs = m.freeIDs[:len(m.freeIDs)-1]
	m.leased.Add(id)
	return id, nil
}

// Release returns a thread id to the pool (spec.md §4.3, §6
// ReleaseAccessThread — the source's ReleaseWriteThread is the same
// operation under a different name, per §9, and is not separately exposed).
func (m *Manager) Release(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.leased.Contains(id) {
		return
	}
	m.leased.Remove(id)
	m.freeIDs = append(m.freeIDs, id)
}

// Max returns the configured access-thread cap.
func (m *Manager) Max() int { return m.max }

// LeasedCount reports how many ids are currently checked out, for tests and
// diagnostics.
func (m *Manager) LeasedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leased.Cardinality()
}
