// Package versionchain tracks, per key, the superseded-but-not-yet-freed
// record versions a write created, so a Get under an older snapshot can
// still find them after the hash index has moved on to the newest version.
// spec.md §4.4 describes this as "the per-key version chain" the MVCC
// model reads; the engine keeps the chain itself only in memory, reusing
// the cleaner's pending-free bookkeeping (C8) to know when a version is
// gone for good.
//
// Grounded on core/state/snapshot's layer-stack model (each diffLayer
// points at its parent; a read walks parent pointers until a layer
// contains the requested account) — this is the same "walk backward until
// found" shape collapsed onto a flat per-key slice instead of a shared
// layer chain, since here every key has its own independent history.
package versionchain

import (
	"sync"

	"github.com/tooss367/kvdk-go/internal/engine/pmem"
)

// Version is one superseded record still physically present.
type Version struct {
	Offset    pmem.Offset
	Blocks    uint32
	Timestamp uint64
}

// Chain is the process-wide table of superseded versions.
type Chain struct {
	mu    sync.Mutex
	byKey map[string][]Version    // newest first
	keyOf map[pmem.Offset]string
}

func New() *Chain {
	return &Chain{byKey: make(map[string][]Version), keyOf: make(map[pmem.Offset]string)}
}

// Push records that key's previous version now lives at v.Offset, having
// just been superseded by a newer write.
func (c *Chain) Push(key []byte, v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := string(key)
	c.byKey[k] = append([]Version{v}, c.byKey[k]...)
	c.keyOf[v.Offset] = k
}

// Find returns the newest tracked version of key with Timestamp <= asOf.
func (c *Chain) Find(key []byte, asOf uint64) (Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.byKey[string(key)] {
		if v.Timestamp <= asOf {
			return v, true
		}
	}
	return Version{}, false
}

// PruneOffset drops a version once the cleaner has actually freed its
// extent (spec.md §4.8), so Find never returns a since-reused offset.
func (c *Chain) PruneOffset(off pmem.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.keyOf[off]
	if !ok {
		return
	}
	delete(c.keyOf, off)
	vs := c.byKey[k]
	for i, v := range vs {
		if v.Offset == off {
			c.byKey[k] = append(vs[:i], vs[i+1:]...)
			break
		}
	}
	if len(c.byKey[k]) == 0 {
		delete(c.byKey, k)
	}
}
