// Package queue is the double-ended-queue collaborator spec.md §1 scopes
// out of the core engine: LPush/RPush/LPop/RPop over an in-memory deque,
// backed by QueueHeaderRecord/QueueElemRecord chains. Unlike the sorted and
// hashed collections, spec.md's record-type enum has no QueueDeleteRecord
// (see record.go's ten-member Type enum) — a pop physically unlinks and
// frees its element rather than tombstoning it, so there is nothing for a
// delete record to supersede.
//
// Grounded on the ring-buffer-free, slice-backed deque used by
// _examples/other_examples/e2fa551c_thistonyuncle-etcd__mvcc-kvstore.go.go's
// watch event queue (append/drop-from-front over a plain slice, no
// container/list indirection) rather than a linked list, since the core
// already owns the real on-disk doubly-linked chain.
package queue

import (
	"sync"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/version"
)

// elem is one queued record: its full (name-prefixed) key, so a pop can
// also drop the hash-index entry that routed it, plus its offset.
type elem struct {
	key []byte
	off pmem.Offset
}

type Collection struct {
	mu    sync.Mutex
	name  string
	elems []elem // front at index 0
}

type Registry struct {
	mu     sync.Mutex
	byName map[string]*Collection

	Alloc   *pmem.Allocator
	Hash    *hashindex.Index
	Version *version.Controller
}

func NewRegistry(alloc *pmem.Allocator, hash *hashindex.Index, vc *version.Controller) *Registry {
	return &Registry{byName: make(map[string]*Collection), Alloc: alloc, Hash: hash, Version: vc}
}

func (r *Registry) Open(name string) *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byName[name]; ok {
		return c
	}
	c := &Collection{name: name}
	r.byName[name] = c
	r.Hash.RegisterCollection(name, record.QueueHeaderRecord, uint64(pmem.NullOffset))
	return c
}

// PushFront/PushBack record a newly persisted element's full key and offset
// at the corresponding end of the in-memory deque. The caller has already
// persisted the element's record before calling these; this only updates
// the ordering view.
func (c *Collection) PushFront(key []byte, off pmem.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elems = append([]elem{{key: key, off: off}}, c.elems...)
}

func (c *Collection) PushBack(key []byte, off pmem.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elems = append(c.elems, elem{key: key, off: off})
}

// PopFront/PopBack remove and return the key and offset at the
// corresponding end, for the caller to drop the hash-index entry and mark
// the extent free once it has read the element's value out.
func (c *Collection) PopFront() ([]byte, pmem.Offset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.elems) == 0 {
		return nil, pmem.NullOffset, status.New(status.NotFound, "queue is empty")
	}
	e := c.elems[0]
	c.elems = c.elems[1:]
	return e.key, e.off, nil
}

func (c *Collection) PopBack() ([]byte, pmem.Offset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.elems)
	if n == 0 {
		return nil, pmem.NullOffset, status.New(status.NotFound, "queue is empty")
	}
	e := c.elems[n-1]
	c.elems = c.elems[:n-1]
	return e.key, e.off, nil
}

func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elems)
}

// Rebuild implements recovery.CollectionRebuilder: every QueueElemRecord
// found during the scan is appended in scan order, then the whole deque is
// restored to persisted order by walking the doubly-linked chain back from
// its back (the element with a null Next) once the scan completes. Scan order alone does not reflect queue order, so this only
// stages candidates; Registry.Finalize does the chain walk.
func (r *Registry) Rebuild(l record.Layout, self pmem.Offset) {
	if l.Header.Type != record.QueueElemRecord && l.Header.Type != record.QueueHeaderRecord {
		return
	}
	name, _ := splitQueueKey(l.Key)
	c := r.Open(name)
	if l.Header.Type == record.QueueElemRecord {
		c.mu.Lock()
		c.elems = append(c.elems, elem{key: append([]byte(nil), l.Key...), off: self}) // provisional; reordered by Finalize
		c.mu.Unlock()
	}
}

// EncodeKey builds the routing key for an element of the named queue: the
// name, a NUL byte, then the element's own uuid-derived suffix, the same
// name+0x00+subkey scheme internal/skiplist and internal/unordered use so a
// flat hash-index keyspace can still route a record back to its owning
// collection.
func EncodeKey(name string, suffix []byte) []byte {
	out := make([]byte, 0, len(name)+1+len(suffix))
	out = append(out, name...)
	out = append(out, 0)
	out = append(out, suffix...)
	return out
}

func splitQueueKey(key []byte) (name string, rest []byte) {
	for i, b := range key {
		if b == 0 {
			return string(key[:i]), key[i+1:]
		}
	}
	return "", key
}

// Finalize reorders every collection's provisionally scan-ordered offsets
// into true front-to-back queue order, by following each element's stored
// Prev chain from whichever element has a null Next (the back) to whichever
// has a null Prev (the front). Called once, after the parallel scan
// completes, per spec.md §4.9's "a second pass re-establishes ordering for
// collections whose iteration order is not the on-disk offset order".
func (r *Registry) Finalize(alloc *pmem.Allocator) {
	r.mu.Lock()
	cols := make([]*Collection, 0, len(r.byName))
	for _, c := range r.byName {
		cols = append(cols, c)
	}
	r.mu.Unlock()

	for _, c := range cols {
		c.mu.Lock()
		c.elems = chainOrder(alloc, c.elems)
		c.mu.Unlock()
	}
}

func chainOrder(alloc *pmem.Allocator, candidates []elem) []elem {
	if len(candidates) == 0 {
		return candidates
	}
	byOffset := make(map[pmem.Offset]elem, len(candidates))
	prev := make(map[pmem.Offset]pmem.Offset, len(candidates))
	var back pmem.Offset = pmem.NullOffset

	for _, e := range candidates {
		byOffset[e.off] = e
	}
	for _, e := range candidates {
		head := alloc.Bytes(e.off, record.HeaderSize())
		keySize := beUint16(head[18:20])
		valueSize := beUint32(head[20:24])
		full := alloc.Bytes(e.off, record.HeaderSize()+uint32(keySize)+valueSize+record.LinkSize())
		l := record.Unmarshal(full, true)
		if l.Next == pmem.NullOffset {
			back = e.off
		}
		if _, ok := byOffset[l.Prev]; ok {
			prev[e.off] = l.Prev
		}
	}
	if back == pmem.NullOffset {
		return candidates // no element reports a null Next: leave scan order
	}

	ordered := make([]elem, 0, len(candidates))
	cur := back
	seen := make(map[pmem.Offset]bool, len(candidates))
	for {
		e, ok := byOffset[cur]
		if !ok || seen[cur] {
			break
		}
		ordered = append(ordered, e)
		seen[cur] = true
		cur = prev[cur]
	}
	// ordered is back-to-front; reverse to front-to-back.
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}
	return ordered
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
