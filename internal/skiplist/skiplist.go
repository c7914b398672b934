// Package skiplist is the sorted-collection collaborator spec.md §1 scopes
// out of the core engine: given a collection name, it keeps user keys in
// byte order in memory and folds in the SortedHeaderRecord/SortedDataRecord/
// SortedDeleteRecord records the recovery scan hands it. It writes nothing
// itself; the kvdk facade persists each element as a StringRecord under the
// element's encoded key.
//
// Grounded on core/state/snapshot's use of a plain sorted slice plus
// sort.Search for its accountList/storageList iteration order (it does not
// carry an actual skip list either — it flattens a diff layer into a sorted
// slice on demand) rather than a pointer-tower skip list, which the pack
// has no real precedent for.
package skiplist

import (
	"bytes"
	"sort"
	"sync"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/version"
)

type item struct {
	key []byte
	off pmem.Offset
}

// Collection is one named sorted collection's in-memory view.
type Collection struct {
	mu    sync.RWMutex
	name  string
	items []item // sorted by key
}

// Registry owns every sorted collection opened this process, keyed by name.
type Registry struct {
	mu    sync.Mutex
	byName map[string]*Collection

	Alloc   *pmem.Allocator
	Hash    *hashindex.Index
	Version *version.Controller
}

func NewRegistry(alloc *pmem.Allocator, hash *hashindex.Index, vc *version.Controller) *Registry {
	return &Registry{byName: make(map[string]*Collection), Alloc: alloc, Hash: hash, Version: vc}
}

// Open returns the named collection, registering a fresh header record if
// this is the first time it has been seen.
func (r *Registry) Open(name string) *Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.byName[name]; ok {
		return c
	}
	c := &Collection{name: name}
	r.byName[name] = c
	r.Hash.RegisterCollection(name, record.SortedHeaderRecord, uint64(pmem.NullOffset))
	return c
}

func (c *Collection) find(key []byte) (int, bool) {
	i := sort.Search(len(c.items), func(i int) bool { return bytes.Compare(c.items[i].key, key) >= 0 })
	return i, i < len(c.items) && bytes.Equal(c.items[i].key, key)
}

// Set inserts or overwrites the in-memory ordering for key. The caller (the
// write path, acting on behalf of the public facade's SSet) is responsible
// for persisting the SortedDataRecord itself; Set only updates the
// ordering index once that record's offset is known.
func (c *Collection) Set(key []byte, off pmem.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, found := c.find(key)
	if found {
		c.items[i].off = off
		return
	}
	c.items = append(c.items, item{})
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = item{key: append([]byte(nil), key...), off: off}
}

// Delete removes key from the ordering, returning its last known offset (so
// the caller can enqueue that extent for delayed free) and whether it was
// present.
func (c *Collection) Delete(key []byte) (pmem.Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, found := c.find(key)
	if !found {
		return pmem.NullOffset, false
	}
	off := c.items[i].off
	c.items = append(c.items[:i], c.items[i+1:]...)
	return off, true
}

// Get returns key's current record offset.
func (c *Collection) Get(key []byte) (pmem.Offset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, found := c.find(key)
	if !found {
		return pmem.NullOffset, status.New(status.NotFound, "sorted key not found")
	}
	return c.items[i].off, nil
}

// Iterator walks a collection's keys in ascending order, per spec.md's
// NewSortedIterator.
type Iterator struct {
	c   *Collection
	pos int
}

func (c *Collection) NewIterator() *Iterator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return &Iterator{c: c, pos: -1}
}

func (it *Iterator) SeekToFirst() bool {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	it.pos = 0
	return it.pos < len(it.c.items)
}

func (it *Iterator) Next() bool {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	it.pos++
	return it.pos < len(it.c.items)
}

func (it *Iterator) Valid() bool {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	return it.pos >= 0 && it.pos < len(it.c.items)
}

func (it *Iterator) Key() []byte {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	return it.c.items[it.pos].key
}

func (it *Iterator) Offset() pmem.Offset {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	return it.c.items[it.pos].off
}

// EncodeKey prefixes a collection-local subkey with its collection name, so
// a flat key fingerprint space (spec.md §3's hash index) can still route an
// element record back to the sorted collection that owns it. The separator
// is a NUL byte, which spec.md never allows inside a collection name.
func EncodeKey(name string, subkey []byte) []byte {
	out := make([]byte, 0, len(name)+1+len(subkey))
	out = append(out, name...)
	out = append(out, 0)
	return append(out, subkey...)
}

func splitKey(key []byte) (name string, subkey []byte) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return "", key
	}
	return string(key[:i]), key[i+1:]
}

// Rebuild implements recovery.CollectionRebuilder across every sorted
// collection: it demultiplexes l's key into (collection name, subkey),
// opens or creates that collection's in-memory ordering, and folds the
// record in, matching spec.md §4.9's "dispatch into the owning collection".
// On-disk chain-link repair is handled by the shared CheckLinkage /
// InstallLinks path in the recovery package; this only maintains ordering.
func (r *Registry) Rebuild(l record.Layout, self pmem.Offset) {
	name, subkey := splitKey(l.Key)
	c := r.Open(name)
	switch l.Header.Type {
	case record.SortedDataRecord:
		c.Set(subkey, self)
	case record.SortedDeleteRecord:
		c.Delete(subkey)
	case record.SortedHeaderRecord:
		// collection existence alone; Open above already created it.
	}
}
