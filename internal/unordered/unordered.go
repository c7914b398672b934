// Package unordered is the hashed-collection collaborator spec.md §1 scopes
// out of the core engine: per-collection HGet/HSet/HDelete over an
// in-memory map, which also folds in the HashHeaderRecord/HashElemRecord/
// HashDeleteRecord records the recovery scan hands it. It writes nothing
// itself; the kvdk facade persists each field as a StringRecord.
//
// Grounded on the bucket-map shape of internal/engine/hashindex itself
// (this package is "one more hash table, this time per named collection
// instead of one global keyspace") rather than inventing a second
// striped-lock design; a plain sync.RWMutex-guarded map is enough here
// since a named collection's access pattern is far colder than the global
// index's.
package unordered

import (
	"bytes"
	"sync"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/version"
)

// Collection is one named hashed collection's in-memory view.
type Collection struct {
	mu      sync.RWMutex
	name    string
	entries map[string]pmem.Offset
}

// Registry owns every hashed collection opened this process.
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
	c := &Collection{name: name, entries: make(map[string]pmem.Offset)}
	r.byName[name] = c
	r.Hash.RegisterCollection(name, record.HashHeaderRecord, uint64(pmem.NullOffset))
	return c
}

func (c *Collection) Set(field []byte, off pmem.Offset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[string(field)] = off
}

func (c *Collection) Delete(field []byte) (pmem.Offset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	off, ok := c.entries[string(field)]
	if ok {
		delete(c.entries, string(field))
	}
	return off, ok
}

func (c *Collection) Get(field []byte) (pmem.Offset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	off, ok := c.entries[string(field)]
	if !ok {
		return pmem.NullOffset, status.New(status.NotFound, "hash field not found")
	}
	return off, nil
}

// Iterator walks a collection's fields in unspecified order, per spec.md's
// NewUnorderedIterator.
type Iterator struct {
	c     *Collection
	keys  []string
	pos   int
}

func (c *Collection) NewIterator() *Iterator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return &Iterator{c: c, keys: keys, pos: -1}
}

func (it *Iterator) Next() bool {
	it.pos++
	return it.pos < len(it.keys)
}

func (it *Iterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.keys) }

func (it *Iterator) Field() []byte { return []byte(it.keys[it.pos]) }

func (it *Iterator) Offset() pmem.Offset {
	it.c.mu.RLock()
	defer it.c.mu.RUnlock()
	return it.c.entries[it.keys[it.pos]]
}

// EncodeKey prefixes a collection-local field with its collection name,
// mirroring internal/skiplist's EncodeKey so a flat key fingerprint space
// can route an element record back to its owning collection.
func EncodeKey(name string, field []byte) []byte {
	out := make([]byte, 0, len(name)+1+len(field))
	out = append(out, name...)
	out = append(out, 0)
	return append(out, field...)
}

func splitKey(key []byte) (name string, field []byte) {
	i := bytes.IndexByte(key, 0)
	if i < 0 {
		return "", key
	}
	return string(key[:i]), key[i+1:]
}

// Rebuild implements recovery.CollectionRebuilder across every hashed
// collection, demultiplexing by name the same way internal/skiplist does.
func (r *Registry) Rebuild(l record.Layout, self pmem.Offset) {
	name, field := splitKey(l.Key)
	c := r.Open(name)
	switch l.Header.Type {
	case record.HashElemRecord:
		c.Set(field, self)
	case record.HashDeleteRecord:
		c.Delete(field)
	}
}
