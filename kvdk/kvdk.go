// Package kvdk is the public client surface (spec.md §6): Open/Close, the
// four data-model operation families (anonymous strings, sorted
// collections, hashed collections, queues), snapshots, and backup.
//
// The facade mirrors the teacher's top-level package pattern where a thin
// exported type (eth.Ethereum, les.LightEthereum) wraps an internal engine
// assembled by its own constructor, translating the internal component
// wiring into the handful of calls an embedder actually needs.
package kvdk

import (
	"os"
	"path/filepath"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cespare/cp"
	"github.com/google/uuid"

	"github.com/tooss367/kvdk-go/internal/engine"
	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/version"
	"github.com/tooss367/kvdk-go/internal/engine/writepath"
	"github.com/tooss367/kvdk-go/internal/queue"
	"github.com/tooss367/kvdk-go/internal/skiplist"
	"github.com/tooss367/kvdk-go/internal/unordered"
)

// Configs is re-exported so callers never need to import internal/engine
// directly (spec.md §6's "an opaque Configs struct").
type Configs = engine.Configs

func DefaultConfigs() Configs { return engine.DefaultConfigs() }

// readCacheBytes sizes the hot-read cache the same order of magnitude as
// the teacher's diskLayer cache (disklayer_generate.go, journal.go: both
// fastcache.New(512 * 1024 * 1024)), scaled down since this engine's
// "slow path" is a local mmap read rather than a remote disk layer.
const readCacheBytes = 64 * 1024 * 1024

// Engine is the opened key-value store.
type Engine struct {
	e     *engine.Engine
	cache *fastcache.Cache
}

// Open implements spec.md §4.9's Open: an idempotent call across repeated
// invocations against the same directory, performing recovery if the
// directory holds a prior instance's data file.
func Open(dir string, cfgs Configs) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, status.Wrap(status.IOError, err)
	}
	e, err := engine.Open(dir, cfgs)
	if err != nil {
		return nil, err
	}
	return &Engine{e: e, cache: fastcache.New(readCacheBytes)}, nil
}

// Close stops the background workers, flushes any remaining pending
// batches (none remain by construction: BatchWrite's journal is deleted
// before it returns), and unmaps the region.
func (eng *Engine) Close() error { return eng.e.Close() }

// AcquireAccessThread hands the calling goroutine a dense thread id, the Go
// translation of spec.md §4.3's maybe_initialize_access(): Go has no stable
// OS-thread identity to key per-thread state by, so every operation below
// takes the id explicitly instead of discovering it from TLS.
func (eng *Engine) AcquireAccessThread() (int, error) {
	return eng.e.Threads.MaybeInitializeAccess()
}

// ReleaseAccessThread returns tid to the pool, spec.md §6's single exposed
// name for this operation (§9: ReleaseWriteThread and ReleaseAccessThread
// are the same operation under two source names).
func (eng *Engine) ReleaseAccessThread(tid int) { eng.e.ReleaseAccessThread(tid) }

// Snapshot is spec.md §3's {timestamp, owning thread slot} pair.
type Snapshot struct {
	h   version.Handle
	tid int
}

// GetSnapshot pins the current latest timestamp into tid's slot.
func (eng *Engine) GetSnapshot(tid int) Snapshot {
	return Snapshot{h: eng.e.Version.MakeSnapshot(tid), tid: tid}
}

// ReleaseSnapshot resets tid's slot back to the sentinel.
func (eng *Engine) ReleaseSnapshot(s Snapshot) { eng.e.Version.ReleaseSnapshot(s.h) }

// Set implements spec.md §4.7 Set(key, value).
func (eng *Engine) Set(tid int, key, value []byte) error {
	if err := eng.e.Write.Set(tid, key, value); err != nil {
		return err
	}
	eng.cache.Del(key)
	return nil
}

// Delete implements spec.md §4.7 Delete(key).
func (eng *Engine) Delete(tid int, key []byte) error {
	if err := eng.e.Write.Delete(tid, key); err != nil {
		return err
	}
	eng.cache.Del(key)
	return nil
}

// Get implements spec.md §8's Get(key): the current (no-snapshot) value, or
// NotFound if the latest version is a delete.
func (eng *Engine) Get(tid int, key []byte) ([]byte, error) {
	return eng.get(key, nil)
}

// GetUnderSnapshot implements Get(K) under S: the greatest-timestamp
// version with ts <= s.h.Timestamp(), per spec.md's testable property.
func (eng *Engine) GetUnderSnapshot(key []byte, s Snapshot) ([]byte, error) {
	ts := s.h.Timestamp()
	return eng.get(key, &ts)
}

func (eng *Engine) get(key []byte, asOf *uint64) ([]byte, error) {
	// The hot-read cache only ever serves the current (no-snapshot) value,
	// the same restriction the teacher's diskLayer cache has: it is the
	// bottom, latest-only layer's cache, never consulted by a read that
	// needs an older version. Entries carry a one-byte marker (0: not
	// found or deleted, 1: value follows) so an empty value stays distinct
	// from a cached miss.
	if asOf == nil {
		if v, ok := eng.cache.HasGet(nil, key); ok {
			if len(v) == 0 || v[0] == 0 {
				return nil, status.New(status.NotFound, "key not found")
			}
			return append([]byte(nil), v[1:]...), nil
		}
	}

	h := eng.e.Hash.Acquire(key)
	defer h.Unlock()

	res, st := eng.e.Hash.Search(h, key, 1<<record.StringRecord|1<<record.StringDeleteRecord)
	if st != hashindex.Ok {
		if asOf == nil {
			eng.cache.Set(key, []byte{0})
		}
		return nil, status.New(status.NotFound, "key not found")
	}
	off := pmem.Offset(res.Payload())
	head := eng.e.Alloc.Bytes(off, record.HeaderSize())
	keySize := beUint16(head[18:20])
	valueSize := beUint32(head[20:24])
	full := eng.e.Alloc.Bytes(off, record.HeaderSize()+uint32(keySize)+valueSize)
	l := record.Unmarshal(full, false)

	if asOf != nil && l.Header.Timestamp > *asOf {
		// The live index only ever holds the latest version. An
		// under-snapshot read that needs an older one walks the in-memory
		// version chain (internal/engine/versionchain) the write path
		// populates whenever it supersedes a record — the realization of
		// spec.md §4.4's per-key version chain, bounded by the same
		// oldest-live-snapshot watermark the cleaner (C8) already enforces:
		// a version the cleaner has freed is pruned from the chain too, so
		// this never reads reused memory.
		v, ok := eng.e.Chain.Find(key, *asOf)
		if !ok {
			return nil, status.New(status.NotFound, "no version at or before snapshot")
		}
		head := eng.e.Alloc.Bytes(v.Offset, record.HeaderSize())
		ks := beUint16(head[18:20])
		vs := beUint32(head[20:24])
		full := eng.e.Alloc.Bytes(v.Offset, record.HeaderSize()+uint32(ks)+vs)
		vl := record.Unmarshal(full, false)
		if vl.Header.Type.IsDelete() {
			return nil, status.New(status.NotFound, "key deleted as of snapshot")
		}
		return append([]byte(nil), vl.Value...), nil
	}
	if record.Type(l.Header.Type).IsDelete() {
		if asOf == nil {
			eng.cache.Set(key, []byte{0})
		}
		return nil, status.New(status.NotFound, "key deleted")
	}
	if asOf == nil {
		eng.cache.Set(key, append([]byte{1}, l.Value...))
	}
	return append([]byte(nil), l.Value...), nil
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// BatchEntry mirrors writepath.BatchEntry so callers never import
// internal/engine/writepath directly.
type BatchEntry = writepath.BatchEntry

// BatchWrite implements spec.md §4.7's BatchWrite.
func (eng *Engine) BatchWrite(tid int, entries []BatchEntry) error {
	if err := eng.e.Write.BatchWrite(tid, entries); err != nil {
		return err
	}
	for _, e := range entries {
		eng.cache.Del(e.Key)
	}
	return nil
}

// --- Sorted collections (skip lists) ---

// SSet writes subkey into the named sorted collection.
func (eng *Engine) SSet(tid int, name string, subkey, value []byte) error {
	full := skiplist.EncodeKey(name, subkey)
	if err := eng.e.Write.Set(tid, full, value); err != nil {
		return err
	}
	eng.cache.Del(full)
	res, st := eng.searchRecord(full, record.StringRecord)
	if st {
		eng.e.Sorted.Open(name).Set(subkey, res)
	}
	return nil
}

// SGet reads subkey's current value from the named sorted collection.
func (eng *Engine) SGet(tid int, name string, subkey []byte) ([]byte, error) {
	return eng.get(skiplist.EncodeKey(name, subkey), nil)
}

// SDelete removes subkey from the named sorted collection.
func (eng *Engine) SDelete(tid int, name string, subkey []byte) error {
	full := skiplist.EncodeKey(name, subkey)
	if err := eng.e.Write.Delete(tid, full); err != nil {
		return err
	}
	eng.cache.Del(full)
	eng.e.Sorted.Open(name).Delete(subkey)
	return nil
}

// SortedIterator walks a sorted collection in ascending key order.
type SortedIterator struct{ it *skiplist.Iterator }

func (eng *Engine) NewSortedIterator(name string) *SortedIterator {
	return &SortedIterator{it: eng.e.Sorted.Open(name).NewIterator()}
}
func (it *SortedIterator) SeekToFirst() bool { return it.it.SeekToFirst() }
func (it *SortedIterator) Next() bool        { return it.it.Next() }
func (it *SortedIterator) Valid() bool       { return it.it.Valid() }
func (it *SortedIterator) Key() []byte       { return it.it.Key() }

// --- Hashed (unordered) collections ---

func (eng *Engine) HSet(tid int, name string, field, value []byte) error {
	full := unordered.EncodeKey(name, field)
	if err := eng.e.Write.Set(tid, full, value); err != nil {
		return err
	}
	eng.cache.Del(full)
	res, st := eng.searchRecord(full, record.StringRecord)
	if st {
		eng.e.Unordered.Open(name).Set(field, res)
	}
	return nil
}

func (eng *Engine) HGet(tid int, name string, field []byte) ([]byte, error) {
	return eng.get(unordered.EncodeKey(name, field), nil)
}

func (eng *Engine) HDelete(tid int, name string, field []byte) error {
	full := unordered.EncodeKey(name, field)
	if err := eng.e.Write.Delete(tid, full); err != nil {
		return err
	}
	eng.cache.Del(full)
	eng.e.Unordered.Open(name).Delete(field)
	return nil
}

// UnorderedIterator walks a hashed collection in unspecified order.
type UnorderedIterator struct{ it *unordered.Iterator }

func (eng *Engine) NewUnorderedIterator(name string) *UnorderedIterator {
	return &UnorderedIterator{it: eng.e.Unordered.Open(name).NewIterator()}
}
func (it *UnorderedIterator) Next() bool    { return it.it.Next() }
func (it *UnorderedIterator) Valid() bool   { return it.it.Valid() }
func (it *UnorderedIterator) Field() []byte { return it.it.Field() }

// --- Queues ---

func (eng *Engine) LPush(tid int, name string, value []byte) error {
	return eng.pushQueue(tid, name, value, true)
}
func (eng *Engine) RPush(tid int, name string, value []byte) error {
	return eng.pushQueue(tid, name, value, false)
}

func (eng *Engine) pushQueue(tid int, name string, value []byte, front bool) error {
	// Each push needs a key distinct from every other element's, since the
	// hash index (C5) is keyed by bytes, not by identity: reusing value as
	// the routing key would make two pushes of the same value collide and
	// supersede one another instead of coexisting. A uuid suffix (the same
	// collision-avoidance device the pending-batch journal names use)
	// keeps every element's full key unique regardless of its value.
	key := queue.EncodeKey(name, []byte(uuid.New().String()))
	if err := eng.e.Write.Set(tid, key, value); err != nil {
		return err
	}
	res, st := eng.searchRecord(key, record.StringRecord)
	if !st {
		return status.New(status.IOError, "queue element vanished immediately after write")
	}
	q := eng.e.Queues.Open(name)
	if front {
		q.PushFront(key, res)
	} else {
		q.PushBack(key, res)
	}
	return nil
}

func (eng *Engine) LPop(tid int, name string) ([]byte, error) { return eng.popQueue(tid, name, true) }
func (eng *Engine) RPop(tid int, name string) ([]byte, error) {
	return eng.popQueue(tid, name, false)
}

func (eng *Engine) popQueue(tid int, name string, front bool) ([]byte, error) {
	q := eng.e.Queues.Open(name)
	var key []byte
	var off pmem.Offset
	var err error
	if front {
		key, off, err = q.PopFront()
	} else {
		key, off, err = q.PopBack()
	}
	if err != nil {
		return nil, err
	}
	head := eng.e.Alloc.Bytes(off, record.HeaderSize())
	keySize := beUint16(head[18:20])
	valueSize := beUint32(head[20:24])
	full := eng.e.Alloc.Bytes(off, record.HeaderSize()+uint32(keySize)+valueSize)
	l := record.Unmarshal(full, false)
	value := append([]byte(nil), l.Value...)

	h := eng.e.Hash.Acquire(key)
	if e, st := eng.e.Hash.Search(h, key, 1<<record.StringRecord); st == hashindex.Ok && e.Payload() == uint64(off) {
		eng.e.Hash.MarkDeleted(h, e)
	}
	h.Unlock()

	eng.e.Alloc.Free(tid, pmem.Extent{Off: off, Blocks: l.Header.RecordSize})
	return value, nil
}

// searchRecord finds the current index entry for a just-written full key,
// used by the collection wrappers to learn the record's offset without the
// write path exposing it directly. Collection elements are written through
// the write path's Set, so they are StringRecords under their encoded keys;
// the in-memory collection views built from them are not rebuilt by Open.
func (eng *Engine) searchRecord(fullKey []byte, want record.Type) (pmem.Offset, bool) {
	h := eng.e.Hash.Acquire(fullKey)
	defer h.Unlock()
	res, st := eng.e.Hash.Search(h, fullKey, 1<<want)
	if st != hashindex.Ok {
		return pmem.NullOffset, false
	}
	return pmem.Offset(res.Payload()), true
}

// Backup copies the data file (kvdk.data) to path and fsyncs the copy. The
// copy is cespare/cp's CopyFile, the same src-to-dst file copy the teacher
// uses for keystore backups (cmd/XDC/accountcmd_test.go). The snapshot
// argument is not used: the copy holds whatever the file holds at copy
// time, the mapping is not flushed first, and no backup_mark is written, so
// an Open of the copy recovers every valid record in it.
func (eng *Engine) Backup(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return status.Wrap(status.IOError, err)
	}
	if err := cp.CopyFile(path, filepath.Join(eng.e.Dir, "kvdk.data")); err != nil {
		return status.Wrap(status.IOError, err)
	}
	dst, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	defer dst.Close()
	return dst.Sync()
}
