// Package writepath implements Set/Delete/BatchWrite (C7), atomic against
// the allocator, hash index, and version controller, per spec.md §4.7.
//
// Grounded on _examples/calvinalkan-agent-task/internal/store/tx.go's
// Tx.Begin/Put/Commit shape (buffer ops, write a WAL-like journal, fsync,
// apply, then truncate the journal to mark the transaction durable) — this
// package follows the same commit sequence for BatchWrite, substituting a
// per-thread pending-batch journal (spec.md §4.7 step 3) for calvinalkan's
// JSONL WAL.
package writepath

import (
	"path/filepath"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/tcache"
	"github.com/tooss367/kvdk-go/internal/engine/version"
	"github.com/tooss367/kvdk-go/internal/engine/versionchain"
	"github.com/tooss367/kvdk-go/internal/klog"
)

const (
	maxKeySize   = 65535
	maxValueSize = 1<<32 - 1 // 2^32 - 1; value_size = 2^32 is rejected per spec.md §8
)

// Path is the write path (C7), holding references to its three
// collaborating components plus the per-thread bookkeeping it reads and
// mutates.
type Path struct {
	Alloc    *pmem.Allocator
	Hash     *hashindex.Index
	Version  *version.Controller
	Tcaches  *tcache.Manager
	Chain    *versionchain.Chain
	Dir      string
	Log      klog.Logger
}

// ValidateSizes rejects key_size=0, key_size>65535, or value_size>2^32-1
// per spec.md §8's boundary behaviors.
func ValidateSizes(key, value []byte) error {
	if len(key) == 0 {
		return status.New(status.InvalidDataSize, "key_size is zero")
	}
	if len(key) > maxKeySize {
		return status.New(status.InvalidDataSize, "key_size exceeds 65535")
	}
	if uint64(len(value)) > maxValueSize {
		return status.New(status.InvalidDataSize, "value_size exceeds 2^32-1")
	}
	return nil
}

// Set implements spec.md §4.7's Set(key, value): allocate, stamp, persist,
// publish via the hash index, and enqueue the displaced record (if any)
// for delayed free.
func (p *Path) Set(tid int, key, value []byte) error {
	return p.write(tid, key, value, record.StringRecord)
}

// Delete implements spec.md §4.7's Delete(key): a StringDeleteRecord is
// itself allocated and published so readers on an older snapshot still see
// the prior value until their snapshot is released.
func (p *Path) Delete(tid int, key []byte) error {
	return p.write(tid, key, nil, record.StringDeleteRecord)
}

func (p *Path) write(tid int, key, value []byte, kind record.Type) error {
	if err := ValidateSizes(key, value); err != nil {
		return err
	}
	ts := p.Version.NewTimestamp()

	h := p.Hash.Acquire(key)
	defer h.Unlock()

	res, st := p.Hash.Search(h, key, 1<<record.StringRecord|1<<record.StringDeleteRecord)

	size := record.HeaderSize() + uint32(len(key)) + uint32(len(value))
	ext, err := p.Alloc.Allocate(tid, size, 0)
	if err != nil {
		return err
	}

	hdr := record.Header{
		RecordSize: ext.Blocks,
		Timestamp:  ts,
		Type:       kind,
		KeySize:    uint16(len(key)),
		ValueSize:  uint32(len(value)),
	}
	dst := p.Alloc.Bytes(ext.Off, size)
	record.Marshal(dst, hdr, key, value, false)

	tc := p.Tcaches.For(tid)

	switch st {
	case hashindex.Ok:
		old := res.Payload()
		p.Hash.Replace(res, kind, uint64(ext.Off))
		oldExt, oldTS, oldType := p.decodeOldExtent(old)
		pf := tcache.PendingFree{Offset: uint64(oldExt.Off), Blocks: oldExt.Blocks, Supersedeat: ts}
		if oldType.IsDelete() {
			// spec.md §4.7/§3's per-thread cache: "the delete record itself
			// is enqueued into pending_free_delete at the point a subsequent
			// operation supersedes... it" — its hash-index entry is already
			// gone (Replace above overwrote the slot), but the cleaner's
			// delete-deque path still re-checks under the bucket lock in
			// case a third write raced it back onto this same slot.
			tc.EnqueueDelete(pf)
		} else {
			tc.EnqueueData(pf)
		}
		if p.Chain != nil {
			p.Chain.Push(key, versionchain.Version{Offset: oldExt.Off, Blocks: oldExt.Blocks, Timestamp: oldTS})
		}
	default:
		p.Hash.Insert(h, key, kind, uint64(ext.Off))
	}
	return nil
}

// decodeOldExtent recovers an Extent's block count, timestamp, and type from
// its stored record header, since the hash index payload only carries the
// offset. The allocator needs the block count to free correctly, the
// version chain needs the timestamp to answer an under-snapshot Get, and
// the cleaner needs the type to know whether reclaiming the extent must
// also drop a hash-index entry.
func (p *Path) decodeOldExtent(offset uint64) (pmem.Extent, uint64, record.Type) {
	off := pmem.Offset(offset)
	peek := p.Alloc.Bytes(off, record.HeaderSize())
	blocks := beUint32(peek[4:8])
	ts := beUint64(peek[8:16])
	typ := record.Type(beUint16(peek[16:18]))
	return pmem.Extent{Off: off, Blocks: blocks}, ts, typ
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func beUint64(b []byte) uint64 {
	return uint64(beUint32(b[0:4]))<<32 | uint64(beUint32(b[4:8]))
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// BatchEntry is one (key, value|tombstone) pair in a write batch, extended
// per SPEC_FULL.md's RecordKind supplement to allow a batch to mix
// anonymous-string writes with collection-header registration records.
type BatchEntry struct {
	Key   []byte
	Value []byte      // empty for delete entries
	Kind  record.Type // record.StringRecord or record.StringDeleteRecord (or a header-registration type, see SPEC_FULL.md)
}

// BatchWrite implements spec.md §4.7's BatchWrite: pre-allocate every
// entry, acquire one timestamp, journal the allocated extents, apply each
// entry's hash-index publish, then delete the journal to mark the batch
// complete.
func (p *Path) BatchWrite(tid int, entries []BatchEntry) error {
	for _, e := range entries {
		if err := ValidateSizes(e.Key, e.Value); err != nil {
			return err
		}
	}

	allocated := make([]pmem.Extent, 0, len(entries))
	rollback := func() {
		for _, e := range allocated {
			p.Alloc.MarkFree(e)
		}
	}

	for _, e := range entries {
		size := record.HeaderSize() + uint32(len(e.Key)) + uint32(len(e.Value))
		ext, err := p.Alloc.Allocate(tid, size, 0)
		if err != nil {
			rollback()
			return err
		}
		allocated = append(allocated, ext)
	}

	ts := p.Version.NewTimestamp()

	jEntries := make([]journalEntry, len(allocated))
	for i, e := range allocated {
		jEntries[i] = journalEntry{Off: e.Off, Blocks: e.Blocks}
	}
	path := journalName(p.Dir, tid)
	if err := writeJournal(path, ts, jEntries); err != nil {
		rollback()
		return err
	}
	tc := p.Tcaches.For(tid)
	tc.JournalPath = path

	for i, e := range entries {
		ext := allocated[i]
		hdr := record.Header{
			RecordSize: ext.Blocks,
			Timestamp:  ts,
			Type:       e.Kind,
			KeySize:    uint16(len(e.Key)),
			ValueSize:  uint32(len(e.Value)),
		}
		size := record.HeaderSize() + uint32(len(e.Key)) + uint32(len(e.Value))
		buf := p.Alloc.Bytes(ext.Off, size)
		record.Marshal(buf, hdr, e.Key, e.Value, false)

		h := p.Hash.Acquire(e.Key)
		res, st := p.Hash.Search(h, e.Key, 1<<record.StringRecord|1<<record.StringDeleteRecord)
		if st == hashindex.Ok {
			old := res.Payload()
			p.Hash.Replace(res, e.Kind, uint64(ext.Off))
			oldExt, oldTS, oldType := p.decodeOldExtent(old)
			pf := tcache.PendingFree{Offset: uint64(oldExt.Off), Blocks: oldExt.Blocks, Supersedeat: ts}
			if oldType.IsDelete() {
				tc.EnqueueDelete(pf)
			} else {
				tc.EnqueueData(pf)
			}
			if p.Chain != nil {
				p.Chain.Push(e.Key, versionchain.Version{Offset: oldExt.Off, Blocks: oldExt.Blocks, Timestamp: oldTS})
			}
		} else {
			p.Hash.Insert(h, e.Key, e.Kind, uint64(ext.Off))
		}
		h.Unlock()
	}

	if err := deleteJournal(path); err != nil {
		return err
	}
	tc.JournalPath = ""
	return nil
}

// PendingBatchDir returns the directory holding in-flight batch journals,
// per spec.md §6.
func PendingBatchDir(instanceDir string) string {
	return filepath.Join(instanceDir, "pending_batch")
}
