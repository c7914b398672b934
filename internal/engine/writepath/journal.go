package writepath

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/status"
)

// journalEntry is one allocated extent listed in a pending-batch journal,
// per spec.md §4.7 step 3 and §6.
type journalEntry struct {
	Off    pmem.Offset
	Blocks uint32
}

// journalName mirrors spec.md §6's `pending_batch/<tid>` path, supplemented
// per SPEC_FULL.md's domain-stack table with a uuid suffix (from
// github.com/google/uuid, already in the teacher's reachable ecosystem via
// the pack) so a crash-retried batch from the same thread id never
// collides with a journal still being rolled back by recovery.
func journalName(dir string, tid int) string {
	return filepath.Join(dir, "pending_batch", fmt.Sprintf("%d-%s", tid, uuid.New()))
}

// writeJournal persists the list of allocated extents plus the batch
// timestamp, fsyncing before returning — spec.md §4.7 step 3, and the
// suspension point named in §5(d).
func writeJournal(path string, ts uint64, entries []journalEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return status.Wrap(status.IOError, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return status.Wrap(status.IOError, err)
	}
	defer f.Close()

	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[0:8], ts)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(entries)))
	if _, err := f.Write(header); err != nil {
		return status.Wrap(status.IOError, err)
	}
	rec := make([]byte, 12)
	for _, e := range entries {
		binary.BigEndian.PutUint64(rec[0:8], uint64(e.Off))
		binary.BigEndian.PutUint32(rec[8:12], e.Blocks)
		if _, err := f.Write(rec); err != nil {
			return status.Wrap(status.IOError, err)
		}
	}
	if err := f.Sync(); err != nil {
		return status.Wrap(status.IOError, err)
	}
	return nil
}

// ReadJournal parses a pending-batch journal file, used by the recovery
// package to decide roll-forward vs rollback.
func ReadJournal(path string) (ts uint64, entries []journalEntry, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < 12 {
		return 0, nil, status.New(status.IOError, "truncated journal header")
	}
	ts = binary.BigEndian.Uint64(data[0:8])
	n := binary.BigEndian.Uint32(data[8:12])
	entries = make([]journalEntry, 0, n)
	off := 12
	for i := uint32(0); i < n; i++ {
		if off+12 > len(data) {
			return ts, entries, status.New(status.IOError, "truncated journal body")
		}
		entries = append(entries, journalEntry{
			Off:    pmem.Offset(binary.BigEndian.Uint64(data[off : off+8])),
			Blocks: binary.BigEndian.Uint32(data[off+8 : off+12]),
		})
		off += 12
	}
	return ts, entries, nil
}

// deleteJournal removes the journal file, marking the batch complete
// (spec.md §4.7 step 5).
func deleteJournal(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return status.Wrap(status.IOError, err)
	}
	return nil
}
