package recovery

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/tcache"
	"github.com/tooss367/kvdk-go/internal/engine/version"
	"github.com/tooss367/kvdk-go/internal/engine/versionchain"
	"github.com/tooss367/kvdk-go/internal/engine/writepath"
	"github.com/tooss367/kvdk-go/internal/klog"
)

func testCfg() pmem.Config {
	return pmem.Config{BlockSize: 64, SegmentBlocks: 256, MaxBlocksPerExtent: 16, Capacity: 1 << 20}
}

func readValue(t *testing.T, alloc *pmem.Allocator, off pmem.Offset) []byte {
	t.Helper()
	head := alloc.Bytes(off, record.HeaderSize())
	keySize := uint16(head[18])<<8 | uint16(head[19])
	valueSize := uint32(head[20])<<24 | uint32(head[21])<<16 | uint32(head[22])<<8 | uint32(head[23])
	full := alloc.Bytes(off, record.HeaderSize()+uint32(keySize)+valueSize)
	return record.Unmarshal(full, false).Value
}

// Scan must reconstruct the hash index from raw records written by a prior
// (now-closed) allocator instance, keeping only the greatest-timestamp
// version per key and enqueueing the superseded one for the cleaner to free.
func TestScanRebuildsHashIndexKeepingLatestVersion(t *testing.T) {
	dataPath := filepath.Join(t.TempDir(), "kvdk.data")
	cfg := testCfg()

	allocA, err := pmem.Open(dataPath, cfg, klog.New())
	require.NoError(t, err)

	wp := &writepath.Path{
		Alloc:   allocA,
		Hash:    hashindex.New(4),
		Version: version.New(4),
		Tcaches: tcache.New(4),
		Chain:   versionchain.New(),
		Dir:     t.TempDir(),
		Log:     klog.New(),
	}
	require.NoError(t, wp.Set(0, []byte("k1"), []byte("v1")))
	require.NoError(t, wp.Set(0, []byte("k1"), []byte("v2"))) // supersedes, v1's extent becomes a loser
	require.NoError(t, wp.Set(0, []byte("k2"), []byte("only")))
	require.NoError(t, allocA.Close())

	allocB, err := pmem.Open(dataPath, cfg, klog.New())
	require.NoError(t, err)
	t.Cleanup(func() { allocB.Close() })

	hashB := hashindex.New(4)
	tcachesB := tcache.New(4)
	deps := &Deps{
		Alloc:                   allocB,
		Hash:                    hashB,
		Version:                 version.New(4),
		Tcaches:                 tcachesB,
		Log:                     klog.New(),
		Collections:             map[record.Type]CollectionRebuilder{},
		MaxRecoverableTimestamp: ^uint64(0),
	}

	maxTS, err := Scan(deps)
	require.NoError(t, err)
	require.True(t, maxTS > 0)

	h := hashB.Acquire([]byte("k1"))
	res, st := hashB.Search(h, []byte("k1"), 1<<record.StringRecord|1<<record.StringDeleteRecord)
	require.Equal(t, hashindex.Ok, st)
	require.Equal(t, []byte("v2"), readValue(t, allocB, pmem.Offset(res.Payload())))
	h.Unlock()

	h2 := hashB.Acquire([]byte("k2"))
	res2, st2 := hashB.Search(h2, []byte("k2"), 1<<record.StringRecord|1<<record.StringDeleteRecord)
	require.Equal(t, hashindex.Ok, st2)
	require.Equal(t, []byte("only"), readValue(t, allocB, pmem.Offset(res2.Payload())))
	h2.Unlock()

	tc := tcachesB.For(0)
	require.Len(t, tc.PendingFreeData, 1, "the superseded k1=v1 record should have been handed to thread 0's data deque as a loser")
}

// writeRawJournal builds a pending-batch journal file in the on-disk format
// journal.go's writeJournal/ReadJournal pair use, without depending on that
// package's unexported writer (only ReadJournal is exported).
func writeRawJournal(t *testing.T, path string, ts uint64, entries []pmem.Extent) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	buf := make([]byte, 12+12*len(entries))
	binary.BigEndian.PutUint64(buf[0:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(entries)))
	off := 12
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Off))
		binary.BigEndian.PutUint32(buf[off+8:off+12], e.Blocks)
		off += 12
	}
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

// A journal whose timestamp is within the recoverable watermark and whose
// listed extent still holds a valid record is left in place (committed);
// the journal file itself is always removed either way.
func TestReplayPendingBatchesCommitsWithinWatermark(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	alloc, err := pmem.Open(filepath.Join(dir, "kvdk.data"), cfg, klog.New())
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	ext, err := alloc.Allocate(0, record.HeaderSize()+4, 0)
	require.NoError(t, err)
	hdr := record.Header{RecordSize: ext.Blocks, Timestamp: 5, Type: record.StringRecord, KeySize: 2, ValueSize: 2}
	buf := alloc.Bytes(ext.Off, record.HeaderSize()+4)
	record.Marshal(buf, hdr, []byte("ab"), []byte("cd"), false)

	journalPath := filepath.Join(writepath.PendingBatchDir(dir), "0-committed")
	writeRawJournal(t, journalPath, 5, []pmem.Extent{ext})

	deps := &Deps{Alloc: alloc, Hash: hashindex.New(4), Version: version.New(4), Tcaches: tcache.New(4), Log: klog.New(), MaxRecoverableTimestamp: 10}
	require.NoError(t, ReplayPendingBatches(deps, dir))

	require.True(t, record.Validate(alloc.Bytes(ext.Off, record.HeaderSize()+4)))
	_, err = os.Stat(journalPath)
	require.True(t, os.IsNotExist(err), "the journal file itself is always removed once replayed")
}

// A journal whose timestamp exceeds the recoverable watermark is rolled
// back: its listed extent is freed rather than left claimed.
func TestReplayPendingBatchesRollsBackBeyondWatermark(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg()
	alloc, err := pmem.Open(filepath.Join(dir, "kvdk.data"), cfg, klog.New())
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	ext, err := alloc.Allocate(0, record.HeaderSize()+4, 0)
	require.NoError(t, err)
	hdr := record.Header{RecordSize: ext.Blocks, Timestamp: 99, Type: record.StringRecord, KeySize: 2, ValueSize: 2}
	buf := alloc.Bytes(ext.Off, record.HeaderSize()+4)
	record.Marshal(buf, hdr, []byte("ab"), []byte("cd"), false)

	journalPath := filepath.Join(writepath.PendingBatchDir(dir), "0-uncommitted")
	writeRawJournal(t, journalPath, 99, []pmem.Extent{ext})

	deps := &Deps{Alloc: alloc, Hash: hashindex.New(4), Version: version.New(4), Tcaches: tcache.New(4), Log: klog.New(), MaxRecoverableTimestamp: 10}
	require.NoError(t, ReplayPendingBatches(deps, dir))

	reused, err := alloc.Allocate(0, record.HeaderSize()+4, 0)
	require.NoError(t, err)
	require.Equal(t, ext.Off, reused.Off, "the rolled-back extent should be the first thing a same-size allocation reuses")
}
