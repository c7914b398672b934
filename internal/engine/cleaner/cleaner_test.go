package cleaner

import (
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

func newTestPath(t *testing.T) (*writepath.Path, *Cleaner) {
	t.Helper()
	cfg := pmem.Config{BlockSize: 64, SegmentBlocks: 1024, MaxBlocksPerExtent: 32, Capacity: 1 << 20}
	alloc, err := pmem.Open(filepath.Join(t.TempDir(), "kvdk.data"), cfg, klog.New())
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	hash := hashindex.New(4)
	vc := version.New(4)
	tcaches := tcache.New(4)
	chain := versionchain.New()

	wp := &writepath.Path{Alloc: alloc, Hash: hash, Version: vc, Tcaches: tcaches, Chain: chain, Dir: t.TempDir(), Log: klog.New()}
	cl := New(alloc, hash, vc, tcaches, chain, klog.New())
	return wp, cl
}

// readCurrent mirrors kvdk.Engine.get's no-snapshot path closely enough to
// assert on the latest value without pulling in the whole facade package.
func readCurrent(t *testing.T, wp *writepath.Path, key []byte) []byte {
	t.Helper()
	h := wp.Hash.Acquire(key)
	defer h.Unlock()
	res, st := wp.Hash.Search(h, key, 1<<record.StringRecord|1<<record.StringDeleteRecord)
	require.Equal(t, hashindex.Ok, st)
	off := pmem.Offset(res.Payload())
	head := wp.Alloc.Bytes(off, record.HeaderSize())
	keySize := uint16(head[18])<<8 | uint16(head[19])
	valueSize := uint32(head[20])<<24 | uint32(head[21])<<16 | uint32(head[22])<<8 | uint32(head[23])
	full := wp.Alloc.Bytes(off, record.HeaderSize()+uint32(keySize)+valueSize)
	l := record.Unmarshal(full, false)
	return append([]byte(nil), l.Value...)
}

// With no live snapshots, the oldest-snapshot watermark is MaxTimestamp, so
// every pending-free entry clears DrainBelow's strict-less-than check and
// the chain entry tracking the superseded version is pruned.
func TestCleanerReclaimsSupersededDataRecordWithNoLiveSnapshots(t *testing.T) {
	wp, cl := newTestPath(t)

	require.NoError(t, wp.Set(0, []byte("k"), []byte("v1")))
	require.NoError(t, wp.Set(0, []byte("k"), []byte("v2")))

	cl.Tick()

	_, found := wp.Chain.Find([]byte("k"), ^uint64(0))
	require.False(t, found)
	require.Equal(t, []byte("v2"), readCurrent(t, wp, []byte("k")))
}

// A live snapshot taken before the second write pins the oldest-snapshot
// watermark at its own timestamp, so the superseded v1 extent must survive
// the tick and stay reachable through the chain.
func TestCleanerDoesNotReclaimUnderLiveSnapshot(t *testing.T) {
	wp, cl := newTestPath(t)

	require.NoError(t, wp.Set(0, []byte("k"), []byte("v1")))
	snap := wp.Version.MakeSnapshot(0)
	require.NoError(t, wp.Set(0, []byte("k"), []byte("v2")))

	cl.Tick()

	v, found := wp.Chain.Find([]byte("k"), snap.Timestamp())
	require.True(t, found)
	require.Equal(t, snap.Timestamp(), v.Timestamp)

	wp.Version.ReleaseSnapshot(snap)
}

// A delete record superseded by a later write is routed into the delete
// deque; reclaiming it must also drop the hash-index entry if (rarely) it is
// still the latest payload at tick time, and must not disturb the record
// that superseded it.
func TestCleanerReclaimDeleteKeepsSupersedingRecord(t *testing.T) {
	wp, cl := newTestPath(t)

	require.NoError(t, wp.Set(0, []byte("k"), []byte("v1")))
	require.NoError(t, wp.Delete(0, []byte("k")))
	require.NoError(t, wp.Set(0, []byte("k"), []byte("v3")))

	tc := wp.Tcaches.For(0)
	require.NotEmpty(t, tc.PendingFreeDelete, "the superseded delete record should have been routed to the delete deque")

	cl.Tick()

	require.Equal(t, []byte("v3"), readCurrent(t, wp, []byte("k")))
}
