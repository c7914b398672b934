package writepath

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/tcache"
	"github.com/tooss367/kvdk-go/internal/engine/version"
	"github.com/tooss367/kvdk-go/internal/engine/versionchain"
	"github.com/tooss367/kvdk-go/internal/klog"
)

func newTestPath(t *testing.T) *Path {
	t.Helper()
	cfg := pmem.Config{BlockSize: 64, SegmentBlocks: 1024, MaxBlocksPerExtent: 32, Capacity: 1 << 20}
	alloc, err := pmem.Open(filepath.Join(t.TempDir(), "kvdk.data"), cfg, klog.New())
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	return &Path{
		Alloc:   alloc,
		Hash:    hashindex.New(4),
		Version: version.New(4),
		Tcaches: tcache.New(4),
		Chain:   versionchain.New(),
		Dir:     t.TempDir(),
		Log:     klog.New(),
	}
}

func TestValidateSizesRejectsEmptyKey(t *testing.T) {
	err := ValidateSizes(nil, []byte("v"))
	require.Error(t, err)
	require.Equal(t, status.InvalidDataSize, status.Of(err))
}

func TestValidateSizesRejectsOversizedKey(t *testing.T) {
	big := make([]byte, 65536)
	err := ValidateSizes(big, nil)
	require.Error(t, err)
	require.Equal(t, status.InvalidDataSize, status.Of(err))
}

func TestValidateSizesAcceptsMaxKeySize(t *testing.T) {
	max := make([]byte, 65535)
	require.NoError(t, ValidateSizes(max, nil))
}

func TestSetSupersedesPriorVersionAndPopulatesChain(t *testing.T) {
	p := newTestPath(t)

	require.NoError(t, p.Set(0, []byte("k"), []byte("v1")))
	require.NoError(t, p.Set(0, []byte("k"), []byte("v2")))

	h := p.Hash.Acquire([]byte("k"))
	res, st := p.Hash.Search(h, []byte("k"), 1<<record.StringRecord|1<<record.StringDeleteRecord)
	require.Equal(t, hashindex.Ok, st)
	full := p.Alloc.Bytes(pmem.Offset(res.Payload()), record.HeaderSize()+1+2)
	l := record.Unmarshal(full, false)
	require.Equal(t, []byte("v2"), l.Value)
	h.Unlock()

	tc := p.Tcaches.For(0)
	require.Len(t, tc.PendingFreeData, 1, "the superseded string record belongs on the data deque, not the delete deque")
	require.Empty(t, tc.PendingFreeDelete)
}

func TestDeleteThenSetRoutesSupersededTombstoneToDeleteDeque(t *testing.T) {
	p := newTestPath(t)

	require.NoError(t, p.Set(0, []byte("k"), []byte("v1")))
	require.NoError(t, p.Delete(0, []byte("k")))
	require.NoError(t, p.Set(0, []byte("k"), []byte("v2")))

	tc := p.Tcaches.For(0)
	require.Len(t, tc.PendingFreeDelete, 1, "a delete record superseded by a later write belongs on the delete deque")
	require.Len(t, tc.PendingFreeData, 1, "the original v1 string record, superseded by the delete, belongs on the data deque")
}

func TestBatchWriteInsertsEveryEntryUnderOneTimestamp(t *testing.T) {
	p := newTestPath(t)

	require.NoError(t, p.BatchWrite(0, []BatchEntry{
		{Key: []byte("a"), Value: []byte("1"), Kind: record.StringRecord},
		{Key: []byte("b"), Value: []byte("2"), Kind: record.StringRecord},
	}))

	for _, pair := range [][2]string{{"a", "1"}, {"b", "2"}} {
		key, want := []byte(pair[0]), pair[1]
		h := p.Hash.Acquire(key)
		res, st := p.Hash.Search(h, key, 1<<record.StringRecord|1<<record.StringDeleteRecord)
		require.Equal(t, hashindex.Ok, st)
		full := p.Alloc.Bytes(pmem.Offset(res.Payload()), record.HeaderSize()+1+1)
		l := record.Unmarshal(full, false)
		require.Equal(t, []byte(want), l.Value)
		h.Unlock()
	}
}

func TestBatchWritePublishesNothingOnValidationFailure(t *testing.T) {
	p := newTestPath(t)

	err := p.BatchWrite(0, []BatchEntry{
		{Key: []byte("a"), Value: []byte("1"), Kind: record.StringRecord},
		{Key: nil, Value: []byte("2"), Kind: record.StringRecord},
	})
	require.Error(t, err)

	h := p.Hash.Acquire([]byte("a"))
	_, st := p.Hash.Search(h, []byte("a"), 1<<record.StringRecord|1<<record.StringDeleteRecord)
	h.Unlock()
	require.NotEqual(t, hashindex.Ok, st, "a batch that fails validation must not publish any of its entries")
}
