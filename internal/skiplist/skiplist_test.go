package skiplist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
)

func newTestRegistry() *Registry {
	return NewRegistry(nil, hashindex.New(4), nil)
}

func TestSetKeepsAscendingOrder(t *testing.T) {
	r := newTestRegistry()
	c := r.Open("scores")

	c.Set([]byte("charlie"), pmem.Offset(3))
	c.Set([]byte("alice"), pmem.Offset(1))
	c.Set([]byte("bob"), pmem.Offset(2))

	it := c.NewIterator()
	var keys []string
	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.Equal(t, []string{"alice", "bob", "charlie"}, keys)
}

func TestSetOnExistingKeyOverwritesOffsetWithoutDuplicating(t *testing.T) {
	r := newTestRegistry()
	c := r.Open("scores")

	c.Set([]byte("alice"), pmem.Offset(1))
	c.Set([]byte("alice"), pmem.Offset(9))

	off, err := c.Get([]byte("alice"))
	require.NoError(t, err)
	require.Equal(t, pmem.Offset(9), off)

	it := c.NewIterator()
	count := 0
	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		count++
	}
	require.Equal(t, 1, count)
}

func TestDeleteRemovesKeyAndReturnsLastOffset(t *testing.T) {
	r := newTestRegistry()
	c := r.Open("scores")
	c.Set([]byte("alice"), pmem.Offset(5))

	off, found := c.Delete([]byte("alice"))
	require.True(t, found)
	require.Equal(t, pmem.Offset(5), off)

	_, err := c.Get([]byte("alice"))
	require.Error(t, err)

	_, found = c.Delete([]byte("alice"))
	require.False(t, found)
}

func TestEncodeKeyRoundTripsThroughSplitKey(t *testing.T) {
	k := EncodeKey("scores", []byte("alice"))
	name, subkey := splitKey(k)
	require.Equal(t, "scores", name)
	require.Equal(t, []byte("alice"), subkey)
}

func TestRebuildDispatchesByRecordType(t *testing.T) {
	r := newTestRegistry()

	key := EncodeKey("scores", []byte("alice"))
	dataLayout := record.Layout{Header: record.Header{Type: record.SortedDataRecord}, Key: key}
	r.Rebuild(dataLayout, pmem.Offset(42))

	c := r.Open("scores")
	off, err := c.Get([]byte("alice"))
	require.NoError(t, err)
	require.Equal(t, pmem.Offset(42), off)

	deleteLayout := record.Layout{Header: record.Header{Type: record.SortedDeleteRecord}, Key: key}
	r.Rebuild(deleteLayout, pmem.Offset(43))
	_, err = c.Get([]byte("alice"))
	require.Error(t, err)
}
