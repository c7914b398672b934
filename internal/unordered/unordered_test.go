package unordered

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

func TestSetGetDelete(t *testing.T) {
	r := newTestRegistry()
	c := r.Open("profile")

	c.Set([]byte("name"), pmem.Offset(1))
	off, err := c.Get([]byte("name"))
	require.NoError(t, err)
	require.Equal(t, pmem.Offset(1), off)

	deletedOff, found := c.Delete([]byte("name"))
	require.True(t, found)
	require.Equal(t, pmem.Offset(1), deletedOff)

	_, err = c.Get([]byte("name"))
	require.Error(t, err)

	_, found = c.Delete([]byte("name"))
	require.False(t, found)
}

func TestIteratorVisitsEveryField(t *testing.T) {
	r := newTestRegistry()
	c := r.Open("profile")
	c.Set([]byte("name"), pmem.Offset(1))
	c.Set([]byte("age"), pmem.Offset(2))

	it := c.NewIterator()
	fields := map[string]pmem.Offset{}
	for it.Next() {
		fields[string(it.Field())] = it.Offset()
	}
	require.Equal(t, map[string]pmem.Offset{"name": 1, "age": 2}, fields)
}

func TestEncodeKeyRoundTripsThroughSplitKey(t *testing.T) {
	k := EncodeKey("profile", []byte("name"))
	name, field := splitKey(k)
	require.Equal(t, "profile", name)
	require.Equal(t, []byte("name"), field)
}

func TestRebuildDispatchesByRecordType(t *testing.T) {
	r := newTestRegistry()
	key := EncodeKey("profile", []byte("name"))

	r.Rebuild(record.Layout{Header: record.Header{Type: record.HashElemRecord}, Key: key}, pmem.Offset(7))
	c := r.Open("profile")
	off, err := c.Get([]byte("name"))
	require.NoError(t, err)
	require.Equal(t, pmem.Offset(7), off)

	r.Rebuild(record.Layout{Header: record.Header{Type: record.HashDeleteRecord}, Key: key}, pmem.Offset(8))
	_, err = c.Get([]byte("name"))
	require.Error(t, err)
}
