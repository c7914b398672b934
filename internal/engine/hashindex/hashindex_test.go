package hashindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tooss367/kvdk-go/internal/engine/record"
)

func TestInsertSearchReplace(t *testing.T) {
	idx := New(4)
	key := []byte("foo")

	h := idx.Acquire(key)
	_, st := idx.Search(h, key, 1<<record.StringRecord)
	require.Equal(t, NotFound, st)

	idx.Insert(h, key, record.StringRecord, 111)
	h.Unlock()

	h = idx.Acquire(key)
	e, st := idx.Search(h, key, 1<<record.StringRecord)
	require.Equal(t, Ok, st)
	require.Equal(t, uint64(111), e.Payload())

	idx.Replace(e, record.StringRecord, 222)
	require.Equal(t, uint64(222), e.Payload())
	h.Unlock()
}

func TestSearchMayExistOnTypeMismatch(t *testing.T) {
	idx := New(4)
	key := []byte("bar")

	h := idx.Acquire(key)
	idx.Insert(h, key, record.HashElemRecord, 5)
	h.Unlock()

	h = idx.Acquire(key)
	defer h.Unlock()
	_, st := idx.Search(h, key, 1<<record.StringRecord)
	require.Equal(t, MayExist, st)
}

func TestMarkDeletedAllowsSlotReuse(t *testing.T) {
	idx := New(4)
	key := []byte("baz")

	h := idx.Acquire(key)
	idx.Insert(h, key, record.StringRecord, 1)
	e, st := idx.Search(h, key, 1<<record.StringRecord)
	require.Equal(t, Ok, st)
	idx.MarkDeleted(h, e)
	h.Unlock()

	h = idx.Acquire(key)
	_, st = idx.Search(h, key, 1<<record.StringRecord)
	require.Equal(t, NotFound, st)

	idx.Insert(h, key, record.StringRecord, 2)
	h.Unlock()

	h = idx.Acquire(key)
	defer h.Unlock()
	e, st = idx.Search(h, key, 1<<record.StringRecord)
	require.Equal(t, Ok, st)
	require.Equal(t, uint64(2), e.Payload())
}

func TestRegisterAndLookupCollection(t *testing.T) {
	idx := New(4)
	desc := idx.RegisterCollection("mylist", record.SortedHeaderRecord, 999)
	require.Equal(t, "mylist", desc.Name)

	got, ok := idx.LookupCollection("mylist", record.SortedHeaderRecord)
	require.True(t, ok)
	require.Equal(t, uint64(999), got.Ptr)

	_, ok = idx.LookupCollection("nope", record.SortedHeaderRecord)
	require.False(t, ok)
}
