package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTimestampIsStrictlyMonotonic(t *testing.T) {
	c := New(4)
	var last uint64
	for i := 0; i < 100; i++ {
		ts := c.NewTimestamp()
		require.True(t, ts > last)
		last = ts
	}
}

func TestMakeSnapshotPinsOldestWatermark(t *testing.T) {
	c := New(4)
	c.NewTimestamp()
	h1 := c.MakeSnapshot(0)

	c.NewTimestamp()
	c.NewTimestamp()
	h2 := c.MakeSnapshot(1)

	oldest := c.UpdateOldestSnapshot()
	require.Equal(t, h1.Timestamp(), oldest)
	require.True(t, h1.Timestamp() < h2.Timestamp())

	c.ReleaseSnapshot(h1)
	oldest = c.UpdateOldestSnapshot()
	require.Equal(t, h2.Timestamp(), oldest)

	c.ReleaseSnapshot(h2)
	oldest = c.UpdateOldestSnapshot()
	require.Equal(t, MaxTimestamp, oldest, "with no live snapshots the watermark is the sentinel")
}

func TestResetThreadClearsSlotWithoutAHandle(t *testing.T) {
	c := New(4)
	c.NewTimestamp()
	c.MakeSnapshot(2)

	c.ResetThread(2)
	oldest := c.UpdateOldestSnapshot()
	require.Equal(t, MaxTimestamp, oldest)
}

func TestMakeSnapshotGrowsSlotsForOutOfRangeTid(t *testing.T) {
	c := New(1)
	c.NewTimestamp()
	h := c.MakeSnapshot(5)
	require.Equal(t, uint64(1), h.Timestamp())

	oldest := c.UpdateOldestSnapshot()
	require.Equal(t, uint64(1), oldest)
}

func TestSeedLatestAdvancesFutureTimestamps(t *testing.T) {
	c := New(4)
	c.SeedLatest(1000)
	require.Equal(t, uint64(1001), c.Latest())
	require.Equal(t, uint64(1002), c.NewTimestamp())
}
