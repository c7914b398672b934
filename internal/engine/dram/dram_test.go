package dram

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReturnsDistinctNonOverlappingSlices(t *testing.T) {
	a := New()

	b1 := a.Allocate(32)
	b2 := a.Allocate(32)
	require.Len(t, b1, 32)
	require.Len(t, b2, 32)

	b1[0] = 0xAA
	require.NotEqual(t, byte(0xAA), b2[0], "two bump allocations from the same class must not overlap")
}

func TestAllocateRollsOverToFreshChunkAtBoundary(t *testing.T) {
	a := New()

	// Exhaust a chunk with 8 KiB allocations; a carve that would
	// straddle the chunk boundary must start a new chunk instead.
	perChunk := ChunkSize / 8192
	for i := 0; i < perChunk; i++ {
		require.Len(t, a.Allocate(8192), 8192)
	}
	last := a.Allocate(8192)
	require.Len(t, last, 8192)
}

func TestAllocateLargerThanChunkSizeFallsBackToHeap(t *testing.T) {
	a := New()
	b := a.Allocate(ChunkSize + 1)
	require.Len(t, b, ChunkSize+1)
}

func TestAllocateZeroReturnsNil(t *testing.T) {
	a := New()
	require.Nil(t, a.Allocate(0))
}
