package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tooss367/kvdk-go/internal/engine"
)

func TestLoadWithEmptyPathReturnsDefaults(t *testing.T) {
	cfgs, err := Load("")
	require.NoError(t, err)
	require.Equal(t, engine.DefaultConfigs(), cfgs)
}

func TestLoadOverlaysOnlyFieldsPresentInFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvdk.toml")
	toml := `
HashIndexBits = 20
CleanerInterval = "2s"

[Pmem]
BlockSize = 128
Capacity = 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0644))

	cfgs, err := Load(path)
	require.NoError(t, err)

	def := engine.DefaultConfigs()
	require.Equal(t, uint(20), cfgs.HashIndexBits)
	require.Equal(t, 2*time.Second, cfgs.CleanerInterval)
	require.Equal(t, uint32(128), cfgs.Pmem.BlockSize)
	require.Equal(t, uint64(1048576), cfgs.Pmem.Capacity)

	// Untouched fields keep their default values.
	require.Equal(t, def.MaxAccessThreads, cfgs.MaxAccessThreads)
	require.Equal(t, def.FreeListInterval, cfgs.FreeListInterval)
	require.Equal(t, def.Pmem.SegmentBlocks, cfgs.Pmem.SegmentBlocks)
	require.Equal(t, def.Pmem.MaxBlocksPerExtent, cfgs.Pmem.MaxBlocksPerExtent)
}

func TestLoadRejectsUnparseableDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvdk.toml")
	require.NoError(t, os.WriteFile(path, []byte(`CleanerInterval = "not-a-duration"`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFilePropagatesError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
