// Package config loads the human-facing Configs struct (spec.md §6) from an
// optional TOML file, the same format and library (github.com/naoina/toml)
// the teacher uses for its node/eth configuration files. Nothing is written
// back to disk: the loaded values are only handed to Open.
package config

import (
	"os"
	"time"

	"github.com/naoina/toml"

	"github.com/tooss367/kvdk-go/internal/engine"
)

// File is the TOML-decodable shape of engine.Configs. Fields left zero in
// the file keep DefaultConfigs' values, applied before decoding.
type File struct {
	Pmem struct {
		BlockSize          uint32
		SegmentBlocks      uint32
		MaxBlocksPerExtent uint32
		Capacity           uint64
	}
	HashIndexBits    uint
	MaxAccessThreads int
	CleanerInterval  string
	FreeListInterval string
}

// Load reads path (if non-empty) as TOML and overlays it onto
// engine.DefaultConfigs(). An empty path is not an error: callers run with
// the defaults, matching how cmd/kvdk-cli's flags are all optional. A
// non-empty path that cannot be opened is an error.
func Load(path string) (engine.Configs, error) {
	cfgs := engine.DefaultConfigs()
	if path == "" {
		return cfgs, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfgs, err
	}
	defer f.Close()

	var parsed File
	if err := (toml.Config{}).NewDecoder(f).Decode(&parsed); err != nil {
		return cfgs, err
	}

	if parsed.Pmem.BlockSize != 0 {
		cfgs.Pmem.BlockSize = parsed.Pmem.BlockSize
	}
	if parsed.Pmem.SegmentBlocks != 0 {
		cfgs.Pmem.SegmentBlocks = parsed.Pmem.SegmentBlocks
	}
	if parsed.Pmem.MaxBlocksPerExtent != 0 {
		cfgs.Pmem.MaxBlocksPerExtent = parsed.Pmem.MaxBlocksPerExtent
	}
	if parsed.Pmem.Capacity != 0 {
		cfgs.Pmem.Capacity = parsed.Pmem.Capacity
	}
	if parsed.HashIndexBits != 0 {
		cfgs.HashIndexBits = parsed.HashIndexBits
	}
	if parsed.MaxAccessThreads != 0 {
		cfgs.MaxAccessThreads = parsed.MaxAccessThreads
	}
	if parsed.CleanerInterval != "" {
		d, err := time.ParseDuration(parsed.CleanerInterval)
		if err != nil {
			return cfgs, err
		}
		cfgs.CleanerInterval = d
	}
	if parsed.FreeListInterval != "" {
		d, err := time.ParseDuration(parsed.FreeListInterval)
		if err != nil {
			return cfgs, err
		}
		cfgs.FreeListInterval = d
	}
	return cfgs, nil
}
