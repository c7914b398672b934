// Package engine wires the nine components (C1-C9) into one instance,
// mirroring the construction order of the teacher's core/rawdb freezer
// family: open the persistent store first, replay anything in flight, scan
// to rebuild volatile state, then start the background workers.
package engine

import (
	"path/filepath"
	"time"

	"github.com/tooss367/kvdk-go/internal/engine/cleaner"
	"github.com/tooss367/kvdk-go/internal/engine/hashindex"
	"github.com/tooss367/kvdk-go/internal/engine/pmem"
	"github.com/tooss367/kvdk-go/internal/engine/record"
	"github.com/tooss367/kvdk-go/internal/engine/recovery"
	"github.com/tooss367/kvdk-go/internal/engine/status"
	"github.com/tooss367/kvdk-go/internal/engine/tcache"
	"github.com/tooss367/kvdk-go/internal/engine/threads"
	"github.com/tooss367/kvdk-go/internal/engine/version"
	"github.com/tooss367/kvdk-go/internal/engine/versionchain"
	"github.com/tooss367/kvdk-go/internal/engine/writepath"
	"github.com/tooss367/kvdk-go/internal/klog"
	"github.com/tooss367/kvdk-go/internal/queue"
	"github.com/tooss367/kvdk-go/internal/skiplist"
	"github.com/tooss367/kvdk-go/internal/unordered"
)

// Configs is the allocator layout (pmem.Config, not stamped on disk) plus
// the process-only tuning knobs (maxAccessThreads, cleanerInterval).
type Configs struct {
	Pmem              pmem.Config
	HashIndexBits     uint
	MaxAccessThreads  int
	CleanerInterval   time.Duration
	FreeListInterval  time.Duration
}

// DefaultConfigs matches DefaultConfig's scale.
func DefaultConfigs() Configs {
	return Configs{
		Pmem:             pmem.DefaultConfig(),
		HashIndexBits:    16,
		MaxAccessThreads: 64,
		CleanerInterval:  100 * time.Millisecond,
		FreeListInterval: time.Second,
	}
}

// Engine is the assembled instance returned by Open, holding every
// component plus the three external collaborators (§1's sorted/unordered/
// queue collections).
type Engine struct {
	Dir     string
	Configs Configs
	Log     klog.Logger

	Alloc    *pmem.Allocator
	Threads  *threads.Manager
	Version  *version.Controller
	Hash     *hashindex.Index
	Tcaches  *tcache.Manager
	Chain    *versionchain.Chain
	Write    *writepath.Path
	Cleaner  *cleaner.Cleaner

	Sorted    *skiplist.Registry
	Unordered *unordered.Registry
	Queues    *queue.Registry

	stop chan struct{}
}

// Open implements spec.md §4.9's full Open sequence: map the data file,
// replay pending-batch journals, run the parallel recovery scan, seed the
// version controller, then start the cleaner and free-list background
// workers.
func Open(dir string, cfgs Configs) (*Engine, error) {
	log := klog.New("module", "engine", "dir", dir)

	dataPath := filepath.Join(dir, "kvdk.data")
	alloc, err := pmem.Open(dataPath, cfgs.Pmem, log.New("component", "pmem"))
	if err != nil {
		return nil, err
	}

	hash := hashindex.New(cfgs.HashIndexBits)
	vc := version.New(cfgs.MaxAccessThreads)
	tm := threads.New(cfgs.MaxAccessThreads)
	tcaches := tcache.New(cfgs.MaxAccessThreads)

	sorted := skiplist.NewRegistry(alloc, hash, vc)
	unord := unordered.NewRegistry(alloc, hash, vc)
	queues := queue.NewRegistry(alloc, hash, vc)

	deps := &recovery.Deps{
		Alloc:   alloc,
		Hash:    hash,
		Version: vc,
		Tcaches: tcaches,
		Log:     log.New("component", "recovery"),
		Collections: map[record.Type]recovery.CollectionRebuilder{
			record.SortedHeaderRecord: sorted,
			record.SortedDataRecord:   sorted,
			record.SortedDeleteRecord: sorted,
			record.HashHeaderRecord:   unord,
			record.HashElemRecord:     unord,
			record.HashDeleteRecord:   unord,
			record.QueueHeaderRecord:  queues,
			record.QueueElemRecord:    queues,
		},
		MaxRecoverableTimestamp: ^uint64(0),
	}

	if err := recovery.ReplayPendingBatches(deps, dir); err != nil {
		alloc.Close()
		return nil, status.Wrap(status.IOError, err)
	}

	maxTS, err := recovery.Scan(deps)
	if err != nil {
		alloc.Close()
		return nil, err
	}
	queues.Finalize(alloc)
	vc.SeedLatest(maxTS)

	chain := versionchain.New()
	wp := &writepath.Path{
		Alloc:   alloc,
		Hash:    hash,
		Version: vc,
		Tcaches: tcaches,
		Chain:   chain,
		Dir:     dir,
		Log:     log.New("component", "writepath"),
	}
	cl := cleaner.New(alloc, hash, vc, tcaches, chain, log.New("component", "cleaner"))

	e := &Engine{
		Dir:       dir,
		Configs:   cfgs,
		Log:       log,
		Alloc:     alloc,
		Threads:   tm,
		Version:   vc,
		Hash:      hash,
		Tcaches:   tcaches,
		Chain:     chain,
		Write:     wp,
		Cleaner:   cl,
		Sorted:    sorted,
		Unordered: unord,
		Queues:    queues,
		stop:      make(chan struct{}),
	}

	go cl.Run(e.stop, cfgs.CleanerInterval)
	go alloc.BackgroundWork(e.stop, cfgs.FreeListInterval)

	log.Info("engine opened", "recoveredTimestamp", maxTS)
	return e, nil
}

// Close stops the background workers and unmaps the persistent region.
func (e *Engine) Close() error {
	close(e.stop)
	return e.Alloc.Close()
}

// ReleaseAccessThread releases tid's dense id back to the thread manager
// and its snapshot slot back to the sentinel, the sole name this operation
// is exposed under per spec.md §9 (the source's ReleaseWriteThread is the
// same operation).
func (e *Engine) ReleaseAccessThread(tid int) {
	e.Version.ResetThread(tid)
	e.Threads.Release(tid)
}
