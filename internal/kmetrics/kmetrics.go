// Package kmetrics is an in-process meter/counter registry in the shape of
// go-ethereum's internal metrics package: components hold a named Meter or
// Counter (see freezerTable's readMeter/writeMeter and the snapshot
// package's snapshotCleanHitMeter/snapshotCleanMissMeter) and mark values as
// work happens. Kept on sync/atomic rather than a third-party meter library
// because the teacher's own metrics package is itself internal to the
// go-ethereum module, not a separate require-block dependency (see
// SPEC_FULL.md's ambient-stack note).
package kmetrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Meter accumulates a monotonically increasing count, e.g. bytes freed.
type Meter struct {
	name  string
	count int64
}

func (m *Meter) Mark(n int64) { atomic.AddInt64(&m.count, n) }
func (m *Meter) Count() int64 { return atomic.LoadInt64(&m.count) }

// Counter is a signed up/down gauge, e.g. live extents in flight.
type Counter struct {
	name  string
	value int64
}

func (c *Counter) Inc(n int64) { atomic.AddInt64(&c.value, n) }
func (c *Counter) Dec(n int64) { atomic.AddInt64(&c.value, -n) }
func (c *Counter) Get() int64  { return atomic.LoadInt64(&c.value) }

var (
	registryMu sync.Mutex
	meters     = map[string]*Meter{}
	counters   = map[string]*Counter{}
)

// NewRegisteredMeter registers (or returns the existing) named meter, mirroring
// metrics.NewRegisteredMeter used throughout the teacher's snapshot package.
func NewRegisteredMeter(name string) *Meter {
	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := meters[name]; ok {
		return m
	}
	m := &Meter{name: name}
	meters[name] = m
	return m
}

// NewRegisteredCounter registers (or returns the existing) named counter.
func NewRegisteredCounter(name string) *Counter {
	registryMu.Lock()
	defer registryMu.Unlock()
	if c, ok := counters[name]; ok {
		return c
	}
	c := &Counter{name: name}
	counters[name] = c
	return c
}

// Snapshot returns a deterministic, sorted dump of every registered meter and
// counter, used by the tests; nothing else in the repository calls it.
func Snapshot() string {
	registryMu.Lock()
	defer registryMu.Unlock()

	names := make([]string, 0, len(meters)+len(counters))
	for n := range meters {
		names = append(names, n)
	}
	for n := range counters {
		names = append(names, n)
	}
	sort.Strings(names)

	out := ""
	for _, n := range names {
		if m, ok := meters[n]; ok {
			out += fmt.Sprintf("%s=%d ", n, m.Count())
		}
		if c, ok := counters[n]; ok {
			out += fmt.Sprintf("%s=%d ", n, c.Get())
		}
	}
	return out
}
