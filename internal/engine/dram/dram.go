// Package dram implements the DRAM chunk allocator (C2): a per-thread bump
// allocator over fixed-size chunks used only for volatile skip-list nodes
// (spec.md §4.2). Grounded on the size-class bucketing shown in
// _examples/original_source/engine/dram_allocator.hpp's ThreadCache, which
// keeps one reuse list per size class rather than a single undifferentiated
// bump pointer.
package dram

const (
	// ChunkSize matches spec.md §4.2's "1 MiB chunks".
	ChunkSize = 1 << 20
)

// sizeClasses are powers of two up to ChunkSize, mirroring the original
// source's per-size-class chunk lists.
var sizeClasses = []int{16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192,
	16384, 32768, 65536, 131072, 262144, 524288, ChunkSize}

func classFor(n int) int {
	for _, c := range sizeClasses {
		if n <= c {
			return c
		}
	}
	return 0 // larger than any class: served straight from the Go heap
}

type chunk struct {
	buf    []byte
	offset int
}

// Allocator is a single thread's bump allocator. It is not safe for
// concurrent use from multiple goroutines, matching spec.md §4.2: "Used
// only for volatile skip-list nodes" owned by one accessing thread.
type Allocator struct {
	cur    *chunk
	reuse  map[int][][]byte // size-class -> freed (never reused slices; see Free)
}

// New returns a fresh per-thread allocator.
func New() *Allocator {
	return &Allocator{reuse: make(map[int][][]byte)}
}

// Allocate returns size bytes, carved from the current 1 MiB chunk or a
// freshly acquired one. Requests larger than ChunkSize are served directly
// by the Go heap, per spec.md §4.2.
func (a *Allocator) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	if cls := classFor(size); cls == 0 || size > ChunkSize {
		return make([]byte, size)
	}
	if a.cur == nil || a.cur.offset+size > len(a.cur.buf) {
		a.cur = &chunk{buf: make([]byte, ChunkSize)}
	}
	b := a.cur.buf[a.cur.offset : a.cur.offset+size : a.cur.offset+size]
	a.cur.offset += size
	return b
}

// Free is a no-op: bump allocations are reclaimed in bulk when the
// Allocator (and therefore every chunk it carved) is garbage collected, per
// spec.md §4.2.
func (a *Allocator) Free([]byte) {}
