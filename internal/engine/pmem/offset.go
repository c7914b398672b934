package pmem

// Offset is a newtype around a persistent-region byte offset. Per the
// design notes (§9), raw offsets are the only form of persistent pointer
// that crosses component boundaries; only the Allocator may convert one to
// an address, via OffsetToAddr/AddrToOffset.
type Offset uint64

// NullOffset is the zero-value sentinel meaning "no record" (§3).
const NullOffset Offset = 0

// Extent is a contiguous run of blocks returned by Allocate.
type Extent struct {
	Off    Offset
	Blocks uint32
}

func (e Extent) IsNull() bool { return e.Off == NullOffset && e.Blocks == 0 }
