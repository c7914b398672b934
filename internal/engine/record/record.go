// Package record implements the on-medium record layout and checksum
// discipline (C6): the common header, the doubly-linked-record linkage
// check and repair, and CRC32 validation, per spec.md §3 and §4.6.
//
// The persist-then-checksum-then-link write order and the marshal/unmarshal
// pair mirror core/rawdb/freezer_table.go's `index` type (marshallBinary /
// unmarshalBinary over a fixed-width binary.BigEndian encoding) and its
// write-then-fsync discipline; CRC32 checksum-last framing is grounded on
// _examples/calvinalkan-agent-task/internal/store/tx.go's use of
// hash/crc32 to frame a WAL entry.
package record

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/tooss367/kvdk-go/internal/engine/pmem"
)

// Type is the 16-bit record-type enum from spec.md §3.
type Type uint16

const (
	StringRecord Type = iota
	StringDeleteRecord
	SortedHeaderRecord
	SortedDataRecord
	SortedDeleteRecord
	HashHeaderRecord
	HashElemRecord
	HashDeleteRecord
	QueueHeaderRecord
	QueueElemRecord
)

// IsDoublyLinked reports whether records of this type carry prev/next
// offsets (spec.md §3): collection header/element/delete records form a
// chain for ordered iteration and repair; anonymous strings do not — the
// hash index points at them directly and there is no chain to maintain.
func (t Type) IsDoublyLinked() bool {
	switch t {
	case SortedHeaderRecord, SortedDataRecord, SortedDeleteRecord,
		HashHeaderRecord, HashElemRecord, HashDeleteRecord,
		QueueHeaderRecord, QueueElemRecord:
		return true
	default:
		return false
	}
}

func (t Type) IsDelete() bool {
	switch t {
	case StringDeleteRecord, SortedDeleteRecord, HashDeleteRecord:
		return true
	default:
		return false
	}
}

// headerSize is the byte size of the fixed, checksum-covered header:
// checksum(4) + record_size(4) + timestamp(8) + type(2) + key_size(2) + value_size(4).
const headerSize = 4 + 4 + 8 + 2 + 2 + 4

// linkSize is the byte size of the trailing prev/next pair, present only on
// doubly linked record types and written only after the checksum (§4.6).
const linkSize = 8 + 8

// HeaderSize reports the fixed covered-header size; callers size their
// allocation as HeaderSize (+ LinkSize if doubly linked) + key + value.
func HeaderSize() uint32 { return headerSize }

// LinkSize reports the trailing prev/next size for doubly linked records.
func LinkSize() uint32 { return linkSize }

// Header is the common, checksum-covered record header plus its key/value
// payload bookkeeping.
type Header struct {
	Checksum   uint32
	RecordSize uint32 // in blocks
	Timestamp  uint64
	Type       Type
	KeySize    uint16
	ValueSize  uint32
}

// Layout describes where, within an extent's bytes, the header, key, value,
// and (if applicable) prev/next links live.
type Layout struct {
	Header Header
	Key    []byte
	Value  []byte
	Prev   pmem.Offset
	Next   pmem.Offset
}

// Marshal writes the header+key+value into dst (which must be exactly
// HeaderSize()+len(key)+len(value) (+LinkSize() if dl) bytes), computes the
// CRC32 over everything but the checksum field, and stamps it last — the
// write order spec.md §4.6 mandates. If dl is true the trailing prev/next
// words are zeroed (null) by this call; installing real links is a
// separate step (InstallLinks) performed only after Marshal returns, so a
// crash between the two never observes a checksum covering stale links.
func Marshal(dst []byte, h Header, key, value []byte, dl bool) {
	binary.BigEndian.PutUint32(dst[4:8], h.RecordSize)
	binary.BigEndian.PutUint64(dst[8:16], h.Timestamp)
	binary.BigEndian.PutUint16(dst[16:18], uint16(h.Type))
	binary.BigEndian.PutUint16(dst[18:20], h.KeySize)
	binary.BigEndian.PutUint32(dst[20:24], h.ValueSize)
	copy(dst[headerSize:], key)
	copy(dst[headerSize+len(key):], value)
	if dl {
		end := headerSize + len(key) + len(value)
		binary.BigEndian.PutUint64(dst[end:end+8], 0)
		binary.BigEndian.PutUint64(dst[end+8:end+16], 0)
	}

	covered := dst[4 : headerSize+len(key)+len(value)]
	crc := crc32.ChecksumIEEE(covered)
	binary.BigEndian.PutUint32(dst[0:4], crc)
}

// InstallLinks stamps prev/next after the checksum has already been
// written, per spec.md §4.6: "install prev/next only after checksum is
// written". It never touches the checksum field, so a record whose links
// are torn by a crash is still detected as valid-but-unlinked (one of the
// three states CheckLinkage accepts), not corrupt.
func InstallLinks(dst []byte, keyLen, valueLen int, prev, next pmem.Offset) {
	end := headerSize + keyLen + valueLen
	binary.BigEndian.PutUint64(dst[end:end+8], uint64(prev))
	binary.BigEndian.PutUint64(dst[end+8:end+16], uint64(next))
}

// Unmarshal reads a Header plus key/value slices (views into src, not
// copies) out of src. It does not validate the checksum; call Validate for
// that.
func Unmarshal(src []byte, dl bool) Layout {
	h := Header{
		Checksum:   binary.BigEndian.Uint32(src[0:4]),
		RecordSize: binary.BigEndian.Uint32(src[4:8]),
		Timestamp:  binary.BigEndian.Uint64(src[8:16]),
		Type:       Type(binary.BigEndian.Uint16(src[16:18])),
		KeySize:    binary.BigEndian.Uint16(src[18:20]),
		ValueSize:  binary.BigEndian.Uint32(src[20:24]),
	}
	key := src[headerSize : headerSize+int(h.KeySize)]
	value := src[headerSize+int(h.KeySize) : headerSize+int(h.KeySize)+int(h.ValueSize)]
	l := Layout{Header: h, Key: key, Value: value}
	if dl {
		end := headerSize + int(h.KeySize) + int(h.ValueSize)
		l.Prev = pmem.Offset(binary.BigEndian.Uint64(src[end : end+8]))
		l.Next = pmem.Offset(binary.BigEndian.Uint64(src[end+8 : end+16]))
	}
	return l
}

// Validate recomputes the CRC32 over the checksum-covered region and
// reports whether it matches — "a record whose checksum is mismatched is
// treated as never having existed" (spec.md §4.6).
func Validate(src []byte) bool {
	if len(src) < headerSize {
		return false
	}
	keySize := binary.BigEndian.Uint16(src[18:20])
	valueSize := binary.BigEndian.Uint32(src[20:24])
	end := headerSize + int(keySize) + int(valueSize)
	if end > len(src) {
		return false
	}
	want := binary.BigEndian.Uint32(src[0:4])
	got := crc32.ChecksumIEEE(src[4:end])
	return want == got
}

// LinkState is the three-valued (plus one impossible) outcome of
// CheckLinkage, per spec.md §4.6.
type LinkState int

const (
	LinkFullyLinked LinkState = iota
	LinkFullyUnlinked
	LinkLeftOnly
	LinkRightOnlyImpossible
)

// CheckLinkage inspects prev->next and next->prev against self, given the
// Next field already read from the prev neighbor (prevNext) and the Prev
// field already read from the next neighbor (nextPrev); a null prev or
// next means there is no such neighbor. Exactly three states are valid; "right-only" causes the
// caller to abort per spec.md §4.6 and §9's resolved Open Question.
func CheckLinkage(self pmem.Offset, prev, next pmem.Offset, prevNext, nextPrev pmem.Offset) LinkState {
	leftOK := prev == pmem.NullOffset || prevNext == self
	rightOK := next == pmem.NullOffset || nextPrev == self

	switch {
	case leftOK && rightOK:
		if prev == pmem.NullOffset && next == pmem.NullOffset {
			return LinkFullyUnlinked
		}
		return LinkFullyLinked
	case leftOK && !rightOK:
		// prev->next == self but next->prev != self: repairable by
		// re-stamping next->prev (spec.md §4.6).
		return LinkLeftOnly
	default:
		// !leftOK: either right-only (rightOK true) or both sides broken.
		// Both are the logically impossible state given the write order
		// (payload -> checksum -> links), per spec.md §4.6 and §9.
		return LinkRightOnlyImpossible
	}
}
