// Package slotarray implements the lowest layer of the Foster B-tree: a
// fixed-size page with a growing slot directory at one end and a growing
// payload heap at the other.
//
// A slot carries a poor-man's normalized key (PMNK) plus the offset and
// length of its payload in the heap. Slots are kept sorted by PMNK; ties on
// PMNK are the caller's problem to resolve against the full key, since this
// layer only ever sees the fixed-width prefix.
package slotarray

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// PMNK is the set of unsigned integer widths a poor-man's normalized key may
// take, matching the page header's little-endian PMNK field.
type PMNK interface {
	uint16 | uint32 | uint64
}

// HeaderSize is the number of bytes this layer reserves at the start of the
// buffer it is given for slot_count and heap_end. The Node layer (see the
// index package) lays out its own header — level, flags, foster pointer,
// fence keys — ahead of the slice it hands to Open, so a page's full layout
// is [Node header][slotarray header][slot directory][...][payload heap].
const HeaderSize = 20

// ErrNoSpace is returned by Insert when the free region is smaller than the
// slot plus the requested payload. It never escapes the core: callers
// compact or split in response.
var ErrNoSpace = errors.New("slotarray: no space")

// ErrSlotOutOfRange is returned by Remove for an index outside [0, SlotCount()).
var ErrSlotOutOfRange = errors.New("slotarray: slot index out of range")

// Array is a typed view over a page buffer: the slot directory and payload
// heap live directly in page, so every mutation is visible to any other
// holder of the same slice.
type Array[P PMNK] struct {
	page []byte
}

// Open wraps an existing page buffer, which must already have a valid header
// (see Init for formatting a fresh page).
func Open[P PMNK](page []byte) *Array[P] {
	return &Array[P]{page: page}
}

// Init formats the page as an empty slot array: zero slots, heap spanning
// the whole page. It does not touch the Node-owned header fields.
func (a *Array[P]) Init() {
	a.setSlotCount(0)
	a.setHeapEnd(len(a.page))
}

// PMNKWidth returns the on-page width, in bytes, of P.
func PMNKWidth[P PMNK]() int {
	var zero P
	switch any(zero).(type) {
	case uint16:
		return 2
	case uint32:
		return 4
	case uint64:
		return 8
	default:
		panic("slotarray: unsupported pmnk width")
	}
}

func readPMNK[P PMNK](b []byte) P {
	var zero P
	switch any(zero).(type) {
	case uint16:
		return P(binary.LittleEndian.Uint16(b))
	case uint32:
		return P(binary.LittleEndian.Uint32(b))
	case uint64:
		return P(binary.LittleEndian.Uint64(b))
	default:
		panic("slotarray: unsupported pmnk width")
	}
}

func writePMNK[P PMNK](b []byte, v P) {
	switch w := any(v).(type) {
	case uint16:
		binary.LittleEndian.PutUint16(b, w)
	case uint32:
		binary.LittleEndian.PutUint32(b, w)
	case uint64:
		binary.LittleEndian.PutUint64(b, w)
	default:
		panic("slotarray: unsupported pmnk width")
	}
}

func (a *Array[P]) slotSize() int { return PMNKWidth[P]() + 4 }

func (a *Array[P]) slotOffset(i int) int { return HeaderSize + i*a.slotSize() }

func (a *Array[P]) slotCount() int { return int(binary.LittleEndian.Uint16(a.page[0:2])) }

func (a *Array[P]) setSlotCount(n int) { binary.LittleEndian.PutUint16(a.page[0:2], uint16(n)) }

func (a *Array[P]) heapEnd() int { return int(binary.LittleEndian.Uint16(a.page[2:4])) }

func (a *Array[P]) setHeapEnd(off int) { binary.LittleEndian.PutUint16(a.page[2:4], uint16(off)) }

// SlotCount returns the number of live directory entries.
func (a *Array[P]) SlotCount() int { return a.slotCount() }

func (a *Array[P]) directoryEnd() int { return a.slotOffset(a.slotCount()) }

// FreeSpace returns the number of unused bytes between the slot directory
// and the payload heap.
func (a *Array[P]) FreeSpace() int { return a.heapEnd() - a.directoryEnd() }

// UsedSpace returns the number of bytes taken by the slot directory and the
// payload heap; payload left dead by Remove counts until Compact reclaims it.
func (a *Array[P]) UsedSpace() int { return len(a.page) - HeaderSize - a.FreeSpace() }

func (a *Array[P]) getPMNK(i int) P {
	off := a.slotOffset(i)
	return readPMNK[P](a.page[off : off+PMNKWidth[P]()])
}

func (a *Array[P]) setPMNK(i int, v P) {
	off := a.slotOffset(i)
	writePMNK[P](a.page[off:off+PMNKWidth[P]()], v)
}

func (a *Array[P]) getOffsetField(i int) int {
	off := a.slotOffset(i) + PMNKWidth[P]()
	return int(binary.LittleEndian.Uint16(a.page[off : off+2]))
}

func (a *Array[P]) setOffsetField(i int, v int) {
	off := a.slotOffset(i) + PMNKWidth[P]()
	binary.LittleEndian.PutUint16(a.page[off:off+2], uint16(v))
}

func (a *Array[P]) getLenField(i int) int {
	off := a.slotOffset(i) + PMNKWidth[P]() + 2
	return int(binary.LittleEndian.Uint16(a.page[off : off+2]))
}

func (a *Array[P]) setLenField(i int, v int) {
	off := a.slotOffset(i) + PMNKWidth[P]() + 2
	binary.LittleEndian.PutUint16(a.page[off:off+2], uint16(v))
}

func (a *Array[P]) copySlot(dst, src int) {
	do, ds, n := a.slotOffset(dst), a.slotOffset(src), a.slotSize()
	copy(a.page[do:do+n], a.page[ds:ds+n])
}

// Insert allocates payloadLength bytes at the bottom of the heap, inserts a
// slot carrying pmnk at the caller-supplied directory position pos (clamped
// to [0, SlotCount()]), and returns the slot's final index plus a writable
// slice over its payload region. The caller (KeyValueArray) is responsible
// for choosing pos via Find plus any full-key tie-breaking.
func (a *Array[P]) Insert(pos int, pmnk P, payloadLength int) (int, []byte, error) {
	if a.FreeSpace() < a.slotSize()+payloadLength {
		return 0, nil, ErrNoSpace
	}

	n := a.slotCount()
	if pos < 0 {
		pos = 0
	} else if pos > n {
		pos = n
	}

	for i := n; i > pos; i-- {
		a.copySlot(i, i-1)
	}

	newHeapEnd := a.heapEnd() - payloadLength
	a.setPMNK(pos, pmnk)
	a.setOffsetField(pos, newHeapEnd)
	a.setLenField(pos, payloadLength)
	a.setHeapEnd(newHeapEnd)
	a.setSlotCount(n + 1)

	return pos, a.page[newHeapEnd : newHeapEnd+payloadLength], nil
}

// Remove deletes the directory entry at slotIndex. The payload bytes are
// left dead in the heap; compaction is deferred to Compact.
func (a *Array[P]) Remove(slotIndex int) error {
	n := a.slotCount()
	if slotIndex < 0 || slotIndex >= n {
		return ErrSlotOutOfRange
	}

	for i := slotIndex; i < n-1; i++ {
		a.copySlot(i, i+1)
	}
	a.setSlotCount(n - 1)
	return nil
}

// Get returns the PMNK and payload slice for slotIndex.
func (a *Array[P]) Get(slotIndex int) (P, []byte, bool) {
	var zero P
	n := a.slotCount()
	if slotIndex < 0 || slotIndex >= n {
		return zero, nil, false
	}

	off, l := a.getOffsetField(slotIndex), a.getLenField(slotIndex)
	return a.getPMNK(slotIndex), a.page[off : off+l], true
}

// Find performs a binary search on PMNK, returning the leftmost slot whose
// PMNK equals pmnk, or the insertion position when no slot matches.
func (a *Array[P]) Find(pmnk P) (bool, int) {
	n := a.slotCount()
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if a.getPMNK(mid) < pmnk {
			lo = mid + 1
		} else {
			hi = mid
		}
	}

	return lo < n && a.getPMNK(lo) == pmnk, lo
}

// Compact rewrites the heap end to end in ascending slot order, eliminating
// dead bytes left behind by Remove. It is stable with respect to slot
// ordering and leaves the resulting heap monotone in slot order, which keeps
// subsequent scans cache-friendly.
func (a *Array[P]) Compact() {
	n := a.slotCount()
	if n == 0 {
		a.setHeapEnd(len(a.page))
		return
	}

	saved := make([][]byte, n)
	for i := 0; i < n; i++ {
		off, l := a.getOffsetField(i), a.getLenField(i)
		buf := make([]byte, l)
		copy(buf, a.page[off:off+l])
		saved[i] = buf
	}

	cursor := len(a.page)
	for i := n - 1; i >= 0; i-- {
		cursor -= len(saved[i])
		copy(a.page[cursor:cursor+len(saved[i])], saved[i])
		a.setOffsetField(i, cursor)
	}
	a.setHeapEnd(cursor)
}
