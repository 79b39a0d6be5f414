package kv

import (
	"cmp"

	"github.com/pkg/errors"

	"github.com/foster-kv/fosterbtree/slotarray"
)

// ErrDuplicate is returned by Insert when the key already has a slot.
var ErrDuplicate = errors.New("kv: duplicate key")

// Codec is the policy bundle that parameterizes an Array: a key encoder, a
// value encoder, and the PMNK extraction function that ties them together.
// KeyFromPMNK is required only when Key is a DummyEncoder, i.e. when the key
// type and the PMNK type are the same and the full key is never stored.
type Codec[K cmp.Ordered, V any, P slotarray.PMNK] struct {
	Key         Encoder[K]
	Value       Encoder[V]
	PMNK        func(K) P
	KeyFromPMNK func(P) K
}

// NewCodec builds a Codec from its three policies, mirroring encoding.h's
// CompoundEncoder<KeyEncoder,ValueEncoder,PMNKExtractor>. KeyFromPMNK is only
// required when key is a DummyEncoder.
func NewCodec[K cmp.Ordered, V any, P slotarray.PMNK](key Encoder[K], value Encoder[V], pmnk func(K) P, keyFromPMNK func(P) K) Codec[K, V, P] {
	return Codec[K, V, P]{Key: key, Value: value, PMNK: pmnk, KeyFromPMNK: keyFromPMNK}
}

// Array is the KeyValueArray layer: a slotarray.Array[P] given key and
// value types via a Codec.
type Array[K cmp.Ordered, V any, P slotarray.PMNK] struct {
	slots *slotarray.Array[P]
	codec Codec[K, V, P]
}

// Open wraps an existing page buffer under codec.
func Open[K cmp.Ordered, V any, P slotarray.PMNK](page []byte, codec Codec[K, V, P]) *Array[K, V, P] {
	return &Array[K, V, P]{slots: slotarray.Open[P](page), codec: codec}
}

// Init formats the underlying page as an empty array.
func (a *Array[K, V, P]) Init() { a.slots.Init() }

func (a *Array[K, V, P]) needsFullKey() bool {
	_, isDummy := a.codec.Key.(DummyEncoder[K])
	return !isDummy
}

// Find performs a PMNK binary search, then a linear scan over PMNK ties
// comparing full keys, returning the slot index on a hit or the insertion
// position otherwise.
func (a *Array[K, V, P]) Find(key K) (bool, int) {
	pmnk := a.codec.PMNK(key)
	_, pos := a.slots.Find(pmnk)
	n := a.slots.SlotCount()

	for pos < n {
		spmnk, payload, _ := a.slots.Get(pos)
		if spmnk != pmnk {
			break
		}
		k, _ := a.decodeKey(payload, spmnk)
		if k == key {
			return true, pos
		}
		if k > key {
			break
		}
		pos++
	}
	return false, pos
}

func (a *Array[K, V, P]) decodeKey(payload []byte, pmnk P) (K, int) {
	if a.needsFullKey() {
		var k K
		n := a.codec.Key.Decode(payload, &k)
		return k, n
	}
	return a.codec.KeyFromPMNK(pmnk), 0
}

// Insert computes the PMNK, computes the payload length, delegates slot
// allocation to the SlotArray, then writes the encoded key (if not
// recoverable from the PMNK) and value.
func (a *Array[K, V, P]) Insert(key K, value V) (int, error) {
	found, pos := a.Find(key)
	if found {
		return pos, ErrDuplicate
	}

	pmnk := a.codec.PMNK(key)
	klen := 0
	if a.needsFullKey() {
		klen = a.codec.Key.EncodedLen(key)
	}
	vlen := a.codec.Value.EncodedLen(value)

	idx, payload, err := a.slots.Insert(pos, pmnk, klen+vlen)
	if err != nil {
		return 0, err
	}

	off := 0
	if a.needsFullKey() {
		off += a.codec.Key.Encode(key, payload[off:])
	}
	a.codec.Value.Encode(value, payload[off:])
	return idx, nil
}

// Remove locates key via PMNK plus full-key comparison and removes its
// slot, reporting whether a slot was found.
func (a *Array[K, V, P]) Remove(key K) bool {
	found, pos := a.Find(key)
	if !found {
		return false
	}
	_ = a.slots.Remove(pos)
	return true
}

// Read decodes the key and/or value at slotIndex; either output pointer may
// be nil to skip decoding it.
func (a *Array[K, V, P]) Read(slotIndex int, outKey *K, outValue *V) bool {
	pmnk, payload, ok := a.slots.Get(slotIndex)
	if !ok {
		return false
	}

	off := 0
	if a.needsFullKey() {
		if outKey != nil {
			var k K
			off = a.codec.Key.Decode(payload, &k)
			*outKey = k
		} else {
			off = a.codec.Key.EncodedLenFromBytes(payload)
		}
	} else if outKey != nil {
		*outKey = a.codec.KeyFromPMNK(pmnk)
	}

	if outValue != nil {
		a.codec.Value.Decode(payload[off:], outValue)
	}
	return true
}

// KeyAt decodes only the key at slotIndex, used by Node for fence and
// split-point bookkeeping.
func (a *Array[K, V, P]) KeyAt(slotIndex int) (K, bool) {
	var k K
	ok := a.Read(slotIndex, &k, nil)
	return k, ok
}

// PayloadLen returns the encoded byte span of the entry at slotIndex,
// used by Node.Split to find the slot closest to the midpoint of the live
// payload bytes (a size-balanced split point, not a midpoint
// of slot count).
func (a *Array[K, V, P]) PayloadLen(slotIndex int) int {
	_, payload, ok := a.slots.Get(slotIndex)
	if !ok {
		return 0
	}
	return len(payload)
}

func (a *Array[K, V, P]) SlotCount() int { return a.slots.SlotCount() }
func (a *Array[K, V, P]) FreeSpace() int { return a.slots.FreeSpace() }
func (a *Array[K, V, P]) UsedSpace() int { return a.slots.UsedSpace() }
func (a *Array[K, V, P]) Compact()       { a.slots.Compact() }

// Iterator produces a lazy, finite, restartable sequence of (key, value)
// pairs in ascending key order over a single page. It is invalidated by any
// mutation of the underlying page.
type Iterator[K cmp.Ordered, V any, P slotarray.PMNK] struct {
	arr *Array[K, V, P]
	pos int
	hi  *K
}

// RangeIter starts at the first slot with key >= *lo (or slot 0 if lo is
// nil) and yields entries until key >= *hi (or to the end of the page if hi
// is nil).
func (a *Array[K, V, P]) RangeIter(lo, hi *K) *Iterator[K, V, P] {
	start := 0
	if lo != nil {
		_, start = a.Find(*lo)
	}
	return &Iterator[K, V, P]{arr: a, pos: start, hi: hi}
}

// Next returns the next pair in the iterator, or ok == false when exhausted.
func (it *Iterator[K, V, P]) Next() (key K, value V, ok bool) {
	if it.pos >= it.arr.SlotCount() {
		return key, value, false
	}
	if !it.arr.Read(it.pos, &key, &value) {
		return key, value, false
	}
	if it.hi != nil && key >= *it.hi {
		return key, value, false
	}
	it.pos++
	return key, value, true
}
