// Package index implements the Node and BTree layers: fence-keyed,
// foster-linked pages built on top of kv.Array, and the root-to-leaf driver
// that walks them.
package index

import (
	"cmp"
	"encoding/binary"

	"github.com/foster-kv/fosterbtree/kv"
	"github.com/foster-kv/fosterbtree/slotarray"
	"github.com/foster-kv/fosterbtree/util"
)

// A Node's page is laid out as [node header][kv.Array region]. Fence keys
// and the foster separator are kept in a small fixed region of the node
// header rather than in the kv.Array's shared payload heap: SlotArray has no
// heap-allocate-without-a-slot primitive, and Compact() only preserves bytes
// it knows about via the slot directory. Giving fences their own region
// sidesteps adding a primitive that would otherwise be invisible to
// Compact. Recorded as a layout deviation in DESIGN.md.
const (
	fenceMaxLen = 48

	levelOff      = 0
	flagsOff      = 1
	fosterPtrOff  = 2
	lowFenceOff   = fosterPtrOff + 8
	highFenceOff  = lowFenceOff + 2 + fenceMaxLen
	fosterKeyOff  = highFenceOff + 2 + fenceMaxLen
	firstChildOff = fosterKeyOff + 2 + fenceMaxLen

	nodeHeaderSize = firstChildOff + 8

	flagHasFoster byte = 1 << 0
	flagLowOpen   byte = 1 << 1
	flagHighOpen  byte = 1 << 2
)

// Node gives a kv.Array an identity in a tree: fence keys, a level, and
// foster-child linkage.
type Node[K cmp.Ordered, V any, P slotarray.PMNK] struct {
	PageID int64

	page   []byte
	slots  *kv.Array[K, V, P]
	codec  kv.Codec[K, V, P]
	fences kv.Encoder[K]
}

// OpenNode wraps an existing page as a Node. The page must already have
// been formatted by Initialize.
func OpenNode[K cmp.Ordered, V any, P slotarray.PMNK](pageID int64, page []byte, codec kv.Codec[K, V, P]) *Node[K, V, P] {
	return &Node[K, V, P]{
		PageID: pageID,
		page:   page,
		slots:  kv.Open(page[nodeHeaderSize:], codec),
		codec:  codec,
		fences: fenceEncoder(codec.Key),
	}
}

// fenceEncoder always stores a full key, even when codec.Key is a
// DummyEncoder (identity-PMNK configurations leave slot payloads empty but
// fences still need the key value spelled out somewhere).
func fenceEncoder[K cmp.Ordered](key kv.Encoder[K]) kv.Encoder[K] {
	if _, isDummy := key.(kv.DummyEncoder[K]); isDummy {
		return kv.AssignmentEncoder[K]{}
	}
	return key
}

// Initialize formats a fresh page: writes the fence keys, the level, and an
// empty slot array, and clears any foster pointer. A nil low or high bound
// means unbounded in that direction — only the tree's leftmost and rightmost
// nodes ever carry one, since every interior fence is a concrete separator.
func (n *Node[K, V, P]) Initialize(low, high *K, level int) {
	n.page[levelOff] = byte(level)
	n.page[flagsOff] = 0
	binary.LittleEndian.PutUint64(n.page[fosterPtrOff:fosterPtrOff+8], 0)

	if low != nil {
		n.writeFence(lowFenceOff, *low)
	} else {
		n.page[flagsOff] |= flagLowOpen
	}
	if high != nil {
		n.writeFence(highFenceOff, *high)
	} else {
		n.page[flagsOff] |= flagHighOpen
	}
	n.slots.Init()
}

func (n *Node[K, V, P]) writeFence(off int, k K) {
	l := n.fences.Encode(k, n.page[off+2:off+2+fenceMaxLen])
	binary.LittleEndian.PutUint16(n.page[off:off+2], uint16(l))
}

func (n *Node[K, V, P]) readFence(off int) K {
	l := int(binary.LittleEndian.Uint16(n.page[off : off+2]))
	var k K
	n.fences.Decode(n.page[off+2:off+2+l], &k)
	return k
}

// LowFence returns the node's inclusive lower bound, or ok == false if the
// node is unbounded below (only possible for the tree's leftmost node).
func (n *Node[K, V, P]) LowFence() (k K, ok bool) {
	if n.page[flagsOff]&flagLowOpen != 0 {
		return k, false
	}
	return n.readFence(lowFenceOff), true
}

// HighFence returns the node's exclusive upper bound, or ok == false if the
// node is unbounded above (only possible for the tree's rightmost node).
func (n *Node[K, V, P]) HighFence() (k K, ok bool) {
	if n.page[flagsOff]&flagHighOpen != 0 {
		return k, false
	}
	return n.readFence(highFenceOff), true
}

// Level returns 0 for a leaf, increasing toward the root.
func (n *Node[K, V, P]) Level() int { return int(n.page[levelOff]) }

// IsLeaf reports whether this node is at level 0.
func (n *Node[K, V, P]) IsLeaf() bool { return n.Level() == 0 }

// HasFoster reports whether this node currently holds a foster child.
func (n *Node[K, V, P]) HasFoster() bool { return n.page[flagsOff]&flagHasFoster != 0 }

// FosterChild returns the foster child's page id. Only valid if HasFoster.
func (n *Node[K, V, P]) FosterChild() int64 {
	return int64(binary.LittleEndian.Uint64(n.page[fosterPtrOff : fosterPtrOff+8]))
}

// FosterKey returns the foster separator. Only valid if HasFoster.
func (n *Node[K, V, P]) FosterKey() K { return n.readFence(fosterKeyOff) }

// EffectiveHigh returns the foster key when a foster child is present,
// otherwise the high fence — the node's true upper bound for routing and
// fence-check purposes.
func (n *Node[K, V, P]) EffectiveHigh() (k K, ok bool) {
	if n.HasFoster() {
		return n.FosterKey(), true
	}
	return n.HighFence()
}

func (n *Node[K, V, P]) inRange(key K) bool {
	if low, ok := n.LowFence(); ok && key < low {
		return false
	}
	if high, ok := n.EffectiveHigh(); ok && key >= high {
		return false
	}
	return true
}

// Insert installs (key, value), guarded by the node's effective range.
func (n *Node[K, V, P]) Insert(key K, value V) error {
	if !n.inRange(key) {
		return util.ErrKeyOutOfRange
	}
	_, err := n.slots.Insert(key, value)
	switch err {
	case kv.ErrDuplicate:
		return util.ErrDuplicate
	case slotarray.ErrNoSpace:
		return util.ErrNoSpace
	default:
		return err
	}
}

// FirstChild returns the page id routing keys below this internal node's
// smallest separator — the implicit N+1th child a kv.Array of N separators
// cannot itself hold. Only meaningful when Level() > 0.
func (n *Node[K, V, P]) FirstChild() int64 {
	return int64(binary.LittleEndian.Uint64(n.page[firstChildOff : firstChildOff+8]))
}

// SetFirstChild installs childID as this internal node's leftmost child.
func (n *Node[K, V, P]) SetFirstChild(childID int64) {
	binary.LittleEndian.PutUint64(n.page[firstChildOff:firstChildOff+8], uint64(childID))
}

// Remove deletes key, guarded by the node's effective range.
func (n *Node[K, V, P]) Remove(key K) (bool, error) {
	if !n.inRange(key) {
		return false, util.ErrKeyOutOfRange
	}
	return n.slots.Remove(key), nil
}

// Find locates key via the underlying kv.Array.
func (n *Node[K, V, P]) Find(key K) (bool, int) { return n.slots.Find(key) }

// Read decodes the entry at slotIndex.
func (n *Node[K, V, P]) Read(slotIndex int, outKey *K, outValue *V) bool {
	return n.slots.Read(slotIndex, outKey, outValue)
}

// KeyAt decodes only the key at slotIndex.
func (n *Node[K, V, P]) KeyAt(slotIndex int) (K, bool) { return n.slots.KeyAt(slotIndex) }

// SlotCount, FreeSpace, UsedSpace, and Compact delegate to the underlying
// kv.Array.
func (n *Node[K, V, P]) SlotCount() int { return n.slots.SlotCount() }
func (n *Node[K, V, P]) FreeSpace() int { return n.slots.FreeSpace() }
func (n *Node[K, V, P]) UsedSpace() int { return n.slots.UsedSpace() }
func (n *Node[K, V, P]) Compact()       { n.slots.Compact() }

// RangeIter starts a range scan over this node's own slots (it does not
// follow the foster chain; the BTree driver does that across nodes).
func (n *Node[K, V, P]) RangeIter(lo, hi *K) *kv.Iterator[K, V, P] { return n.slots.RangeIter(lo, hi) }

// IsUnderfull reports whether live payload bytes have dropped below
// threshold (a fraction of the page size), the signal the BTree driver uses
// to consider merge or rebalance after a removal.
func (n *Node[K, V, P]) IsUnderfull(threshold float64) bool {
	return float64(n.UsedSpace()) < threshold*float64(len(n.page))
}

// Split chooses a size-balanced split point, moves the upper half of this
// node's entries into a freshly allocated sibling page, and installs the
// sibling as this node's foster child. A foster child this node already had
// is handed on to the sibling, so the foster chain stays intact. It never
// touches the parent: promoting the separator into the parent is adoption's
// job.
//
// For an internal node (Level() > 0), the entry at the split point is the
// separator whose child covers the keys from the sibling's new low fence up
// to the sibling's first remaining separator. A kv.Array of N separators only routes
// N ranges, not N+1, so that entry is promoted out of the slot array into
// the sibling's FirstChild rather than kept as an ordinary slot.
func (n *Node[K, V, P]) Split(alloc PageAllocator) (*Node[K, V, P], error) {
	count := n.SlotCount()
	if count < 2 {
		return nil, util.Wrap(util.ErrAllocFailure, "index: cannot split a node with fewer than two entries")
	}

	splitIdx := n.splitPoint(count)
	sepKey, _ := n.KeyAt(splitIdx)

	siblingID, siblingPage, err := alloc.Allocate()
	if err != nil {
		return nil, util.Wrap(err, "index: allocate sibling page")
	}

	sibling := OpenNode(siblingID, siblingPage, n.codec)
	high, hasHigh := n.HighFence()
	if hasHigh {
		sibling.Initialize(&sepKey, &high, n.Level())
	} else {
		sibling.Initialize(&sepKey, nil, n.Level())
	}
	if n.HasFoster() {
		sibling.setFoster(n.FosterChild(), n.FosterKey())
	}

	for i := splitIdx; i < count; i++ {
		var k K
		var v V
		n.Read(i, &k, &v)
		if _, err := sibling.slots.Insert(k, v); err != nil {
			return nil, util.Wrap(err, "index: copy entry into sibling during split")
		}
	}

	if n.Level() > 0 {
		var firstVal V
		if sibling.Read(0, nil, &firstVal) {
			sibling.slots.Remove(sepKey)
			sibling.SetFirstChild(any(firstVal).(int64))
		}
	}

	for i := count - 1; i >= splitIdx; i-- {
		k, _ := n.KeyAt(i)
		n.slots.Remove(k)
	}
	n.Compact()
	n.setFoster(siblingID, sepKey)

	return sibling, nil
}

// splitPoint returns the leftmost slot whose cumulative encoded size exceeds
// half the used payload bytes, a deterministic size-balanced split.
func (n *Node[K, V, P]) splitPoint(count int) int {
	total := 0
	sizes := make([]int, count)
	for i := 0; i < count; i++ {
		sizes[i] = n.slots.PayloadLen(i)
		total += sizes[i]
	}

	half := total / 2
	cum, idx := 0, 1
	for i := 0; i < count; i++ {
		cum += sizes[i]
		if cum > half {
			idx = i
			break
		}
		idx = i
	}
	if idx == 0 {
		idx = 1
	}
	if idx >= count {
		idx = count - 1
	}
	return idx
}

func (n *Node[K, V, P]) setFoster(childID int64, fosterKey K) {
	n.page[flagsOff] |= flagHasFoster
	binary.LittleEndian.PutUint64(n.page[fosterPtrOff:fosterPtrOff+8], uint64(childID))
	n.writeFence(fosterKeyOff, fosterKey)
}

// ClearFoster drops the foster pointer without touching any slots, and
// narrows the high fence to the old foster key, since the former foster
// child owns everything from that key up. Exported for FosterNode;
// AdoptFoster is the only normal caller.
func (n *Node[K, V, P]) ClearFoster() {
	if n.HasFoster() {
		n.writeFence(highFenceOff, n.FosterKey())
		n.page[flagsOff] &^= flagHighOpen
	}
	n.page[flagsOff] &^= flagHasFoster
	binary.LittleEndian.PutUint64(n.page[fosterPtrOff:fosterPtrOff+8], 0)
}

// FosterNode is the subset of Node's foster-state accessors that does not
// depend on the node's value type V, letting the parent (whose V is always
// an int64 page id) adopt a child whose own V may differ (a leaf's V is the
// tree's value type; an internal child's V is int64 too, but nothing in
// AdoptFoster needs to know which).
type FosterNode[K cmp.Ordered] interface {
	HasFoster() bool
	FosterKey() K
	FosterChild() int64
	ClearFoster()
}

// AdoptFoster is called on the parent: it installs (foster_key,
// fosterChildValue) as a new separator and clears child's foster pointer.
// Idempotent — calling it after child no longer has a foster pointer is a
// no-op, so a surrounding engine can retry freely after contention.
func (n *Node[K, V, P]) AdoptFoster(child FosterNode[K], fosterChildValue V) error {
	if !child.HasFoster() {
		return nil
	}

	fosterKey := child.FosterKey()
	if err := n.Insert(fosterKey, fosterChildValue); err != nil {
		return err
	}
	child.ClearFoster()
	return nil
}

// Rebalance moves entries between this node and its right-hand sibling to
// equalize space usage. The pair's outer fences (n's low fence and
// sibling's high fence) are left as they are; each moved entry widens the
// receiving node's fence at the shared boundary (see moveBoundaryTo), and
// the donor's fences are not narrowed.
func (n *Node[K, V, P]) Rebalance(sibling *Node[K, V, P]) {
	for n.UsedSpace() > sibling.UsedSpace()+n.slots.PayloadLen(n.SlotCount()-1) && n.SlotCount() > 1 {
		if !n.moveBoundaryTo(sibling, true) {
			break
		}
	}
	for sibling.UsedSpace() > n.UsedSpace()+sibling.slots.PayloadLen(0) && sibling.SlotCount() > 1 {
		if !sibling.moveBoundaryTo(n, false) {
			break
		}
	}
}

// moveBoundaryTo moves n's entry adjacent to its shared boundary with dst
// into dst, extending dst's fence outward so the moved key stays in range.
// toRight moves n's highest-keyed entry into a higher-keyed dst (the
// donor's own range never needs widening, since removing its maximum only
// shrinks it) and drags dst's low fence down to the moved key itself, since
// that key is now dst's new minimum. The mirror direction moves n's
// lowest-keyed entry into a lower-keyed dst and grows dst's high fence up
// to n's new lowest remaining key, the new shared boundary.
func (n *Node[K, V, P]) moveBoundaryTo(dst *Node[K, V, P], toRight bool) bool {
	var k K
	var v V

	if toRight {
		idx := n.SlotCount() - 1
		if idx < 0 || !n.Read(idx, &k, &v) {
			return false
		}
		if _, err := dst.slots.Insert(k, v); err != nil {
			return false
		}
		n.slots.Remove(k)
		n.Compact()
		dst.writeFence(lowFenceOff, k)
		return true
	}

	if !n.Read(0, &k, &v) {
		return false
	}
	if _, err := dst.slots.Insert(k, v); err != nil {
		return false
	}
	n.slots.Remove(k)
	n.Compact()

	nextLow, ok := n.KeyAt(0)
	if ok {
		dst.writeFence(highFenceOff, nextLow)
	}
	return true
}

// Merge copies sibling's entries into n. The caller (BTree.Remove) owns
// calling Release on sibling's page; the Node layer never frees pages.
func (n *Node[K, V, P]) Merge(sibling *Node[K, V, P]) error {
	count := sibling.SlotCount()
	for i := 0; i < count; i++ {
		var k K
		var v V
		sibling.Read(i, &k, &v)
		if _, err := n.slots.Insert(k, v); err != nil {
			return util.Wrap(err, "index: merge sibling entry")
		}
	}
	if high, ok := sibling.HighFence(); ok {
		n.writeFence(highFenceOff, high)
		n.page[flagsOff] &^= flagHighOpen
	} else {
		n.page[flagsOff] |= flagHighOpen
	}
	if sibling.HasFoster() {
		n.setFoster(sibling.FosterChild(), sibling.FosterKey())
	}
	return nil
}
