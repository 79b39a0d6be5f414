package index

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/foster-kv/fosterbtree/kv"
	"github.com/foster-kv/fosterbtree/util"
)

func leafCodec() kv.Codec[uint64, string, uint32] {
	return kv.NewCodec[uint64, string, uint32](kv.AssignmentEncoder[uint64]{}, kv.InlineStringEncoder{}, kv.Uint64PMNK[uint32], nil)
}

func internalCodec() kv.Codec[uint64, int64, uint32] {
	return kv.NewCodec[uint64, int64, uint32](kv.AssignmentEncoder[uint64]{}, kv.AssignmentEncoder[int64]{}, kv.Uint64PMNK[uint32], nil)
}

type fakeAllocator struct {
	pages  map[int64][]byte
	nextID int64
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{pages: map[int64][]byte{}}
}

func (a *fakeAllocator) Allocate() (int64, []byte, error) {
	a.nextID++
	page := make([]byte, 2048)
	a.pages[a.nextID] = page
	return a.nextID, page, nil
}

func (a *fakeAllocator) Deref(pageID int64) ([]byte, error) { return a.pages[pageID], nil }
func (a *fakeAllocator) Finish(int64)                       {}
func (a *fakeAllocator) Release(pageID int64) error {
	delete(a.pages, pageID)
	return nil
}

func newLeaf(pageID int64, page []byte, low, high *uint64) *Node[uint64, string, uint32] {
	n := OpenNode(pageID, page, leafCodec())
	n.Initialize(low, high, 0)
	return n
}

func TestInitializeUnboundedFences(t *testing.T) {
	leaf := newLeaf(1, make([]byte, 512), nil, nil)

	_, ok := leaf.LowFence()
	assert.False(t, ok)
	_, ok = leaf.HighFence()
	assert.False(t, ok)
	assert.True(t, leaf.inRange(0))
	assert.True(t, leaf.inRange(1<<63))
}

func TestInitializeBoundedFences(t *testing.T) {
	low, high := uint64(10), uint64(20)
	leaf := newLeaf(1, make([]byte, 512), &low, &high)

	gotLow, ok := leaf.LowFence()
	assert.True(t, ok)
	assert.Equal(t, low, gotLow)

	gotHigh, ok := leaf.HighFence()
	assert.True(t, ok)
	assert.Equal(t, high, gotHigh)

	assert.False(t, leaf.inRange(9))
	assert.True(t, leaf.inRange(10))
	assert.True(t, leaf.inRange(19))
	assert.False(t, leaf.inRange(20))
}

func TestInsertReadRoundTrip(t *testing.T) {
	leaf := newLeaf(1, make([]byte, 512), nil, nil)

	assert.NoError(t, leaf.Insert(5, "five"))
	assert.NoError(t, leaf.Insert(1, "one"))
	assert.NoError(t, leaf.Insert(3, "three"))

	found, pos := leaf.Find(3)
	assert.True(t, found)
	var v string
	leaf.Read(pos, nil, &v)
	assert.Equal(t, "three", v)

	assert.Equal(t, 3, leaf.SlotCount())
}

func TestInsertDuplicateAndOutOfRange(t *testing.T) {
	low, high := uint64(10), uint64(20)
	leaf := newLeaf(1, make([]byte, 512), &low, &high)

	assert.NoError(t, leaf.Insert(15, "fifteen"))
	assert.ErrorIs(t, leaf.Insert(15, "again"), util.ErrDuplicate)
	assert.ErrorIs(t, leaf.Insert(5, "too low"), util.ErrKeyOutOfRange)
	assert.ErrorIs(t, leaf.Insert(20, "too high"), util.ErrKeyOutOfRange)
}

func TestRemove(t *testing.T) {
	leaf := newLeaf(1, make([]byte, 512), nil, nil)
	assert.NoError(t, leaf.Insert(1, "one"))

	removed, err := leaf.Remove(1)
	assert.NoError(t, err)
	assert.True(t, removed)

	found, _ := leaf.Find(1)
	assert.False(t, found)

	removed, err = leaf.Remove(1)
	assert.NoError(t, err)
	assert.False(t, removed)
}

func TestSplitLeafPreservesFencesAndInstallsFoster(t *testing.T) {
	alloc := newFakeAllocator()
	low, high := uint64(0), uint64(1000)
	leaf := newLeaf(1, make([]byte, 2048), &low, &high)

	keys := []uint64{100, 200, 300, 400, 500, 600, 700}
	for _, k := range keys {
		assert.NoError(t, leaf.Insert(k, "payload-for-a-reasonably-long-value"))
	}

	sibling, err := leaf.Split(alloc)
	assert.NoError(t, err)
	assert.True(t, leaf.HasFoster())
	assert.Equal(t, sibling.PageID, leaf.FosterChild())

	leafLow, _ := leaf.LowFence()
	assert.Equal(t, low, leafLow)

	sibLow, _ := sibling.LowFence()
	assert.Equal(t, leaf.FosterKey(), sibLow)

	sibHigh, ok := sibling.HighFence()
	assert.True(t, ok)
	assert.Equal(t, high, sibHigh)

	assert.True(t, leaf.SlotCount() > 0)
	assert.True(t, sibling.SlotCount() > 0)
	assert.Equal(t, len(keys), leaf.SlotCount()+sibling.SlotCount())
}

func TestSplitInternalPromotesSeparatorToFirstChild(t *testing.T) {
	alloc := newFakeAllocator()
	internal := OpenNode(int64(1), make([]byte, 2048), internalCodec())
	internal.Initialize(nil, nil, 1)
	internal.SetFirstChild(1000)

	separators := []uint64{100, 200, 300, 400, 500, 600}
	for i, k := range separators {
		assert.NoError(t, internal.Insert(k, int64(1001+i)))
	}

	sibling, err := internal.Split(alloc)
	assert.NoError(t, err)

	promotedKey := internal.FosterKey()
	var expectedChild int64
	for i, k := range separators {
		if k == promotedKey {
			expectedChild = int64(1001 + i)
		}
	}

	stillAslot, _ := sibling.Find(promotedKey)
	assert.False(t, stillAslot, "the promoted separator must not remain a slot in the sibling")
	assert.Equal(t, expectedChild, sibling.FirstChild())
}

func TestAdoptFosterInstallsSeparatorAndClears(t *testing.T) {
	alloc := newFakeAllocator()
	leaf := newLeaf(1, make([]byte, 2048), nil, nil)
	for _, k := range []uint64{1, 2, 3, 4, 5, 6, 7, 8} {
		assert.NoError(t, leaf.Insert(k, "abcdefghijklmnopqrstuvwxyz"))
	}

	sibling, err := leaf.Split(alloc)
	assert.NoError(t, err)
	fosterKey := leaf.FosterKey()

	parent := OpenNode(int64(99), make([]byte, 2048), internalCodec())
	parent.Initialize(nil, nil, 1)
	parent.SetFirstChild(leaf.PageID)

	assert.NoError(t, parent.AdoptFoster(leaf, sibling.PageID))
	assert.False(t, leaf.HasFoster())

	found, pos := parent.Find(fosterKey)
	assert.True(t, found)
	var v int64
	parent.Read(pos, nil, &v)
	assert.Equal(t, sibling.PageID, v)

	// Adoption is idempotent once the foster pointer is cleared.
	assert.NoError(t, parent.AdoptFoster(leaf, sibling.PageID))
}

func TestMergeCombinesEntriesAndFence(t *testing.T) {
	low, mid, high := uint64(0), uint64(50), uint64(100)
	left := newLeaf(1, make([]byte, 512), &low, &mid)
	right := newLeaf(2, make([]byte, 512), &mid, &high)

	assert.NoError(t, left.Insert(10, "ten"))
	assert.NoError(t, right.Insert(60, "sixty"))

	assert.NoError(t, left.Merge(right))

	rightHigh, ok := left.HighFence()
	assert.True(t, ok)
	assert.Equal(t, high, rightHigh)

	found, pos := left.Find(60)
	assert.True(t, found)
	var v string
	left.Read(pos, nil, &v)
	assert.Equal(t, "sixty", v)
}

func TestRebalanceMovesEntriesTowardEmptySide(t *testing.T) {
	low, mid, high := uint64(0), uint64(100), uint64(200)
	left := newLeaf(1, make([]byte, 512), &low, &mid)
	right := newLeaf(2, make([]byte, 512), &mid, &high)

	leftKeys := []uint64{10, 20, 30, 40, 50, 60, 70}
	for _, k := range leftKeys {
		assert.NoError(t, left.Insert(k, "padding-value-xxxxxxxxxxx"))
	}
	assert.NoError(t, right.Insert(150, "one-value"))

	left.Rebalance(right)

	assert.True(t, right.SlotCount() > 1)
	assert.True(t, left.SlotCount() < 7)

	// Every key must still be Find-able, on whichever side now owns it, and
	// each node's fences must still contain every key it actually holds.
	leftLow, _ := left.LowFence()
	leftHigh, _ := left.HighFence()
	rightLow, _ := right.LowFence()
	rightHigh, _ := right.HighFence()

	for _, k := range append(append([]uint64{}, leftKeys...), 150) {
		foundLeft, _ := left.Find(k)
		foundRight, _ := right.Find(k)
		assert.True(t, foundLeft || foundRight, "key %d missing from both nodes after rebalance", k)

		if foundLeft {
			assert.True(t, k >= leftLow && k < leftHigh, "key %d found in left but outside its fences [%d,%d)", k, leftLow, leftHigh)
		}
		if foundRight {
			assert.True(t, k >= rightLow && k < rightHigh, "key %d found in right but outside its fences [%d,%d)", k, rightLow, rightHigh)
		}
	}
}

func TestIsUnderfull(t *testing.T) {
	leaf := newLeaf(1, make([]byte, 2048), nil, nil)
	assert.True(t, leaf.IsUnderfull(0.1))

	for i := uint64(0); i < 20; i++ {
		assert.NoError(t, leaf.Insert(i, "padding-value-to-fill-the-page-xxxxxxxxxxxxxxxxxxxx"))
	}
	assert.False(t, leaf.IsUnderfull(0.1))
}
