package index

import (
	"cmp"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/foster-kv/fosterbtree/kv"
	"github.com/foster-kv/fosterbtree/slotarray"
	"github.com/foster-kv/fosterbtree/util"
)

// defaultUnderfullThreshold is the fraction of a page's usable bytes below
// which BTree.Remove considers a node for merge or rebalance.
const defaultUnderfullThreshold = 0.25

// treeHeader is the tree's only page with no fixed on-page layout of its
// own; it is msgpack-encoded via util.ToByteSlice/ToStruct rather than
// hand-packed like every Node page.
type treeHeader struct {
	RootPageID int64
	RootIsLeaf bool
}

// BTree is the root-to-leaf driver: it descends from the header-recorded
// root to a leaf, performs the requested mutation on the Node layer, and
// triggers compaction, splits, and opportunistic foster-child adoption
// along the way. It holds no page in memory between calls — every
// operation borrows pages from alloc for its own duration only.
type BTree[K cmp.Ordered, V any, P slotarray.PMNK] struct {
	alloc         PageAllocator
	leafCodec     kv.Codec[K, V, P]
	internalCodec kv.Codec[K, int64, P]
	headerPageID  int64
	underfull     float64
	log           *zap.Logger
}

// NewBTree formats a header page and an empty root leaf, returning a tree
// ready to accept Puts.
func NewBTree[K cmp.Ordered, V any, P slotarray.PMNK](alloc PageAllocator, leafCodec kv.Codec[K, V, P], internalCodec kv.Codec[K, int64, P], logger *zap.Logger) (*BTree[K, V, P], error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	rootID, rootPage, err := alloc.Allocate()
	if err != nil {
		return nil, util.Wrap(err, "index: allocate root page")
	}
	root := OpenNode(rootID, rootPage, leafCodec)
	root.Initialize(nil, nil, 0)
	alloc.Finish(rootID)

	headerID, headerPage, err := alloc.Allocate()
	if err != nil {
		return nil, util.Wrap(err, "index: allocate header page")
	}

	t := &BTree[K, V, P]{
		alloc:         alloc,
		leafCodec:     leafCodec,
		internalCodec: internalCodec,
		headerPageID:  headerID,
		underfull:     defaultUnderfullThreshold,
		log:           logger,
	}

	if err := t.storeHeader(headerPage, treeHeader{RootPageID: rootID, RootIsLeaf: true}); err != nil {
		alloc.Finish(headerID)
		return nil, err
	}
	alloc.Finish(headerID)

	return t, nil
}

// OpenBTree reopens a tree whose header page already exists at
// headerPageID.
func OpenBTree[K cmp.Ordered, V any, P slotarray.PMNK](alloc PageAllocator, headerPageID int64, leafCodec kv.Codec[K, V, P], internalCodec kv.Codec[K, int64, P], logger *zap.Logger) *BTree[K, V, P] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BTree[K, V, P]{
		alloc:         alloc,
		leafCodec:     leafCodec,
		internalCodec: internalCodec,
		headerPageID:  headerPageID,
		underfull:     defaultUnderfullThreshold,
		log:           logger,
	}
}

// HeaderPageID exposes the header page's id so a caller can persist it
// alongside its own catalog and hand it back to OpenBTree later.
func (t *BTree[K, V, P]) HeaderPageID() int64 { return t.headerPageID }

func (t *BTree[K, V, P]) loadHeader() (treeHeader, error) {
	page, err := t.alloc.Deref(t.headerPageID)
	if err != nil {
		return treeHeader{}, util.Wrap(err, "index: deref header page")
	}
	defer t.alloc.Finish(t.headerPageID)
	return util.ToStruct[treeHeader](page)
}

func (t *BTree[K, V, P]) storeHeader(page []byte, h treeHeader) error {
	encoded, err := util.ToByteSlice(h, len(page))
	if err != nil {
		return util.Wrap(err, "index: encode header page")
	}
	copy(page, encoded)
	return nil
}

func (t *BTree[K, V, P]) saveHeader(h treeHeader) error {
	page, err := t.alloc.Deref(t.headerPageID)
	if err != nil {
		return util.Wrap(err, "index: deref header page")
	}
	defer t.alloc.Finish(t.headerPageID)
	return t.storeHeader(page, h)
}

// pageIsLeaf reads the level byte directly off a raw page. It exists
// because descend must decide which Codec to open a page with before it
// can construct a typed Node at all.
func pageIsLeaf(page []byte) bool { return page[levelOff] == 0 }

// route resolves the child responsible for key under internal, using its
// FirstChild for everything below the smallest separator and the
// slot-indexed value otherwise.
func (t *BTree[K, V, P]) route(internal *Node[K, int64, P], key K) int64 {
	found, pos := internal.Find(key)
	if found {
		var v int64
		internal.Read(pos, nil, &v)
		return v
	}
	if pos == 0 {
		return internal.FirstChild()
	}
	var v int64
	internal.Read(pos-1, nil, &v)
	return v
}

// descend walks from root to the leaf responsible for key, following foster
// pointers at every level before falling through to the parent-routed
// child, and returns the ancestor path (root-to-immediate-parent, excluding
// the leaf) for opportunistic post-mutation adoption.
func (t *BTree[K, V, P]) descend(root int64, key K) (leafID int64, path []int64, err error) {
	current := root
	for {
		page, err := t.alloc.Deref(current)
		if err != nil {
			return 0, nil, util.Wrap(err, "index: deref node during descend")
		}

		if pageIsLeaf(page) {
			leaf := OpenNode(current, page, t.leafCodec)
			if leaf.HasFoster() && key >= leaf.FosterKey() {
				next := leaf.FosterChild()
				t.alloc.Finish(current)
				current = next
				continue
			}
			t.alloc.Finish(current)
			return current, path, nil
		}

		internal := OpenNode(current, page, t.internalCodec)
		if internal.HasFoster() && key >= internal.FosterKey() {
			next := internal.FosterChild()
			t.alloc.Finish(current)
			current = next
			continue
		}

		child := t.route(internal, key)
		path = append(path, current)
		t.alloc.Finish(current)
		current = child
	}
}

// insertIntoNode tries a direct insert, then a compact-and-retry, then
// splits n and retries on whichever half now owns key. It is a
// package-level function rather than a method because Go forbids a method
// from adding type parameters beyond its receiver's, and this logic must
// run identically over a leaf's Node[K,V,P] and an internal node's
// Node[K,int64,P].
func insertIntoNode[K cmp.Ordered, W any, P slotarray.PMNK](n *Node[K, W, P], key K, value W, alloc PageAllocator) (*Node[K, W, P], error) {
	err := n.Insert(key, value)
	if err == nil {
		return nil, nil
	}
	if err != util.ErrNoSpace {
		return nil, err
	}

	n.Compact()
	if err := n.Insert(key, value); err == nil {
		return nil, nil
	}

	sibling, err := n.Split(alloc)
	if err != nil {
		return nil, err
	}

	target := n
	if sibling.inRange(key) {
		target = sibling
	}
	if err := target.Insert(key, value); err != nil {
		return sibling, err
	}
	return sibling, nil
}

// Put inserts key/value, splitting the target leaf and opportunistically
// adopting the resulting foster child into its parent if one already
// exists, or growing a new root if the leaf being split was the root.
func (t *BTree[K, V, P]) Put(key K, value V) error {
	h, err := t.loadHeader()
	if err != nil {
		return err
	}

	leafID, path, err := t.descend(h.RootPageID, key)
	if err != nil {
		return err
	}

	page, err := t.alloc.Deref(leafID)
	if err != nil {
		return util.Wrap(err, "index: deref leaf for put")
	}
	leaf := OpenNode(leafID, page, t.leafCodec)

	sibling, err := insertIntoNode(leaf, key, value, t.alloc)
	t.alloc.Finish(leafID)
	if err != nil {
		return err
	}

	if sibling != nil {
		t.log.Debug("index: leaf split", zap.Int64("leaf", leafID), zap.Int64("sibling", sibling.PageID))
		t.alloc.Finish(sibling.PageID)
		t.adopt(h, leafID, path)
	}

	return nil
}

// adopt installs the foster child created at childPageID into its parent
// (the last entry of path), or grows a new root if childPageID was the
// root. Adoption failure (most commonly the parent itself being full) is
// not surfaced to the caller and is not retried later; the tree remains
// correct, with the foster child reachable via the foster chain.
func (t *BTree[K, V, P]) adopt(h treeHeader, childPageID int64, path []int64) {
	if len(path) == 0 {
		if err := t.growRoot(h, childPageID); err != nil {
			t.log.Debug("index: grow root failed", zap.Error(err))
		}
		return
	}

	parentID := path[len(path)-1]
	parentPage, err := t.alloc.Deref(parentID)
	if err != nil {
		t.log.Debug("index: adopt deref parent failed", zap.Error(err))
		return
	}
	parent := OpenNode(parentID, parentPage, t.internalCodec)

	childPage, err := t.alloc.Deref(childPageID)
	if err != nil {
		t.alloc.Finish(parentID)
		t.log.Debug("index: adopt deref child failed", zap.Error(err))
		return
	}

	child, fosterChildID := t.openFosterNode(childPageID, childPage)
	if err := parent.AdoptFoster(child, fosterChildID); err != nil {
		// A full parent may just be fragmented: compact once and retry
		// before leaving the foster child unadopted. A parent that is
		// genuinely full is not split here — the child stays reachable via
		// the foster chain.
		parent.Compact()
		if err := parent.AdoptFoster(child, fosterChildID); err != nil {
			t.log.Debug("index: adoption failed", zap.Error(err))
		}
	}

	t.alloc.Finish(childPageID)
	t.alloc.Finish(parentID)
}

// openFosterNode opens page as whichever Node type matches its level and
// returns it as the value-type-agnostic FosterNode view, along with its
// foster child's page id (valid only if the returned node HasFoster).
func (t *BTree[K, V, P]) openFosterNode(pageID int64, page []byte) (FosterNode[K], int64) {
	if pageIsLeaf(page) {
		leaf := OpenNode(pageID, page, t.leafCodec)
		return leaf, leaf.FosterChild()
	}
	internal := OpenNode(pageID, page, t.internalCodec)
	return internal, internal.FosterChild()
}

// growRoot builds a new internal root over oldRootID when oldRootID itself
// split and had no parent to adopt into.
func (t *BTree[K, V, P]) growRoot(h treeHeader, oldRootID int64) error {
	oldPage, err := t.alloc.Deref(oldRootID)
	if err != nil {
		return util.Wrap(err, "index: deref old root")
	}

	newRootID, newRootPage, err := t.alloc.Allocate()
	if err != nil {
		t.alloc.Finish(oldRootID)
		return util.Wrap(err, "index: allocate new root")
	}

	child, fosterChildID := t.openFosterNode(oldRootID, oldPage)
	oldLevel := 0
	if !pageIsLeaf(oldPage) {
		internal := OpenNode(oldRootID, oldPage, t.internalCodec)
		oldLevel = internal.Level()
	}

	newRoot := OpenNode(newRootID, newRootPage, t.internalCodec)
	newRoot.Initialize(nil, nil, oldLevel+1)
	newRoot.SetFirstChild(oldRootID)

	if err := newRoot.AdoptFoster(child, fosterChildID); err != nil {
		t.alloc.Finish(newRootID)
		t.alloc.Finish(oldRootID)
		return util.Wrap(err, "index: adopt into new root")
	}

	t.alloc.Finish(newRootID)
	t.alloc.Finish(oldRootID)

	h.RootPageID = newRootID
	h.RootIsLeaf = false
	return t.saveHeader(h)
}

// Get returns the value stored under key, or util.ErrNotFound.
func (t *BTree[K, V, P]) Get(key K) (V, error) {
	var zero V
	h, err := t.loadHeader()
	if err != nil {
		return zero, err
	}

	leafID, _, err := t.descend(h.RootPageID, key)
	if err != nil {
		return zero, err
	}

	page, err := t.alloc.Deref(leafID)
	if err != nil {
		return zero, util.Wrap(err, "index: deref leaf for get")
	}
	defer t.alloc.Finish(leafID)

	leaf := OpenNode(leafID, page, t.leafCodec)
	found, pos := leaf.Find(key)
	if !found {
		return zero, util.ErrNotFound
	}

	var value V
	leaf.Read(pos, nil, &value)
	return value, nil
}

// Remove deletes key, returning util.ErrNotFound if it was absent.
// Underfull leaves trigger a best-effort merge or rebalance against their
// immediate sibling; internal-level merge/rebalance is out of scope, so a
// leaf-only removal load keeps the tree fully balanced at every level but
// a long run of deletions concentrated under one internal node may leave
// that node itself underfull. Recorded as an open decision in DESIGN.md.
func (t *BTree[K, V, P]) Remove(key K) error {
	h, err := t.loadHeader()
	if err != nil {
		return err
	}

	leafID, path, err := t.descend(h.RootPageID, key)
	if err != nil {
		return err
	}

	page, err := t.alloc.Deref(leafID)
	if err != nil {
		return util.Wrap(err, "index: deref leaf for remove")
	}
	leaf := OpenNode(leafID, page, t.leafCodec)

	removed, err := leaf.Remove(key)
	if err != nil {
		t.alloc.Finish(leafID)
		return err
	}
	if !removed {
		t.alloc.Finish(leafID)
		return util.ErrNotFound
	}
	leaf.Compact()

	underfull := leaf.IsUnderfull(t.underfull)
	t.alloc.Finish(leafID)

	if underfull && len(path) > 0 {
		t.rebalanceOrMerge(h, leafID, path)
	}

	return nil
}

// adjacentSibling finds nodeID's immediate sibling under parent, preferring
// the right sibling, and reports whether it is to the right.
func (t *BTree[K, V, P]) adjacentSibling(parent *Node[K, int64, P], nodeID int64) (siblingID int64, isRight bool, ok bool) {
	count := parent.SlotCount()
	children := make([]int64, 0, count+1)
	children = append(children, parent.FirstChild())
	for i := 0; i < count; i++ {
		var v int64
		parent.Read(i, nil, &v)
		children = append(children, v)
	}

	for i, id := range children {
		if id != nodeID {
			continue
		}
		if i+1 < len(children) {
			return children[i+1], true, true
		}
		if i > 0 {
			return children[i-1], false, true
		}
		return 0, false, false
	}
	return 0, false, false
}

// removeChild drops the separator in parent that routes to childID. childID
// is never parent's FirstChild by construction: rebalanceOrMerge only ever
// merges a right sibling (which always has a real separator) into its left
// neighbor.
func (t *BTree[K, V, P]) removeChild(parent *Node[K, int64, P], childID int64) {
	count := parent.SlotCount()
	for i := 0; i < count; i++ {
		var k K
		var v int64
		parent.Read(i, &k, &v)
		if v == childID {
			parent.Remove(k)
			parent.Compact()
			return
		}
	}
}

// rebalanceOrMerge attempts to fix an underfull leaf by merging it with its
// adjacent sibling if the combined entries fit one page, otherwise by
// shifting entries between them. Internal-node underfullness (a parent left
// with very few separators after a merge) is not chased further up the
// tree beyond a root collapse check.
func (t *BTree[K, V, P]) rebalanceOrMerge(h treeHeader, leafID int64, path []int64) {
	parentID := path[len(path)-1]
	parentPage, err := t.alloc.Deref(parentID)
	if err != nil {
		t.log.Debug("index: rebalance deref parent failed", zap.Error(err))
		return
	}
	parent := OpenNode(parentID, parentPage, t.internalCodec)

	siblingID, siblingIsRight, ok := t.adjacentSibling(parent, leafID)
	if !ok {
		t.alloc.Finish(parentID)
		return
	}

	leafPage, err := t.alloc.Deref(leafID)
	if err != nil {
		t.alloc.Finish(parentID)
		return
	}
	siblingPage, err := t.alloc.Deref(siblingID)
	if err != nil {
		t.alloc.Finish(leafID)
		t.alloc.Finish(parentID)
		return
	}

	if !pageIsLeaf(leafPage) || !pageIsLeaf(siblingPage) {
		t.alloc.Finish(siblingID)
		t.alloc.Finish(leafID)
		t.alloc.Finish(parentID)
		return
	}

	leaf := OpenNode(leafID, leafPage, t.leafCodec)
	sibling := OpenNode(siblingID, siblingPage, t.leafCodec)

	left, right, rightID := leaf, sibling, siblingID
	if !siblingIsRight {
		left, right, rightID = sibling, leaf, leafID
	}

	capacity := left.UsedSpace() + left.FreeSpace()
	if left.UsedSpace()+right.UsedSpace() <= capacity {
		if err := left.Merge(right); err != nil {
			t.log.Debug("index: leaf merge failed", zap.Error(err))
			t.alloc.Finish(siblingID)
			t.alloc.Finish(leafID)
			t.alloc.Finish(parentID)
			return
		}
		t.removeChild(parent, rightID)

		t.alloc.Finish(siblingID)
		t.alloc.Finish(leafID)
		t.alloc.Finish(parentID)

		if err := t.alloc.Release(rightID); err != nil {
			t.log.Debug("index: release merged page failed", zap.Error(err))
		}
		t.maybeCollapseRoot(h, parentID)
		return
	}

	left.Rebalance(right)
	t.alloc.Finish(siblingID)
	t.alloc.Finish(leafID)
	t.alloc.Finish(parentID)
}

// maybeCollapseRoot replaces the root with its sole remaining child once a
// merge has left the root internal with no separators of its own.
func (t *BTree[K, V, P]) maybeCollapseRoot(h treeHeader, nodeID int64) {
	if nodeID != h.RootPageID {
		return
	}

	page, err := t.alloc.Deref(nodeID)
	if err != nil {
		t.log.Debug("index: collapse root deref failed", zap.Error(err))
		return
	}
	if pageIsLeaf(page) {
		t.alloc.Finish(nodeID)
		return
	}

	root := OpenNode(nodeID, page, t.internalCodec)
	if root.SlotCount() != 0 {
		t.alloc.Finish(nodeID)
		return
	}
	newRootID := root.FirstChild()
	t.alloc.Finish(nodeID)

	newRootIsLeaf := true
	if childPage, err := t.alloc.Deref(newRootID); err == nil {
		newRootIsLeaf = pageIsLeaf(childPage)
		t.alloc.Finish(newRootID)
	}

	h.RootPageID = newRootID
	h.RootIsLeaf = newRootIsLeaf
	if err := t.saveHeader(h); err != nil {
		t.log.Debug("index: collapse root save header failed", zap.Error(err))
		return
	}
	if err := t.alloc.Release(nodeID); err != nil {
		t.log.Debug("index: release collapsed root failed", zap.Error(err))
	}
}

// ScanIterator yields key/value pairs in ascending order across leaf and
// foster boundaries. Its sessionID exists purely for log correlation across
// the (possibly many) leaf pages one Scan call visits.
type ScanIterator[K cmp.Ordered, V any, P slotarray.PMNK] struct {
	tree      *BTree[K, V, P]
	sessionID uuid.UUID
	hi        *K
	rootID    int64

	leafID int64
	it     *kv.Iterator[K, V, P]
	done   bool
}

// Scan starts a range iteration from the leaf containing lo (or the tree's
// leftmost leaf if lo is nil) up to hi (exclusive, or the tree's rightmost
// bound if hi is nil).
func (t *BTree[K, V, P]) Scan(lo, hi *K) (*ScanIterator[K, V, P], error) {
	h, err := t.loadHeader()
	if err != nil {
		return nil, err
	}

	leafID := h.RootPageID
	if lo != nil {
		if leafID, _, err = t.descend(h.RootPageID, *lo); err != nil {
			return nil, err
		}
	} else {
		for {
			page, err := t.alloc.Deref(leafID)
			if err != nil {
				return nil, util.Wrap(err, "index: deref node during scan")
			}
			if pageIsLeaf(page) {
				t.alloc.Finish(leafID)
				break
			}
			next := OpenNode(leafID, page, t.internalCodec).FirstChild()
			t.alloc.Finish(leafID)
			leafID = next
		}
	}

	it := &ScanIterator[K, V, P]{tree: t, sessionID: uuid.New(), hi: hi, rootID: h.RootPageID}
	if err := it.openLeaf(leafID, lo); err != nil {
		return nil, err
	}

	t.log.Debug("index: scan started", zap.String("session", it.sessionID.String()), zap.Int64("leaf", leafID))
	return it, nil
}

func (it *ScanIterator[K, V, P]) openLeaf(leafID int64, lo *K) error {
	page, err := it.tree.alloc.Deref(leafID)
	if err != nil {
		return util.Wrap(err, "index: deref leaf for scan")
	}
	leaf := OpenNode(leafID, page, it.tree.leafCodec)
	it.leafID = leafID
	it.it = leaf.RangeIter(lo, it.hi)
	return nil
}

// Next returns the next pair in ascending key order, or ok == false once
// the scan has exhausted every leaf in range.
func (it *ScanIterator[K, V, P]) Next() (key K, value V, ok bool) {
	for !it.done {
		if it.it != nil {
			if k, v, has := it.it.Next(); has {
				return k, v, true
			}
		}
		if !it.advance() {
			it.done = true
		}
	}
	return key, value, false
}

// advance moves to the next leaf by re-descending from the root with the
// current leaf's upper bound as the search key: its foster key if it has a
// foster child (descend then follows the foster pointer to that child),
// otherwise its high fence. This lands on the next leaf in key order without
// the iterator needing to retain a parent stack of its own.
func (it *ScanIterator[K, V, P]) advance() bool {
	page, err := it.tree.alloc.Deref(it.leafID)
	if err != nil {
		it.tree.log.Debug("index: scan advance deref failed", zap.Error(err))
		return false
	}
	leaf := OpenNode(it.leafID, page, it.tree.leafCodec)

	var nextKey K
	has := false
	if leaf.HasFoster() {
		nextKey = leaf.FosterKey()
		has = true
	} else if high, ok := leaf.HighFence(); ok {
		nextKey = high
		has = true
	}
	it.tree.alloc.Finish(it.leafID)

	if !has {
		return false
	}
	if it.hi != nil && nextKey >= *it.hi {
		return false
	}

	nextLeafID, _, err := it.tree.descend(it.rootID, nextKey)
	if err != nil {
		it.tree.log.Debug("index: scan advance descend failed", zap.Error(err))
		return false
	}
	if nextLeafID == it.leafID {
		return false
	}

	if err := it.openLeaf(nextLeafID, &nextKey); err != nil {
		it.tree.log.Debug("index: scan advance open failed", zap.Error(err))
		return false
	}
	return true
}

// Close releases the iterator's held page guard. Safe to call more than
// once or after exhaustion.
func (it *ScanIterator[K, V, P]) Close() {
	if it.leafID != 0 {
		it.tree.alloc.Finish(it.leafID)
		it.leafID = 0
	}
}
