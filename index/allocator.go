package index

import (
	"sync"

	"github.com/foster-kv/fosterbtree/buffer"
	"github.com/foster-kv/fosterbtree/util"
)

// PageAllocator is the external collaborator Node and BTree borrow pages
// from for the duration of one operation: allocate a fresh page, deref an
// existing one, and release a page once it is no longer part of the tree.
// The core never retains a page reference past the Finish/Release call that
// returns it.
type PageAllocator interface {
	Allocate() (pageID int64, page []byte, err error)
	Deref(pageID int64) (page []byte, err error)
	Finish(pageID int64)
	Release(pageID int64) error
}

// BufferPoolAllocator adapts a buffer.BufferpoolManager to PageAllocator. It
// holds one write guard open per page between Allocate/Deref and the
// matching Finish, so the returned slice stays valid for the caller's
// operation without the allocator needing to know when that operation ends.
type BufferPoolAllocator struct {
	bpm *buffer.BufferpoolManager

	mu     sync.Mutex
	guards map[int64]*buffer.WritePageGuard
}

// NewBufferPoolAllocator wraps bpm as a PageAllocator.
func NewBufferPoolAllocator(bpm *buffer.BufferpoolManager) *BufferPoolAllocator {
	return &BufferPoolAllocator{bpm: bpm, guards: map[int64]*buffer.WritePageGuard{}}
}

// Allocate borrows a fresh, zeroed page from the pool.
func (a *BufferPoolAllocator) Allocate() (int64, []byte, error) {
	id := a.bpm.NewPageId()
	guard, err := a.bpm.WritePage(id)
	if err != nil {
		return 0, nil, util.Wrapf(util.ErrAllocFailure, "index: allocate page: %s", err)
	}

	data := guard.GetDataMut()
	for i := range *data {
		(*data)[i] = 0
	}

	a.mu.Lock()
	a.guards[id] = guard
	a.mu.Unlock()

	return id, *data, nil
}

// Deref borrows pageID's bytes, reusing an already-open guard if this
// allocator is already holding one for it.
func (a *BufferPoolAllocator) Deref(pageID int64) ([]byte, error) {
	a.mu.Lock()
	if guard, ok := a.guards[pageID]; ok {
		a.mu.Unlock()
		return *guard.GetDataMut(), nil
	}
	a.mu.Unlock()

	guard, err := a.bpm.WritePage(pageID)
	if err != nil {
		return nil, util.Wrap(err, "index: deref page")
	}

	a.mu.Lock()
	a.guards[pageID] = guard
	a.mu.Unlock()

	return *guard.GetDataMut(), nil
}

// Finish drops the write guard held for pageID without freeing the page's
// identity, unpinning it so the replacer may reclaim its frame. Every
// Allocate or Deref must be matched by exactly one Finish (Release counts).
func (a *BufferPoolAllocator) Finish(pageID int64) {
	a.mu.Lock()
	guard, ok := a.guards[pageID]
	if ok {
		delete(a.guards, pageID)
	}
	a.mu.Unlock()

	if ok {
		guard.Drop()
	}
}

// Release returns pageID to the allocator for reuse. The core calls this
// only on the merge path: for a sibling whose entries Node.Merge has copied
// elsewhere, and for a root that such a merge left with no separators.
func (a *BufferPoolAllocator) Release(pageID int64) error {
	a.mu.Lock()
	guard, ok := a.guards[pageID]
	if ok {
		delete(a.guards, pageID)
	}
	a.mu.Unlock()

	if ok {
		return guard.DropAndDelete()
	}
	return a.bpm.DeletePage(pageID)
}
