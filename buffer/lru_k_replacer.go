package buffer

import (
	"sync"

	"github.com/pkg/errors"
)

// NewLrukReplacer builds an LRU-K replacer evicting by backward k-distance
// once a frame has k recorded accesses. capacity is stored but not enforced:
// the number of tracked frames is not bounded by it.
func NewLrukReplacer(capacity, k int) *lrukReplacer {
	head := &lrukNode{frameId: INVALID_FRAME_ID}
	tail := &lrukNode{frameId: INVALID_FRAME_ID}

	head.next = tail
	tail.prev = head

	return &lrukReplacer{
		k:             k,
		nodeStore:     map[int]*lrukNode{},
		currSize:      0,
		currTimestamp: 0,
		head:          head,
		tail:          tail,
		replacerSize:  capacity,
	}
}

func (lru *lrukReplacer) removeNode(node *lrukNode) {
	back := node.prev
	front := node.next
	back.next = front
	front.prev = back
}

func (lru *lrukReplacer) addNode(newNode *lrukNode) {
	tmp := lru.head.next
	lru.head.next = newNode
	newNode.prev = lru.head
	newNode.next = tmp
	tmp.prev = newNode

	lru.nodeStore[newNode.frameId] = newNode
}

// remove drops frameId from tracking. It is an error to remove a frame that
// is not currently evictable.
func (lru *lrukReplacer) remove(frameId int) error {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameId]
	if !ok {
		return nil
	}
	if !node.isEvictable {
		return errors.New("lru_k_replacer: evicting a non-evictable frame")
	}

	lru.removeNode(node)
	delete(lru.nodeStore, frameId)
	lru.currSize--

	return nil
}

// recordAccess logs an access to frameId at the current logical timestamp,
// creating the tracking node on first access, and moves it to the front of
// the history list.
func (lru *lrukReplacer) recordAccess(frameId int) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	lru.currTimestamp++

	node, ok := lru.nodeStore[frameId]
	if !ok {
		node = &lrukNode{frameId: frameId, k: lru.k}
		lru.addNode(node)
	} else {
		lru.removeNode(node)
		lru.addNode(node)
	}
	node.addTimestamp(lru.currTimestamp)
}

// setEvictable marks frameId as a candidate (or not) for eviction, keeping
// currSize in sync with the number of evictable frames tracked.
func (lru *lrukReplacer) setEvictable(frameId int, evictable bool) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	node, ok := lru.nodeStore[frameId]
	if !ok {
		return
	}

	switch {
	case node.isEvictable && !evictable:
		lru.currSize--
	case !node.isEvictable && evictable:
		lru.currSize++
	}
	node.isEvictable = evictable
}

// evict picks the evictable frame with the largest backward k-distance:
// among frames that have not yet reached k accesses, the one with the
// oldest single access; otherwise the frame whose k-th most recent access
// is oldest. It returns INVALID_FRAME_ID when nothing is evictable.
func (lru *lrukReplacer) evict() (int, error) {
	lru.mu.Lock()
	defer lru.mu.Unlock()

	var cold, warm *lrukNode
	for _, node := range lru.nodeStore {
		if !node.isEvictable {
			continue
		}
		if !node.hasKAccess() {
			if cold == nil || node.kthAccess() < cold.kthAccess() {
				cold = node
			}
			continue
		}
		if warm == nil || node.kthAccess() < warm.kthAccess() {
			warm = node
		}
	}

	victim := cold
	if victim == nil {
		victim = warm
	}
	if victim == nil {
		return INVALID_FRAME_ID, nil
	}

	lru.removeNode(victim)
	delete(lru.nodeStore, victim.frameId)
	lru.currSize--

	return victim.frameId, nil
}

func (lru *lrukReplacer) size() int {
	lru.mu.Lock()
	defer lru.mu.Unlock()
	return lru.currSize
}

type lrukReplacer struct {
	mu            sync.Mutex
	nodeStore     map[int]*lrukNode
	replacerSize  int
	currSize      int
	currTimestamp int
	k             int
	head          *lrukNode
	tail          *lrukNode
}
