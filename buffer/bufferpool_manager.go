package buffer

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/foster-kv/fosterbtree/storage/disk"
)

type mode = int

const (
	write mode = iota
	read
)

// NewBufferpoolManager builds a pool of size frames backed by diskScheduler,
// evicting via replacer once every frame is pinned or in use.
func NewBufferpoolManager(size int, replacer *lrukReplacer, diskScheduler *disk.DiskScheduler, logger *zap.Logger) *BufferpoolManager {
	if logger == nil {
		logger = zap.NewNop()
	}

	frames := make([]*frame, size)
	freeFrames := make([]int, size)

	for i := range size {
		f := &frame{
			id:   i,
			data: make([]byte, disk.PAGE_SIZE),
		}

		frames[i] = f
		freeFrames[i] = i
	}

	bpm := &BufferpoolManager{
		mu:            sync.Mutex{},
		frames:        frames,
		pageTable:     make(map[int64]int),
		replacer:      replacer,
		diskScheduler: diskScheduler,
		freeFrames:    freeFrames,
		log:           logger,
	}
	bpm.cond = *sync.NewCond(&bpm.mu)
	return bpm
}

func (b *BufferpoolManager) ReadPage(pageId int64) (*ReadPageGuard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var fr *frame

	for {
		if id, ok := b.pageTable[pageId]; ok {
			fr := b.frames[id]

			b.replacer.recordAccess(fr.id)
			b.replacer.setEvictable(fr.id, false)
			fr.mu.RLock()
			fr.pin()

			return NewReadPageGuard(fr, b), nil
		}

		fr = b.acquireFrame()
		if fr == nil {
			b.log.Debug("buffer: waiting for a frame", zap.Int("free_frames", len(b.freeFrames)))
			b.cond.Wait()
			continue
		}

		delete(b.pageTable, fr.pageId)
		b.pageTable[pageId] = fr.id

		b.replacer.recordAccess(fr.id)
		b.replacer.setEvictable(fr.id, false)

		fr.mu.RLock()
		fr.reset()
		fr.pin()
		fr.pageId = pageId

		resp := <-b.diskScheduler.Schedule(disk.NewRequest(pageId, nil, false))
		if resp.Err != nil {
			fr.mu.RUnlock()
			return nil, resp.Err
		}
		copy(fr.data, resp.Data)

		return NewReadPageGuard(fr, b), nil
	}
}

func (b *BufferpoolManager) WritePage(pageId int64) (*WritePageGuard, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fr *frame

	for {
		if id, ok := b.pageTable[pageId]; ok {
			fr := b.frames[id]

			b.replacer.recordAccess(fr.id)
			b.replacer.setEvictable(fr.id, false)
			fr.mu.Lock()
			fr.pin()
			fr.dirty = true

			return NewWritePageGuard(fr, b), nil
		}

		fr = b.acquireFrame()
		if fr == nil {
			b.log.Debug("buffer: waiting for a frame", zap.Int("free_frames", len(b.freeFrames)))
			b.cond.Wait()
			continue
		}

		delete(b.pageTable, fr.pageId)
		b.pageTable[pageId] = fr.id

		b.replacer.recordAccess(fr.id)
		b.replacer.setEvictable(fr.id, false)

		fr.mu.Lock()
		fr.reset()
		fr.pin()
		fr.dirty = true
		fr.pageId = pageId

		resp := <-b.diskScheduler.Schedule(disk.NewRequest(pageId, nil, false))
		if resp.Err != nil {
			fr.mu.Unlock()
			return nil, resp.Err
		}
		copy(fr.data, resp.Data)
		return NewWritePageGuard(fr, b), nil
	}
}

func (b *BufferpoolManager) GetPage(pageId int64, accessMode mode, callback func(f *frame)) {
	var fr *frame

	b.mu.Lock()
	for {
		if id, ok := b.pageTable[pageId]; ok {
			fr = b.frames[id]

			fr.pin()
			if accessMode == write {
				fr.mu.Lock()
				fr.dirty = true
			} else {
				fr.mu.RLock()
			}

			b.replacer.recordAccess(fr.id)
			b.replacer.setEvictable(fr.id, false)
			break
		}

		got := b.acquireFrame()
		if got == nil {
			b.log.Debug("buffer: waiting for a frame", zap.Int("free_frames", len(b.freeFrames)))
			b.cond.Wait()
			continue
		}
		fr = got

		delete(b.pageTable, fr.pageId)
		b.pageTable[pageId] = fr.id
		b.replacer.recordAccess(fr.id)
		b.replacer.setEvictable(fr.id, false)

		fr.reset()
		if accessMode == write {
			fr.mu.Lock()
			fr.dirty = true
		} else {
			fr.mu.RLock()
		}

		fr.pin()
		fr.pageId = pageId

		resp := <-b.diskScheduler.Schedule(disk.NewRequest(pageId, nil, false))
		if resp.Err == nil {
			fr.data = resp.Data
		}
		break
	}
	b.mu.Unlock()

	defer func(fr *frame) {
		if fr == nil || b == nil {
			return
		}

		fr.unpin()
		if fr.pins.Load() == 0 {
			b.replacer.setEvictable(fr.id, true)
		}

		if accessMode == write {
			fr.mu.Unlock()
		} else {
			fr.mu.RUnlock()
		}

		b.cond.Signal()
	}(fr)

	callback(fr)
}

// acquireFrame returns a free frame, or evicts one, without blocking. It
// returns nil when no frame is currently available. Callers hold b.mu.
func (b *BufferpoolManager) acquireFrame() *frame {
	if len(b.freeFrames) > 0 {
		id := b.freeFrames[0]
		b.freeFrames = b.freeFrames[1:]
		return b.frames[id]
	}

	id, err := b.replacer.evict()
	if err != nil || id == INVALID_FRAME_ID {
		return nil
	}

	fr := b.frames[id]
	b.flush(fr)
	return fr
}

func (b *BufferpoolManager) NewPageId() int64 {
	return b.nextPageId.Add(1)
}

// DeletePage drops pageId's frame (if resident) back into the free list and
// returns its on-disk slot for reuse. The caller must not still hold a
// guard on pageId.
func (b *BufferpoolManager) DeletePage(pageId int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.pageTable[pageId]; ok {
		fr := b.frames[id]
		delete(b.pageTable, pageId)
		_ = b.replacer.remove(fr.id)
		fr.reset()
		fr.pageId = disk.INVALID_PAGE_ID
		b.freeFrames = append(b.freeFrames, fr.id)
	}

	b.diskScheduler.FreePage(pageId)
	return nil
}

func (b *BufferpoolManager) flush(fr *frame) {
	if !fr.dirty {
		return
	}

	resp := <-b.diskScheduler.Schedule(disk.NewRequest(fr.pageId, fr.data, true))
	if resp.Err != nil {
		b.log.Debug("buffer: flush failed", zap.Int64("page_id", fr.pageId), zap.Error(resp.Err))
	}
}

type BufferpoolManager struct {
	mu            sync.Mutex
	frames        []*frame
	pageTable     map[int64]int
	nextPageId    atomic.Int64
	diskScheduler *disk.DiskScheduler
	replacer      *lrukReplacer
	freeFrames    []int
	cond          sync.Cond
	log           *zap.Logger
}
