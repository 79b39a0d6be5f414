package buffer

import "go.uber.org/zap"

func NewReadPageGuard(frame *frame, bpm *BufferpoolManager) *ReadPageGuard {
	return &ReadPageGuard{
		PageGuard: PageGuard{
			frame: frame,
			bpm:   bpm,
		},
	}
}

func NewWritePageGuard(frame *frame, bpm *BufferpoolManager) *WritePageGuard {
	return &WritePageGuard{
		PageGuard: PageGuard{
			frame: frame,
			bpm:   bpm,
		},
	}
}

func (pg *ReadPageGuard) Drop() {
	if pg == nil || pg.frame == nil {
		return
	}

	pg.bpm.log.Debug("buffer: read guard dropped", zap.Int64("page_id", pg.frame.pageId))

	pg.frame.unpin()
	if pg.frame.pins.Load() == 0 {
		pg.bpm.replacer.setEvictable(pg.frame.id, true)
	}

	pg.frame.mu.RUnlock()
	pg.bpm.mu.Lock()
	pg.bpm.cond.Signal()
	pg.bpm.mu.Unlock()
}

func (pg *WritePageGuard) Drop() {
	if pg == nil || pg.frame == nil {
		return
	}

	pg.bpm.log.Debug("buffer: write guard dropped", zap.Int64("page_id", pg.frame.pageId), zap.Bool("dirty", pg.frame.dirty))

	pg.frame.unpin()
	if pg.frame.pins.Load() == 0 {
		pg.bpm.replacer.setEvictable(pg.frame.id, true)
	}

	pg.frame.mu.Unlock()
	pg.bpm.mu.Lock()
	pg.bpm.cond.Signal()
	pg.bpm.mu.Unlock()
}

// DropAndDelete releases pg's write lock on its page and then frees that
// page's identity entirely, for a caller that is removing a page from the
// tree rather than just finishing a read/write turn on it (PageAllocator's
// Release, never Finish). Dropping before deleting matters: DeletePage
// requires that no guard still holds the page's frame lock.
func (pg *WritePageGuard) DropAndDelete() error {
	if pg == nil || pg.frame == nil {
		return nil
	}
	pageId := pg.frame.pageId
	bpm := pg.bpm
	pg.Drop()
	return bpm.DeletePage(pageId)
}

func (pg *ReadPageGuard) GetData() []byte {
	return pg.frame.data
}

func (pg *WritePageGuard) GetDataMut() *[]byte {
	return &pg.frame.data
}

type PageGuard struct {
	frame *frame
	bpm   *BufferpoolManager
}

type ReadPageGuard struct {
	PageGuard
}

type WritePageGuard struct {
	PageGuard
}
