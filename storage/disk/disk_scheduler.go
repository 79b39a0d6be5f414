package disk

import (
	"sync"

	"go.uber.org/zap"
)

// NewScheduler starts a dispatcher goroutine that fans requests out to one
// worker goroutine per page, so concurrent operations on different pages
// never block each other while operations on the same page still serialize.
func NewScheduler(diskManager *diskManager, logger *zap.Logger) *DiskScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ds := &DiskScheduler{
		reqCh:       make(chan DiskReq, 100),
		pageQueue:   make(map[int]chan DiskReq),
		pageQueueMu: sync.Mutex{},
		diskManager: diskManager,
		log:         logger,
	}

	go ds.handleDiskReq()
	return ds
}

// NewRequest builds a request for pageId with a fresh response channel: a
// write of data when isWrite is set, otherwise a read (data is then nil).
func NewRequest(pageId int64, data []byte, isWrite bool) DiskReq {
	return DiskReq{
		PageId: int(pageId),
		Data:   data,
		Write:  isWrite,
		RespCh: make(chan DiskResp),
	}
}

// Schedule enqueues req and returns immediately; the response arrives on
// req.RespCh once the page's worker processes it.
func (ds *DiskScheduler) Schedule(req DiskReq) <-chan DiskResp {
	ds.reqCh <- req
	return req.RespCh
}

// FreePage returns pageId's on-disk slot for reuse. Unlike Schedule, it does
// not touch the db file, so it runs synchronously against the diskManager's
// own lock rather than through a page worker.
func (ds *DiskScheduler) FreePage(pageId int64) {
	ds.diskManager.deletePage(int(pageId))
}

func (ds *DiskScheduler) handleDiskReq() {
	for req := range ds.reqCh {
		ds.pageQueueMu.Lock()
		_, ok := ds.pageQueue[req.PageId]
		if !ok {
			ds.pageQueue[req.PageId] = make(chan DiskReq, 10)
		}
		queue := ds.pageQueue[req.PageId]
		ds.pageQueueMu.Unlock()

		queue <- req

		// !ok means we just created this page's queue, so no worker is
		// draining it yet.
		if !ok {
			go ds.pageWorker(req.PageId, queue)
		}
	}
}

func (ds *DiskScheduler) pageWorker(pageId int, reqQueue chan DiskReq) {
	for {
		select {
		case req := <-reqQueue:
			if req.Write {
				if err := ds.diskManager.writePage(req.PageId, req.Data); err != nil {
					ds.log.Debug("disk: write failed", zap.Int("page_id", req.PageId), zap.Error(err))
					req.RespCh <- DiskResp{Success: false, Err: err}
				} else {
					req.RespCh <- DiskResp{Success: true}
				}
			} else {
				data, err := ds.diskManager.readPage(req.PageId)
				if err != nil {
					ds.log.Debug("disk: read failed", zap.Int("page_id", req.PageId), zap.Error(err))
					req.RespCh <- DiskResp{Success: false, Err: err}
				} else {
					req.RespCh <- DiskResp{Success: true, Data: data}
				}
			}

		default:
			// No more requests queued for this page right now; drop the
			// queue and let handleDiskReq recreate it on the next request.
			ds.pageQueueMu.Lock()
			delete(ds.pageQueue, pageId)
			ds.pageQueueMu.Unlock()
			return
		}
	}
}

type DiskScheduler struct {
	reqCh       chan DiskReq
	diskManager *diskManager
	log         *zap.Logger

	pageQueue   map[int]chan DiskReq
	pageQueueMu sync.Mutex
}

type DiskReq struct {
	PageId int
	Data   []byte
	Write  bool
	RespCh chan DiskResp
}

type DiskResp struct {
	Success bool
	Data    []byte
	Err     error
}
