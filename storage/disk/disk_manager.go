package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/foster-kv/fosterbtree/util"
)

// NewManager wraps an already-open db file. The file is expected to already
// be truncated to at least one page; allocatePage grows it on demand.
func NewManager(file *os.File, logger *zap.Logger) *diskManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &diskManager{
		dbFile:       file,
		pageCapacity: DEFAULT_PAGE_CAPACITY,
		freeSlots:    []int{},
		pages:        map[int]int{},
		log:          logger,
	}
}

func (dm *diskManager) writePage(pageId int, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset, pageFound := dm.pages[pageId]

	if !pageFound {
		o, err := dm.allocatePage()
		if err != nil {
			return err
		}
		offset = o
		dm.pages[pageId] = offset
	}

	if _, err := dm.dbFile.WriteAt(data, int64(offset)); err != nil {
		return errors.Wrapf(err, "disk: write page %d at offset %d", pageId, offset)
	}

	return nil
}

func (dm *diskManager) readPage(pageId int) ([]byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	offset, pageFound := dm.pages[pageId]

	if !pageFound {
		o, err := dm.allocatePage()
		if err != nil {
			return nil, err
		}
		offset = o
		dm.pages[pageId] = offset
	}

	buf := make([]byte, PAGE_SIZE)
	// A page allocated past the current end of the file has never been
	// written; the short read leaves buf zero-filled.
	if _, err := dm.dbFile.ReadAt(buf, int64(offset)); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "disk: read page %d at offset %d", pageId, offset)
	}

	return buf, nil
}

func (dm *diskManager) deletePage(pageId int) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if offset, ok := dm.pages[pageId]; ok {
		dm.freeSlots = append(dm.freeSlots, offset)
		delete(dm.pages, pageId)
		dm.log.Debug("disk: page freed", zap.Int("page_id", pageId), zap.Int("offset", offset))
	}
}

// allocatePage assumes the caller already holds dm.mu; it never locks
// itself so writePage/readPage can call it while holding the lock.
func (dm *diskManager) allocatePage() (int, error) {
	if len(dm.freeSlots) > 0 {
		offset := dm.freeSlots[0]
		dm.freeSlots = dm.freeSlots[1:]
		return offset, nil
	}

	if len(dm.pages)+1 > dm.pageCapacity {
		newCapacity := dm.pageCapacity * 2
		if err := os.Truncate(dm.dbFile.Name(), int64(newCapacity)*PAGE_SIZE); err != nil {
			return -1, errors.Wrapf(util.ErrAllocFailure, "disk: resize db file to %d pages: %s", newCapacity, err)
		}
		dm.log.Debug("disk: db file resized", zap.Int("old_capacity", dm.pageCapacity), zap.Int("new_capacity", newCapacity))
		dm.pageCapacity = newCapacity
	}

	return dm.getNextOffset(), nil
}

func (dm *diskManager) getNextOffset() int {
	return len(dm.pages) * PAGE_SIZE
}

type diskManager struct {
	mu           sync.Mutex
	dbFile       *os.File
	pages        map[int]int
	freeSlots    []int
	pageCapacity int
	log          *zap.Logger
}
