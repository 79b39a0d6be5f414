package disk

// PAGE_SIZE is the fixed on-disk page size, matching the Node page size the
// index layer lays the Foster B-tree out on (a build-time page
// size constant, 4KiB-64KiB). DEFAULT_PAGE_CAPACITY is the number of pages a
// freshly created db file holds before allocatePage doubles it.
const (
	PAGE_SIZE             = 4096
	DEFAULT_PAGE_CAPACITY = 64
)

const INVALID_PAGE_ID int64 = -1
