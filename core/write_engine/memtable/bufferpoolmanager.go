package memtable

import (
	"container/list" // For LRU
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// DiskManager is the storage the pool reads from and writes back to.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	AllocatePage() (pagemanager.PageID, error)
	GetPageSize() int
	Sync() error
}

// BufferPoolManager manages in-memory pages (frames) and interacts with the DiskManager.
// It implements a simple LRU (Least Recently Used) eviction policy.
type BufferPoolManager struct {
	diskManager DiskManager
	poolSize    int
	pages       []*pagemanager.Page        // Page frames
	pageTable   map[pagemanager.PageID]int // PageID to frame index
	lruList     *list.List                 // Doubly linked list for LRU tracking (stores frame indices)
	mu          sync.Mutex
	pageSize    int
	logger      *zap.Logger
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(poolSize int, diskManager DiskManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, flushmanager.ErrTreeNotInitialized
	}
	if poolSize < 1 {
		return nil, fmt.Errorf("%w: got %d", flushmanager.ErrInvalidPoolSize, poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]int),
		lruList:     list.New(),
		pageSize:    diskManager.GetPageSize(),
		logger:      logger.Named("buffer_pool"),
	}
	for i := 0; i < poolSize; i++ {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", bpm.pageSize))
	return bpm, nil
}

// FetchPage retrieves a page from the buffer pool. If not present, it fetches from disk.
// It pins the page and moves it to the front of the LRU list.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Check if page is already in the buffer pool
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		if page.GetLruElement() != nil {
			bpm.lruList.MoveToFront(page.GetLruElement())
		}
		return page, nil
	}

	// 2. Page not in pool, find a frame to reuse
	frameIdx, err := bpm.evictFrameInternal()
	if err != nil {
		return nil, err
	}
	page := bpm.pages[frameIdx]

	// 3. Load new page data from disk
	if err := bpm.diskManager.ReadPage(pageID, page.GetData()); err != nil {
		// The frame is now empty and untracked, so it is still reusable.
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	// 4. Track the page
	bpm.installInternal(frameIdx, pageID, false)
	bpm.logger.Debug("Page loaded into frame", zap.Uint64("page_id", uint64(pageID)), zap.Int("frame", frameIdx))
	return page, nil
}

// NewPage allocates a new zeroed page on disk and pins it in the pool. The
// page is marked dirty so its first contents reach disk.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// Find a frame first so a full pool does not leave orphaned disk pages.
	frameIdx, err := bpm.evictFrameInternal()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	newPageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to allocate new page on disk: %w", err)
	}
	bpm.installInternal(frameIdx, newPageID, true)
	bpm.logger.Debug("Allocated new page", zap.Uint64("page_id", uint64(newPageID)), zap.Int("frame", frameIdx))
	return bpm.pages[frameIdx], newPageID, nil
}

// evictFrameInternal returns a reset frame ready to hold a new page, writing
// back the previous occupant if it was dirty.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) evictFrameInternal() (int, error) {
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return -1, err
	}
	victim := bpm.pages[frameIdx]
	if victim.GetPageID() != pagemanager.InvalidPageID {
		if victim.IsDirty() {
			if err := bpm.diskManager.WritePage(victim.GetPageID(), victim.GetData()); err != nil {
				return -1, fmt.Errorf("failed to flush dirty victim page %d: %w", victim.GetPageID(), err)
			}
		}
		bpm.logger.Debug("Evicting page", zap.Uint64("page_id", uint64(victim.GetPageID())), zap.Int("frame", frameIdx))
		delete(bpm.pageTable, victim.GetPageID())
		if victim.GetLruElement() != nil {
			bpm.lruList.Remove(victim.GetLruElement())
		}
	}
	victim.Reset()
	return frameIdx, nil
}

// installInternal records pageID as living in frameIdx with one pin.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) installInternal(frameIdx int, pageID pagemanager.PageID, dirty bool) {
	page := bpm.pages[frameIdx]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(dirty)
	page.UpdatedAt(time.Now())
	bpm.pageTable[pageID] = frameIdx
	page.SetLruElement(bpm.lruList.PushFront(frameIdx))
}

// getVictimFrameInternal finds a frame to reuse: an empty frame first, then
// the least recently used unpinned frame.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimFrameInternal() (int, error) {
	for i, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID {
			return i, nil
		}
	}
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		if bpm.pages[frameIdx].GetPinCount() == 0 {
			return frameIdx, nil
		}
	}
	bpm.logger.Error("Buffer pool is full, and all pages are pinned")
	return -1, flushmanager.ErrBufferPoolFull
}

// UnpinPage decrements the pin count for a page. If isDirty is true, it marks the page as dirty.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("Attempted to unpin page with pin count 0", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	page.Unpin()
	if isDirty {
		page.SetDirty(true)
		page.UpdatedAt(time.Now())
	}
	return nil
}

// FlushPage writes a specific page to disk if it's dirty.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if !page.IsDirty() {
		return nil
	}
	if err := bpm.diskManager.WritePage(pageID, page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages writes every dirty page to disk and syncs the file.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	flushed := 0
	for _, page := range bpm.pages {
		if page.GetPageID() == pagemanager.InvalidPageID || !page.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			bpm.logger.Error("Error flushing page", zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		page.SetDirty(false)
		flushed++
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	bpm.logger.Debug("Finished FlushAllPages", zap.Int("flushed", flushed))
	return firstErr
}

// PinnedPages counts frames that are currently pinned. A balanced caller
// leaves this at zero between operations.
func (bpm *BufferPoolManager) PinnedPages() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	pinned := 0
	for _, page := range bpm.pages {
		if page.GetPageID() != pagemanager.InvalidPageID && page.GetPinCount() > 0 {
			pinned++
		}
	}
	return pinned
}

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}
