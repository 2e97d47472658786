package pagemanager

import (
	"container/list" // For LRU
	"sync"           // For sync.RWMutex
	"time"
)

// --- Page Management ---

const (
	InvalidPageID PageID = 0 // Page 0 holds the file header, so it is never a node page
)

// PageID represents a unique identifier for a page on disk.
// It is also the child-pointer width stored inside internal node records.
type PageID uint64

// Page represents an in-memory copy of a disk page.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool
	// For LRU
	lruElement *list.Element // Pointer to the element in LRU list

	// This mutex protects the in-memory contents of this specific page.
	// Node operations assume a single writer, so callers hold it across every mutation.
	latch     sync.RWMutex
	updatedAt time.Time
}

// NewPage creates a new Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:       id,
		data:     make([]byte, size),
		pinCount: 0,
		isDirty:  false,
	}
}

// Reset clears the frame so it can hold another page.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lruElement = nil
	clear(p.data)
}

func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }
func (p *Page) GetData() []byte                  { return p.data }
func (p *Page) SetData(newData []byte) bool      { copy(p.data, newData); return true }
func (p *Page) GetPageID() PageID                { return p.id }
func (p *Page) SetPageID(id PageID)              { p.id = id }
func (p *Page) IsDirty() bool                    { return p.isDirty }
func (p *Page) Pin()                             { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }
func (p *Page) SetDirty(dirty bool)         { p.isDirty = dirty }
func (p *PageID) GetID() uint64 {
	return uint64(*p)
}
func (p *Page) UpdatedAt(t time.Time)   { p.updatedAt = t }
func (p *Page) GetUpdatedAt() time.Time { return p.updatedAt }

// --- Latch Methods ---

// RLock acquires a read (shared) latch on the page.
func (p *Page) RLock() {
	p.latch.RLock()
}

// RUnlock releases a read (shared) latch on the page.
func (p *Page) RUnlock() {
	p.latch.RUnlock()
}

// Lock acquires a write (exclusive) latch on the page.
func (p *Page) Lock() {
	p.latch.Lock()
}

// TryLock attempts to acquire the write latch without blocking.
func (p *Page) TryLock() bool {
	return p.latch.TryLock()
}

// Unlock releases a write (exclusive) latch on the page.
func (p *Page) Unlock() {
	p.latch.Unlock()
}
