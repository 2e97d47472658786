package flushmanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// --- DiskManager ---

const (
	DBMagic           uint32 = 0x6010DB01 // GoJoDB01: slotted node pages
	DBVersion         uint32 = 1
	MaxFilenameLength        = 255
	FileHeaderPageID         = pagemanager.InvalidPageID

	dbFileHeaderSize = 64
)

// DBFileHeader is stored at the start of page 0. All fields have fixed sizes
// so binary.Read/Write produce the same bytes on every platform.
type DBFileHeader struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	MaxKeySize uint32
	RootPageID pagemanager.PageID
	_          [dbFileHeaderSize - (4*4 + 8)]byte
}

// DiskManager is responsible for direct I/O with the page file. Page N lives
// at byte offset N*pageSize; page 0 holds the file header.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64 // file size / page size
	header   DBFileHeader
	logger   *zap.Logger
	mu       sync.Mutex
}

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if len(filePath) > MaxFilenameLength {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFilePathLen, filePath)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}, nil
}

// OpenOrCreateFile opens an existing page file or creates a new one.
// With create=true an existing file is an error, with create=false a missing
// file is an error.
func (dm *DiskManager) OpenOrCreateFile(create bool, maxKeySize int) (*DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	_, statErr := os.Stat(dm.filePath)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		dm.header = DBFileHeader{
			Magic:      DBMagic,
			Version:    DBVersion,
			PageSize:   uint32(dm.pageSize),
			MaxKeySize: uint32(maxKeySize),
			RootPageID: pagemanager.InvalidPageID, // set once the tree creates its root
		}
		if err := dm.writeHeader(); err != nil {
			_ = file.Close()
			_ = os.Remove(dm.filePath)
			dm.file = nil
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		// Page 0 is the header; node pages start at 1.
		dm.numPages = 1
		dm.logger.Info("Created database file", zap.String("path", dm.filePath), zap.Int("page_size", dm.pageSize))

	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		if err := dm.readHeader(); err != nil {
			dm.closeLocked()
			return nil, fmt.Errorf("failed to read database header: %w", err)
		}
		if dm.header.Magic != DBMagic {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: magic 0x%x, want 0x%x", ErrHeaderMismatch, dm.header.Magic, DBMagic)
		}
		if dm.header.PageSize != uint32(dm.pageSize) || dm.header.MaxKeySize != uint32(maxKeySize) {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: file has page size %d / max key %d, configured %d / %d",
				ErrHeaderMismatch, dm.header.PageSize, dm.header.MaxKeySize, dm.pageSize, maxKeySize)
		}
		fi, err := dm.file.Stat()
		if err != nil {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
		}
		dm.numPages = uint64(fi.Size()) / uint64(dm.pageSize)
		dm.logger.Info("Opened database file",
			zap.String("path", dm.filePath),
			zap.Uint64("num_pages", dm.numPages),
			zap.Uint64("root_page_id", uint64(dm.header.RootPageID)))

	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	header := dm.header
	return &header, nil
}

// writeHeader serializes the header into a full page-0 image and writes it.
// Must be called with dm.mu held.
func (dm *DiskManager) writeHeader() error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, &dm.header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	if buf.Len() > dm.pageSize {
		return fmt.Errorf("%w: header of %d bytes exceeds page size %d", ErrSerialization, buf.Len(), dm.pageSize)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())
	if _, err := dm.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	return dm.file.Sync()
}

// readHeader loads the header from page 0. Must be called with dm.mu held.
func (dm *DiskManager) readHeader() error {
	data := make([]byte, dbFileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil {
		if errors.Is(err, io.EOF) && n < dbFileHeaderSize {
			return fmt.Errorf("%w: database file too small for header", ErrInvalidPageData)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &dm.header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return nil
}

// Header returns a copy of the current file header.
func (dm *DiskManager) Header() DBFileHeader {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.header
}

// UpdateHeader applies updateFunc to the header and persists it.
func (dm *DiskManager) UpdateHeader(updateFunc func(header *DBFileHeader)) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	updated := dm.header
	updateFunc(&updated)
	previous := dm.header
	dm.header = updated
	if err := dm.writeHeader(); err != nil {
		dm.header = previous
		return err
	}
	return nil
}

// RootPageID implements the tree's root store.
func (dm *DiskManager) RootPageID() pagemanager.PageID {
	return dm.Header().RootPageID
}

// SetRootPageID persists a new root page id.
func (dm *DiskManager) SetRootPageID(id pagemanager.PageID) error {
	return dm.UpdateHeader(func(header *DBFileHeader) { header.RootPageID = id })
}

func (dm *DiskManager) checkPageIO(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: buffer size %d != page size %d", ErrInvalidPageData, len(pageData), dm.pageSize)
	}
	if pageID == FileHeaderPageID {
		return ErrHeaderPageNotAllowed
	}
	if uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d, file has %d pages", ErrPageIDOutOfRange, pageID, dm.numPages)
	}
	return nil
}

// ReadPage reads a page's data from disk into pageData.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPageIO(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, bytesRead)
	}
	return nil
}

// WritePage writes pageData at pageID's location. It does not fsync; Sync
// and Close do.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.checkPageIO(pageID, pageData); err != nil {
		return err
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its id.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrFileNotOpen
	}
	// TODO: reuse pages from a free list once node merging can release pages.
	newPageID := pagemanager.PageID(dm.numPages)
	offset := int64(newPageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extending file for new page %d: %v", ErrIO, newPageID, err)
	}
	dm.numPages++
	return newPageID, nil
}

// NumPages is the number of pages in the file, header page included.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

func (dm *DiskManager) GetPageSize() int {
	return dm.pageSize
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeLocked()
}

func (dm *DiskManager) closeLocked() error {
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("Error syncing file on close", zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	return err
}
