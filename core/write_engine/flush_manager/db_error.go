package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound         = errors.New("page not found in buffer pool")
	ErrBufferPoolFull       = errors.New("buffer pool is full and no pages can be evicted")
	ErrInvalidPoolSize      = errors.New("buffer pool size must be at least 1")
	ErrSerialization        = errors.New("error during serialization")
	ErrDeserialization      = errors.New("error during deserialization")
	ErrIO                   = errors.New("i/o error")
	ErrInvalidPageData      = errors.New("invalid page data")
	ErrDBFileExists         = errors.New("database file already exists")
	ErrDBFileNotFound       = errors.New("database file not found")
	ErrFileNotOpen          = errors.New("database file is not open")
	ErrHeaderMismatch       = errors.New("database file header does not match configuration")
	ErrTreeNotInitialized   = errors.New("btree not initialized properly (missing disk manager or buffer pool)")
	ErrUnexpectedNodeKind   = errors.New("page holds an unexpected node kind")
	ErrSplitInsertNoRoom    = errors.New("node still has no room after split")
	ErrInvalidFilePathLen   = errors.New("database file path too long")
	ErrPageIDOutOfRange     = errors.New("page id beyond end of database file")
	ErrHeaderPageNotAllowed = errors.New("page 0 holds the file header and cannot be used as a node")
)
