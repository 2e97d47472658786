package nodepage

import "errors"

// --- Error Definitions ---

var (
	ErrNodeFull       = errors.New("node is full, split required")
	ErrKeyTooLarge    = errors.New("key exceeds maximum key size")
	ErrDuplicateKey   = errors.New("separator key already exists in internal node")
	ErrWrongNodeKind  = errors.New("page holds a different node kind")
	ErrInvalidFormat  = errors.New("invalid page format")
	ErrCorruptPage    = errors.New("page structure is corrupt")
	ErrBufferTooSmall = errors.New("page buffer length does not match page size")
	ErrSplitTooSmall  = errors.New("node has too few pairs to split")
)
