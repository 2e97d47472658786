// Package nodepage implements the on-page layout of B-tree nodes.
//
// A node page is a fixed-size byte buffer. A small header is followed by an
// offset array of uint16 slots kept in ascending key order, and records are
// packed backwards from the end of the page:
//
//	+--------+-----------------------+ ... free ... +---------------------+
//	| header | offset[0..n_pairs)    |              | records (packed)    |
//	+--------+-----------------------+--------------+---------------------+
//	0        8                                      frontmost      PageSize
//
// Every record is {key_len:u16, key_bytes, payload:u64}. Leaf records carry
// an opaque value, internal records carry a child page id. All integers are
// little endian.
//
// The package performs no locking. Each call is a synchronous, in-place
// transformation of one page and assumes the caller holds the page exclusively.
package nodepage

import (
	"fmt"
)

const (
	DefaultPageSize   = 4096
	DefaultMaxKeySize = 64

	MinPageSize = 256
	// Offsets are stored as uint16, so PageSize itself must stay representable.
	MaxPageSize = 32768

	HeaderSize  = 8
	SlotSize    = 2
	PayloadSize = 8

	keyLenSize = 2
)

// Header field offsets.
const (
	kindOffset      = 0
	flagsOffset     = 1
	numPairsOffset  = 2
	frontmostOffset = 4
)

// Kind is the node-kind tag stored in byte 0 of every node page.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindLeaf
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("invalid(%d)", uint8(k))
	}
}

// Format fixes the page geometry. Two processes sharing persisted pages must
// agree on both fields.
type Format struct {
	PageSize   int
	MaxKeySize int
}

// DefaultFormat returns the 4 KiB / 64-byte-key geometry.
func DefaultFormat() Format {
	return Format{PageSize: DefaultPageSize, MaxKeySize: DefaultMaxKeySize}
}

// NewFormat builds and validates a Format.
func NewFormat(pageSize, maxKeySize int) (Format, error) {
	f := Format{PageSize: pageSize, MaxKeySize: maxKeySize}
	if err := f.Validate(); err != nil {
		return Format{}, err
	}
	return f, nil
}

// Validate checks the geometry. A page must be able to hold eight max-sized
// records with their slots so that either half of a split still has room for
// the insert that caused it.
func (f Format) Validate() error {
	if f.PageSize < MinPageSize || f.PageSize > MaxPageSize {
		return fmt.Errorf("%w: page size %d outside [%d, %d]", ErrInvalidFormat, f.PageSize, MinPageSize, MaxPageSize)
	}
	if f.MaxKeySize < 1 {
		return fmt.Errorf("%w: max key size %d must be positive", ErrInvalidFormat, f.MaxKeySize)
	}
	if HeaderSize+8*(f.MaxRecordSize()+SlotSize) > f.PageSize {
		return fmt.Errorf("%w: max key size %d too large for page size %d", ErrInvalidFormat, f.MaxKeySize, f.PageSize)
	}
	return nil
}

// MaxRecordSize is the size of a record holding a MaxKeySize key.
func (f Format) MaxRecordSize() int {
	return recordSize(f.MaxKeySize)
}

func recordSize(keyLen int) int {
	return keyLenSize + keyLen + PayloadSize
}
