package nodepage

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// Validate checks every structural invariant of the page without panicking.
// It is meant for pages that come from outside the process (disk, network);
// pages only ever mutated through this package are valid by construction.
func (n *node) Validate() error {
	kind := n.Kind()
	if kind != KindLeaf && kind != KindInternal {
		return fmt.Errorf("%w: unknown node kind %s", ErrCorruptPage, kind)
	}
	pageSize := n.opts.format.PageSize
	count := n.NumPairs()
	front := n.FrontmostOffset()
	if front < slotPos(count) || front > pageSize {
		return fmt.Errorf("%w: frontmost offset %d outside [%d, %d]", ErrCorruptPage, front, slotPos(count), pageSize)
	}
	if count == 0 && front != pageSize {
		return fmt.Errorf("%w: empty node with frontmost offset %d", ErrCorruptPage, front)
	}

	type span struct{ start, end int }
	spans := make([]span, 0, count)
	for i := 0; i < count; i++ {
		off := int(binary.LittleEndian.Uint16(n.buf[slotPos(i):]))
		if off < front || off+keyLenSize > pageSize {
			return fmt.Errorf("%w: slot %d offset %d outside record area", ErrCorruptPage, i, off)
		}
		keyLen := int(binary.LittleEndian.Uint16(n.buf[off:]))
		if keyLen > n.opts.format.MaxKeySize {
			return fmt.Errorf("%w: slot %d key length %d exceeds %d", ErrCorruptPage, i, keyLen, n.opts.format.MaxKeySize)
		}
		end := off + recordSize(keyLen)
		if end > pageSize {
			return fmt.Errorf("%w: slot %d record overruns page", ErrCorruptPage, i)
		}
		spans = append(spans, span{off, end})
	}

	// Records must tile [front, pageSize) exactly.
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	next := front
	for _, s := range spans {
		if s.start != next {
			return fmt.Errorf("%w: record area not contiguous at offset %d", ErrCorruptPage, next)
		}
		next = s.end
	}
	if next != pageSize {
		return fmt.Errorf("%w: record area ends at %d, want %d", ErrCorruptPage, next, pageSize)
	}

	ordered := count
	if kind == KindInternal && count > 0 {
		ordered = count - 1
		if len(n.recordKey(n.slot(count-1))) != 0 {
			return fmt.Errorf("%w: internal node missing trailing sentinel", ErrCorruptPage)
		}
	}
	for i := 1; i < ordered; i++ {
		if n.opts.compare(n.recordKey(n.slot(i-1)), n.recordKey(n.slot(i))) >= 0 {
			return fmt.Errorf("%w: keys at slots %d and %d out of order", ErrCorruptPage, i-1, i)
		}
	}
	return nil
}
