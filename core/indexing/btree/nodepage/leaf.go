package nodepage

import (
	"fmt"

	"go.uber.org/zap"
)

// Leaf is a view of a page holding sorted key/value records.
type Leaf struct {
	node
}

// InitLeaf formats buf as an empty leaf.
func InitLeaf(buf []byte, opts ...Option) (*Leaf, error) {
	n, err := newNode(buf, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	n.init(KindLeaf)
	return &Leaf{node: *n}, nil
}

// LoadLeaf wraps a page that already holds a leaf and validates it.
func LoadLeaf(buf []byte, opts ...Option) (*Leaf, error) {
	n, err := newNode(buf, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	if n.Kind() != KindLeaf {
		return nil, fmt.Errorf("%w: expected leaf, found %s", ErrWrongNodeKind, n.Kind())
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &Leaf{node: *n}, nil
}

// IsFull reports whether the leaf lacks room for one more slot plus a
// max-sized record. The check does not depend on the actual key length.
func (l *Leaf) IsFull() bool {
	return !l.fits(1, l.opts.format.MaxRecordSize())
}

// Insert stores value under key. An existing key has its value overwritten
// in place. Returns ErrNodeFull when the caller must split first.
func (l *Leaf) Insert(key []byte, value uint64) error {
	if err := l.checkKey(key); err != nil {
		return err
	}
	if l.IsFull() {
		return ErrNodeFull
	}
	count := l.NumPairs()
	index := l.findOffsetIndex(key, count)
	if index < count && l.keyEqualAt(index, key) {
		l.setRecordPayload(l.slot(index), value)
		return nil
	}
	off := l.insertRecord(key, value)
	l.insertOffsetSlot(off, index)
	return nil
}

// Lookup returns the value stored under key.
func (l *Leaf) Lookup(key []byte) (uint64, bool) {
	count := l.NumPairs()
	index := l.findOffsetIndex(key, count)
	if index == count || !l.keyEqualAt(index, key) {
		return 0, false
	}
	return l.recordPayload(l.slot(index)), true
}

// Remove deletes key and compacts the record area. It reports whether the
// key was present.
func (l *Leaf) Remove(key []byte) bool {
	count := l.NumPairs()
	index := l.findOffsetIndex(key, count)
	if index == count || !l.keyEqualAt(index, key) {
		return false
	}
	l.deleteRecord(l.slot(index))
	l.deleteOffsetSlot(index)
	return true
}

// ValueAt returns the value in slot index.
func (l *Leaf) ValueAt(index int) uint64 {
	return l.recordPayload(l.slot(index))
}

// ForEach visits the records in key order until fn returns false. The key
// aliases the page.
func (l *Leaf) ForEach(fn func(key []byte, value uint64) bool) {
	for i, count := 0, l.NumPairs(); i < count; i++ {
		off := l.slot(i)
		if !fn(l.recordKey(off), l.recordPayload(off)) {
			return
		}
	}
}

// Split moves the upper half of the records into newBuf, which is formatted
// as a fresh leaf, and returns it with the median key. The median is the last
// key left in l, so a separator equal to it routes to the left node.
func (l *Leaf) Split(newBuf []byte) (*Leaf, []byte, error) {
	count := l.NumPairs()
	if count < 2 {
		return nil, nil, fmt.Errorf("%w: leaf has %d pairs", ErrSplitTooSmall, count)
	}
	right, err := InitLeaf(newBuf, l.withOptions()...)
	if err != nil {
		return nil, nil, err
	}
	boundary := l.splitBoundary()
	l.moveUpperHalf(&right.node, boundary)
	median := l.KeyAt(boundary - 1)

	l.opts.logger.Debug("split leaf node",
		zap.Int("pairs", count),
		zap.Int("boundary", boundary),
		zap.Int("left_used", l.UsedBytes()),
		zap.Int("right_used", right.UsedBytes()),
	)
	return right, median, nil
}
