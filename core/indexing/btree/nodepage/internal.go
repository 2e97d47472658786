package nodepage

import (
	"fmt"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// Internal is a view of a page holding sorted separator/child records.
//
// The last slot of a non-empty internal node is always the sentinel: a record
// with an empty key that orders after every separator and carries the
// rightmost child. A node with k separators therefore routes to k+1 children,
// and separator i covers keys in (separator i-1, separator i].
type Internal struct {
	node
}

// InitInternal formats buf as an empty internal node.
func InitInternal(buf []byte, opts ...Option) (*Internal, error) {
	n, err := newNode(buf, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	n.init(KindInternal)
	return &Internal{node: *n}, nil
}

// LoadInternal wraps a page that already holds an internal node and validates it.
func LoadInternal(buf []byte, opts ...Option) (*Internal, error) {
	n, err := newNode(buf, collectOptions(opts))
	if err != nil {
		return nil, err
	}
	if n.Kind() != KindInternal {
		return nil, fmt.Errorf("%w: expected internal, found %s", ErrWrongNodeKind, n.Kind())
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &Internal{node: *n}, nil
}

// separatorIndex is the lower bound over the separators only; the sentinel
// slot is the answer when every separator is smaller than key.
func (in *Internal) separatorIndex(key []byte) int {
	return in.findOffsetIndex(key, in.NumPairs()-1)
}

// IsFull reports whether the node lacks room for one more separator. An
// empty node also reserves room for the sentinel it will create.
func (in *Internal) IsFull() bool {
	extra := in.opts.format.MaxRecordSize()
	if in.NumPairs() == 0 {
		return !in.fits(2, extra+recordSize(0))
	}
	return !in.fits(1, extra)
}

// Insert adds separator key between the child pointers left and right: keys
// up to and including key route to left, larger keys that used to route to
// the same child now route to right. On an empty node the sentinel is created
// first with right as the rightmost child.
func (in *Internal) Insert(key []byte, left, right pagemanager.PageID) error {
	if err := in.checkKey(key); err != nil {
		return err
	}
	if count := in.NumPairs(); count > 0 {
		if index := in.separatorIndex(key); index < count-1 && in.keyEqualAt(index, key) {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
	}
	if in.IsFull() {
		return ErrNodeFull
	}
	if in.NumPairs() == 0 {
		off := in.insertRecord(nil, uint64(right))
		in.insertOffsetSlot(off, 0)
	}
	index := in.separatorIndex(key)
	off := in.insertRecord(key, uint64(left))
	in.insertOffsetSlot(off, index)
	in.setRecordPayload(in.slot(index+1), uint64(right))
	return nil
}

// Lookup returns the child that covers key. Equal keys take the child stored
// with the separator. An empty node returns InvalidPageID.
func (in *Internal) Lookup(key []byte) pagemanager.PageID {
	if in.NumPairs() == 0 {
		return pagemanager.InvalidPageID
	}
	return pagemanager.PageID(in.recordPayload(in.slot(in.separatorIndex(key))))
}

// Remove deletes separator key together with the child stored beside it; the
// range it covered falls to the next child. The sentinel is never removed.
func (in *Internal) Remove(key []byte) bool {
	count := in.NumPairs()
	if count < 2 {
		return false
	}
	index := in.separatorIndex(key)
	if index == count-1 || !in.keyEqualAt(index, key) {
		return false
	}
	in.ensureSentinel()
	in.deleteRecord(in.slot(index))
	in.deleteOffsetSlot(index)
	return true
}

// ChildAt returns the child pointer in slot index.
func (in *Internal) ChildAt(index int) pagemanager.PageID {
	return pagemanager.PageID(in.recordPayload(in.slot(index)))
}

// Children lists every child pointer in routing order, sentinel last.
func (in *Internal) Children() []pagemanager.PageID {
	count := in.NumPairs()
	children := make([]pagemanager.PageID, 0, count)
	for i := 0; i < count; i++ {
		children = append(children, in.ChildAt(i))
	}
	return children
}

// ForEach visits separators in order, then the sentinel with a nil key,
// until fn returns false.
func (in *Internal) ForEach(fn func(key []byte, child pagemanager.PageID) bool) {
	count := in.NumPairs()
	for i := 0; i < count; i++ {
		off := in.slot(i)
		var key []byte
		if i < count-1 {
			key = in.recordKey(off)
		}
		if !fn(key, pagemanager.PageID(in.recordPayload(off))) {
			return
		}
	}
}

// Split moves the upper half of the slots, the old sentinel included, into
// newBuf and returns the new node with the median key. The last slot left in
// in becomes its sentinel; the separator it carried is the median, so the
// parent keeps routing keys equal to the median to the left node.
func (in *Internal) Split(newBuf []byte) (*Internal, []byte, error) {
	count := in.NumPairs()
	if count < 2 {
		return nil, nil, fmt.Errorf("%w: internal node has %d pairs", ErrSplitTooSmall, count)
	}
	right, err := InitInternal(newBuf, in.withOptions()...)
	if err != nil {
		return nil, nil, err
	}
	boundary := in.splitBoundary()
	in.moveUpperHalf(&right.node, boundary)
	median := in.makeLastPairSpecial()

	in.opts.logger.Debug("split internal node",
		zap.Int("pairs", count),
		zap.Int("boundary", boundary),
		zap.Int("left_used", in.UsedBytes()),
		zap.Int("right_used", right.UsedBytes()),
	)
	return right, median, nil
}

// ensureSentinel re-derives the sentinel only when the last slot does not
// already hold one.
func (in *Internal) ensureSentinel() {
	if len(in.recordKey(in.slot(in.NumPairs()-1))) != 0 {
		in.makeLastPairSpecial()
	}
}

// makeLastPairSpecial rewrites the last slot as a sentinel carrying the same
// child and returns a copy of the key it replaced.
func (in *Internal) makeLastPairSpecial() []byte {
	last := in.NumPairs() - 1
	off := in.slot(last)
	key := in.KeyAt(last)
	child := in.recordPayload(off)
	in.deleteRecord(off)
	in.setSlot(last, in.insertRecord(nil, child))

	in.opts.logger.Debug("rewrote last pair as sentinel",
		zap.Int("slot", last),
		zap.Uint64("child", child),
	)
	return key
}
