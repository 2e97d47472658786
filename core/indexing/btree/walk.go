package btree

import (
	"fmt"
	"slices"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree/nodepage"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
)

// NodeInfo describes one node as seen by Walk.
type NodeInfo struct {
	PageID    pagemanager.PageID
	Kind      nodepage.Kind
	Depth     int
	NumPairs  int
	UsedBytes int
	FreeSpace int
	// Keys holds leaf keys, or the separators of an internal node without
	// its sentinel.
	Keys     [][]byte
	Children []pagemanager.PageID
}

// Stats summarizes the shape of the tree.
type Stats struct {
	RootPageID    pagemanager.PageID
	Height        int
	LeafNodes     int
	InternalNodes int
	Keys          int
}

// Walk visits every node in depth-first order, parents before children and
// children in routing order. Returning an error from fn stops the walk.
func (t *BTree) Walk(fn func(info NodeInfo) error) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.walk(t.rootID, 0, fn)
}

func (t *BTree) walk(id pagemanager.PageID, depth int, fn func(info NodeInfo) error) error {
	info, err := t.describe(id, depth)
	if err != nil {
		return err
	}
	if err := fn(info); err != nil {
		return err
	}
	for _, child := range info.Children {
		if err := t.walk(child, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *BTree) describe(id pagemanager.PageID, depth int) (NodeInfo, error) {
	info := NodeInfo{PageID: id, Depth: depth}
	err := t.withPage(id, false, func(buf []byte) (bool, error) {
		info.Kind = nodepage.Kind(buf[0])
		switch info.Kind {
		case nodepage.KindLeaf:
			leaf, err := nodepage.LoadLeaf(buf, t.nodeOpts...)
			if err != nil {
				return false, err
			}
			info.NumPairs, info.UsedBytes, info.FreeSpace = leaf.NumPairs(), leaf.UsedBytes(), leaf.FreeSpace()
			leaf.ForEach(func(key []byte, _ uint64) bool {
				info.Keys = append(info.Keys, slices.Clone(key))
				return true
			})
		case nodepage.KindInternal:
			in, err := nodepage.LoadInternal(buf, t.nodeOpts...)
			if err != nil {
				return false, err
			}
			info.NumPairs, info.UsedBytes, info.FreeSpace = in.NumPairs(), in.UsedBytes(), in.FreeSpace()
			info.Children = in.Children()
			in.ForEach(func(key []byte, _ pagemanager.PageID) bool {
				if key != nil {
					info.Keys = append(info.Keys, slices.Clone(key))
				}
				return true
			})
		default:
			return false, fmt.Errorf("%w: page %d has kind %s", flushmanager.ErrUnexpectedNodeKind, id, info.Kind)
		}
		return false, nil
	})
	return info, err
}

// Stats walks the whole tree and counts its nodes and keys.
func (t *BTree) Stats() (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stats := Stats{RootPageID: t.rootID}
	err := t.walk(t.rootID, 0, func(info NodeInfo) error {
		if info.Depth+1 > stats.Height {
			stats.Height = info.Depth + 1
		}
		if info.Kind == nodepage.KindLeaf {
			stats.LeafNodes++
			stats.Keys += info.NumPairs
		} else {
			stats.InternalNodes++
		}
		return nil
	})
	return stats, err
}

// Scan calls fn for every key in ascending order until fn returns false.
func (t *BTree) Scan(fn func(key []byte, value uint64) bool) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, err := t.scan(t.rootID, fn)
	return err
}

func (t *BTree) scan(id pagemanager.PageID, fn func(key []byte, value uint64) bool) (bool, error) {
	var (
		children []pagemanager.PageID
		keys     [][]byte
		values   []uint64
	)
	err := t.withPage(id, false, func(buf []byte) (bool, error) {
		switch kind := nodepage.Kind(buf[0]); kind {
		case nodepage.KindLeaf:
			leaf, err := nodepage.LoadLeaf(buf, t.nodeOpts...)
			if err != nil {
				return false, err
			}
			leaf.ForEach(func(key []byte, value uint64) bool {
				keys = append(keys, slices.Clone(key))
				values = append(values, value)
				return true
			})
		case nodepage.KindInternal:
			in, err := nodepage.LoadInternal(buf, t.nodeOpts...)
			if err != nil {
				return false, err
			}
			children = in.Children()
		default:
			return false, fmt.Errorf("%w: page %d has kind %s", flushmanager.ErrUnexpectedNodeKind, id, kind)
		}
		return false, nil
	})
	if err != nil {
		return false, err
	}
	// Callbacks run with the latch released.
	for i, key := range keys {
		if !fn(key, values[i]) {
			return false, nil
		}
	}
	for _, child := range children {
		more, err := t.scan(child, fn)
		if err != nil || !more {
			return more, err
		}
	}
	return true, nil
}
