package btree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree/nodepage"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
)

// PagePool hands out pinned page frames. The pool must hold at least two
// frames: a split pins the full node and its new sibling at the same time.
type PagePool interface {
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	NewPage() (*pagemanager.Page, pagemanager.PageID, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	FlushAllPages() error
	GetPageSize() int
}

// RootStore persists the id of the root page.
type RootStore interface {
	RootPageID() pagemanager.PageID
	SetRootPageID(id pagemanager.PageID) error
}

// Options configures a BTree. Zero values select the defaults.
type Options struct {
	Format     nodepage.Format
	KeyCompare nodepage.KeyCompare
	Logger     *zap.Logger
	Metrics    *internaltelemetry.BTreeMetrics
}

// BTree routes keys through internal node pages down to leaf pages. Deletes
// never merge nodes, so under-full nodes are a normal state.
type BTree struct {
	pool     PagePool
	roots    RootStore
	rootID   pagemanager.PageID
	format   nodepage.Format
	compare  nodepage.KeyCompare
	nodeOpts []nodepage.Option
	logger   *zap.Logger
	metrics  *internaltelemetry.BTreeMetrics

	// mu serializes writers against readers; page latches guard the bytes.
	mu sync.RWMutex
}

// pendingSplit is a separator that still has to be inserted one level up.
type pendingSplit struct {
	median      []byte
	left, right pagemanager.PageID
}

// Open attaches a tree to the pool. A store without a root gets a fresh
// empty leaf as its root.
func Open(pool PagePool, roots RootStore, opts Options) (*BTree, error) {
	if pool == nil || roots == nil {
		return nil, flushmanager.ErrTreeNotInitialized
	}
	if opts.Format == (nodepage.Format{}) {
		opts.Format = nodepage.DefaultFormat()
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, err
	}
	if pool.GetPageSize() != opts.Format.PageSize {
		return nil, fmt.Errorf("%w: pool page size %d, node format page size %d",
			flushmanager.ErrHeaderMismatch, pool.GetPageSize(), opts.Format.PageSize)
	}
	if opts.KeyCompare == nil {
		opts.KeyCompare = bytes.Compare
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("btree")

	t := &BTree{
		pool:    pool,
		roots:   roots,
		format:  opts.Format,
		compare: opts.KeyCompare,
		nodeOpts: []nodepage.Option{
			nodepage.WithFormat(opts.Format),
			nodepage.WithKeyCompare(opts.KeyCompare),
			nodepage.WithLogger(logger.Named("nodepage")),
		},
		logger:  logger,
		metrics: opts.Metrics,
	}

	t.rootID = roots.RootPageID()
	if t.rootID == pagemanager.InvalidPageID {
		rootID, err := t.withNewPage(func(buf []byte) error {
			_, err := nodepage.InitLeaf(buf, t.nodeOpts...)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create root leaf: %w", err)
		}
		if err := roots.SetRootPageID(rootID); err != nil {
			return nil, fmt.Errorf("failed to persist root page id: %w", err)
		}
		t.rootID = rootID
		logger.Info("Created empty tree", zap.Uint64("root_page_id", uint64(rootID)))
		return t, nil
	}

	kind, err := t.peekKind(t.rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to read root page %d: %w", t.rootID, err)
	}
	logger.Info("Opened existing tree", zap.Uint64("root_page_id", uint64(t.rootID)), zap.Stringer("root_kind", kind))
	return t, nil
}

// RootPageID returns the current root page.
func (t *BTree) RootPageID() pagemanager.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// Insert stores value under key, overwriting any previous value. Full nodes
// are split on the way back up, growing a new root when the old one splits.
func (t *BTree) Insert(key []byte, value uint64) error {
	ctx := context.Background()
	start := time.Now()
	if len(key) > t.format.MaxKeySize {
		return fmt.Errorf("%w: %d bytes, max %d", nodepage.ErrKeyTooLarge, len(key), t.format.MaxKeySize)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findLeaf(key)
	if err != nil {
		return err
	}
	leafID := path[len(path)-1]

	var split *pendingSplit
	err = t.withPage(leafID, true, func(buf []byte) (bool, error) {
		leaf, err := nodepage.LoadLeaf(buf, t.nodeOpts...)
		if err != nil {
			return false, err
		}
		err = leaf.Insert(key, value)
		if !errors.Is(err, nodepage.ErrNodeFull) {
			return err == nil, err
		}

		t.metrics.RecordNodeFull(ctx)
		var median []byte
		rightID, err := t.withNewPage(func(newBuf []byte) error {
			right, m, err := leaf.Split(newBuf)
			if err != nil {
				return err
			}
			median = m
			target := leaf
			if t.compare(key, median) > 0 {
				target = right
			}
			if err := target.Insert(key, value); err != nil {
				return fmt.Errorf("%w: %v", flushmanager.ErrSplitInsertNoRoom, err)
			}
			return nil
		})
		if err != nil {
			return true, err
		}
		split = &pendingSplit{median: median, left: leafID, right: rightID}
		return true, nil
	})
	if err != nil {
		return err
	}

	if split != nil {
		t.metrics.RecordSplit(ctx, nodepage.KindLeaf.String())
		t.logger.Debug("Split leaf",
			zap.Uint64("left_page_id", uint64(split.left)),
			zap.Uint64("right_page_id", uint64(split.right)),
			zap.Binary("median", split.median))
		if err := t.insertIntoParent(ctx, path[:len(path)-1], split); err != nil {
			return err
		}
	}
	t.metrics.RecordOp(ctx, "insert", start)
	return nil
}

// insertIntoParent adds the separator of a finished split to the last node
// on path, splitting that node in turn when it is full.
func (t *BTree) insertIntoParent(ctx context.Context, path []pagemanager.PageID, split *pendingSplit) error {
	if len(path) == 0 {
		return t.growRoot(split)
	}
	parentID := path[len(path)-1]

	var next *pendingSplit
	err := t.withPage(parentID, true, func(buf []byte) (bool, error) {
		in, err := nodepage.LoadInternal(buf, t.nodeOpts...)
		if err != nil {
			return false, err
		}
		err = in.Insert(split.median, split.left, split.right)
		if !errors.Is(err, nodepage.ErrNodeFull) {
			return err == nil, err
		}

		t.metrics.RecordNodeFull(ctx)
		var median []byte
		rightID, err := t.withNewPage(func(newBuf []byte) error {
			right, m, err := in.Split(newBuf)
			if err != nil {
				return err
			}
			median = m
			target := in
			if t.compare(split.median, median) > 0 {
				target = right
			}
			if err := target.Insert(split.median, split.left, split.right); err != nil {
				return fmt.Errorf("%w: %v", flushmanager.ErrSplitInsertNoRoom, err)
			}
			return nil
		})
		if err != nil {
			return true, err
		}
		next = &pendingSplit{median: median, left: parentID, right: rightID}
		return true, nil
	})
	if err != nil || next == nil {
		return err
	}

	t.metrics.RecordSplit(ctx, nodepage.KindInternal.String())
	t.logger.Debug("Split internal node",
		zap.Uint64("left_page_id", uint64(next.left)),
		zap.Uint64("right_page_id", uint64(next.right)))
	return t.insertIntoParent(ctx, path[:len(path)-1], next)
}

// growRoot installs a new internal root above a root that just split.
func (t *BTree) growRoot(split *pendingSplit) error {
	rootID, err := t.withNewPage(func(buf []byte) error {
		root, err := nodepage.InitInternal(buf, t.nodeOpts...)
		if err != nil {
			return err
		}
		return root.Insert(split.median, split.left, split.right)
	})
	if err != nil {
		return fmt.Errorf("failed to create new root: %w", err)
	}
	if err := t.roots.SetRootPageID(rootID); err != nil {
		return fmt.Errorf("failed to persist new root page id: %w", err)
	}
	t.logger.Info("Tree grew a new root",
		zap.Uint64("old_root_page_id", uint64(t.rootID)),
		zap.Uint64("new_root_page_id", uint64(rootID)))
	t.rootID = rootID
	return nil
}

// Get returns the value stored under key.
func (t *BTree) Get(key []byte) (uint64, bool, error) {
	ctx := context.Background()
	start := time.Now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	path, err := t.findLeaf(key)
	if err != nil {
		return 0, false, err
	}
	var (
		value uint64
		found bool
	)
	err = t.withPage(path[len(path)-1], false, func(buf []byte) (bool, error) {
		leaf, err := nodepage.LoadLeaf(buf, t.nodeOpts...)
		if err != nil {
			return false, err
		}
		value, found = leaf.Lookup(key)
		return false, nil
	})
	if err != nil {
		return 0, false, err
	}
	t.metrics.RecordOp(ctx, "get", start)
	return value, found, nil
}

// Delete removes key from its leaf. It reports whether the key was present.
func (t *BTree) Delete(key []byte) (bool, error) {
	ctx := context.Background()
	start := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findLeaf(key)
	if err != nil {
		return false, err
	}
	var removed bool
	err = t.withPage(path[len(path)-1], true, func(buf []byte) (bool, error) {
		leaf, err := nodepage.LoadLeaf(buf, t.nodeOpts...)
		if err != nil {
			return false, err
		}
		removed = leaf.Remove(key)
		return removed, nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		t.metrics.RecordOp(ctx, "delete", start)
	}
	return removed, nil
}

// Flush writes every dirty page back to disk.
func (t *BTree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.FlushAllPages()
}

// Close flushes the tree. The pool and the file stay open.
func (t *BTree) Close() error {
	if err := t.Flush(); err != nil {
		return err
	}
	t.logger.Info("Closed tree", zap.Uint64("root_page_id", uint64(t.RootPageID())))
	return nil
}

// findLeaf descends from the root and returns the ids of every node visited,
// ending with the leaf that covers key.
func (t *BTree) findLeaf(key []byte) ([]pagemanager.PageID, error) {
	path := make([]pagemanager.PageID, 0, 4)
	id := t.rootID
	for {
		path = append(path, id)
		var (
			child  pagemanager.PageID
			isLeaf bool
		)
		err := t.withPage(id, false, func(buf []byte) (bool, error) {
			switch kind := nodepage.Kind(buf[0]); kind {
			case nodepage.KindLeaf:
				isLeaf = true
				return false, nil
			case nodepage.KindInternal:
				in, err := nodepage.LoadInternal(buf, t.nodeOpts...)
				if err != nil {
					return false, err
				}
				child = in.Lookup(key)
				return false, nil
			default:
				return false, fmt.Errorf("%w: page %d has kind %s", flushmanager.ErrUnexpectedNodeKind, id, kind)
			}
		})
		if err != nil {
			return nil, err
		}
		if isLeaf {
			return path, nil
		}
		if child == pagemanager.InvalidPageID || slices.Contains(path, child) {
			return nil, fmt.Errorf("%w: page %d routes to invalid child %d", nodepage.ErrCorruptPage, id, child)
		}
		id = child
	}
}

func (t *BTree) peekKind(id pagemanager.PageID) (nodepage.Kind, error) {
	var kind nodepage.Kind
	err := t.withPage(id, false, func(buf []byte) (bool, error) {
		kind = nodepage.Kind(buf[0])
		if kind != nodepage.KindLeaf && kind != nodepage.KindInternal {
			return false, fmt.Errorf("%w: page %d has kind %s", flushmanager.ErrUnexpectedNodeKind, id, kind)
		}
		return false, nil
	})
	return kind, err
}

// withPage pins and latches a page around fn. fn reports whether it
// modified the page so the pool knows to write it back.
func (t *BTree) withPage(id pagemanager.PageID, write bool, fn func(buf []byte) (bool, error)) error {
	page, err := t.pool.FetchPage(id)
	if err != nil {
		return err
	}
	if write {
		page.Lock()
	} else {
		page.RLock()
	}
	dirty, err := fn(page.GetData())
	if write {
		page.Unlock()
	} else {
		page.RUnlock()
	}
	if unpinErr := t.pool.UnpinPage(id, dirty); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return err
}

// withNewPage allocates a page, lets fn format it, and releases it dirty.
func (t *BTree) withNewPage(fn func(buf []byte) error) (pagemanager.PageID, error) {
	page, id, err := t.pool.NewPage()
	if err != nil {
		return pagemanager.InvalidPageID, err
	}
	page.Lock()
	err = fn(page.GetData())
	page.Unlock()
	if unpinErr := t.pool.UnpinPage(id, true); unpinErr != nil && err == nil {
		err = unpinErr
	}
	return id, err
}
