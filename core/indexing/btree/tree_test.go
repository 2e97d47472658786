package btree

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree/nodepage"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
)

const (
	testPageSize   = 512
	testMaxKeySize = 24
	testPoolSize   = 16
)

// --- Test Helpers ---

type testTree struct {
	tree *BTree
	bpm  *memtable.BufferPoolManager
	dm   *flushmanager.DiskManager
}

// openTestTree opens the page file at path through a small buffer pool.
func openTestTree(t *testing.T, path string, create bool, metrics *internaltelemetry.BTreeMetrics) *testTree {
	t.Helper()
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	dm, err := flushmanager.NewDiskManager(path, testPageSize, logger)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(create, testMaxKeySize)
	require.NoError(t, err)

	bpm, err := memtable.NewBufferPoolManager(testPoolSize, dm, logger)
	require.NoError(t, err)

	format, err := nodepage.NewFormat(testPageSize, testMaxKeySize)
	require.NoError(t, err)
	tree, err := Open(bpm, dm, Options{Format: format, Logger: logger, Metrics: metrics})
	require.NoError(t, err)
	return &testTree{tree: tree, bpm: bpm, dm: dm}
}

func (tt *testTree) close(t *testing.T) {
	t.Helper()
	require.NoError(t, tt.tree.Close())
	require.NoError(t, tt.dm.Close())
}

func testKey(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

// insertShuffled inserts keys 0..n-1 in a fixed pseudo-random order with
// value i*10 for key i.
func insertShuffled(t *testing.T, tree *BTree, n int) {
	t.Helper()
	rng := rand.New(rand.NewPCG(7, 11))
	for _, i := range rng.Perm(n) {
		require.NoError(t, tree.Insert(testKey(i), uint64(i*10)), "insert %d", i)
	}
}

func scanKeys(t *testing.T, tree *BTree) [][]byte {
	t.Helper()
	var keys [][]byte
	require.NoError(t, tree.Scan(func(key []byte, _ uint64) bool {
		keys = append(keys, key)
		return true
	}))
	return keys
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// --- Test Cases ---

func TestBTree_OpenCreatesRootLeaf(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)

	root := tt.tree.RootPageID()
	require.NotEqual(t, pagemanager.InvalidPageID, root)
	require.Equal(t, root, tt.dm.RootPageID())

	stats, err := tt.tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{RootPageID: root, Height: 1, LeafNodes: 1}, stats)

	_, found, err := tt.tree.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBTree_InsertGetAcrossSplits(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)

	const n = 2000
	insertShuffled(t, tt.tree, n)

	for i := 0; i < n; i++ {
		value, found, err := tt.tree.Get(testKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, uint64(i*10), value)
	}

	stats, err := tt.tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, n, stats.Keys)
	assert.GreaterOrEqual(t, stats.Height, 3)
	assert.Greater(t, stats.InternalNodes, 1)

	keys := scanKeys(t, tt.tree)
	require.Len(t, keys, n)
	for i, key := range keys {
		require.Equal(t, testKey(i), key)
	}
	assert.Zero(t, tt.bpm.PinnedPages())
}

func TestBTree_WalkRespectsSeparators(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)
	insertShuffled(t, tt.tree, 800)

	// Every key under a child must be <= the separator that routes to it and
	// > the separator before it.
	type bounds struct{ low, high []byte }
	limits := map[pagemanager.PageID]bounds{tt.tree.RootPageID(): {}}
	leafDepth := -1
	err := tt.tree.Walk(func(info NodeInfo) error {
		b := limits[info.PageID]
		for _, key := range info.Keys {
			if b.low != nil && bytes.Compare(key, b.low) <= 0 {
				return fmt.Errorf("page %d key %q not above %q", info.PageID, key, b.low)
			}
			if b.high != nil && bytes.Compare(key, b.high) > 0 {
				return fmt.Errorf("page %d key %q above %q", info.PageID, key, b.high)
			}
		}
		if info.Kind == nodepage.KindLeaf {
			if leafDepth == -1 {
				leafDepth = info.Depth
			}
			if leafDepth != info.Depth {
				return fmt.Errorf("leaf %d at depth %d, want %d", info.PageID, info.Depth, leafDepth)
			}
			return nil
		}
		if len(info.Children) != len(info.Keys)+1 {
			return fmt.Errorf("page %d has %d children for %d separators", info.PageID, len(info.Children), len(info.Keys))
		}
		low := b.low
		for i, child := range info.Children {
			high := b.high
			if i < len(info.Keys) {
				high = info.Keys[i]
			}
			limits[child] = bounds{low: low, high: high}
			low = high
		}
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, tt.bpm.PinnedPages())
}

func TestBTree_InsertOverwritesValue(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)
	insertShuffled(t, tt.tree, 300)

	require.NoError(t, tt.tree.Insert(testKey(42), 7))
	value, found, err := tt.tree.Get(testKey(42))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(7), value)

	stats, err := tt.tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, 300, stats.Keys)
}

func TestBTree_Delete(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)

	const n = 600
	insertShuffled(t, tt.tree, n)

	for i := 0; i < n; i += 2 {
		removed, err := tt.tree.Delete(testKey(i))
		require.NoError(t, err)
		require.True(t, removed, "key %d", i)
	}
	removed, err := tt.tree.Delete(testKey(0))
	require.NoError(t, err)
	assert.False(t, removed)

	for i := 0; i < n; i++ {
		_, found, err := tt.tree.Get(testKey(i))
		require.NoError(t, err)
		assert.Equal(t, i%2 == 1, found, "key %d", i)
	}
	assert.Len(t, scanKeys(t, tt.tree), n/2)

	// Deleted keys can come back.
	require.NoError(t, tt.tree.Insert(testKey(0), 1))
	value, found, err := tt.tree.Get(testKey(0))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(1), value)
	assert.Zero(t, tt.bpm.PinnedPages())
}

func TestBTree_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.db")
	const n = 1200

	tt := openTestTree(t, path, true, nil)
	insertShuffled(t, tt.tree, n)
	before, err := tt.tree.Stats()
	require.NoError(t, err)
	tt.close(t)

	reopened := openTestTree(t, path, false, nil)
	defer reopened.close(t)

	after, err := reopened.tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	for i := 0; i < n; i++ {
		value, found, err := reopened.tree.Get(testKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, uint64(i*10), value)
	}
}

func TestBTree_ScanStopsEarly(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)
	insertShuffled(t, tt.tree, 500)

	var seen []string
	require.NoError(t, tt.tree.Scan(func(key []byte, _ uint64) bool {
		seen = append(seen, string(key))
		return len(seen) < 5
	}))
	assert.Equal(t, []string{"key-000000", "key-000001", "key-000002", "key-000003", "key-000004"}, seen)
	assert.Zero(t, tt.bpm.PinnedPages())
}

func TestBTree_RejectsOversizedKey(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)

	err := tt.tree.Insert(bytes.Repeat([]byte("k"), testMaxKeySize+1), 1)
	require.ErrorIs(t, err, nodepage.ErrKeyTooLarge)
	require.NoError(t, tt.tree.Insert(bytes.Repeat([]byte("k"), testMaxKeySize), 1))
}

func TestBTree_OpenRejectsMismatchedPageSize(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)

	_, err := Open(tt.bpm, tt.dm, Options{Format: nodepage.DefaultFormat()})
	require.ErrorIs(t, err, flushmanager.ErrHeaderMismatch)

	_, err = Open(nil, tt.dm, Options{})
	require.ErrorIs(t, err, flushmanager.ErrTreeNotInitialized)
}

func TestBTree_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { require.NoError(t, provider.Shutdown(context.Background())) }()
	metrics, err := internaltelemetry.NewBTreeMetrics(provider.Meter("btree-test"))
	require.NoError(t, err)

	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, metrics)
	defer tt.close(t)

	const n = 400
	insertShuffled(t, tt.tree, n)
	_, err = tt.tree.Delete(testKey(3))
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	stats, err := tt.tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(n), counterTotal(rm, "gojodb.btree.inserts_total"))
	assert.Equal(t, int64(1), counterTotal(rm, "gojodb.btree.removes_total"))
	// Each split adds one node and so does each new root.
	assert.Equal(t, int64(stats.LeafNodes+stats.InternalNodes-stats.Height), counterTotal(rm, "gojodb.btree.splits_total"))
	assert.Equal(t, counterTotal(rm, "gojodb.btree.splits_total"), counterTotal(rm, "gojodb.btree.node_full_total"))
}

func TestBTree_ConcurrentWritersAndReaders(t *testing.T) {
	tt := openTestTree(t, filepath.Join(t.TempDir(), "tree.db"), true, nil)
	defer tt.close(t)

	const n = 1500
	var wg sync.WaitGroup
	sem := make(chan struct{}, 8)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := tt.tree.Insert(testKey(i), uint64(i*10)); err != nil {
				errs <- err
				return
			}
			value, found, err := tt.tree.Get(testKey(i))
			switch {
			case err != nil:
				errs <- err
			case !found || value != uint64(i*10):
				errs <- fmt.Errorf("key %d: got %d, found %v", i, value, found)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stats, err := tt.tree.Stats()
	require.NoError(t, err)
	assert.Equal(t, n, stats.Keys)
	assert.Zero(t, tt.bpm.PinnedPages())
}

func BenchmarkBTree_Insert(b *testing.B) {
	logger := zap.NewNop()
	dm, err := flushmanager.NewDiskManager(filepath.Join(b.TempDir(), "bench.db"), nodepage.DefaultPageSize, logger)
	require.NoError(b, err)
	_, err = dm.OpenOrCreateFile(true, nodepage.DefaultMaxKeySize)
	require.NoError(b, err)
	defer dm.Close()
	bpm, err := memtable.NewBufferPoolManager(256, dm, logger)
	require.NoError(b, err)
	tree, err := Open(bpm, dm, Options{})
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tree.Insert(testKey(i), uint64(i)); err != nil {
			b.Fatal(err)
		}
	}
}
