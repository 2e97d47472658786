package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	"github.com/sushant-115/gojodb-pagestore/internal/config"
)

// --- Test Helpers ---

func newTestSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataFile = filepath.Join(t.TempDir(), "pagetool.db")
	cfg.Storage.PageSize = 512
	cfg.Storage.MaxKeySize = 24
	cfg.Storage.BufferPoolSize = 8
	require.NoError(t, cfg.Validate())
	format, err := cfg.Format()
	require.NoError(t, err)

	dm, err := openPageFile(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	bpm, err := memtable.NewBufferPoolManager(cfg.Storage.BufferPoolSize, dm, nil)
	require.NoError(t, err)
	tree, err := btree.Open(bpm, dm, btree.Options{Format: format})
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return &session{
		id:       "test-session",
		dataFile: cfg.Storage.DataFile,
		tree:     tree,
		tracer:   nooptrace.NewTracerProvider().Tracer(""),
		logger:   zap.NewNop(),
		out:      out,
	}, out
}

// runLine executes one command line and returns what it printed.
func (s *session) runLine(t *testing.T, out *bytes.Buffer, line string) (string, error) {
	t.Helper()
	out.Reset()
	err := s.execute(context.Background(), strings.Fields(line))
	return out.String(), err
}

// --- Test Cases ---

func TestSession_PutGetDelete(t *testing.T) {
	s, out := newTestSession(t)

	got, err := s.runLine(t, out, "put alpha 42")
	require.NoError(t, err)
	require.Equal(t, "OK\n", got)

	got, err = s.runLine(t, out, "get alpha")
	require.NoError(t, err)
	require.Equal(t, "42\n", got)

	got, err = s.runLine(t, out, "DEL alpha")
	require.NoError(t, err)
	require.Equal(t, "OK\n", got)

	got, err = s.runLine(t, out, "get alpha")
	require.NoError(t, err)
	require.Equal(t, "(not found)\n", got)
}

func TestSession_ScanStatsDump(t *testing.T) {
	s, out := newTestSession(t)
	for _, line := range []string{"put b 2", "put a 1", "put c 3"} {
		_, err := s.runLine(t, out, line)
		require.NoError(t, err)
	}

	got, err := s.runLine(t, out, "scan 2")
	require.NoError(t, err)
	require.Equal(t, "\"a\" = 1\n\"b\" = 2\n(2 pairs)\n", got)

	got, err = s.runLine(t, out, "stats")
	require.NoError(t, err)
	require.Contains(t, got, "height=1 leaves=1 internal=0 keys=3")

	got, err = s.runLine(t, out, "dump")
	require.NoError(t, err)
	require.Contains(t, got, `leaf page=1 pairs=3`)
	require.Contains(t, got, `keys=["a" "b" "c"]`)

	got, err = s.runLine(t, out, "flush")
	require.NoError(t, err)
	require.Equal(t, "OK\n", got)
}

func TestSession_SnapshotCopiesFlushedFile(t *testing.T) {
	s, out := newTestSession(t)
	for i := 0; i < 200; i++ {
		_, err := s.runLine(t, out, fmt.Sprintf("put key-%04d %d", i, i))
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "backup.db")
	got, err := s.runLine(t, out, "snapshot "+path)
	require.NoError(t, err)
	require.Contains(t, got, "snapshot "+path)

	original, err := os.ReadFile(s.dataFile)
	require.NoError(t, err)
	backup, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, original, backup)

	_, err = s.runLine(t, out, "snapshot")
	require.ErrorIs(t, err, errUsage)
}

func TestSession_Errors(t *testing.T) {
	s, out := newTestSession(t)

	_, err := s.runLine(t, out, "put onlykey")
	require.ErrorIs(t, err, errUsage)
	_, err = s.runLine(t, out, "put k notanumber")
	require.ErrorIs(t, err, errUsage)
	_, err = s.runLine(t, out, "scan 0")
	require.ErrorIs(t, err, errUsage)
	_, err = s.runLine(t, out, "frobnicate")
	require.ErrorIs(t, err, errUnknown)
	_, err = s.runLine(t, out, "quit")
	require.ErrorIs(t, err, errExit)

	got, err := s.runLine(t, out, "")
	require.NoError(t, err)
	require.Empty(t, got)
}
