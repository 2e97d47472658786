package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeRandomFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range data {
		data[i] = byte(rng.Uint32())
	}
	path := filepath.Join(t.TempDir(), "src.db")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestCopyThrottled_CopiesAndVerifies(t *testing.T) {
	// Larger than one chunk so the loop runs more than once.
	src, data := writeRandomFile(t, chunkSize+4096)
	dst := filepath.Join(t.TempDir(), "snap.db")

	result, err := CopyThrottled(context.Background(), src, dst, 0, true)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), result.Bytes)
	want := sha256.Sum256(data)
	require.Equal(t, want[:], result.SHA256)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
}

func TestCopyThrottled_HonorsContextWhileThrottled(t *testing.T) {
	src, _ := writeRandomFile(t, 3*chunkSize)
	dst := filepath.Join(t.TempDir(), "snap.db")

	// The first chunk drains the burst; the second needs a full second of
	// tokens, far longer than the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := CopyThrottled(ctx, src, dst, chunkSize, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limiter error")
}

func TestCopyThrottled_MissingSource(t *testing.T) {
	_, err := CopyThrottled(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "snap"), 0, false)
	require.ErrorIs(t, err, os.ErrNotExist)
}
