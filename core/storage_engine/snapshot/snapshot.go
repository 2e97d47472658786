// Package snapshot copies a page file to a point-in-time backup without
// starving foreground I/O.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize: size of each read/write chunk
const chunkSize = 1 << 20 // 1 MiB

var ErrChecksumMismatch = errors.New("snapshot checksum does not match source")

var bufPool = sync.Pool{
	New: func() interface{} { return make([]byte, chunkSize) },
}

// Result describes a finished copy.
type Result struct {
	Bytes  int64
	SHA256 []byte
}

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (unlimited when <= 0). With verify set the written file is read back and
// its checksum compared against the source bytes.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) (Result, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return Result{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("open dst: %w", err)
	}
	defer dst.Close()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize) // burst = chunkSize
	}

	sum := sha256.New()
	written, err := copyChunks(ctx, src, dst, limiter, sum)
	if err != nil {
		return Result{}, err
	}
	if err := dst.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync error: %w", err)
	}
	result := Result{Bytes: written, SHA256: sum.Sum(nil)}

	if verify {
		got, err := fileChecksum(dstPath)
		if err != nil {
			return Result{}, err
		}
		if !bytes.Equal(got, result.SHA256) {
			return Result{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, dstPath)
		}
	}
	return result, nil
}

func copyChunks(ctx context.Context, src io.ReaderAt, dst io.Writer, limiter *rate.Limiter, sum hash.Hash) (int64, error) {
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var readOff int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], readOff)
		if n > 0 {
			// throttle: wait until enough tokens available for n bytes
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return readOff, fmt.Errorf("rate limiter error: %w", err)
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return readOff, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			readOff += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return readOff, nil
			}
			return readOff, fmt.Errorf("read error: %w", rerr)
		}
	}
}

func fileChecksum(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot for verify: %w", err)
	}
	defer f.Close()
	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return nil, fmt.Errorf("read snapshot for verify: %w", err)
	}
	return sum.Sum(nil), nil
}
