package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree"
	"github.com/sushant-115/gojodb-pagestore/core/storage_engine/snapshot"
)

var (
	errExit    = errors.New("exit requested")
	errUsage   = errors.New("usage")
	errUnknown = errors.New("unknown command")
)

const defaultScanLimit = 20

// session executes page tool commands against one open tree.
type session struct {
	id       string
	dataFile string
	tree     *btree.BTree
	tracer   trace.Tracer
	logger   *zap.Logger
	out      io.Writer
}

// execute runs one command inside its own span.
func (s *session) execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	command := strings.ToLower(args[0])
	ctx, span := s.tracer.Start(ctx, "pagetool."+command, trace.WithAttributes(
		attribute.String("pagetool.command", command),
		attribute.String("pagetool.session_id", s.id),
		attribute.Int("pagetool.args", len(args)-1),
	))
	defer span.End()

	err := s.dispatch(ctx, command, args[1:])
	if err != nil && !errors.Is(err, errExit) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("Command failed", zap.String("command", command), zap.Error(err))
	}
	return err
}

func (s *session) dispatch(ctx context.Context, command string, args []string) error {
	switch command {
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("%w: put <key> <value>", errUsage)
		}
		value, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: value must be an unsigned integer: %v", errUsage, err)
		}
		if err := s.tree.Insert([]byte(args[0]), value); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "get":
		if len(args) != 1 {
			return fmt.Errorf("%w: get <key>", errUsage)
		}
		value, found, err := s.tree.Get([]byte(args[0]))
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(s.out, "(not found)")
			return nil
		}
		fmt.Fprintln(s.out, value)
	case "del", "delete":
		if len(args) != 1 {
			return fmt.Errorf("%w: del <key>", errUsage)
		}
		removed, err := s.tree.Delete([]byte(args[0]))
		if err != nil {
			return err
		}
		if removed {
			fmt.Fprintln(s.out, "OK")
		} else {
			fmt.Fprintln(s.out, "(not found)")
		}
	case "scan":
		limit := defaultScanLimit
		if len(args) > 1 {
			return fmt.Errorf("%w: scan [limit]", errUsage)
		}
		if len(args) == 1 {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 1 {
				return fmt.Errorf("%w: scan limit must be a positive integer", errUsage)
			}
			limit = n
		}
		printed := 0
		err := s.tree.Scan(func(key []byte, value uint64) bool {
			fmt.Fprintf(s.out, "%q = %d\n", key, value)
			printed++
			return printed < limit
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "(%d pairs)\n", printed)
	case "dump":
		return s.tree.Walk(func(info btree.NodeInfo) error {
			fmt.Fprintf(s.out, "%s%s page=%d pairs=%d used=%d free=%d keys=%s\n",
				strings.Repeat("  ", info.Depth), info.Kind, info.PageID,
				info.NumPairs, info.UsedBytes, info.FreeSpace, formatKeys(info.Keys))
			return nil
		})
	case "stats":
		stats, err := s.tree.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "root=%d height=%d leaves=%d internal=%d keys=%d\n",
			stats.RootPageID, stats.Height, stats.LeafNodes, stats.InternalNodes, stats.Keys)
	case "flush":
		if err := s.tree.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "snapshot":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("%w: snapshot <path> [bytes_per_sec]", errUsage)
		}
		var limit int64
		if len(args) == 2 {
			n, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: bytes_per_sec must be a non-negative integer", errUsage)
			}
			limit = n
		}
		if err := s.tree.Flush(); err != nil {
			return err
		}
		result, err := snapshot.CopyThrottled(ctx, s.dataFile, args[0], limit, true)
		if err != nil {
			return err
		}
		s.logger.Info("Wrote snapshot",
			zap.String("path", args[0]),
			zap.Int64("bytes", result.Bytes),
			zap.Binary("sha256", result.SHA256))
		fmt.Fprintf(s.out, "snapshot %s: %d bytes sha256=%x\n", args[0], result.Bytes, result.SHA256)
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  put <key> <value>")
		fmt.Fprintln(s.out, "  get <key>")
		fmt.Fprintln(s.out, "  del <key>")
		fmt.Fprintln(s.out, "  scan [limit]")
		fmt.Fprintln(s.out, "  dump")
		fmt.Fprintln(s.out, "  stats")
		fmt.Fprintln(s.out, "  flush")
		fmt.Fprintln(s.out, "  snapshot <path> [bytes_per_sec]")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("%w %q, type 'help' for a list of commands", errUnknown, command)
	}
	return nil
}

func formatKeys(keys [][]byte) string {
	parts := make([]string, len(keys))
	for i, key := range keys {
		parts[i] = strconv.Quote(string(key))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
