package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree"
	flushmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb-pagestore/core/write_engine/memtable"
	"github.com/sushant-115/gojodb-pagestore/internal/config"
	internaltelemetry "github.com/sushant-115/gojodb-pagestore/internal/telemetry"
	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	dataFile   = flag.String("data_file", "", "Page file to open, created if missing (overrides config)")
	pageSize   = flag.Int("page_size", 0, "Page size in bytes for a new file (overrides config)")
	maxKeySize = flag.Int("max_key_size", 0, "Maximum key size in bytes for a new file (overrides config)")
	poolSize   = flag.Int("pool_size", 0, "Number of buffer pool frames (overrides config)")
)

func main() {
	flag.Parse()
	if err := run(flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyFlags lets non-zero flags override the loaded configuration.
func applyFlags(cfg *config.Config) {
	if *dataFile != "" {
		cfg.Storage.DataFile = *dataFile
	}
	if *pageSize != 0 {
		cfg.Storage.PageSize = *pageSize
	}
	if *maxKeySize != 0 {
		cfg.Storage.MaxKeySize = *maxKeySize
	}
	if *poolSize != 0 {
		cfg.Storage.BufferPoolSize = *poolSize
	}
}

func run(args []string) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	format, err := cfg.Format()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	sessionID := uuid.New().String()
	log = log.With(zap.String("session_id", sessionID))

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewBTreeMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	dm, err := openPageFile(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := dm.Close(); err != nil {
			log.Error("Failed to close page file", zap.Error(err))
		}
	}()

	bpm, err := memtable.NewBufferPoolManager(cfg.Storage.BufferPoolSize, dm, log)
	if err != nil {
		return err
	}
	tree, err := btree.Open(bpm, dm, btree.Options{Format: format, Logger: log, Metrics: metrics})
	if err != nil {
		return err
	}
	defer func() {
		if err := tree.Close(); err != nil {
			log.Error("Failed to flush tree", zap.Error(err))
		}
	}()

	s := &session{
		id:       sessionID,
		dataFile: cfg.Storage.DataFile,
		tree:     tree,
		tracer:   tel.Tracer,
		logger:   log,
		out:      os.Stdout,
	}
	ctx := context.Background()
	if len(args) > 0 {
		if err := s.execute(ctx, args); err != nil && !errors.Is(err, errExit) {
			return err
		}
		return nil
	}
	return repl(ctx, s)
}

// openPageFile opens the configured page file, creating it when missing.
func openPageFile(cfg *config.Config, log *zap.Logger) (*flushmanager.DiskManager, error) {
	_, statErr := os.Stat(cfg.Storage.DataFile)
	create := errors.Is(statErr, fs.ErrNotExist)
	dm, err := flushmanager.NewDiskManager(cfg.Storage.DataFile, cfg.Storage.PageSize, log)
	if err != nil {
		return nil, err
	}
	if _, err := dm.OpenOrCreateFile(create, cfg.Storage.MaxKeySize); err != nil {
		return nil, fmt.Errorf("failed to open page file %s: %w", cfg.Storage.DataFile, err)
	}
	return dm, nil
}

func repl(ctx context.Context, s *session) error {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("put"),
		readline.PcItem("get"),
		readline.PcItem("del"),
		readline.PcItem("scan"),
		readline.PcItem("dump"),
		readline.PcItem("stats"),
		readline.PcItem("flush"),
		readline.PcItem("snapshot"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pagetool> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".gojodb_pagetool_history"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start line editor: %w", err)
	}
	defer rl.Close()
	s.out = rl.Stdout()

	fmt.Fprintln(s.out, "GojoDB page tool. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		err = s.execute(ctx, strings.Fields(line))
		switch {
		case errors.Is(err, errExit):
			return nil
		case err != nil:
			fmt.Fprintf(s.out, "Error: %v\n", err)
		}
	}
}
