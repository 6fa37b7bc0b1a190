package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asheshgoplani/threadbridge/internal/bridge"
	"github.com/asheshgoplani/threadbridge/internal/config"
	"github.com/asheshgoplani/threadbridge/internal/logging"
	"github.com/asheshgoplani/threadbridge/internal/statedb"
)

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Config file path (default ~/.threadbridge/config.toml)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Println("Usage: threadbridge run [options]")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	dir, err := config.Dir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	level := cfg.Logs.Level
	if *debug {
		level = "debug"
	}
	logging.Init(logging.Config{
		LogDir:     dir,
		Level:      level,
		Format:     cfg.Logs.Format,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
	})
	defer logging.Shutdown()

	// SIGUSR1 dumps the ring buffer for post-mortem debugging
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			writeCrashDump(dir)
		}
	}()

	var db *statedb.StateDB
	if cfg.StoreEnabled() {
		path, err := cfg.StorePath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		db, err = statedb.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	b, err := bridge.New(cfg, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Logger().Info("threadbridge_starting", slog.String("version", Version))
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Logger().Error("bridge_failed", slog.String("error", err.Error()))
		writeCrashDump(dir)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Shutdown()
		os.Exit(1)
	}
	logging.Logger().Info("threadbridge_stopped")
}

// writeCrashDump snapshots the in-memory log ring to a timestamped file
// next to the main log.
func writeCrashDump(dir string) {
	path := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
	if err := logging.DumpRingBuffer(path); err != nil {
		logging.Logger().Error("crash_dump_failed", slog.String("error", err.Error()))
		return
	}
	logging.Logger().Info("crash_dump_written", slog.String("path", path))
}
