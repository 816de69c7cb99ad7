// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// nodecached is a demonstration host process for the node-local caching
// file store: it opens internal/cache against a diskjobstore-backed
// JobStore, applies any maxSpace override, runs one recovery pass, logs a
// space-accounting snapshot, and shuts the cache down cleanly on the way
// out. It runs no job through the cache. Grounded on cmd/runner/main.go's flag/signal/logger
// wiring, trimmed to the surface this daemon actually needs.

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/davecgh/go-spew/spew"
	"github.com/dustin/go-humanize"
	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/karlmutch/envflag"
	logxi "github.com/karlmutch/logxi/v1"
	"github.com/mitchellh/copystructure"

	"github.com/leaf-ai/nodecache/internal/cache"
	"github.com/leaf-ai/nodecache/internal/jobstore/diskjobstore"
)

// config snapshots the flag values this daemon runs with at the moment
// EntryPoint starts, so that a later flag.Set (tests flip flags between
// runs) cannot change the configuration out from under a cache that is
// already open.
type config struct {
	WorkerTemp  string
	JobStoreDir string
	WorkflowID  string
	AttemptNum  int
	MaxSpace    string
}

func currentConfig() (cfg *config, err error) {
	snapshot, err := copystructure.Copy(&config{
		WorkerTemp:  *workerTempOpt,
		JobStoreDir: *jobStoreOpt,
		WorkflowID:  *workflowOpt,
		AttemptNum:  *attemptOpt,
		MaxSpace:    *maxSpaceOpt,
	})
	if err != nil {
		return nil, err
	}
	return snapshot.(*config), nil
}

var (
	Spew *spew.ConfigState

	logger = logxi.New("nodecached")

	workerTempOpt = flag.String("worker-temp", setTemp(), "parent directory for this worker's per-job temp directories and cache")
	jobStoreOpt   = flag.String("job-store-dir", "", "local directory backing the demonstration JobStore")
	workflowOpt   = flag.String("workflow-id", "", "identifier of the workflow attempt this worker is participating in")
	attemptOpt    = flag.Int("attempt-number", 1, "attempt number of the named workflow")
	maxSpaceOpt   = flag.String("max-space", "", "override the cache's maxSpace budget using SI/ICE units, e.g. 10gb; defaults to filesystem free space at first init")
)

func init() {
	Spew = spew.NewDefaultConfig()
	Spew.Indent = "    "
	Spew.SortKeys = true
}

func setTemp() (dir string) {
	if dir = os.Getenv("TMPDIR"); len(dir) != 0 {
		return dir
	}
	if _, err := os.Stat("/tmp"); err == nil {
		dir = "/tmp"
	}
	return dir
}

func usage() {
	fmt.Fprintln(os.Stderr, path.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "usage: ", os.Args[0], "[arguments]      node-local caching file store demonstration host")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Arguments:")
	fmt.Fprintln(os.Stderr, "")
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment Variables:")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "options can also be read from environment variables by changing dashes '-' to underscores")
	fmt.Fprintln(os.Stderr, "and using upper case letters.")
}

func main() {
	Main()
}

// Main parses configuration then runs the daemon, exiting non-zero on
// failure. Test code calls EntryPoint directly instead, the same
// coverage-preserving split the teacher's cmd/runner/main.go uses.
func Main() {
	flag.Usage = usage
	envflag.Parse()

	if *workflowOpt == "" {
		fmt.Fprintln(os.Stderr, "-workflow-id is required")
		os.Exit(-1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopC := make(chan os.Signal, 1)
	signal.Notify(stopC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stopC
		logger.Warn("signal received, shutting down")
		cancel()
	}()

	if err := EntryPoint(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

// EntryPoint wires a diskjobstore-backed JobStore to internal/cache, opens
// the cache for the configured workflow attempt, and shuts it down on the
// way out. It is the unit a test binary or an embedding process can call
// directly.
func EntryPoint(ctx context.Context) (err kv.Error) {
	cfg, errGo := currentConfig()
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	jobStoreDir := cfg.JobStoreDir
	if jobStoreDir == "" {
		jobStoreDir = filepath.Join(cfg.WorkerTemp, "jobstore")
	}

	if errGo := os.MkdirAll(cfg.WorkerTemp, 0700); errGo != nil {
		return kv.Wrap(errGo).With("dir", cfg.WorkerTemp).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := os.MkdirAll(jobStoreDir, 0700); errGo != nil {
		return kv.Wrap(errGo).With("dir", jobStoreDir).With("stack", stack.Trace().TrimRuntime())
	}

	js, err := diskjobstore.New(jobStoreDir, sameFilesystem(jobStoreDir, cfg.WorkerTemp))
	if err != nil {
		return err
	}

	store, err := cache.Open(ctx, cfg.WorkerTemp, cfg.WorkflowID, cfg.AttemptNum, js)
	if err != nil {
		return err
	}
	defer func() {
		cacheDir := store.CacheDir()
		if errClose := store.Close(); errClose != nil {
			logger.Warn("error closing cache store", "error", errClose.Error())
		}
		if errShutdown := cache.Shutdown(ctx, cacheDir); errShutdown != nil {
			logger.Warn("error during cache shutdown", "error", errShutdown.Error())
		}
	}()

	if cfg.MaxSpace != "" {
		limit, errGo := humanize.ParseBytes(cfg.MaxSpace)
		if errGo != nil {
			return kv.Wrap(errGo).With("max-space", cfg.MaxSpace).With("stack", stack.Trace().TrimRuntime())
		}
		if err = store.AdjustCacheLimit(ctx, int64(limit)); err != nil {
			return err
		}
	}

	if err = store.Recover(ctx); err != nil {
		return err
	}

	snap, err := store.Snapshot(ctx)
	if err != nil {
		return err
	}
	logger.Info("cache ready", "limit", snap.Limit, "used", snap.Used, "available", snap.Available)

	return nil
}

// sameFilesystem reports whether a and b are on the same mounted
// filesystem, the condition the free-caching probe needs the JobStore to
// satisfy before it trusts a hardlink-count test (spec §4.3).
func sameFilesystem(a, b string) bool {
	infoA, errA := os.Stat(a)
	infoB, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return false
	}
	return sameDevice(infoA, infoB)
}
