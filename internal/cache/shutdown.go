// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C10 - shutdown. Shutdown is a class-level operation: it runs against
// whatever the cache.db hardlink currently points to, independent of any
// live *Store instance, since by the time it runs on a node every worker
// that shared this cache directory may already be gone (spec §4.11).

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Shutdown runs one final recovery pass against cacheDir's database, if one
// still exists, then removes cacheDir entirely. A missing cache.db link is
// not an error - a previous Shutdown, or an operator, may already have
// cleaned this directory up - but a database that exists and will not open
// is reported.
func Shutdown(ctx context.Context, cacheDir string) (err kv.Error) {
	linkPath := filepath.Join(cacheDir, "cache.db")
	if _, errGo := os.Stat(linkPath); errGo != nil {
		if os.IsNotExist(errGo) {
			return removeCacheDir(cacheDir)
		}
		return kv.Wrap(errGo).With("link", linkPath).With("stack", stack.Trace().TrimRuntime())
	}

	db, errGo := sql.Open("sqlite", dsn(linkPath))
	if errGo != nil {
		return kv.Wrap(errGo).With("db", linkPath).With("stack", stack.Trace().TrimRuntime())
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	s := &Store{
		db:       db,
		log:      newLogger("cache"),
		cacheDir: cacheDir,
		dbPath:   linkPath,
		pid:      selfPID(),
	}

	if err = s.ensureTables(ctx); err != nil {
		return err
	}
	if err = s.Recover(ctx); err != nil {
		return err
	}

	return removeCacheDir(cacheDir)
}

func removeCacheDir(cacheDir string) (err kv.Error) {
	if errGo := os.RemoveAll(cacheDir); errGo != nil {
		return kv.Wrap(errGo).With("dir", cacheDir).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
