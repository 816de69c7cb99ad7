// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// §4.3 - free caching probe. Determines, once per cache lifetime, whether
// materializing a file into the cache costs additional disk or is free
// because the JobStore and the cache share a filesystem (so the "download"
// is really just another hardlink to the same inode).

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"syscall"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// CachingIsFree reports whether files can be cached for free. The result of
// the first call is persisted to the properties table; subsequent calls,
// including from other workers on the node, read the stored value.
func (s *Store) CachingIsFree(ctx context.Context) (free bool, err kv.Error) {
	var v sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT value FROM properties WHERE name = ?`, string(PropertyFreeCaching))
	if errGo := row.Scan(&v); errGo != nil && errGo != sql.ErrNoRows {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if v.Valid {
		return v.Int64 == 1, nil
	}

	freeValue := int64(0)
	if s.jobStore.SameFilesystem() {
		probed, err := s.probeLinkCount(ctx)
		if err != nil {
			return false, err
		}
		if probed {
			freeValue = 1
		}
	}

	if _, errGo := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO properties(name, value) VALUES (?, ?)`,
		string(PropertyFreeCaching), freeValue); errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	return freeValue == 1, nil
}

// probeLinkCount creates an empty global file, reads it back out into a
// scratch directory, and tests whether the materialized copy's link count
// reached 2 - meaning the JobStore's read was a hardlink to the same data
// rather than an independent copy.
func (s *Store) probeLinkCount(ctx context.Context) (free bool, err kv.Error) {
	emptyID, err := s.jobStore.GetEmptyFileStoreID(ctx, "", false)
	if err != nil {
		return false, err
	}
	defer func() { _ = s.jobStore.DeleteFile(ctx, emptyID) }()

	destDir, errGo := os.MkdirTemp(s.cacheDir, "freecaching-")
	if errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	defer func() { _ = os.RemoveAll(destDir) }()

	probePath := filepath.Join(destDir, "sniffLinkCount")
	if err := s.jobStore.ReadFile(ctx, emptyID, probePath, false, false); err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(probePath) }()

	info, errGo := os.Stat(probePath)
	if errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false, nil
	}
	return stat.Nlink >= 2, nil
}
