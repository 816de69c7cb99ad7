// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C3 - space accounting. Pure queries over the store; nothing here mutates
// state except AdjustCacheLimit. The arithmetic follows spec §4.2 exactly:
// available = maxSpace - used - jobOverhead, where jobOverhead credits back
// to the cache any bytes a job already reserved that are spent on an
// immutable reference to a file the cache is holding anyway.

import (
	"context"
	"database/sql"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// CacheLimit returns maxSpace, or (0, false) if it has never been set.
func (s *Store) CacheLimit(ctx context.Context) (limit int64, ok bool, err kv.Error) {
	var v sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT value FROM properties WHERE name = ?`, string(PropertyMaxSpace))
	if errGo := row.Scan(&v); errGo != nil {
		if errGo == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return v.Int64, v.Valid, nil
}

// CacheUsed returns the sum of File.Size across all cached files, or
// (0, false) if the files table is empty.
func (s *Store) CacheUsed(ctx context.Context) (used int64, ok bool, err kv.Error) {
	var v sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM files`)
	if errGo := row.Scan(&v); errGo != nil {
		return 0, false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return v.Int64, v.Valid, nil
}

// CacheExtraJobSpace returns sum(Job.Disk) - sum(File.Size over immutable
// references), the portion of job disk reservations not already spent on
// files the cache is keeping alive on their behalf. It may be negative.
func (s *Store) CacheExtraJobSpace(ctx context.Context) (extra int64, ok bool, err kv.Error) {
	var v sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT (
			(SELECT COALESCE(SUM(disk), 0) FROM jobs) -
			(SELECT COALESCE(SUM(files.size), 0) FROM refs
				INNER JOIN files ON refs.file_id = files.id WHERE refs.state = ?)
		)`, string(RefImmutable))
	if errGo := row.Scan(&v); errGo != nil {
		return 0, false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return v.Int64, v.Valid, nil
}

// CacheAvailable returns maxSpace - used - jobOverhead. When negative, that
// many bytes of cached content need to be evicted to bring the node back
// within budget for all currently scheduled jobs.
func (s *Store) CacheAvailable(ctx context.Context) (available int64, err kv.Error) {
	var v sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT (
			(SELECT value FROM properties WHERE name = 'maxSpace') -
			(SELECT COALESCE(SUM(size), 0) FROM files) -
			(
				(SELECT COALESCE(SUM(disk), 0) FROM jobs) -
				(SELECT COALESCE(SUM(files.size), 0) FROM refs
					INNER JOIN files ON refs.file_id = files.id WHERE refs.state = 'immutable')
			)
		)`)
	if errGo := row.Scan(&v); errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if !v.Valid {
		// No maxSpace recorded yet; treat as unconstrained.
		return 0, nil
	}
	return v.Int64, nil
}

// CacheJobRequirement returns the disk reservation of the job currently
// occupying this worker's Open() scope, or (0, false) if no job is open.
func (s *Store) CacheJobRequirement() (disk int64, ok bool) {
	if s.currentJobID == "" {
		return 0, false
	}
	return s.jobDiskBytes, true
}

// AdjustCacheLimit sets maxSpace to newLimit bytes.
func (s *Store) AdjustCacheLimit(ctx context.Context, newLimit int64) (err kv.Error) {
	if _, errGo := s.db.ExecContext(ctx,
		`UPDATE properties SET value = ? WHERE name = ?`, newLimit, string(PropertyMaxSpace)); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// FileIsCached is an advisory check only; a file may transition cached ->
// deleting between this call returning and the caller acting on it.
// Callers that need certainty must operate inside their own transaction.
func (s *Store) FileIsCached(ctx context.Context, fileID string) (cached bool, err kv.Error) {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files WHERE id = ? AND state = ?`, fileID, string(FileCached))
	if errGo := row.Scan(&count); errGo != nil {
		return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return count > 0, nil
}

// FileReaderCount returns the number of outstanding references (of any
// state, including mutable) to fileID. Dropped from the original spec's
// distillation but reinstated here as a read-only diagnostic (SPEC_FULL.md
// Supplemented Features); nothing in spec.md's Non-goals excludes it.
func (s *Store) FileReaderCount(ctx context.Context, fileID string) (count int, err kv.Error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refs WHERE file_id = ?`, fileID)
	if errGo := row.Scan(&count); errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return count, nil
}

// Snapshot aggregates the four space-accounting queries for logging,
// mirroring the teacher's ObjStoreFootPrint() convenience helper.
type Snapshot struct {
	Limit     int64
	Used      int64
	Available int64
	JobExtra  int64
}

func (s *Store) Snapshot(ctx context.Context) (snap Snapshot, err kv.Error) {
	limit, _, err := s.CacheLimit(ctx)
	if err != nil {
		return snap, err
	}
	used, _, err := s.CacheUsed(ctx)
	if err != nil {
		return snap, err
	}
	extra, _, err := s.CacheExtraJobSpace(ctx)
	if err != nil {
		return snap, err
	}
	available, err := s.CacheAvailable(ctx)
	if err != nil {
		return snap, err
	}
	return Snapshot{Limit: limit, Used: used, Available: available, JobExtra: extra}, nil
}
