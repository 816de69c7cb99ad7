// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C8 - delete path. DeleteLocalFile drops the current job's references to
// a file; DeleteGlobalFile additionally retires the file itself once no
// other job holds a reference to it (spec §4.8).

import (
	"context"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// DeleteLocalFile unlinks every reference the current job holds to fileID
// and drops their rows, then rebalances the cache since the job's
// retained-disk credit toward the cache shrank. A reference path found
// already missing from disk is reported as IllegalDeletionCacheError - the
// user removed a tracked file without going through this API - but the
// rest of the cleanup still proceeds.
func (s *Store) DeleteLocalFile(ctx context.Context, fileID string) (err kv.Error) {
	jobID := s.currentJobID

	rows, errGo := s.db.QueryContext(ctx,
		`SELECT path FROM refs WHERE file_id = ? AND job_id = ?`, fileID, jobID)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	paths := []string{}
	for rows.Next() {
		var path string
		if errGo := rows.Scan(&path); errGo != nil {
			_ = rows.Close()
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		paths = append(paths, path)
	}
	_ = rows.Close()

	var illegal kv.Error
	for _, path := range paths {
		if errGo := os.Remove(path); errGo != nil {
			if os.IsNotExist(errGo) {
				illegal = newIllegalDeletionErr(path)
				continue
			}
			return kv.Wrap(errGo).With("path", path).With("stack", stack.Trace().TrimRuntime())
		}
	}

	if _, errGo := s.db.ExecContext(ctx,
		`DELETE FROM refs WHERE file_id = ? AND job_id = ?`, fileID, jobID); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	if err = s.freeUpSpace(ctx); err != nil {
		return err
	}

	return illegal
}

// DeleteGlobalFile first performs the equivalent of DeleteLocalFile, then
// retires fileID from the cache entirely if nobody else still references
// it, queuing it for deletion from the JobStore at commit. If any other
// job still holds a reference, the delete fails immediately rather than
// silently leaving the file in place.
func (s *Store) DeleteGlobalFile(ctx context.Context, fileID string) (err kv.Error) {
	if err = s.DeleteLocalFile(ctx, fileID); err != nil && !IsKind(err, KindIllegalDeletion) {
		return err
	}
	localErr := err

	var otherJobID string
	row := s.db.QueryRowContext(ctx, `SELECT job_id FROM refs WHERE file_id = ? LIMIT 1`, fileID)
	scanErr := row.Scan(&otherJobID)
	if scanErr == nil {
		return newInUseErr(fileID, otherJobID)
	}

	if _, errGo := s.db.ExecContext(ctx,
		`UPDATE files SET state = ?, owner = ? WHERE id = ?`, string(FileDeleting), s.pid, fileID); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	if _, err = s.executePendingDeletions(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.filesToDelete = append(s.filesToDelete, fileID)
	s.mu.Unlock()

	s.log.Info("queued file for global deletion", "file_id", fileID)

	return localErr
}
