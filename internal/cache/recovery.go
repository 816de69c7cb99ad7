// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C4 - recovery engine, "steal work from the dead" (spec §4.4). Called
// opportunistically whenever a worker is about to do something expensive or
// blocking (C5, C7, C9), and once at Shutdown (C10). Runs against whichever
// *Store the caller holds; Shutdown builds a bare *Store around a
// connection it owns independently of any live worker instance and calls
// Recover on that.

import (
	"context"
	"database/sql"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Recover runs the jobs phase then the files phase, the order the
// maintenance loop (spec §4.5 step 1) invokes recovery in.
func (s *Store) Recover(ctx context.Context) (err kv.Error) {
	if err = s.recoverJobs(ctx); err != nil {
		return err
	}
	return s.recoverFiles(ctx)
}

// recoverFiles implements Phase A: reassign files owned by dead workers by
// (owner, state) tuple, per spec §4.4.
func (s *Store) recoverFiles(ctx context.Context) (err kv.Error) {
	rows, errGo := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM files WHERE owner IS NOT NULL`)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	owners := []int{}
	for rows.Next() {
		var owner int
		if errGo := rows.Scan(&owner); errGo != nil {
			_ = rows.Close()
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		owners = append(owners, owner)
	}
	_ = rows.Close()

	for _, owner := range owners {
		if pidIsAlive(owner) {
			continue
		}

		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE files SET owner = ?, state = ? WHERE owner = ? AND state = ?`,
			s.pid, string(FileDeleting), owner, string(FileDeleting)); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE files SET owner = ?, state = ? WHERE owner = ? AND state = ?`,
			s.pid, string(FileDeleting), owner, string(FileDownloading)); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		// The on-disk data for an upload in flight is intact and readable,
		// and since it never reached the JobStore the dead job that wrote
		// it cannot have been marked complete, so nobody depends on it yet.
		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE files SET owner = NULL, state = ? WHERE owner = ? AND state = ?`,
			string(FileCached), owner, string(FileUploading)); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
	}

	return nil
}

// recoverJobs implements Phase B: null out dead workers' job ownership,
// then adopt and fully reap one unowned job at a time until none remain.
// Jobs are stolen one at a time, not all in a single transaction, so
// concurrently recovering workers share the work (spec §4.4).
func (s *Store) recoverJobs(ctx context.Context) (err kv.Error) {
	rows, errGo := s.db.QueryContext(ctx, `SELECT DISTINCT worker FROM jobs WHERE worker IS NOT NULL`)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	workers := []int{}
	for rows.Next() {
		var worker int
		if errGo := rows.Scan(&worker); errGo != nil {
			_ = rows.Close()
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		workers = append(workers, worker)
	}
	_ = rows.Close()

	for _, worker := range workers {
		if pidIsAlive(worker) {
			continue
		}
		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE jobs SET worker = NULL WHERE worker = ?`, worker); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
	}

	for {
		var jobID, jobTemp string
		row := s.db.QueryRowContext(ctx, `SELECT id, temp FROM jobs WHERE worker IS NULL LIMIT 1`)
		if errGo := row.Scan(&jobID, &jobTemp); errGo != nil {
			if errGo == sql.ErrNoRows {
				return nil
			}
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE jobs SET worker = ? WHERE id = ? AND worker IS NULL`, s.pid, jobID); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}

		var owned int
		row = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE id = ? AND worker = ?`, jobID, s.pid)
		if errGo := row.Scan(&owned); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if owned == 0 {
			// Lost the race for this job; try another.
			continue
		}

		if err = s.reapJob(ctx, jobID, jobTemp); err != nil {
			return err
		}
	}
}

// reapJob removes every reference belonging to jobID from disk and from
// the database, removes its temp directory, then removes the job row
// itself. Disk I/O errors on unlink are swallowed since the goal - absence
// of the file - already holds if it is missing.
func (s *Store) reapJob(ctx context.Context, jobID string, jobTemp string) (err kv.Error) {
	rows, errGo := s.db.QueryContext(ctx, `SELECT path FROM refs WHERE job_id = ?`, jobID)
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

	for _, path := range paths {
		if errGo := os.Remove(path); errGo != nil && !os.IsNotExist(errGo) {
			s.log.Warn("failed to unlink orphaned reference during recovery", "path", path, "error", errGo.Error())
		}
	}

	if _, errGo := s.db.ExecContext(ctx, `DELETE FROM refs WHERE job_id = ?`, jobID); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	if errGo := os.RemoveAll(jobTemp); errGo != nil && !os.IsNotExist(errGo) {
		s.log.Warn("failed to remove orphaned job temp dir during recovery", "temp", jobTemp, "error", errGo.Error())
	}

	if _, errGo := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	return nil
}
