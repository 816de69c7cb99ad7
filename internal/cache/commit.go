// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// §4.10 - commit path. CommitCurrentJob flushes this worker's pending uploads
// and deletions, retires the current job's row, and hands the JobStore its
// updated view of the job graph plus the files/jobs it can now forget (spec
// §4.10). There is no asynchronous commit in this engine, so WaitForCommit
// is a synchronous no-op kept only so callers written against the
// teacher's async-capable idiom still compile unchanged.

import (
	"context"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// CommitCurrentJob finishes the current job scope: it pushes any files this
// worker still owns uploading or deleting, persists the job update to the
// JobStore, retires the job's own row, and forgets whatever files and jobs
// were queued for deletion since the previous commit. Any failure here sets
// the shared termination event before it is returned, since a worker that
// cannot commit cannot be trusted to keep making progress (spec §4.10).
func (s *Store) CommitCurrentJob(ctx context.Context) (err kv.Error) {
	defer func() {
		if err != nil {
			s.signalTermination()
		}
	}()

	jobID := s.currentJobID

	if _, err = s.executePendingUploads(ctx); err != nil {
		return err
	}
	if _, err = s.executePendingDeletions(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	filesToDelete := append([]string(nil), s.filesToDelete...)
	jobsToDelete := append([]string(nil), s.jobsToDelete...)
	s.mu.Unlock()

	if err = s.jobStore.Update(ctx, jobID, filesToDelete); err != nil {
		return err
	}

	for _, id := range filesToDelete {
		if err = s.jobStore.DeleteFile(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range jobsToDelete {
		if err = s.jobStore.Delete(ctx, id); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.filesToDelete = nil
	s.jobsToDelete = nil
	s.mu.Unlock()

	if _, errGo := s.db.ExecContext(ctx, `DELETE FROM refs WHERE job_id = ?`, jobID); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	return nil
}

// WaitForCommit blocks until any in-flight commit for the current job has
// finished. This engine never defers a commit to a background goroutine, so
// by the time CommitCurrentJob returns there is nothing left to wait for;
// the method exists to keep the shape of the teacher's async job-lifecycle
// API callable from code written against it.
func (s *Store) WaitForCommit() (err kv.Error) {
	return nil
}
