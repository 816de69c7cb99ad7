// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// Pending work executed as part of the maintenance loop (C5, spec §4.5
// steps 2-3): finishing deletions and uploads this worker already owns.

import (
	"context"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// executePendingDeletions unlinks the on-disk path of every file this
// worker owns in the deleting state, tolerating an already-missing path,
// then drops the file row and any stray references to it. It returns the
// number of files deleted.
func (s *Store) executePendingDeletions(ctx context.Context) (deleted int, err kv.Error) {
	rows, errGo := s.db.QueryContext(ctx,
		`SELECT id, path FROM files WHERE owner = ? AND state = ?`, s.pid, string(FileDeleting))
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	type fp struct{ id, path string }
	pending := []fp{}
	for rows.Next() {
		var f fp
		if errGo := rows.Scan(&f.id, &f.path); errGo != nil {
			_ = rows.Close()
			return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		pending = append(pending, f)
	}
	_ = rows.Close()

	for _, f := range pending {
		if errGo := os.Remove(f.path); errGo != nil && !os.IsNotExist(errGo) {
			s.log.Warn("failed to unlink file pending deletion", "path", f.path, "error", errGo.Error())
		}

		if _, errGo := s.db.ExecContext(ctx,
			`DELETE FROM files WHERE id = ? AND state = ?`, f.id, string(FileDeleting)); errGo != nil {
			return deleted, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if _, errGo := s.db.ExecContext(ctx, `DELETE FROM refs WHERE file_id = ?`, f.id); errGo != nil {
			return deleted, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		deleted++
	}

	return deleted, nil
}

// executePendingUploads pushes every file this worker owns in the
// uploading state to the JobStore, transitioning it to cached on success.
// A failed UpdateFile leaves the file uploading so a later worker (this
// one, after recovery, or another) can retry or evict it.
func (s *Store) executePendingUploads(ctx context.Context) (uploaded int, err kv.Error) {
	rows, errGo := s.db.QueryContext(ctx,
		`SELECT id, path FROM files WHERE state = ? AND owner = ?`, string(FileUploading), s.pid)
	if errGo != nil {
		return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	type fp struct{ id, path string }
	pending := []fp{}
	for rows.Next() {
		var f fp
		if errGo := rows.Scan(&f.id, &f.path); errGo != nil {
			_ = rows.Close()
			return 0, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		pending = append(pending, f)
	}
	_ = rows.Close()

	for _, f := range pending {
		if err = s.jobStore.UpdateFile(ctx, f.id, f.path); err != nil {
			return uploaded, err
		}

		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE files SET state = ?, owner = NULL WHERE id = ?`, string(FileCached), f.id); errGo != nil {
			return uploaded, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		uploaded++
	}

	return uploaded, nil
}
