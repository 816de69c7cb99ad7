// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C6 - write path. WriteGlobalFile admits a local file into the cache via
// hardlink, deferring the upload to a later maintenance round, or falls
// back to a synchronous upload when the hardlink cannot be made (spec §4.6).

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/nodecache/internal/filestore"
)

// FileID identifies a file in the JobStore, stamped with its true size at
// the point writeGlobalFile learned it; an alias onto the outer contract's
// type so that a Store satisfies filestore.FileStore without a wrapper.
type FileID = filestore.FileID

// WriteGlobalFile admits localPath into the cache on behalf of the current
// job, returning the FileID the JobStore now (or eventually) holds it
// under. cleanup indicates to the JobStore whether the file should be
// removed when the owning job tree is cleaned up.
func (s *Store) WriteGlobalFile(ctx context.Context, localPath string, cleanup bool) (id FileID, err kv.Error) {
	absPath, errGo := filepath.Abs(localPath)
	if errGo != nil {
		return id, kv.Wrap(errGo).With("path", localPath).With("stack", stack.Trace().TrimRuntime())
	}

	info, errGo := os.Stat(absPath)
	if errGo != nil {
		return id, newInvalidSourceErr(absPath)
	}
	size := info.Size()

	creatorJobID := s.currentJobID

	fileID, err := s.jobStore.GetEmptyFileStoreID(ctx, creatorJobID, cleanup)
	if err != nil {
		return id, err
	}

	cachePath := s.cachedPath(fileID)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, errGo := tx.ExecContext(ctx,
			`INSERT INTO files(id, path, size, state, owner) VALUES (?, ?, ?, ?, ?)`,
			fileID, cachePath, size, string(FileUploading), s.pid); errGo != nil {
			return errGo
		}
		if _, errGo := tx.ExecContext(ctx,
			`INSERT INTO refs(path, file_id, job_id, state) VALUES (?, ?, ?, ?)`,
			absPath, fileID, creatorJobID, string(RefImmutable)); errGo != nil {
			return errGo
		}
		return nil
	})
	if err != nil {
		return id, err
	}

	if errGo := os.Link(absPath, cachePath); errGo == nil {
		// Admitted into the cache; the actual upload is deferred to a
		// later maintenance round or to commit time.
		return FileID{ID: fileID, Size: size}, nil
	}

	// Cross-device link, link-count exhaustion, or a filesystem without
	// hardlink support: degrade to a synchronous upload straight from the
	// job's own copy. We cannot guarantee space for a full copy into the
	// cache, so the cache is bypassed altogether.
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, errGo := tx.ExecContext(ctx,
			`UPDATE refs SET state = ? WHERE path = ?`, string(RefMutable), absPath); errGo != nil {
			return errGo
		}
		if _, errGo := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); errGo != nil {
			return errGo
		}
		return nil
	})
	if err != nil {
		return id, err
	}

	if err = s.jobStore.UpdateFile(ctx, fileID, absPath); err != nil {
		return id, err
	}

	return FileID{ID: fileID, Size: size}, nil
}

// cachedPath deterministically derives a file's on-disk cache location from
// its fileID.
func (s *Store) cachedPath(fileID string) string {
	return filepath.Join(s.cacheDir, fileID)
}

// ExportFile copies fileID's content to an externally addressed url,
// bypassing the cache entirely - exporting is not a caching concern, just a
// pass-through onto the JobStore (spec §6).
func (s *Store) ExportFile(ctx context.Context, fileID string, url string) (err kv.Error) {
	return s.jobStore.ExportFile(ctx, fileID, url)
}
