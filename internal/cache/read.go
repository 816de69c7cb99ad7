// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C7 - read path. ReadGlobalFile races other workers on the node to own the
// download of a file into the cache, then places a reference for the
// caller: a hardlink/symlink for an immutable read, or a give-away/copy for
// a mutable one (spec §4.7).

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/lthibault/jitterbug"
	copydir "github.com/otiai10/copy"
	"github.com/rs/xid"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// retryJitter is the poll-and-retry interval the contention loops below use
// while waiting on another process's in-flight work; jittered the way the
// teacher staggers its own periodic checks (internal/runner/trigger.go) so
// that many workers contending for the same row do not all wake in lockstep.
func retryJitter() *jitterbug.Ticker {
	return jitterbug.New(20*time.Millisecond, &jitterbug.Norm{Stdev: 5 * time.Millisecond})
}

// ReadGlobalFile materializes id into a local path on behalf of the
// current job. If userPath is empty, a destination inside the job's temp
// directory is generated. If cache is false, the JobStore is read directly
// and the cache is bypassed entirely.
func (s *Store) ReadGlobalFile(ctx context.Context, id FileID, userPath string, cache bool, mutable bool, symlink bool) (localPath string, err kv.Error) {
	dest, err := s.resolveDestination(userPath)
	if err != nil {
		return "", err
	}

	if !cache {
		if err = s.jobStore.ReadFile(ctx, id.ID, dest, mutable, symlink); err != nil {
			return "", err
		}
		return dest, nil
	}

	cachePath := s.cachedPath(id.ID)
	readerJobID := s.currentJobID

	ownDownload, haveReference, err := s.admitDownload(ctx, id, cachePath, dest, readerJobID, mutable)
	if err != nil {
		return "", err
	}

	if ownDownload {
		if err = s.freeUpSpace(ctx); err != nil {
			return "", err
		}
		if err = s.jobStore.ReadFile(ctx, id.ID, cachePath, false, false); err != nil {
			return "", err
		}
		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE files SET state = ?, owner = NULL WHERE id = ?`, string(FileCached), id.ID); errGo != nil {
			return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		ownDownload = false
	}

	if !mutable {
		if errGo := os.Link(cachePath, dest); errGo == nil {
			return dest, nil
		}
		if symlink {
			if errGo := os.Symlink(cachePath, dest); errGo == nil {
				return dest, nil
			}
		}
		// Neither a hardlink nor (if permitted) a symlink could be made;
		// fall through to the mutable branch with a promoted reference.
		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE refs SET state = ? WHERE path = ?`, string(RefCopying), dest); errGo != nil {
			return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		mutable = true
	}

	if !haveReference {
		if _, errGo := s.db.ExecContext(ctx,
			`INSERT INTO refs(path, file_id, job_id, state) VALUES (?, ?, ?, ?)`,
			dest, id.ID, readerJobID, string(RefCopying)); errGo != nil {
			return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
	}

	giveAway, err := s.makeRoomForMutableCopy(ctx, id.ID, dest)
	if err != nil {
		return "", err
	}

	if giveAway {
		if errGo := os.Rename(cachePath, dest); errGo != nil {
			return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if _, errGo := s.db.ExecContext(ctx,
			`UPDATE refs SET state = ? WHERE path = ?`, string(RefMutable), dest); errGo != nil {
			return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if _, errGo := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id.ID); errGo != nil {
			return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		return dest, nil
	}

	if errGo := copydir.Copy(cachePath, dest); errGo != nil {
		return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo := s.db.ExecContext(ctx,
		`UPDATE refs SET state = ? WHERE path = ?`, string(RefMutable), dest); errGo != nil {
		return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return dest, nil
}

// resolveDestination validates a caller supplied path or generates one
// inside the current job's temp directory.
func (s *Store) resolveDestination(userPath string) (dest string, err kv.Error) {
	if userPath != "" {
		abs, errGo := filepath.Abs(userPath)
		if errGo != nil {
			return "", kv.Wrap(errGo).With("path", userPath).With("stack", stack.Trace().TrimRuntime())
		}
		if _, errGo := os.Stat(abs); errGo == nil {
			return "", kv.NewError("destination already exists").With("path", abs).With("stack", stack.Trace().TrimRuntime())
		}
		return abs, nil
	}
	return filepath.Join(s.currentJobTemp, xid.New().String()), nil
}

// admitDownload runs the admission race of spec §4.7 until this worker
// either owns the download or has a reference to an already-cached file.
func (s *Store) admitDownload(ctx context.Context, id FileID, cachePath string, dest string, readerJobID string, mutable bool) (ownDownload bool, haveReference bool, err kv.Error) {
	retry := retryJitter()
	defer retry.Stop()

	for {
		own := false
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			res, errGo := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO files(id, path, size, state, owner) VALUES (?, ?, ?, ?, ?)`,
				id.ID, cachePath, id.Size, string(FileDownloading), s.pid)
			if errGo != nil {
				return errGo
			}
			n, errGo := res.RowsAffected()
			if errGo != nil {
				return errGo
			}
			if n == 0 {
				return nil
			}
			own = true
			if !mutable {
				if _, errGo := tx.ExecContext(ctx, `
					INSERT INTO refs(path, file_id, job_id, state)
					SELECT ?, id, ?, ? FROM files WHERE id = ? AND state = ? AND owner = ?`,
					dest, readerJobID, string(RefImmutable), id.ID, string(FileDownloading), s.pid); errGo != nil {
					return errGo
				}
			}
			return nil
		})
		if err != nil {
			return false, false, err
		}
		if own {
			return true, !mutable, nil
		}

		gotRef := false
		refState := string(RefImmutable)
		if mutable {
			refState = string(RefCopying)
		}
		err = s.withTx(ctx, func(tx *sql.Tx) error {
			res, errGo := tx.ExecContext(ctx, `
				INSERT INTO refs(path, file_id, job_id, state)
				SELECT ?, id, ?, ? FROM files WHERE id = ? AND state = ?`,
				dest, readerJobID, refState, id.ID, string(FileCached))
			if errGo != nil {
				return errGo
			}
			n, errGo := res.RowsAffected()
			if errGo != nil {
				return errGo
			}
			gotRef = n > 0
			return nil
		})
		if err != nil {
			return false, false, err
		}
		if gotRef {
			return false, true, nil
		}

		// The file is in flight owned by someone else. Help clean up any
		// dead owners and yield before retrying.
		if err = s.Recover(ctx); err != nil {
			return false, false, err
		}
		if _, err = s.executePendingDeletions(ctx); err != nil {
			return false, false, err
		}
		<-retry.C
	}
}

// makeRoomForMutableCopy resolves the cost of a pending mutable read: while
// space is short it runs maintenance rounds, and if that alone cannot make
// room it tries to take exclusive control of the cached file so it can be
// handed off (renamed) rather than copied. It excludes the caller's own
// just-created copying reference (keyed by dest) from the "is this file
// still referenced" check, since the reference that needs resolving is
// itself, not some other job's hold on the file (spec §4.7 open question,
// resolved in DESIGN.md).
func (s *Store) makeRoomForMutableCopy(ctx context.Context, fileID string, dest string) (giveAway bool, err kv.Error) {
	retry := retryJitter()
	defer retry.Stop()

	for {
		available, err := s.CacheAvailable(ctx)
		if err != nil {
			return false, err
		}
		if available >= 0 {
			return false, nil
		}

		if _, err = s.tryToFreeUpSpace(ctx); err != nil {
			return false, err
		}

		available, err = s.CacheAvailable(ctx)
		if err != nil {
			return false, err
		}
		if available >= 0 {
			return false, nil
		}

		res, errGo := s.db.ExecContext(ctx, `
			UPDATE files SET owner = ?, state = ? WHERE id = ? AND state = ?
			AND owner IS NULL AND NOT EXISTS (
				SELECT 1 FROM refs WHERE refs.file_id = files.id AND refs.state != ? AND refs.path != ?
			)`, s.pid, string(FileDownloading), fileID, string(FileCached), string(RefMutable), dest)
		if errGo != nil {
			return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		n, errGo := res.RowsAffected()
		if errGo != nil {
			return false, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if n > 0 {
			return true, nil
		}

		// Didn't win exclusive control either; the holders are other
		// jobs' references, which they will eventually drop.
		<-retry.C
	}
}

// ReadGlobalFileStream reads fileID directly from the JobStore as a stream,
// bypassing the cache; a job that keeps the data open must pay for it
// itself rather than have the cache account for it (spec §6).
func (s *Store) ReadGlobalFileStream(ctx context.Context, fileID string) (stream ReadCloser, err kv.Error) {
	return s.jobStore.ReadFileStream(ctx, fileID)
}
