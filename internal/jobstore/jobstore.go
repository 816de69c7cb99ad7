// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package jobstore

import (
	"context"

	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/nodecache/internal/filestore"
)

// JobStore is the contract the cache engine (internal/cache) consumes for
// everything it cannot do itself: it is the remote/shared source of truth
// the cache admits content from and uploads content to (spec §6). This is
// the same shape as internal/cache.JobStore; it is declared again here,
// rather than imported, so that a jobstore implementation package (such as
// diskjobstore) depends on jobstore instead of reaching into cache,
// matching the teacher's Storage-interface-in-its-own-file layering in
// internal/runner/storage.go.
type JobStore interface {
	// GetEmptyFileStoreID reserves a new file ID owned by creatorJobID,
	// ready to receive content via UpdateFile. cleanup marks the file for
	// removal when creatorJobID's job tree is cleaned up.
	GetEmptyFileStoreID(ctx context.Context, creatorJobID string, cleanup bool) (fileID string, err kv.Error)

	// ReadFile materializes fileID's content at dstPath. mutable requests a
	// copy the caller may modify; symlink permits a symlink instead of a
	// hardlink/copy when mutable is false.
	ReadFile(ctx context.Context, fileID string, dstPath string, mutable bool, symlink bool) (err kv.Error)

	// ReadFileStream opens fileID's content as a stream without touching
	// local disk.
	ReadFileStream(ctx context.Context, fileID string) (stream ReadCloser, err kv.Error)

	// UpdateFile uploads srcPath's content as fileID's new content.
	UpdateFile(ctx context.Context, fileID string, srcPath string) (err kv.Error)

	// DeleteFile removes fileID from the JobStore entirely.
	DeleteFile(ctx context.Context, fileID string) (err kv.Error)

	// ExportFile copies fileID's content to an externally addressed url,
	// outside of the caching engine's own bookkeeping.
	ExportFile(ctx context.Context, fileID string, url string) (err kv.Error)

	// Update persists the job wrapper identified by jobID, recording the
	// set of global files that should be considered deleted once this
	// update is acknowledged.
	Update(ctx context.Context, jobID string, filesToDelete []string) (err kv.Error)

	// Delete removes a completed job's bookkeeping from the JobStore.
	Delete(ctx context.Context, jobID string) (err kv.Error)

	// SameFilesystem reports whether this JobStore's own storage shares a
	// filesystem with the cache directory; the free-caching probe (spec
	// §4.3) only trusts a positive hardlink-count test when this is true.
	SameFilesystem() bool
}

// ReadCloser is the minimal streaming handle returned by
// JobStore.ReadFileStream; an alias onto the outer contract's type.
type ReadCloser = filestore.ReadCloser
