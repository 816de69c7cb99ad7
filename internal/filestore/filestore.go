// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package filestore

// filestore declares the enclosing abstract file-store contract that a
// caching implementation (internal/cache) fulfils (spec §6 "Outer file-
// store interface exposed"). It is deliberately thin: a real workflow
// engine's surface covers scheduling, logging, and job-graph bookkeeping
// that have no bearing on the caching coordination problem this module
// solves, so only the file-facing operations are declared here, following
// the same Storage-interface-as-contract pattern as
// internal/runner/storage.go.

import (
	"context"

	"github.com/jjeffery/kv" // MIT License
)

// FileID identifies a file held by the JobStore, carrying its size
// alongside its opaque ID. It is declared only here; internal/cache.FileID
// is an alias of it, so callers programming against this contract do not
// need to import internal/cache just for the identifier type.
type FileID struct {
	ID   string
	Size int64
}

// JobSpec describes a job about to be opened against the store.
type JobSpec struct {
	ID   string
	Disk int64
}

// ReadCloser is the minimal streaming handle returned by
// ReadGlobalFileStream.
type ReadCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}

// FileStore is the operation set a workflow engine's job runner drives a
// caching (or non-caching) file store through. internal/cache.Store
// implements this contract; a no-op or pass-through implementation could
// equally satisfy it for a workflow engine with caching disabled.
type FileStore interface {
	// Open scopes the per-job temp directory and disk reservation around
	// running fn, with cleanup guaranteed on every exit path.
	Open(ctx context.Context, job JobSpec, fn func(ctx context.Context) error) (err kv.Error)

	WriteGlobalFile(ctx context.Context, localPath string, cleanup bool) (id FileID, err kv.Error)
	ReadGlobalFile(ctx context.Context, id FileID, userPath string, cache bool, mutable bool, symlink bool) (localPath string, err kv.Error)
	ReadGlobalFileStream(ctx context.Context, fileID string) (stream ReadCloser, err kv.Error)

	DeleteLocalFile(ctx context.Context, fileID string) (err kv.Error)
	DeleteGlobalFile(ctx context.Context, fileID string) (err kv.Error)
	ExportFile(ctx context.Context, fileID string, url string) (err kv.Error)

	WaitForCommit() (err kv.Error)
	CommitCurrentJob(ctx context.Context) (err kv.Error)
}
