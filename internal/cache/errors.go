// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// This file contains the closed set of error kinds the cache surfaces to
// callers, following the same kv.Error-plus-context idiom used throughout
// internal/runner rather than a hierarchy of typed Go error structs.

import (
	"strings"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Error kind tags, attached to every returned kv.Error via With("kind", ...)
// so that callers who need to branch on the failure mode can do so with
// IsKind without parsing message text themselves.
const (
	KindUnbalanced      = "CacheUnbalanced"
	KindIllegalDeletion = "IllegalDeletionCache"
	KindInvalidSource   = "InvalidSourceCache"
	KindInUse           = "CacheFileInUse"
)

// newUnbalancedErr is raised when freeUpSpace gives up because jobs are
// over-committed relative to the cache limit; fatal for the current job.
// freeUpSpace gives up as soon as one maintenance round makes no progress
// while CacheAvailable is still negative; it does not wait for other
// workers to free space.
func newUnbalancedErr(available int64) (err kv.Error) {
	return kv.NewError("unable to free enough space for caching; jobs are using more disk than they requested").
		With("kind", KindUnbalanced).With("available", available).With("stack", stack.Trace().TrimRuntime())
}

// newIllegalDeletionErr is raised when the recovery engine or delete path
// finds that a tracked reference file was removed from disk without going
// through DeleteLocalFile.
func newIllegalDeletionErr(path string) (err kv.Error) {
	return kv.NewError("cache tracked file was deleted without calling DeleteLocalFile").
		With("kind", KindIllegalDeletion).With("path", path).With("stack", stack.Trace().TrimRuntime())
}

// newInvalidSourceErr is raised when the caller attempts to admit a
// non-local file into the cache.
func newInvalidSourceErr(path string) (err kv.Error) {
	return kv.NewError("file is not local and cannot be admitted into the cache").
		With("kind", KindInvalidSource).With("path", path).With("stack", stack.Trace().TrimRuntime())
}

// newInUseErr is raised by DeleteGlobalFile when other references to the
// file still exist.
func newInUseErr(fileID string, jobID string) (err kv.Error) {
	return kv.NewError("deleted file is still in use by another job").
		With("kind", KindInUse).With("file_id", fileID).With("job_id", jobID).With("stack", stack.Trace().TrimRuntime())
}

// IsKind reports whether err was produced with the given kind tag. Matching
// is done against the rendered message because kv.Error does not expose a
// structured accessor for its With() context.
func IsKind(err error, kind string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "kind=\""+kind+"\"") || strings.Contains(err.Error(), "kind="+kind)
}
