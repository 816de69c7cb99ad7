// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// This file contains the data model shared by every component of the caching
// engine: the closed enumerations for file/reference state and the row
// structures mirrored from the 'files', 'refs', 'jobs' and 'properties'
// tables described by the schema in store.go.

// FileState is the closed set of states a cached File row may be in.
type FileState string

const (
	// FileDownloading means the file is being pulled from the JobStore into
	// the cache by its owner. No reference but the downloader's own may
	// exist while a file is in this state.
	FileDownloading FileState = "downloading"
	// FileCached means the file is present on disk, complete, and owned by
	// nobody. It is a candidate for eviction once it has no non-mutable
	// references.
	FileCached FileState = "cached"
	// FileUploading means the file is cached on disk and is being pushed to
	// the JobStore by its owner.
	FileUploading FileState = "uploading"
	// FileDeleting means the file is being removed from the cache by its
	// owner; no reference to it is valid.
	FileDeleting FileState = "deleting"
)

// Valid reports whether s is one of the closed set of file states. The
// database boundary rejects anything else, per the dynamic-types-to-enums
// design note.
func (s FileState) Valid() bool {
	switch s {
	case FileDownloading, FileCached, FileUploading, FileDeleting:
		return true
	}
	return false
}

// RefState is the closed set of states a Reference row may be in.
type RefState string

const (
	// RefImmutable is a hardlink or symlink to the canonical cache copy.
	// Bills File.Size bytes against the owning job's disk budget.
	RefImmutable RefState = "immutable"
	// RefCopying is a promise to produce an independent copy; consumes
	// fresh disk beyond the job's budget and forbids eviction.
	RefCopying RefState = "copying"
	// RefMutable is an independent copy already materialized; does not
	// hold the backing file in cache.
	RefMutable RefState = "mutable"
)

// Valid reports whether s is one of the closed set of reference states.
func (s RefState) Valid() bool {
	switch s {
	case RefImmutable, RefCopying, RefMutable:
		return true
	}
	return false
}

// PropertyKey is the closed set of recognized keys in the properties table.
type PropertyKey string

const (
	// PropertyMaxSpace is the byte ceiling the cache is allowed to occupy,
	// seeded at first init from the free space of the filesystem under the
	// cache directory.
	PropertyMaxSpace PropertyKey = "maxSpace"
	// PropertyFreeCaching records whether caching into this node's cache
	// costs additional disk (0) or is free because the JobStore is
	// colocated on the same filesystem (1).
	PropertyFreeCaching PropertyKey = "freeCaching"
)

// File mirrors a row of the 'files' table.
type File struct {
	ID    string
	Path  string
	Size  int64
	State FileState
	// Owner is the PID of the worker acting on this file, or 0 if unowned.
	// Owner == 0 iff State == FileCached.
	Owner int
}

// Reference mirrors a row of the 'refs' table.
type Reference struct {
	Path   string
	FileID string
	JobID  string
	State  RefState
}

// Job mirrors a row of the 'jobs' table.
type Job struct {
	ID   string
	Temp string
	Disk int64
	// Worker is the PID running the job, or 0 if the worker died.
	Worker int
}
