// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package diskjobstore

// diskjobstore is a reference JobStore implementation backed by a plain
// directory on local disk, standing in for the FileJobStore the original
// cachingFileStore.py free-caching probe special-cases (spec §4.3: caching
// is free only when the JobStore and the cache directory share a
// filesystem and hardlinks are free, which is exactly what this store
// gives the cache when rooted under the same volume as its cache
// directory). Grounded on internal/runner/localstorage.go's NewLocalStorage
// constructor/receiver-struct pattern, generalized from a read-only archive
// fetcher to a full read/write/delete content store.

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"

	"github.com/leaf-ai/nodecache/internal/jobstore"
)

// Store is a JobStore backed by files directly on local disk, named by
// generated IDs under root.
type Store struct {
	root      string
	sameFS    bool
	jobsRoot  string
	filesRoot string
}

// New allocates a Store rooted at dir, creating its files/ and jobs/
// subdirectories if necessary. sameFilesystem should report whether dir
// shares a filesystem with the cache directory that will use this store;
// a real deployment derives this from comparing device IDs, which the
// demo binary (cmd/nodecached) does before calling New.
func New(dir string, sameFilesystem bool) (s *Store, err kv.Error) {
	filesRoot := filepath.Join(dir, "files")
	jobsRoot := filepath.Join(dir, "jobs")
	for _, d := range []string{dir, filesRoot, jobsRoot} {
		if errGo := os.MkdirAll(d, 0700); errGo != nil {
			return nil, kv.Wrap(errGo).With("dir", d).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return &Store{root: dir, sameFS: sameFilesystem, jobsRoot: jobsRoot, filesRoot: filesRoot}, nil
}

// SameFilesystem reports whether this store shares a filesystem with the
// cache directory it is paired with (spec §4.3).
func (s *Store) SameFilesystem() bool {
	return s.sameFS
}

func (s *Store) filePath(fileID string) string {
	return filepath.Join(s.filesRoot, fileID)
}

// GetEmptyFileStoreID creates a new zero-length file and returns its ID.
// creatorJobID and cleanup are accepted only for parity with the interface
// and are not recorded; this reference store does not implement
// cleanup-on-job-deletion cascades.
func (s *Store) GetEmptyFileStoreID(ctx context.Context, creatorJobID string, cleanup bool) (fileID string, err kv.Error) {
	fileID = xid.New().String()
	f, errGo := os.Create(s.filePath(fileID))
	if errGo != nil {
		return "", kv.Wrap(errGo).With("file_id", fileID).With("stack", stack.Trace().TrimRuntime())
	}
	defer f.Close()
	return fileID, nil
}

// ReadFile materializes fileID at dstPath. A hardlink is attempted first so
// that, when this store shares a filesystem with the caller's cache
// directory, the free-caching probe observes the link count it expects; a
// symlink or plain copy follow as fallbacks.
func (s *Store) ReadFile(ctx context.Context, fileID string, dstPath string, mutable bool, symlink bool) (err kv.Error) {
	src := s.filePath(fileID)

	if !mutable {
		if errGo := os.Link(src, dstPath); errGo == nil {
			return nil
		}
		if symlink {
			if errGo := os.Symlink(src, dstPath); errGo == nil {
				return nil
			}
		}
	}

	in, errGo := os.Open(filepath.Clean(src))
	if errGo != nil {
		return kv.Wrap(errGo).With("file_id", fileID).With("stack", stack.Trace().TrimRuntime())
	}
	defer in.Close()

	out, errGo := os.Create(dstPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", dstPath).With("stack", stack.Trace().TrimRuntime())
	}
	defer out.Close()

	if _, errGo := io.Copy(out, in); errGo != nil {
		return kv.Wrap(errGo).With("path", dstPath).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// diskStream adapts *os.File to the jobstore.ReadCloser contract.
type diskStream struct {
	*os.File
}

// ReadFileStream opens fileID directly, bypassing any cache.
func (s *Store) ReadFileStream(ctx context.Context, fileID string) (stream jobstore.ReadCloser, err kv.Error) {
	f, errGo := os.Open(filepath.Clean(s.filePath(fileID)))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("file_id", fileID).With("stack", stack.Trace().TrimRuntime())
	}
	return diskStream{f}, nil
}

// UpdateFile replaces fileID's content by reading srcPath in full and
// writing it to the store; the caller's srcPath is left untouched, unlike
// ReadFile's hardlink fast path on the way out.
func (s *Store) UpdateFile(ctx context.Context, fileID string, srcPath string) (err kv.Error) {
	dst := s.filePath(fileID)

	info, errGo := os.Stat(srcPath)
	if errGo != nil {
		return kv.Wrap(errGo).With("path", srcPath).With("stack", stack.Trace().TrimRuntime())
	}
	if info.IsDir() {
		return kv.NewError("cannot update a file store entry from a directory").With("path", srcPath).With("stack", stack.Trace().TrimRuntime())
	}

	data, errGo := ioutil.ReadFile(filepath.Clean(srcPath))
	if errGo != nil {
		return kv.Wrap(errGo).With("path", srcPath).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := ioutil.WriteFile(dst, data, 0600); errGo != nil {
		return kv.Wrap(errGo).With("path", dst).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// DeleteFile removes fileID from the store. A missing file is not an
// error; the caller only wants the absence, which already holds.
func (s *Store) DeleteFile(ctx context.Context, fileID string) (err kv.Error) {
	if errGo := os.Remove(s.filePath(fileID)); errGo != nil && !os.IsNotExist(errGo) {
		return kv.Wrap(errGo).With("file_id", fileID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// ExportFile copies fileID's content to an externally addressed path.
// Only the file:// scheme is supported; this reference store has no
// network surface.
func (s *Store) ExportFile(ctx context.Context, fileID string, url string) (err kv.Error) {
	const prefix = "file://"
	if len(url) < len(prefix) || url[:len(prefix)] != prefix {
		return kv.NewError("diskjobstore only exports to file:// destinations").With("url", url).With("stack", stack.Trace().TrimRuntime())
	}
	return s.ReadFile(ctx, fileID, url[len(prefix):], true, false)
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.jobsRoot, jobID)
}

// Update persists jobID's wrapper, recording which files the cache has
// told us it is done with.
func (s *Store) Update(ctx context.Context, jobID string, filesToDelete []string) (err kv.Error) {
	if errGo := os.MkdirAll(s.jobPath(jobID), 0700); errGo != nil {
		return kv.Wrap(errGo).With("job_id", jobID).With("stack", stack.Trace().TrimRuntime())
	}
	marker := filepath.Join(s.jobPath(jobID), "updated")
	contents := ""
	for _, f := range filesToDelete {
		contents += f + "\n"
	}
	if errGo := ioutil.WriteFile(marker, []byte(contents), 0600); errGo != nil {
		return kv.Wrap(errGo).With("job_id", jobID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Delete removes jobID's JobStore-side bookkeeping entirely.
func (s *Store) Delete(ctx context.Context, jobID string) (err kv.Error) {
	if errGo := os.RemoveAll(s.jobPath(jobID)); errGo != nil {
		return kv.Wrap(errGo).With("job_id", jobID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
