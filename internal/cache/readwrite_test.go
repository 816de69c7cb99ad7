// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// End-to-end exercises of the write and read paths (C6, C7): admitting a
// local file into the cache, then reading it back both immutably (shared,
// via hardlink) and mutably (an independent copy), mirroring the scenarios
// spec.md §8 walks through.

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"      // MIT
)

const testPayload = "the quick brown fox jumps over the lazy dog"

// admitTestFile runs a throwaway job that writes payload to a local file and
// admits it into the cache, returning the FileID the JobStore now holds it
// under. The file is left in the FileUploading state until the caller drives
// a maintenance round, matching production: when the hardlink into the cache
// succeeds, as it does here, WriteGlobalFile only defers the upload.
func admitTestFile(t *testing.T, f *testFixture, payload string) (id FileID) {
	t.Helper()
	ctx := context.Background()

	job := JobSpec{ID: xid.New().String(), Disk: 1 << 20}
	err := f.store.Open(ctx, job, func(ctx context.Context) error {
		if errGo := ioutil.WriteFile("data.txt", []byte(payload), 0600); errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		var errWrite kv.Error
		id, errWrite = f.store.WriteGlobalFile(ctx, "data.txt", false)
		return errWrite
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestWriteThenExecutePendingUploadCaches(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	id := admitTestFile(t, f, testPayload)

	// WriteGlobalFile only hardlinks the file in; the upload to the
	// JobStore (and the files row's transition out of "uploading") happens
	// on a later maintenance round.
	uploaded, err := f.store.executePendingUploads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if uploaded != 1 {
		t.Fatal(kv.NewError("expected exactly one pending upload to be executed").With("uploaded", uploaded).With("stack", stack.Trace().TrimRuntime()))
	}

	cached, err := f.store.FileIsCached(ctx, id.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal(kv.NewError("file was not cached after its pending upload completed").With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestReadGlobalFileImmutableContentMatches(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	id := admitTestFile(t, f, testPayload)
	if _, err := f.store.executePendingUploads(ctx); err != nil {
		t.Fatal(err)
	}

	readerJob := JobSpec{ID: xid.New().String(), Disk: 1 << 20}
	err := f.store.Open(ctx, readerJob, func(ctx context.Context) error {
		readPath, errRead := f.store.ReadGlobalFile(ctx, id, "", true, false, true)
		if errRead != nil {
			return errRead
		}
		got, errGo := ioutil.ReadFile(filepath.Clean(readPath))
		if errGo != nil {
			return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
		}
		if string(got) != testPayload {
			return kv.NewError("read back content did not match what was written").With("got", string(got)).With("stack", stack.Trace().TrimRuntime())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReadGlobalFileMutableProducesIndependentCopy(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	id := admitTestFile(t, f, testPayload)
	if _, err := f.store.executePendingUploads(ctx); err != nil {
		t.Fatal(err)
	}

	var mutablePath string
	readerJob := JobSpec{ID: xid.New().String(), Disk: 1 << 20}
	err := f.store.Open(ctx, readerJob, func(ctx context.Context) error {
		var errRead kv.Error
		mutablePath, errRead = f.store.ReadGlobalFile(ctx, id, "", true, true, false)
		if errRead != nil {
			return errRead
		}
		// A mutable read must be writable without disturbing the cache's
		// own copy; appending here and checking the cache copy afterward
		// is done outside this closure since Open restores the working
		// directory and clears job state once it returns.
		return ioutil.WriteFile(mutablePath, []byte(testPayload+" mutated"), 0600)
	})
	if err != nil {
		t.Fatal(err)
	}

	cached, err := f.store.FileIsCached(ctx, id.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Fatal(kv.NewError("mutable read should not have consumed the cached file when other copies remain possible").With("stack", stack.Trace().TrimRuntime()))
	}

	cachePath := f.store.cachedPath(id.ID)
	original, errGo := ioutil.ReadFile(filepath.Clean(cachePath))
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if string(original) != testPayload {
		t.Fatal(kv.NewError("mutating the reader's copy leaked back into the cache's own copy").With("got", string(original)).With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestDeleteLocalFileThenGlobalRetiresFile(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	id := admitTestFile(t, f, testPayload)
	if _, err := f.store.executePendingUploads(ctx); err != nil {
		t.Fatal(err)
	}

	writerJobID := ""
	row := f.store.db.QueryRowContext(ctx, `SELECT job_id FROM refs WHERE file_id = ? LIMIT 1`, id.ID)
	if errGo := row.Scan(&writerJobID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	// Re-enter the writer's job scope (a fresh Open, same job ID) to drop
	// its own reference before retiring the file globally; DeleteLocalFile
	// only ever acts on the currently open job's references. The writer's
	// job was never committed, so its jobs row is still present and Open
	// would fail to insert it again; drop that row first. Its references
	// stay, keyed by the job ID.
	if _, errGo := f.store.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, writerJobID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	err := f.store.Open(ctx, JobSpec{ID: writerJobID, Disk: 1 << 20}, func(ctx context.Context) error {
		return f.store.DeleteLocalFile(ctx, id.ID)
	})
	if err != nil {
		t.Fatal(err)
	}

	count, err := f.store.FileReaderCount(ctx, id.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatal(kv.NewError("references survived DeleteLocalFile").With("count", count).With("stack", stack.Trace().TrimRuntime()))
	}

	if _, errGo := f.store.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, writerJobID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	err = f.store.Open(ctx, JobSpec{ID: writerJobID, Disk: 1 << 20}, func(ctx context.Context) error {
		return f.store.DeleteGlobalFile(ctx, id.ID)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.store.executePendingDeletions(ctx); err != nil {
		t.Fatal(err)
	}

	if _, errGo := os.Stat(f.store.cachedPath(id.ID)); !os.IsNotExist(errGo) {
		t.Fatal(kv.NewError("retired file still present on disk").With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestDeleteGlobalFileFailsWhileStillReferenced(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	id := admitTestFile(t, f, testPayload)
	if _, err := f.store.executePendingUploads(ctx); err != nil {
		t.Fatal(err)
	}

	readerJob := JobSpec{ID: xid.New().String(), Disk: 1 << 20}
	err := f.store.Open(ctx, readerJob, func(ctx context.Context) error {
		_, errRead := f.store.ReadGlobalFile(ctx, id, "", true, false, true)
		return errRead
	})
	if err != nil {
		t.Fatal(err)
	}

	writerJobID := ""
	row := f.store.db.QueryRowContext(ctx, `SELECT job_id FROM refs WHERE file_id = ? AND job_id != ? LIMIT 1`, id.ID, readerJob.ID)
	if errGo := row.Scan(&writerJobID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	// The writer's uncommitted jobs row would make Open's insert fail; drop
	// it so the writer's job scope can be re-entered.
	if _, errGo := f.store.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, writerJobID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	err = f.store.Open(ctx, JobSpec{ID: writerJobID, Disk: 1 << 20}, func(ctx context.Context) error {
		return f.store.DeleteGlobalFile(ctx, id.ID)
	})
	if err == nil {
		t.Fatal(kv.NewError("expected DeleteGlobalFile to refuse while the reader job still holds a reference").With("stack", stack.Trace().TrimRuntime()))
	}
	if !IsKind(err, KindInUse) {
		t.Fatal(kv.NewError("DeleteGlobalFile failure was not tagged CacheFileInUse").With("error", err.Error()).With("stack", stack.Trace().TrimRuntime()))
	}
}
