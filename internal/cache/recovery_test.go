// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C4 - recovery engine. These tests plant rows owned by a PID guaranteed
// not to be running (spec §4.4's "steal work from the dead") and check that
// Recover reclaims them, the same way a second worker would after the first
// crashed mid-job.

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"      // MIT
)

// deadPID is a PID vanishingly unlikely to be running on the test host;
// pidIsAlive treats an inconclusive probe as alive, but a clean "not found"
// from gopsutil.PidExists reports false for a PID this high.
const deadPID = 1 << 30

func TestRecoverReapsJobOwnedByDeadWorker(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	jobID := xid.New().String()
	jobTemp := filepath.Join(f.workerTemp, jobID)
	if errGo := os.MkdirAll(jobTemp, 0700); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if _, errGo := f.store.db.ExecContext(ctx,
		`INSERT INTO jobs(id, temp, disk, worker) VALUES (?, ?, ?, ?)`, jobID, jobTemp, int64(1024), deadPID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	refPath := filepath.Join(jobTemp, "orphaned-ref")
	if errGo := os.WriteFile(refPath, []byte("x"), 0600); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if _, errGo := f.store.db.ExecContext(ctx,
		`INSERT INTO refs(path, file_id, job_id, state) VALUES (?, ?, ?, ?)`,
		refPath, xid.New().String(), jobID, string(RefImmutable)); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err := f.store.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	var count int
	row := f.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, jobID)
	if errGo := row.Scan(&count); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if count != 0 {
		t.Fatal(kv.NewError("dead worker's job row survived recovery").With("stack", stack.Trace().TrimRuntime()))
	}

	row = f.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM refs WHERE job_id = ?`, jobID)
	if errGo := row.Scan(&count); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if count != 0 {
		t.Fatal(kv.NewError("dead job's references survived recovery").With("stack", stack.Trace().TrimRuntime()))
	}

	if _, errGo := os.Stat(refPath); !os.IsNotExist(errGo) {
		t.Fatal(kv.NewError("dead job's reference file survived recovery").With("stack", stack.Trace().TrimRuntime()))
	}
	if _, errGo := os.Stat(jobTemp); !os.IsNotExist(errGo) {
		t.Fatal(kv.NewError("dead job's temp directory survived recovery").With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestRecoverReassignsFileOwnedByDeadDownloader(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	fileID := xid.New().String()
	cachePath := f.store.cachedPath(fileID)
	if _, errGo := f.store.db.ExecContext(ctx,
		`INSERT INTO files(id, path, size, state, owner) VALUES (?, ?, ?, ?, ?)`,
		fileID, cachePath, int64(1024), string(FileDownloading), deadPID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err := f.store.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	var owner int
	var state string
	row := f.store.db.QueryRowContext(ctx, `SELECT owner, state FROM files WHERE id = ?`, fileID)
	if errGo := row.Scan(&owner, &state); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if owner != f.store.pid {
		t.Fatal(kv.NewError("file abandoned mid-download was not reassigned to the recovering worker").With("owner", owner).With("stack", stack.Trace().TrimRuntime()))
	}
	if state != string(FileDeleting) {
		t.Fatal(kv.NewError("file abandoned mid-download was not marked for deletion; an in-flight download's data cannot be trusted").With("state", state).With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestRecoverReleasesFileOwnedByDeadUploader(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	fileID := xid.New().String()
	cachePath := f.store.cachedPath(fileID)
	if errGo := os.WriteFile(cachePath, []byte("payload"), 0600); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if _, errGo := f.store.db.ExecContext(ctx,
		`INSERT INTO files(id, path, size, state, owner) VALUES (?, ?, ?, ?, ?)`,
		fileID, cachePath, int64(7), string(FileUploading), deadPID); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err := f.store.Recover(ctx); err != nil {
		t.Fatal(err)
	}

	var owner interface{}
	var state string
	row := f.store.db.QueryRowContext(ctx, `SELECT owner, state FROM files WHERE id = ?`, fileID)
	if errGo := row.Scan(&owner, &state); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if owner != nil {
		t.Fatal(kv.NewError("file abandoned mid-upload should become unowned; its on-disk data is intact and nobody depends on it yet").With("stack", stack.Trace().TrimRuntime()))
	}
	if state != string(FileCached) {
		t.Fatal(kv.NewError("file abandoned mid-upload was not reclassified as cached").With("state", state).With("stack", stack.Trace().TrimRuntime()))
	}
}
