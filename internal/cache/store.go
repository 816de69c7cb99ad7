// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C2 - persistent store. Every worker on the node opens the same database
// file; database/sql plus modernc.org/sqlite's own file locking gives us
// atomicity between workers without any in-process locking of our own. This
// file owns schema bootstrap/migration and the cache.db hardlink that lets
// Shutdown find the most recent attempt's database without any instance
// state (spec §4.1, §4.11).

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/leaf-ai/nodecache/internal/filestore"
	_ "modernc.org/sqlite"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
	id    TEXT NOT NULL PRIMARY KEY,
	path  TEXT UNIQUE NOT NULL,
	size  INTEGER NOT NULL,
	state TEXT NOT NULL CHECK (state IN ('downloading', 'cached', 'uploading', 'deleting')),
	owner INTEGER
);
CREATE TABLE IF NOT EXISTS refs (
	path    TEXT NOT NULL PRIMARY KEY,
	file_id TEXT NOT NULL,
	job_id  TEXT NOT NULL,
	state   TEXT NOT NULL CHECK (state IN ('immutable', 'copying', 'mutable'))
);
CREATE TABLE IF NOT EXISTS jobs (
	id     TEXT NOT NULL PRIMARY KEY,
	temp   TEXT NOT NULL,
	disk   INTEGER NOT NULL,
	worker INTEGER
);
CREATE TABLE IF NOT EXISTS properties (
	name  TEXT NOT NULL PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// Store is the per-worker handle onto the shared on-disk database and cache
// directory. Every exported operation of the caching engine (C6-C10) hangs
// off this type; the database connection, cursor-equivalent, and PID are
// held here rather than in package level globals, per the explicit
// connection handles design note.
type Store struct {
	db  *sql.DB
	log *logger

	cacheDir string
	dbPath   string
	pid      int

	workflowID     string
	attemptNumber  int
	jobStore       JobStore
	workerTempRoot string

	mu sync.Mutex // guards the job scope fields and deletion queues below

	// current job scope, set by Open and cleared when its scope exits.
	currentJobID   string
	currentJobTemp string
	jobDiskBytes   int64

	// filesToDelete accumulates global-delete requests queued by
	// DeleteGlobalFile until the next CommitCurrentJob (spec §4.8, §4.10).
	filesToDelete []string
	// jobsToDelete accumulates JobStore-side job records to retire at the
	// next CommitCurrentJob.
	jobsToDelete []string

	terminateOnce sync.Once
	terminateC    chan struct{}
}

// Terminated returns a channel that is closed once a commit failure has set
// the shared termination event (spec §4.10: "any failure sets the shared
// termination event and propagates"). Other workers/goroutines sharing this
// Store can select on it to stop starting new work.
func (s *Store) Terminated() <-chan struct{} {
	return s.terminateC
}

func (s *Store) signalTermination() {
	s.terminateOnce.Do(func() { close(s.terminateC) })
}

// QueueJobDeletion marks a completed job's JobStore-side bookkeeping for
// removal at the next CommitCurrentJob, mirroring the filesToDelete queue
// used by DeleteGlobalFile.
func (s *Store) QueueJobDeletion(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobsToDelete = append(s.jobsToDelete, jobID)
}

// JobStore is the subset of the backing content store that the cache
// engine consumes (spec §6). It is implemented out of process by whatever
// remote or local backing store the surrounding workflow engine uses; the
// cache treats it purely as a collaborator.
type JobStore interface {
	GetEmptyFileStoreID(ctx context.Context, creatorJobID string, cleanup bool) (fileID string, err kv.Error)
	ReadFile(ctx context.Context, fileID string, dstPath string, mutable bool, symlink bool) (err kv.Error)
	ReadFileStream(ctx context.Context, fileID string) (stream ReadCloser, err kv.Error)
	UpdateFile(ctx context.Context, fileID string, srcPath string) (err kv.Error)
	DeleteFile(ctx context.Context, fileID string) (err kv.Error)
	ExportFile(ctx context.Context, fileID string, url string) (err kv.Error)
	// Update persists the job wrapper identified by jobID, recording the
	// set of global files that should be considered deleted once this
	// update is acknowledged (spec §6 "update(jobGraph)").
	Update(ctx context.Context, jobID string, filesToDelete []string) (err kv.Error)
	// Delete removes a completed job's bookkeeping from the JobStore
	// (spec §6 "delete(jobId)").
	Delete(ctx context.Context, jobID string) (err kv.Error)
	SameFilesystem() bool
}

// ReadCloser is the minimal streaming handle returned by
// JobStore.ReadFileStream; an alias onto the outer contract's type so that
// a Store satisfies filestore.FileStore without a wrapper.
type ReadCloser = filestore.ReadCloser

// cacheDirName mirrors the naming convention used by the workflow engine
// to keep attempts of different workflows from colliding under the same
// worker temp directory (spec §6 On-disk layout, GLOSSARY "Workflow attempt").
func cacheDirName(workflowID string) string {
	return fmt.Sprintf("cache-%s", workflowID)
}

// Open establishes (creating if necessary) the shared database for this
// workflow attempt under workerTempParent/cacheDirName(workflowID)/, runs
// schema bootstrap, seeds the maxSpace property from filesystem free space
// on first init, and publishes the cache.db hardlink used by Shutdown.
func Open(ctx context.Context, workerTempParent string, workflowID string, attemptNumber int, js JobStore) (s *Store, err kv.Error) {
	cacheDir := filepath.Join(workerTempParent, cacheDirName(workflowID))
	if errGo := os.MkdirAll(cacheDir, 0700); errGo != nil {
		return nil, kv.Wrap(errGo).With("dir", cacheDir).With("stack", stack.Trace().TrimRuntime())
	}

	dbPath := filepath.Join(cacheDir, fmt.Sprintf("cache-%d.db", attemptNumber))

	db, errGo := sql.Open("sqlite", dsn(dbPath))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("db", dbPath).With("stack", stack.Trace().TrimRuntime())
	}
	// The database is the sole serialization point across cooperating
	// worker processes; one connection per worker keeps our own use of it
	// single-threaded and lets sqlite's file locking do the rest.
	db.SetMaxOpenConns(1)

	s = &Store{
		db:             db,
		log:            newLogger("cache"),
		cacheDir:       cacheDir,
		dbPath:         dbPath,
		pid:            selfPID(),
		workflowID:     workflowID,
		attemptNumber:  attemptNumber,
		jobStore:       js,
		workerTempRoot: workerTempParent,
		terminateC:     make(chan struct{}),
	}

	if err = s.ensureTables(ctx); err != nil {
		return nil, err
	}

	linkPath := filepath.Join(cacheDir, "cache.db")
	_ = os.Remove(linkPath)
	if errGo := os.Link(dbPath, linkPath); errGo != nil {
		return nil, kv.Wrap(errGo).With("link", linkPath).With("stack", stack.Trace().TrimRuntime())
	}

	if err = s.seedMaxSpace(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// dsn builds the database/sql data source name for the sqlite driver with a
// generous busy timeout so that lock contention between cooperating workers
// is retried rather than surfaced as SQLITE_BUSY.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
}

// ensureTables creates the four tables of the schema idempotently. It is
// also called, independent of any Store instance, by Shutdown against a
// freshly opened connection so that a corrupt or partial init never crashes
// recovery (spec §4.11).
func (s *Store) ensureTables(ctx context.Context) (err kv.Error) {
	if _, errGo := s.db.ExecContext(ctx, schemaDDL); errGo != nil {
		return kv.Wrap(errGo).With("db", s.dbPath).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// seedMaxSpace inserts the maxSpace property from the filesystem free space
// under the cache directory, but only if it is not already present; re-runs
// of Open against an existing database must not clobber an operator's
// AdjustCacheLimit call.
func (s *Store) seedMaxSpace(ctx context.Context) (err kv.Error) {
	free, errGo := filesystemFreeBytes(s.cacheDir)
	if errGo != nil {
		return kv.Wrap(errGo).With("dir", s.cacheDir).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO properties(name, value) VALUES (?, ?)`,
		string(PropertyMaxSpace), int64(free)); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Close releases the database handle. It does not touch any on-disk state;
// use Shutdown for a full teardown of the cache directory.
func (s *Store) Close() (err kv.Error) {
	if errGo := s.db.Close(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// CacheDir returns the cache directory this store is rooted at.
func (s *Store) CacheDir() string {
	return s.cacheDir
}

// PID returns this worker's process ID, the value used as File.Owner and
// Job.Worker when this worker claims ownership of either.
func (s *Store) PID() int {
	return s.pid
}

// withTx runs fn inside one transaction, committing on success and rolling
// back on any error. It is the only place in the package that opens a
// transaction spanning more than one statement, matching spec §4.1's rule
// that every logically atomic change commits as a unit.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err kv.Error) {
	tx, errGo := s.db.BeginTx(ctx, nil)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := fn(tx); errGo != nil {
		_ = tx.Rollback()
		if kvErr, ok := errGo.(kv.Error); ok {
			return kvErr
		}
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := tx.Commit(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
