// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C5 - maintenance loop. Exercises eviction under pressure and the
// give-up-with-CacheUnbalancedError behavior documented in DESIGN.md.

import (
	"context"
	"os"
	"testing"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"      // MIT
)

func TestFreeUpSpaceEvictsUnreferencedCachedFile(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	if err := f.store.AdjustCacheLimit(ctx, 100); err != nil {
		t.Fatal(err)
	}

	fileID := xid.New().String()
	cachePath := f.store.cachedPath(fileID)
	if errGo := os.WriteFile(cachePath, make([]byte, 200), 0600); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if _, errGo := f.store.db.ExecContext(ctx,
		`INSERT INTO files(id, path, size, state, owner) VALUES (?, ?, ?, ?, NULL)`,
		fileID, cachePath, int64(200), string(FileCached)); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err := f.store.freeUpSpace(ctx); err != nil {
		t.Fatal(err)
	}

	cached, err := f.store.FileIsCached(ctx, fileID)
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Fatal(kv.NewError("unreferenced file was not evicted to bring the cache back within budget").With("stack", stack.Trace().TrimRuntime()))
	}
	if _, errGo := os.Stat(cachePath); !os.IsNotExist(errGo) {
		t.Fatal(kv.NewError("evicted file's on-disk copy was not removed").With("stack", stack.Trace().TrimRuntime()))
	}
}

func TestFreeUpSpaceGivesUpWhenNothingIsEvictable(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	if err := f.store.AdjustCacheLimit(ctx, 100); err != nil {
		t.Fatal(err)
	}

	// A job reserving more disk than the whole cache limit, with no
	// cached files to evict, can never be brought back into budget.
	if _, errGo := f.store.db.ExecContext(ctx,
		`INSERT INTO jobs(id, temp, disk, worker) VALUES (?, ?, ?, ?)`,
		xid.New().String(), f.workerTemp, int64(1000), f.store.pid); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	err := f.store.freeUpSpace(ctx)
	if err == nil {
		t.Fatal(kv.NewError("expected freeUpSpace to give up when no progress can be made").With("stack", stack.Trace().TrimRuntime()))
	}
	if !IsKind(err, KindUnbalanced) {
		t.Fatal(kv.NewError("freeUpSpace failure was not tagged CacheUnbalanced").With("error", err.Error()).With("stack", stack.Trace().TrimRuntime()))
	}
}
