// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// §4.3 - free caching probe, run against the diskjobstore reference
// implementation rooted on the same filesystem as the cache directory,
// where hardlinking is expected to be free.

import (
	"context"
	"testing"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

func TestCachingIsFreeOnSameFilesystem(t *testing.T) {
	f := newTestFixture(t)
	defer f.cleanup()

	ctx := context.Background()

	free, err := f.store.CachingIsFree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !free {
		t.Fatal(kv.NewError("expected caching to be free when the JobStore and cache directory share a filesystem").With("stack", stack.Trace().TrimRuntime()))
	}

	// The result must be persisted: a second call (and any other worker's
	// call against the same database) reads back the stored value rather
	// than re-probing.
	again, err := f.store.CachingIsFree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !again {
		t.Fatal(kv.NewError("second call to CachingIsFree did not agree with the first").With("stack", stack.Trace().TrimRuntime()))
	}
}
