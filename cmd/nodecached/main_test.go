// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"testing"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"      // MIT
)

// TestEntryPointOpensAndRecoversCache drives EntryPoint directly the way a
// test binary does instead of going through Main, matching the coverage
// split documented on EntryPoint itself.
func TestEntryPointOpensAndRecoversCache(t *testing.T) {
	workerTemp, errGo := ioutil.TempDir("", xid.New().String())
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	defer os.RemoveAll(workerTemp)

	jobStoreDir, errGo := ioutil.TempDir("", xid.New().String())
	if errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	defer os.RemoveAll(jobStoreDir)

	if errGo := flag.Set("worker-temp", workerTemp); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := flag.Set("job-store-dir", jobStoreDir); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := flag.Set("workflow-id", xid.New().String()); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}
	if errGo := flag.Set("max-space", "64mb"); errGo != nil {
		t.Fatal(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err := EntryPoint(context.Background()); err != nil {
		t.Fatal(err)
	}
}
