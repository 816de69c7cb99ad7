// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

// sameDevice compares the underlying device IDs of two already-Stat'd
// paths, reading the same syscall.Stat_t that internal/cache/freecaching.go
// reads for the link count, applied here to decide whether the demonstration JobStore
// shares a filesystem with the cache directory.

import (
	"os"
	"syscall"
)

func sameDevice(a, b os.FileInfo) bool {
	statA, okA := a.Sys().(*syscall.Stat_t)
	statB, okB := b.Sys().(*syscall.Stat_t)
	if !okA || !okB {
		return false
	}
	return statA.Dev == statB.Dev
}
