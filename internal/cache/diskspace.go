// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// filesystemFreeBytes reports the free space of the filesystem containing
// path, used once to seed the maxSpace property (spec §3, §4.1). Grounded
// on the teacher's internal/runner/disk.go GetPathFree, which uses the same
// syscall.Statfs call to answer "how much physical free space is there".

import (
	"syscall"
)

func filesystemFreeBytes(path string) (free uint64, err error) {
	fs := syscall.Statfs_t{}
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, err
	}
	return fs.Bfree * uint64(fs.Bsize), nil
}
