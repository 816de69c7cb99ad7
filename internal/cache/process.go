// Copyright 2018-2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package cache

// C1 - process identity & liveness probe. The recovery engine (C4) needs to
// tell a live worker's PID apart from a dead one left behind by a crash; we
// lean on gopsutil's process package rather than hand rolling a kill(pid, 0)
// probe, the way the teacher already leans on gopsutil/cpu and gopsutil/mem
// for resource introspection.

import (
	"os"

	"github.com/shirou/gopsutil/process"
)

// selfPID returns the PID of the calling worker process.
func selfPID() int {
	return os.Getpid()
}

// pidIsAlive reports whether a process with the given PID is currently
// running on this node. A PID of 0 is never alive; it is our sentinel for
// "unowned".
//
// Known hazard (spec §4.4): PID reuse on long-lived nodes can make a dead
// owner appear alive. Detecting that would require tagging owners with a
// GUID in addition to a PID, which is left as future work.
func pidIsAlive(pid int) bool {
	if pid == 0 {
		return false
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		// Treat an inconclusive probe as "alive" so recovery never steals
		// work out from under a process we simply failed to query.
		return true
	}
	return alive
}
