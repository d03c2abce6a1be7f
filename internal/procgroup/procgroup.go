// Package procgroup starts adapter subprocesses in their own process group
// so cancellation can reap the whole tree, including any children the
// external tool forks.
package procgroup

import (
	"os/exec"
	"time"
)

// Set configures the command to start in a new process group. Required for
// Terminate to act as a group reaper.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate stops the command's process group: SIGTERM, wait up to grace,
// then SIGKILL. Safe to call on already-exited processes.
func Terminate(cmd *exec.Cmd, grace time.Duration) error {
	return terminate(cmd, grace)
}
