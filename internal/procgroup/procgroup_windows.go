//go:build windows

package procgroup

import (
	"os/exec"
	"time"
)

func set(cmd *exec.Cmd) {}

func terminate(cmd *exec.Cmd, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
