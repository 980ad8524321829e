//go:build !windows

// Package processutil adjusts child process attributes per platform.
package processutil

import (
	"os/exec"
	"syscall"
)

// Detach puts the child in its own process group so a terminal Ctrl+C
// reaches only the recorder, which then finalizes the encoder itself.
func Detach(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
