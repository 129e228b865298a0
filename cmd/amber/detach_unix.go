//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// newSession detaches cmd from the controlling terminal so closing it
// does not stop the sync.
func newSession(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
