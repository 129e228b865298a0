//go:build unix

package rsync

import (
	"os/exec"
	"syscall"
)

// detachProcessGroup keeps a terminal's SIGINT from reaching rsync
// directly; cancellation goes through the context instead.
func detachProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
