//go:build !unix

package rsync

import "os/exec"

func detachProcessGroup(*exec.Cmd) {}
