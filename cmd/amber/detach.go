package main

import (
	"fmt"
	"os"
	"os/exec"
)

// spawnDetached starts "amber sync JOB" in a new session with no terminal
// attached and returns its pid. The child logs to amber.log as usual.
func spawnDetached(job string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating executable: %w", err)
	}
	args := []string{"sync", job}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.Command(exe, args...)
	newSession(cmd)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting background sync: %w", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("releasing background sync: %w", err)
	}
	return pid, nil
}
