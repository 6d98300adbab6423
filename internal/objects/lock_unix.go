//go:build !windows

package objects

import (
	"os"
	"syscall"
)

// processExists returns true if a process with the given PID exists and is
// owned by the current user (or a privileged one), on the local host.
func processExists(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
