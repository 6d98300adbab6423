//go:build windows

package objects

import "os"

// processExists returns true if a process with the given PID exists on the
// local host. Windows has no signal-0 equivalent, so opening a handle to
// the process is used instead.
func processExists(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
