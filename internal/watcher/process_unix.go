//go:build !windows

package watcher

import (
	"errors"
	"syscall"
)

// ProcessExists checks whether a process with the given PID is running.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Sending signal 0 checks for process existence without actually signaling.
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
