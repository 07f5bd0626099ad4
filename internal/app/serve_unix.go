//go:build !windows

package app

import (
	"fmt"
	"os"
	"syscall"

	"github.com/blackwell-systems/agentwatch/internal/watcher"
)

// shutdownSignals are the OS signals that trigger graceful shutdown.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// stopDaemon reads the PID file and sends SIGTERM to the running daemon.
func stopDaemon() error {
	pid, err := readPID()
	if err != nil {
		return fmt.Errorf("no daemon running (could not read PID file: %v)", err)
	}

	if !watcher.ProcessExists(pid) {
		os.Remove(pidFilePath())
		return fmt.Errorf("no daemon running (PID %d is not active, cleaned up stale PID file)", pid)
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop daemon (PID %d): %w", pid, err)
	}

	// The daemon removes its own PID file on graceful shutdown.
	fmt.Printf("Stopped daemon (PID %d)\n", pid)
	return nil
}
