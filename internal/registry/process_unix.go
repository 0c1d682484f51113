//go:build !windows

package registry

import (
	"errors"
	"os"
	"syscall"
)

// IsProcessRunning reports whether pid exists, using signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	// EPERM: alive but owned by someone else
	return err == nil || errors.Is(err, syscall.EPERM)
}
