//go:build windows

package registry

import "os"

// IsProcessRunning reports whether pid exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
