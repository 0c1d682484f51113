package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ServerLockFileName marks a running daemon inside a project's index dir.
const ServerLockFileName = "server.json"

// ErrNoServer is returned when a project has no live daemon.
var ErrNoServer = errors.New("no running server")

// ServerLock is the per-project record of the daemon serving it.
type ServerLock struct {
	Port      int    `json:"port"`
	PID       int    `json:"pid"`
	AuthToken string `json:"authToken,omitempty"`
}

func serverLockPath(indexDir string) string {
	return filepath.Join(indexDir, ServerLockFileName)
}

// WriteServerLock records the daemon for indexDir.
func WriteServerLock(indexDir string, l ServerLock) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(serverLockPath(indexDir), data); err != nil {
		return fmt.Errorf("write server lock: %w", err)
	}
	return nil
}

// ReadServerLock returns the recorded daemon, or nil when there is none.
func ReadServerLock(indexDir string) (*ServerLock, error) {
	data, err := os.ReadFile(serverLockPath(indexDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read server lock: %w", err)
	}
	var l ServerLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse server lock: %w", err)
	}
	return &l, nil
}

// ClearServerLock removes the record. A missing file is not an error.
func ClearServerLock(indexDir string) error {
	err := os.Remove(serverLockPath(indexDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear server lock: %w", err)
	}
	return nil
}

// LiveServer returns the daemon for indexDir if its process is still
// running. A lock left by a dead process yields ErrNoServer.
func LiveServer(indexDir string) (*ServerLock, error) {
	l, err := ReadServerLock(indexDir)
	if err != nil {
		return nil, err
	}
	if l == nil || l.Port == 0 || !IsProcessRunning(l.PID) {
		return nil, ErrNoServer
	}
	return l, nil
}
