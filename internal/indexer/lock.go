package indexer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LockFileName is the writer lock inside the index directory.
const LockFileName = "LOCK"

// ErrLockHeld is matched by errors.Is when another process holds the lock.
var ErrLockHeld = errors.New("index lock held")

// LockHeldError reports the current holder of a writer lock.
type LockHeldError struct {
	Path   string
	Holder string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf(".osgrep lock already held (%s). Another indexing process is running or the lock must be cleared.", e.Holder)
}

// Is lets errors.Is(err, ErrLockHeld) match.
func (e *LockHeldError) Is(target error) bool {
	return target == ErrLockHeld
}

// WriterLock guarantees a single writer per index directory across
// processes. There is no stale lock detection: a lock left by a crashed
// process stays until removed with RemoveWriterLock.
type WriterLock struct {
	path    string
	content string
	once    sync.Once
	err     error
}

// AcquireWriterLock creates the lock file atomically with "<pid>\n<timestamp>"
// as content. If the file already exists it fails with *LockHeldError.
func AcquireWriterLock(indexDir string) (*WriterLock, error) {
	lockPath := filepath.Join(indexDir, LockFileName)
	content := fmt.Sprintf("%d\n%s", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))

	err := linkLock(indexDir, lockPath, content)
	if errors.Is(err, errLinkUnsupported) {
		err = createLock(lockPath, content)
	}
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &LockHeldError{Path: lockPath, Holder: describeLockHolder(lockPath)}
		}
		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}

	return &WriterLock{path: lockPath, content: content}, nil
}

var errLinkUnsupported = errors.New("hard links unsupported")

// linkLock writes content to a private temp file and hard links it into
// place, so the lock never becomes visible half written.
func linkLock(dir, lockPath, content string) error {
	tmp, err := os.CreateTemp(dir, ".lock-*")
	if err != nil {
		return errLinkUnsupported
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return errLinkUnsupported
	}
	if err := tmp.Close(); err != nil {
		return errLinkUnsupported
	}

	if err := os.Link(tmpPath, lockPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return errLinkUnsupported
	}
	return nil
}

func createLock(lockPath, content string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(lockPath)
		return err
	}
	return f.Close()
}

// describeLockHolder returns the lock file content, or "unknown holder".
func describeLockHolder(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unknown holder"
	}
	holder := strings.TrimSpace(string(data))
	if holder == "" {
		return "unknown holder"
	}
	return strings.ReplaceAll(holder, "\n", " @ ")
}

// Path returns the lock file location.
func (l *WriterLock) Path() string {
	return l.path
}

// Release removes the lock file if it is still the one this handle
// created. A lock that was removed, or removed and taken by another writer,
// is left alone. Safe to call more than once.
func (l *WriterLock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		data, err := os.ReadFile(l.path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			l.err = fmt.Errorf("release writer lock: %w", err)
			return
		}
		if string(data) != l.content {
			return
		}
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.err = fmt.Errorf("release writer lock: %w", err)
		}
	})
	return l.err
}

// RemoveWriterLock deletes a lock left behind by a crashed process. It is an
// explicit operator action; nothing calls it automatically.
func RemoveWriterLock(indexDir string) (string, error) {
	lockPath := filepath.Join(indexDir, LockFileName)
	holder := describeLockHolder(lockPath)
	if err := os.Remove(lockPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("remove writer lock: %w", err)
	}
	return holder, nil
}
