// Package git answers repository questions for the indexer: whether a
// directory is a repository, where its root and shared git dir live, which
// files git considers part of the working tree, and which paths .gitignore
// excludes.
//
// Every failure of the git binary is treated as "not a repository" or "no
// answer". Nothing in this package returns a fatal error for a missing or
// broken git installation.
package git

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default timeout for short git queries
const commandTimeout = 5 * time.Second

// maxPathLength bounds a single NUL delimited entry from ls-files
const maxPathLength = 1 << 20

type filterEntry struct {
	mtime  time.Time
	filter *IgnoreFilter
}

// Adapter runs git queries with per-instance caches keyed by canonical path.
// Two adapters never share cache entries.
type Adapter struct {
	binary string
	logger *slog.Logger

	mu       sync.Mutex
	isRepo   map[string]bool
	roots    map[string]string
	remotes  map[string]string
	gitDirs  map[string]string
	commons  map[string]string
	filters  map[string]filterEntry
	runQuery func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewAdapter creates an adapter using the git binary found on PATH.
func NewAdapter(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		binary:  "git",
		logger:  logger,
		isRepo:  make(map[string]bool),
		roots:   make(map[string]string),
		remotes: make(map[string]string),
		gitDirs: make(map[string]string),
		commons: make(map[string]string),
		filters: make(map[string]filterEntry),
	}
	a.runQuery = a.run
	return a
}

func (a *Adapter) run(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}

// cached looks up key in m or computes it with fn. Misses are cached too.
func (a *Adapter) cached(m map[string]string, dir string, fn func(string) string) (string, bool) {
	key := canonical(dir)
	a.mu.Lock()
	v, ok := m[key]
	a.mu.Unlock()
	if !ok {
		v = fn(key)
		a.mu.Lock()
		m[key] = v
		a.mu.Unlock()
	}
	return v, v != ""
}

// IsRepository reports whether dir is inside a git working tree.
func (a *Adapter) IsRepository(dir string) bool {
	key := canonical(dir)
	a.mu.Lock()
	v, ok := a.isRepo[key]
	a.mu.Unlock()
	if ok {
		return v
	}

	_, err := a.runQuery(context.Background(), key, "rev-parse", "--git-dir")
	v = err == nil
	a.mu.Lock()
	a.isRepo[key] = v
	a.mu.Unlock()
	return v
}

// RepositoryRoot returns the top level of the working tree containing dir.
func (a *Adapter) RepositoryRoot(dir string) (string, bool) {
	return a.cached(a.roots, dir, func(key string) string {
		out, err := a.runQuery(context.Background(), key, "rev-parse", "--show-toplevel")
		if err != nil || out == "" {
			return ""
		}
		return canonical(out)
	})
}

// RemoteURL returns the origin remote URL of the repository at dir.
func (a *Adapter) RemoteURL(dir string) (string, bool) {
	return a.cached(a.remotes, dir, func(key string) string {
		out, err := a.runQuery(context.Background(), key, "config", "--get", "remote.origin.url")
		if err != nil {
			return ""
		}
		return out
	})
}

// GitDir returns the canonical git directory for dir.
func (a *Adapter) GitDir(dir string) (string, bool) {
	return a.cached(a.gitDirs, dir, func(key string) string {
		out, err := a.runQuery(context.Background(), key, "rev-parse", "--git-dir")
		if err != nil || out == "" {
			if gd, ok := resolveGitDir(key); ok {
				return gd
			}
			return ""
		}
		if !filepath.IsAbs(out) {
			out = filepath.Join(key, out)
		}
		return canonical(out)
	})
}

// CommonDir returns the canonical shared git directory for dir. For a main
// checkout it equals GitDir.
func (a *Adapter) CommonDir(dir string) (string, bool) {
	return a.cached(a.commons, dir, func(key string) string {
		out, err := a.runQuery(context.Background(), key, "rev-parse", "--git-common-dir")
		if err != nil || out == "" {
			if common, ok := GitCommonDir(key); ok {
				return common
			}
			gd, _ := resolveGitDir(key)
			return gd
		}
		if !filepath.IsAbs(out) {
			out = filepath.Join(key, out)
		}
		return canonical(out)
	})
}

// IsWorktree reports whether dir is a linked worktree.
func (a *Adapter) IsWorktree(dir string) bool {
	gitDir, ok := a.GitDir(dir)
	if !ok {
		return false
	}
	common, ok := a.CommonDir(dir)
	if !ok {
		return false
	}
	return gitDir != common
}

// MainRepoRoot returns the working tree root owning the worktree at dir.
func (a *Adapter) MainRepoRoot(dir string) (string, bool) {
	if !a.IsWorktree(dir) {
		return "", false
	}
	common, _ := a.CommonDir(dir)
	return canonical(filepath.Dir(common)), true
}

// IgnoreContent reads the .gitignore at root.
func (a *Adapter) IgnoreContent(root string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// IgnoreFilter returns the compiled .gitignore of root. The filter is cached
// per canonical root and rebuilt whenever the file's mtime changes. A missing
// file counts as the zero mtime.
func (a *Adapter) IgnoreFilter(root string) *IgnoreFilter {
	key := canonical(root)

	var mtime time.Time
	if info, err := os.Stat(filepath.Join(key, ".gitignore")); err == nil {
		mtime = info.ModTime()
	}

	a.mu.Lock()
	entry, ok := a.filters[key]
	a.mu.Unlock()
	if ok && entry.mtime.Equal(mtime) {
		return entry.filter
	}

	content, _ := a.IgnoreContent(key)
	filter := NewIgnoreFilter(key, content)

	a.mu.Lock()
	a.filters[key] = filterEntry{mtime: mtime, filter: filter}
	a.mu.Unlock()
	return filter
}

// StreamFiles yields the absolute paths of tracked and untracked, non ignored
// files under dir as git produces them. Breaking out of the loop stops the
// subprocess. An error is only yielded when git could not be started or
// exited abnormally.
func (a *Adapter) StreamFiles(ctx context.Context, dir string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := exec.CommandContext(ctx, a.binary, "ls-files", "-z", "--others", "--exclude-standard", "--cached")
		cmd.Dir = dir
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield("", fmt.Errorf("git ls-files: %w", err))
			return
		}
		if err := cmd.Start(); err != nil {
			yield("", fmt.Errorf("git ls-files: %w", err))
			return
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxPathLength)
		scanner.Split(scanNUL)

		stopped := false
		for scanner.Scan() {
			name := scanner.Text()
			if name == "" {
				continue
			}
			if !yield(filepath.Join(dir, filepath.FromSlash(name)), nil) {
				stopped = true
				break
			}
		}
		scanErr := scanner.Err()

		if stopped {
			cancel()
			_, _ = io.Copy(io.Discard, stdout)
			_ = cmd.Wait()
			return
		}

		waitErr := cmd.Wait()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			a.logger.Debug("git ls-files stderr", "dir", dir, "stderr", msg)
		}
		if scanErr != nil {
			yield("", fmt.Errorf("read git ls-files output: %w", scanErr))
			return
		}
		if waitErr != nil && !errors.Is(ctx.Err(), context.Canceled) {
			yield("", fmt.Errorf("git ls-files: %w", waitErr))
		}
	}
}

// scanNUL is a bufio.SplitFunc for NUL delimited records.
func scanNUL(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
