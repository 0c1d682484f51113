// Package walker enumerates the files of a project that should be indexed.
//
// For git repositories the file list comes from git itself (tracked plus
// untracked, non ignored files). Elsewhere the tree is walked manually and
// ignored directories are pruned without being descended. In both cases
// hidden entries, .osgrepignore patterns and caller supplied globs are
// applied on top.
package walker

import (
	"context"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/dshills/osgrep/internal/git"
)

// IgnoreFileName is the per-project ignore file, in gitignore syntax.
const IgnoreFileName = ".osgrepignore"

// GitSource is the subset of the git adapter the walker needs.
type GitSource interface {
	IsRepository(dir string) bool
	StreamFiles(ctx context.Context, dir string) iter.Seq2[string, error]
	IgnoreFilter(root string) *git.IgnoreFilter
}

// Options configures a Walker.
type Options struct {
	// IgnorePatterns are doublestar globs. A pattern without a slash matches
	// the base name at any depth. A trailing slash restricts it to directories.
	IgnorePatterns []string

	// MaxFileSize skips larger files. Zero disables the limit.
	MaxFileSize int64

	Logger *slog.Logger
}

// Walker produces candidate files for indexing.
type Walker struct {
	git    GitSource
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	projectIgnore map[string]*git.IgnoreFilter
}

// New creates a Walker.
func New(src GitSource, opts Options) *Walker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Walker{
		git:           src,
		opts:          opts,
		logger:        logger,
		projectIgnore: make(map[string]*git.IgnoreFilter),
	}
}

// Files lazily yields absolute paths of indexable files under root. Errors
// are yielded only for failures that stop the enumeration.
func (w *Walker) Files(ctx context.Context, root string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			yield("", err)
			return
		}

		if w.git != nil && w.git.IsRepository(absRoot) {
			produced, stopped, gitErr := w.gitFiles(ctx, absRoot, yield)
			if stopped {
				return
			}
			if gitErr == nil {
				return
			}
			if produced > 0 {
				yield("", gitErr)
				return
			}
			w.logger.Warn("git file listing failed, walking directory instead", "root", absRoot, "error", gitErr)
		}

		w.walkFiles(ctx, absRoot, yield)
	}
}

// gitFiles filters the git stream. It reports how many paths were yielded,
// whether the consumer stopped, and the stream error if any.
func (w *Walker) gitFiles(ctx context.Context, root string, yield func(string, error) bool) (int, bool, error) {
	produced := 0
	for path, err := range w.git.StreamFiles(ctx, root) {
		if err != nil {
			return produced, false, err
		}
		if ctx.Err() != nil {
			yield("", ctx.Err())
			return produced, true, nil
		}
		if w.IsIgnored(path, root) {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			// deleted but still tracked, or a symlink
			continue
		}
		if w.tooLarge(info.Size()) {
			continue
		}
		produced++
		if !yield(path, nil) {
			return produced, true, nil
		}
	}
	return produced, false, nil
}

func (w *Walker) walkFiles(ctx context.Context, root string, yield func(string, error) bool) {
	stopped := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			// unreadable entries are skipped
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == root {
			return nil
		}

		if d.IsDir() {
			if w.IsIgnored(path, root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if w.IsIgnored(path, root) {
			return nil
		}
		if w.opts.MaxFileSize > 0 {
			info, err := d.Info()
			if err != nil || w.tooLarge(info.Size()) {
				return nil
			}
		}
		if !yield(path, nil) {
			stopped = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !stopped {
		yield("", err)
	}
}

func (w *Walker) tooLarge(size int64) bool {
	return w.opts.MaxFileSize > 0 && size > w.opts.MaxFileSize
}

// IsIgnored reports whether path should be excluded from indexing. The root
// itself is never ignored.
func (w *Walker) IsIgnored(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return false
	}

	if isHidden(rel) {
		return true
	}

	isDir := false
	if info, err := os.Stat(path); err == nil {
		isDir = info.IsDir()
	}

	if w.projectFilter(root).Matches(rel, isDir) {
		return true
	}
	if w.matchesPatterns(rel, isDir) {
		return true
	}
	if w.git != nil && w.git.IsRepository(root) {
		if w.git.IgnoreFilter(root).Matches(rel, isDir) {
			return true
		}
	}
	return false
}

// projectFilter loads .osgrepignore once per root for this walker.
func (w *Walker) projectFilter(root string) *git.IgnoreFilter {
	w.mu.Lock()
	defer w.mu.Unlock()

	if f, ok := w.projectIgnore[root]; ok {
		return f
	}
	content := ""
	if data, err := os.ReadFile(filepath.Join(root, IgnoreFileName)); err == nil {
		content = string(data)
	}
	f := git.NewIgnoreFilter(root, content)
	w.projectIgnore[root] = f
	return f
}

// matchesPatterns tests rel and each of its ancestor directories against the
// caller globs, so a directory pattern also excludes everything below it.
func (w *Walker) matchesPatterns(rel string, isDir bool) bool {
	if len(w.opts.IgnorePatterns) == 0 {
		return false
	}
	segs := strings.Split(rel, "/")
	for i := 1; i <= len(segs); i++ {
		sub := strings.Join(segs[:i], "/")
		if w.matchPattern(sub, segs[i-1], i < len(segs) || isDir) {
			return true
		}
	}
	return false
}

func (w *Walker) matchPattern(rel, base string, isDir bool) bool {
	for _, pattern := range w.opts.IgnorePatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		dirOnly := strings.HasSuffix(pattern, "/")
		pattern = strings.TrimSuffix(strings.TrimPrefix(pattern, "/"), "/")
		if dirOnly && !isDir {
			continue
		}

		target := rel
		if !strings.Contains(pattern, "/") {
			target = base
		}
		if ok, err := doublestar.Match(pattern, target); err == nil && ok {
			return true
		}
	}
	return false
}

// isHidden reports whether any segment of a slash separated relative path
// starts with a dot.
func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
