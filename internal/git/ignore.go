package git

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFilter is a compiled set of gitignore patterns bound to a root.
type IgnoreFilter struct {
	root     string
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

// NewIgnoreFilter compiles gitignore formatted content for root.
func NewIgnoreFilter(root string, content string) *IgnoreFilter {
	f := &IgnoreFilter{root: root}
	f.Add(content)
	return f
}

// Add appends more gitignore formatted patterns. Later patterns win, so a
// negation can re-include what an earlier line excluded.
func (f *IgnoreFilter) Add(content string) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, `\#`) || strings.HasPrefix(line, `\!`) {
			line = line[1:]
		}
		f.patterns = append(f.patterns, gitignore.ParsePattern(line, nil))
	}
	f.matcher = gitignore.NewMatcher(f.patterns)
}

// Len returns the number of patterns.
func (f *IgnoreFilter) Len() int {
	return len(f.patterns)
}

// Matches tests a slash separated path relative to the root. isDir lets
// "build/" style patterns apply to the directory itself.
func (f *IgnoreFilter) Matches(rel string, isDir bool) bool {
	if f == nil || f.matcher == nil || len(f.patterns) == 0 {
		return false
	}
	rel = strings.Trim(strings.TrimPrefix(filepath.ToSlash(rel), "./"), "/")
	if rel == "" || rel == "." {
		return false
	}
	return f.matcher.Match(strings.Split(rel, "/"), isDir)
}

// IsIgnored tests an absolute or root relative path. The root itself is
// never ignored.
func (f *IgnoreFilter) IsIgnored(path string) bool {
	if f == nil {
		return false
	}
	rel := path
	if filepath.IsAbs(path) {
		r, err := filepath.Rel(f.root, path)
		if err != nil || strings.HasPrefix(r, "..") {
			return false
		}
		rel = r
	}
	isDir := false
	if info, err := os.Stat(filepath.Join(f.root, rel)); err == nil {
		isDir = info.IsDir()
	}
	return f.Matches(rel, isDir)
}
