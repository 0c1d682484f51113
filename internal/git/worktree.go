package git

import (
	"os"
	"path/filepath"
	"strings"
)

const gitdirPrefix = "gitdir:"

// canonical resolves symlinks, falling back to the cleaned absolute path when
// the target does not exist.
func canonical(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = filepath.Clean(p)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// resolveGitDir returns the git directory for dir using only the filesystem.
// Handles a .git directory, a symlink to one, and a "gitdir: <path>" pointer
// file. The returned path is canonical.
func resolveGitDir(dir string) (string, bool) {
	dotGit := filepath.Join(dir, ".git")
	info, err := os.Stat(dotGit) // follows symlinks
	if err != nil {
		return "", false
	}
	if info.IsDir() {
		return canonical(dotGit), true
	}

	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", false
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if !strings.HasPrefix(line, gitdirPrefix) {
		return "", false
	}
	target := strings.TrimSpace(strings.TrimPrefix(line, gitdirPrefix))
	if target == "" {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}
	return canonical(target), true
}

// readCommonDir reads the commondir file of a git dir, resolved relative to it.
func readCommonDir(gitDir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		return "", false
	}
	common := strings.TrimSpace(string(data))
	if common == "" {
		return "", false
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitDir, common)
	}
	return canonical(common), true
}

// IsWorktree reports whether dir is a linked worktree rather than a main
// repository checkout.
func IsWorktree(dir string) bool {
	_, ok := GitCommonDir(dir)
	return ok
}

// GitCommonDir returns the shared git directory of the worktree at dir.
// A main repository has no separate common dir and yields false.
func GitCommonDir(dir string) (string, bool) {
	gitDir, ok := resolveGitDir(dir)
	if !ok {
		return "", false
	}
	if common, ok := readCommonDir(gitDir); ok {
		if common == gitDir {
			return "", false
		}
		return common, true
	}

	// A pointer file without commondir still lives under <common>/worktrees/<name>.
	info, err := os.Lstat(filepath.Join(dir, ".git"))
	if err != nil || info.IsDir() {
		return "", false
	}
	if filepath.Base(filepath.Dir(gitDir)) != "worktrees" {
		return "", false
	}
	return canonical(filepath.Join(gitDir, "..", "..")), true
}

// MainRepoRoot returns the working tree root of the repository that owns the
// worktree at dir.
func MainRepoRoot(dir string) (string, bool) {
	common, ok := GitCommonDir(dir)
	if !ok {
		return "", false
	}
	return canonical(filepath.Dir(common)), true
}
