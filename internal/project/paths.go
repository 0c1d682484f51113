// Package project resolves where a project's index lives on disk.
package project

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// IndexDirName is created at the project root.
	IndexDirName = ".osgrep"

	// GlobalRootEnv overrides the per-user state directory.
	GlobalRootEnv = "OSGREP_HOME"

	gitignoreEntry        = IndexDirName
	excludesLookupTimeout = time.Second
)

// Paths are the locations derived from a project root. Nothing here is
// persisted; the struct is recomputed on every run.
type Paths struct {
	Root              string
	IndexDir          string
	VectorDir         string
	CacheDir          string
	MetadataStorePath string
	ConfigPath        string
}

// VectorDBPath is the SQLite file of the local store.
func (p *Paths) VectorDBPath() string {
	return filepath.Join(p.VectorDir, "index.db")
}

// LockDir is where the writer lock and server lock live.
func (p *Paths) LockDir() string {
	return p.IndexDir
}

// Options tune Resolve.
type Options struct {
	// DryRun skips directory creation and the .gitignore update.
	DryRun bool
}

// GlobalRoot returns the per-user state directory ($OSGREP_HOME or ~/.osgrep).
func GlobalRoot() (string, error) {
	if dir := os.Getenv(GlobalRootEnv); dir != "" {
		return filepath.Abs(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, IndexDirName), nil
}

// FindRoot returns the project root for startDir. Only startDir itself is
// considered: the search never climbs to a parent, so every directory the
// user runs in gets its own index.
func FindRoot(startDir string) (string, error) {
	abs, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", startDir, err)
	}
	return abs, nil
}

// Resolve computes the Paths for startDir. Unless opts.DryRun is set it also
// creates the index directories and makes sure git ignores the index.
func Resolve(startDir string, opts Options) (*Paths, error) {
	root, err := FindRoot(startDir)
	if err != nil {
		return nil, err
	}

	indexDir := filepath.Join(root, IndexDirName)
	cacheDir := filepath.Join(indexDir, "cache")
	p := &Paths{
		Root:              root,
		IndexDir:          indexDir,
		VectorDir:         filepath.Join(indexDir, "vectors"),
		CacheDir:          cacheDir,
		MetadataStorePath: filepath.Join(cacheDir, "meta.bolt"),
		ConfigPath:        filepath.Join(indexDir, "config.json"),
	}

	if opts.DryRun {
		return p, nil
	}

	for _, dir := range []string{p.IndexDir, p.VectorDir, p.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := ensureGitignoreEntry(root); err != nil {
		return nil, err
	}

	return p, nil
}

// ensureGitignoreEntry adds the index directory to .gitignore unless the
// global excludes file, .git/info/exclude or .gitignore already list it.
// Only applies when root holds a .git entry.
func ensureGitignoreEntry(root string) error {
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return nil
	}

	if p := globalExcludesPath(root); p != "" && fileContainsEntry(p, gitignoreEntry) {
		return nil
	}
	if fileContainsEntry(filepath.Join(root, ".git", "info", "exclude"), gitignoreEntry) {
		return nil
	}
	gitignorePath := filepath.Join(root, ".gitignore")
	if fileContainsEntry(gitignorePath, gitignoreEntry) {
		return nil
	}

	contents, err := os.ReadFile(gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read .gitignore: %w", err)
	}
	if len(contents) > 0 && !bytes.HasSuffix(contents, []byte("\n")) {
		contents = append(contents, '\n')
	}
	contents = append(contents, []byte(gitignoreEntry+"\n")...)

	if err := os.WriteFile(gitignorePath, contents, 0o644); err != nil {
		return fmt.Errorf("update .gitignore: %w", err)
	}
	return nil
}

// globalExcludesPath returns git's core.excludesFile, or git's default
// location when it is not configured.
func globalExcludesPath(cwd string) string {
	ctx, cancel := context.WithTimeout(context.Background(), excludesLookupTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "config", "--path", "--get", "core.excludesFile")
	cmd.Dir = cwd
	if out, err := cmd.Output(); err == nil {
		if configured := strings.TrimSpace(string(out)); configured != "" {
			if !filepath.IsAbs(configured) {
				configured = filepath.Join(cwd, configured)
			}
			return configured
		}
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "git", "ignore")
}

func fileContainsEntry(path, entry string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry {
			return true
		}
	}
	return false
}
