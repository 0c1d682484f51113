package git

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	requireGit(t)
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"config", "remote.origin.url", "https://example.com/acme/widgets.git"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func TestAdapter_NotARepository(t *testing.T) {
	dir := t.TempDir()
	a := NewAdapter(nil)
	a.runQuery = func(context.Context, string, ...string) (string, error) {
		return "", errors.New("fatal: not a git repository")
	}

	assert.False(t, a.IsRepository(dir))
	_, ok := a.RepositoryRoot(dir)
	assert.False(t, ok)
	_, ok = a.RemoteURL(dir)
	assert.False(t, ok)
	assert.False(t, a.IsWorktree(dir))
	_, ok = a.MainRepoRoot(dir)
	assert.False(t, ok)
	_, ok = a.IgnoreContent(dir)
	assert.False(t, ok)
}

func TestAdapter_CachesPerInstance(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	a := NewAdapter(nil)
	a.runQuery = func(context.Context, string, ...string) (string, error) {
		calls++
		return ".git", nil
	}

	assert.True(t, a.IsRepository(dir))
	assert.True(t, a.IsRepository(dir))
	assert.Equal(t, 1, calls)

	b := NewAdapter(nil)
	b.runQuery = func(context.Context, string, ...string) (string, error) {
		return "", errors.New("boom")
	}
	assert.False(t, b.IsRepository(dir), "adapters must not share caches")
}

func TestAdapter_RealRepository(t *testing.T) {
	dir := initRepo(t)
	a := NewAdapter(nil)

	assert.True(t, a.IsRepository(dir))

	root, ok := a.RepositoryRoot(dir)
	require.True(t, ok)
	assert.Equal(t, canonical(dir), root)

	url, ok := a.RemoteURL(dir)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/acme/widgets.git", url)

	assert.False(t, a.IsWorktree(dir))
	_, ok = a.MainRepoRoot(dir)
	assert.False(t, ok)
}

func TestAdapter_StreamFiles(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("*.log\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub dir"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub dir", "b c.ts"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.log"), []byte("x"), 0o644))

	a := NewAdapter(nil)
	var got []string
	for path, err := range a.StreamFiles(context.Background(), dir) {
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, path)
		got = append(got, filepath.ToSlash(rel))
	}
	sort.Strings(got)
	assert.Equal(t, []string{".gitignore", "a.go", "sub dir/b c.ts"}, got)
}

func TestAdapter_StreamFilesEarlyStop(t *testing.T) {
	dir := initRepo(t)
	for i := 0; i < 20; i++ {
		name := filepath.Join(dir, "f"+strings.Repeat("x", i)+".txt")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}

	a := NewAdapter(nil)
	n := 0
	for _, err := range a.StreamFiles(context.Background(), dir) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestScanNUL(t *testing.T) {
	s := bufio.NewScanner(strings.NewReader("a.go\x00dir/b.go\x00tail"))
	s.Split(scanNUL)
	var got []string
	for s.Scan() {
		got = append(got, s.Text())
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []string{"a.go", "dir/b.go", "tail"}, got)
}
