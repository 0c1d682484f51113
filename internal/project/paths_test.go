package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateGit points git's global config and XDG dir at empty temp locations
// so the developer's own excludes file never leaks into a test.
func isolateGit(t *testing.T) string {
	t.Helper()
	cfgHome := t.TempDir()
	emptyCfg := filepath.Join(t.TempDir(), "gitconfig")
	require.NoError(t, os.WriteFile(emptyCfg, nil, 0o644))
	t.Setenv("XDG_CONFIG_HOME", cfgHome)
	t.Setenv("GIT_CONFIG_GLOBAL", emptyCfg)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	return cfgHome
}

func TestResolve_Layout(t *testing.T) {
	isolateGit(t)
	root := t.TempDir()

	p, err := Resolve(root, Options{})
	require.NoError(t, err)

	assert.Equal(t, root, p.Root)
	assert.Equal(t, filepath.Join(root, ".osgrep"), p.IndexDir)
	assert.Equal(t, filepath.Join(root, ".osgrep", "vectors"), p.VectorDir)
	assert.Equal(t, filepath.Join(root, ".osgrep", "cache"), p.CacheDir)
	assert.Equal(t, filepath.Join(root, ".osgrep", "cache", "meta.bolt"), p.MetadataStorePath)
	assert.Equal(t, filepath.Join(root, ".osgrep", "config.json"), p.ConfigPath)
	assert.Equal(t, filepath.Join(root, ".osgrep", "vectors", "index.db"), p.VectorDBPath())

	for _, dir := range []string{p.IndexDir, p.VectorDir, p.CacheDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	_, err = os.Stat(filepath.Join(root, ".gitignore"))
	assert.True(t, os.IsNotExist(err), "no .gitignore outside a git repo")
}

func TestResolve_DryRunHasNoSideEffects(t *testing.T) {
	isolateGit(t)
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	p, err := Resolve(root, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".osgrep"), p.IndexDir)

	_, err = os.Stat(p.IndexDir)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, ".gitignore"))
	assert.True(t, os.IsNotExist(err))
}

func TestResolve_NeverClimbs(t *testing.T) {
	isolateGit(t)
	parent := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(parent, ".git"), 0o755))
	child := filepath.Join(parent, "sub")
	require.NoError(t, os.Mkdir(child, 0o755))

	p, err := Resolve(child, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, child, p.Root)
}

func TestEnsureGitignoreEntry_AppendsOnce(t *testing.T) {
	isolateGit(t)
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("node_modules"), 0o644))

	_, err := Resolve(root, Options{})
	require.NoError(t, err)
	_, err = Resolve(root, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "node_modules\n.osgrep\n", string(data))
}

func TestEnsureGitignoreEntry_CreatesFile(t *testing.T) {
	isolateGit(t)
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	require.NoError(t, ensureGitignoreEntry(root))

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, ".osgrep\n", string(data))
}

func TestEnsureGitignoreEntry_RespectsInfoExclude(t *testing.T) {
	isolateGit(t)
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "info"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "info", "exclude"), []byte("# local\n  .osgrep  \n"), 0o644))

	require.NoError(t, ensureGitignoreEntry(root))

	_, err := os.Stat(filepath.Join(root, ".gitignore"))
	assert.True(t, os.IsNotExist(err))
}

func TestEnsureGitignoreEntry_RespectsGlobalExcludes(t *testing.T) {
	cfgHome := isolateGit(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfgHome, "git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgHome, "git", "ignore"), []byte(".DS_Store\r\n.osgrep\r\n"), 0o644))

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	require.NoError(t, ensureGitignoreEntry(root))

	_, err := os.Stat(filepath.Join(root, ".gitignore"))
	assert.True(t, os.IsNotExist(err))
}

func TestGlobalRoot(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(GlobalRootEnv, dir)

	got, err := GlobalRoot()
	require.NoError(t, err)
	assert.Equal(t, dir, got)
}
