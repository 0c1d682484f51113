package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/config"
	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/logging"
	"github.com/dshills/osgrep/internal/project"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Index.Workers = 2
	return cfg
}

func openEngine(t *testing.T, dir string, dryRun bool) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Options{
		StartDir: dir,
		DryRun:   dryRun,
		Config:   testConfig(),
		Embedder: embedder.NewLocalProvider(64),
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func seedProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "net/retry.go", `package net

// retryWithBackoff retries fn with exponential backoff
func retryWithBackoff(fn func() error) error {
	return fn()
}
`)
	writeFile(t, root, "auth/login.go", "package auth\n\n// login validates a password\nfunc login(user, password string) error { return nil }\n")
	return root
}

func TestStoreIDFor(t *testing.T) {
	id := StoreIDFor("/home/dev/project")
	assert.True(t, strings.HasPrefix(id, StoreIDPrefix))
	assert.Len(t, id, len(StoreIDPrefix)+12)
	assert.Equal(t, id, StoreIDFor("/home/dev/project/"))
	assert.NotEqual(t, id, StoreIDFor("/home/dev/other"))
}

func TestEngine_IndexAndSearch(t *testing.T) {
	root := seedProject(t)
	e := openEngine(t, root, false)
	ctx := context.Background()

	stats, err := e.Index(ctx, IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesIndexed)

	results, err := e.Search(ctx, "exponential backoff", SearchParams{TopK: 3})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "net/retry.go", results[0].File.Path)

	results, err = e.Search(ctx, "password", SearchParams{PathPrefix: "auth/"})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.File.Path, "auth/"))
	}

	resp, err := e.Ask(ctx, "how does login check the password?", SearchParams{})
	require.NoError(t, err)
	assert.Contains(t, resp.Answer, "auth/login.go:")

	// second run embeds nothing
	stats, err = e.Index(ctx, IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesSkipped)
	assert.Zero(t, stats.FilesIndexed)

	_, err = os.Stat(filepath.Join(root, project.IndexDirName, indexer.LockFileName))
	assert.True(t, errors.Is(err, os.ErrNotExist), "lock released after the run")
}

func TestEngine_IndexLockHeld(t *testing.T) {
	root := seedProject(t)
	e := openEngine(t, root, false)

	lock, err := indexer.AcquireWriterLock(e.Paths().LockDir())
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = e.Index(context.Background(), IndexOptions{})
	assert.ErrorIs(t, err, indexer.ErrLockHeld)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Indexing)
}

func TestEngine_SearchBeforeIndex(t *testing.T) {
	e := openEngine(t, seedProject(t), false)

	results, err := e.Search(context.Background(), "anything", SearchParams{})
	require.NoError(t, err)
	assert.Empty(t, results)

	resp, err := e.Ask(context.Background(), "anything", SearchParams{})
	require.NoError(t, err)
	assert.Empty(t, resp.Sources)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Indexed)
	assert.Nil(t, st.Store)
}

func TestEngine_Status(t *testing.T) {
	root := seedProject(t)
	e := openEngine(t, root, false)
	_, err := e.Index(context.Background(), IndexOptions{})
	require.NoError(t, err)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Indexed)
	assert.False(t, st.Indexing)
	assert.Equal(t, e.StoreID(), st.StoreID)
	assert.Equal(t, config.BackendLocal, st.Backend)
	assert.Equal(t, embedder.ProviderLocal, st.Provider)
	assert.Equal(t, 64, st.Dimension)
	require.NotNil(t, st.Store)
	assert.Equal(t, 2, st.Store.Files)
	assert.Equal(t, root, st.Store.Description, "no git remote, so the root describes the store")
}

func TestEngine_DryRunWritesNothing(t *testing.T) {
	root := seedProject(t)
	e := openEngine(t, root, true)

	stats, err := e.Index(context.Background(), IndexOptions{})
	require.NoError(t, err)
	assert.True(t, stats.DryRun)
	assert.Equal(t, 2, stats.FilesIndexed)

	_, err = os.Stat(filepath.Join(root, project.IndexDirName))
	assert.True(t, errors.Is(err, os.ErrNotExist), "dry run must not create the index directory")
}

func TestEngine_DryRunAfterIndex(t *testing.T) {
	root := seedProject(t)
	e := openEngine(t, root, false)
	_, err := e.Index(context.Background(), IndexOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))

	writeFile(t, root, "net/retry.go", "package net\n\nfunc changed() {}\n")

	dry := openEngine(t, root, true)
	stats, err := dry.Index(context.Background(), IndexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesIndexed)
	assert.Equal(t, 1, stats.FilesSkipped)
}

func TestEngine_Force(t *testing.T) {
	e := openEngine(t, seedProject(t), false)
	_, err := e.Index(context.Background(), IndexOptions{})
	require.NoError(t, err)

	stats, err := e.Index(context.Background(), IndexOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesIndexed)
}

func TestEngine_Unlock(t *testing.T) {
	e := openEngine(t, seedProject(t), false)

	holder, err := e.Unlock()
	require.NoError(t, err)
	assert.Empty(t, holder)

	_, err = indexer.AcquireWriterLock(e.Paths().LockDir())
	require.NoError(t, err)

	holder, err = e.Unlock()
	require.NoError(t, err)
	assert.Contains(t, holder, "@")

	_, err = e.Index(context.Background(), IndexOptions{})
	assert.NoError(t, err)
}

func TestEngine_CloseReleasesLock(t *testing.T) {
	e := openEngine(t, seedProject(t), false)
	require.NoError(t, e.acquireLock())

	require.NoError(t, e.Close(context.Background()))
	_, err := os.Stat(filepath.Join(e.Paths().LockDir(), indexer.LockFileName))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEngine_WorktreeUsesMainIndex(t *testing.T) {
	base := t.TempDir()
	mainRoot := filepath.Join(base, "main")
	wtGitDir := filepath.Join(mainRoot, ".git", "worktrees", "feature")
	require.NoError(t, os.MkdirAll(wtGitDir, 0o755))
	writeFile(t, mainRoot, ".git/HEAD", "ref: refs/heads/main\n")
	writeFile(t, mainRoot, ".git/worktrees/feature/commondir", "../..\n")

	wt := filepath.Join(base, "feature")
	writeFile(t, wt, ".git", "gitdir: "+wtGitDir+"\n")

	e := openEngine(t, wt, true)
	canonicalMain, err := filepath.EvalSymlinks(mainRoot)
	require.NoError(t, err)
	assert.Equal(t, canonicalMain, e.Paths().Root)
	assert.Equal(t, StoreIDFor(canonicalMain), e.StoreID())

	paths, err := Locate(wt)
	require.NoError(t, err)
	assert.Equal(t, canonicalMain, paths.Root)
}

func TestLocate_CreatesNothing(t *testing.T) {
	root := t.TempDir()
	paths, err := Locate(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, project.IndexDirName), paths.IndexDir)
	assert.NoDirExists(t, paths.IndexDir)
}
