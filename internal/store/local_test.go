package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/chunker"
	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/storage"
	"github.com/dshills/osgrep/internal/workerpool"
	"github.com/dshills/osgrep/pkg/types"
)

const testStore = "osgrep-test"

// countingEmbedder counts embedded texts and can be told to fail
type countingEmbedder struct {
	*embedder.LocalProvider
	texts  atomic.Int64
	failOn string
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if c.failOn != "" && strings.Contains(t, c.failOn) {
			return nil, errors.New("model rejected input")
		}
	}
	c.texts.Add(int64(len(texts)))
	return c.LocalProvider.Embed(ctx, texts)
}

func newLocalStore(t *testing.T) (*LocalStore, *countingEmbedder) {
	t.Helper()
	s, emb := openLocalStoreAt(t, ":memory:")
	_, err := s.Create(context.Background(), CreateOptions{Name: testStore, Description: "test"})
	require.NoError(t, err)
	return s, emb
}

// openLocalStoreAt opens a store with its own pool on the database at path
func openLocalStoreAt(t *testing.T, path string) (*LocalStore, *countingEmbedder) {
	t.Helper()
	emb := &countingEmbedder{LocalProvider: embedder.NewLocalProvider(64)}
	pool := workerpool.New(workerpool.Config{Size: 2}, chunker.NewWithConfig(chunker.Config{MaxLines: 5}), emb)
	t.Cleanup(func() { _ = pool.Destroy(context.Background()) })

	s, err := OpenLocalStore(path, pool, LocalOptions{
		Provider:  emb.Provider(),
		Model:     emb.Model(),
		Dimension: emb.Dimension(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, emb
}

func upload(t *testing.T, s *LocalStore, path, content string) {
	t.Helper()
	err := s.UploadFile(context.Background(), testStore, strings.NewReader(content), UploadOptions{
		ExternalID: path,
		Overwrite:  true,
		Metadata:   Metadata{Path: path, Hash: types.HashContent([]byte(content))},
	})
	require.NoError(t, err)
}

func listAll(t *testing.T, s Store) []StoreFile {
	t.Helper()
	var files []StoreFile
	for f, err := range s.ListFiles(context.Background(), testStore) {
		require.NoError(t, err)
		files = append(files, f)
	}
	return files
}

const retrySource = `package net

// retryWithBackoff retries fn with exponential backoff
func retryWithBackoff(fn func() error) error {
	for i := 0; i < 3; i++ {
		if err := fn(); err == nil {
			return nil
		}
	}
	return errFailed
}
`

func TestLocalStore_UploadAndSearch(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	upload(t, s, "net/retry.go", retrySource)
	upload(t, s, "auth/login.go", "package auth\n\n// login checks a password\nfunc login(user, password string) error { return nil }\n")

	results, err := s.Search(ctx, testStore, "exponential backoff", 5, SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "net/retry.go", results[0].File.Path)
	assert.Equal(t, "net/retry.go", results[0].File.ExternalID)
	assert.Equal(t, types.HashContent([]byte(retrySource)), results[0].File.Hash)
	assert.Equal(t, 1, results[0].Rank)

	results, err = s.Search(ctx, testStore, "password", 5, SearchOptions{Rerank: true}, &Filters{PathPrefix: "auth/"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.True(t, strings.HasPrefix(r.File.Path, "auth/"))
	}
}

func TestLocalStore_UploadReplacesChunks(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	upload(t, s, "a.go", retrySource)
	info, err := s.GetInfo(ctx, testStore)
	require.NoError(t, err)
	before := info.Chunks
	assert.Greater(t, before, 1)

	upload(t, s, "a.go", "package a\n")
	info, err = s.GetInfo(ctx, testStore)
	require.NoError(t, err)
	assert.Equal(t, 1, info.Files)
	assert.Equal(t, 1, info.Chunks)

	files := listAll(t, s)
	require.Len(t, files, 1)
	assert.Equal(t, types.HashContent([]byte("package a\n")), files[0].Metadata.Hash)
}

func TestLocalStore_OverwriteFalse(t *testing.T) {
	s, emb := newLocalStore(t)
	upload(t, s, "a.go", "package a\n")
	embedded := emb.texts.Load()

	err := s.UploadFile(context.Background(), testStore, strings.NewReader("package b\n"), UploadOptions{ExternalID: "a.go"})
	assert.ErrorIs(t, err, ErrFileExists)
	assert.Equal(t, embedded, emb.texts.Load(), "rejected upload must not embed")

	err = s.UploadFile(context.Background(), testStore, strings.NewReader("package b\n"), UploadOptions{ExternalID: "b.go"})
	assert.NoError(t, err)
}

func TestLocalStore_FailedUploadKeepsPreviousVersion(t *testing.T) {
	s, emb := newLocalStore(t)
	ctx := context.Background()
	upload(t, s, "a.go", "package a\n\nfunc good() {}\n")

	emb.failOn = "poison"
	err := s.UploadFile(ctx, testStore, strings.NewReader("package a\n\nfunc poison() {}\n"), UploadOptions{ExternalID: "a.go", Overwrite: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, workerpool.ErrProcessing)

	files := listAll(t, s)
	require.Len(t, files, 1)
	assert.Equal(t, types.HashContent([]byte("package a\n\nfunc good() {}\n")), files[0].Metadata.Hash)
}

func TestLocalStore_HashDefaultsToContent(t *testing.T) {
	s, _ := newLocalStore(t)
	err := s.UploadFile(context.Background(), testStore, strings.NewReader("x := 1\n"), UploadOptions{ExternalID: "x.go", Overwrite: true})
	require.NoError(t, err)

	files := listAll(t, s)
	require.Len(t, files, 1)
	assert.Equal(t, "x.go", files[0].Metadata.Path)
	assert.Equal(t, types.HashContent([]byte("x := 1\n")), files[0].Metadata.Hash)
}

func TestLocalStore_ListFilesPages(t *testing.T) {
	s, _ := newLocalStore(t)
	const n = ListPageSize + 5
	for i := 0; i < n; i++ {
		upload(t, s, "f"+strings.Repeat("x", i%7)+string(rune('a'+i%26))+"/"+strings.Repeat("y", i)+".txt", "v")
	}
	assert.Len(t, listAll(t, s), n)

	// stopping early is honoured
	count := 0
	for range s.ListFiles(context.Background(), testStore) {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestLocalStore_DeleteFile(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()
	upload(t, s, "a.go", retrySource)

	require.NoError(t, s.DeleteFile(ctx, testStore, "a.go"))
	assert.Empty(t, listAll(t, s))

	results, err := s.Search(ctx, testStore, "backoff", 5, SearchOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	assert.NoError(t, s.DeleteFile(ctx, testStore, "missing.go"))
}

func TestLocalStore_SearchCacheInvalidatedByUpload(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()
	upload(t, s, "a.go", "package a\n\nfunc unrelated() {}\n")

	// the vector side always returns a.go, so this response is cached
	results, err := s.Search(ctx, testStore, "backoff", 5, SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "a.go", r.File.Path)
	}

	upload(t, s, "net/retry.go", retrySource)
	results, err = s.Search(ctx, testStore, "backoff", 5, SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "net/retry.go", results[0].File.Path)
}

func TestLocalStore_SeesWritesFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")

	reader, _ := openLocalStoreAt(t, path)
	_, err := reader.Create(ctx, CreateOptions{Name: testStore})
	require.NoError(t, err)
	writer, _ := openLocalStoreAt(t, path)

	upload(t, reader, "a.go", "package a\n\n// zebra stripes\nfunc zebra() {}\n")
	results, err := reader.Search(ctx, testStore, "zebra", 5, SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a.go", results[0].File.Path)

	// a second handle on the same database replaces the file set
	require.NoError(t, writer.DeleteFile(ctx, testStore, "a.go"))
	upload(t, writer, "b.go", "package b\n\n// zebra crossing\nfunc crossing() {}\n")

	results, err = reader.Search(ctx, testStore, "zebra", 5, SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "b.go", r.File.Path)
	}
}

func TestLocalStore_SearchModes(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()
	upload(t, s, "net/retry.go", retrySource)
	upload(t, s, "auth/login.go", "package auth\n\n// login checks a password\nfunc login(user, password string) error { return nil }\n")

	for _, mode := range []searcher.SearchMode{searcher.SearchModeHybrid, searcher.SearchModeVector, searcher.SearchModeKeyword} {
		t.Run(string(mode), func(t *testing.T) {
			results, err := s.Search(ctx, testStore, "password", 5, SearchOptions{Mode: mode}, nil)
			require.NoError(t, err)
			require.NotEmpty(t, results)
			assert.Equal(t, "auth/login.go", results[0].File.Path)
		})
	}

	_, err := s.Search(ctx, testStore, "password", 5, SearchOptions{Mode: "fuzzy"}, nil)
	assert.Error(t, err)
}

func TestLocalStore_UnknownStore(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	_, err := s.Retrieve(ctx, "nope")
	assert.ErrorIs(t, err, ErrStoreNotFound)

	err = s.UploadFile(ctx, "nope", strings.NewReader("x"), UploadOptions{ExternalID: "x"})
	assert.ErrorIs(t, err, ErrStoreNotFound)

	for _, err := range s.ListFiles(ctx, "nope") {
		assert.ErrorIs(t, err, ErrStoreNotFound)
	}

	_, err = s.Search(ctx, "nope", "q", 1, SearchOptions{}, nil)
	assert.ErrorIs(t, err, ErrStoreNotFound)
}

func TestLocalStore_CreateRetrieveInfo(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	info, err := s.Retrieve(ctx, testStore)
	require.NoError(t, err)
	assert.Equal(t, testStore, info.Name)
	assert.Equal(t, "test", info.Description)
	assert.False(t, info.CreatedAt.IsZero())

	_, err = s.Create(ctx, CreateOptions{Name: testStore})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = s.Create(ctx, CreateOptions{})
	assert.Error(t, err)

	info, err = s.GetInfo(ctx, testStore)
	require.NoError(t, err)
	assert.Zero(t, info.Files)
	assert.Equal(t, Counts{}, info.Counts)
}

func TestLocalStore_RecordsEmbeddingModel(t *testing.T) {
	s, emb := newLocalStore(t)
	upload(t, s, "a.go", "package a\n")

	st, err := s.db.GetStore(context.Background(), testStore)
	require.NoError(t, err)
	assert.Equal(t, emb.Model(), st.EmbeddingModel)
	assert.Equal(t, 64, st.EmbeddingDimension)
}

func TestLocalStore_Ask(t *testing.T) {
	s, _ := newLocalStore(t)
	upload(t, s, "net/retry.go", retrySource)

	resp, err := s.Ask(context.Background(), testStore, "how does the exponential backoff work?", 3, SearchOptions{}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Sources)
	assert.Contains(t, resp.Answer, "net/retry.go:")
	assert.Contains(t, resp.Answer, "exponential backoff")
}
