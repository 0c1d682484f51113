package searcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/chunker"
	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/internal/storage"
	"github.com/dshills/osgrep/internal/workerpool"
)

const testDim = 64

// failingEncoder is a QueryEncoder that always errors
type failingEncoder struct{ err error }

func (f failingEncoder) EncodeQuery(context.Context, string) (*workerpool.QueryEncoding, error) {
	return nil, f.err
}

func (f failingEncoder) Rerank(context.Context, workerpool.RerankInput) ([]workerpool.RerankResult, error) {
	return nil, f.err
}

var testCorpus = map[string]string{
	"internal/net/retry.go":   "// retry the request with exponential backoff\nfunc retryWithBackoff(fn func() error) error",
	"internal/config/load.go": "// load the config file from disk\nfunc loadConfig(path string) (*Config, error)",
	"internal/auth/login.go":  "// login checks the user password\nfunc login(user, password string) error",
	"docs/retry.md":           "Retry policy: every request is retried three times",
}

// setupTestSearcher builds a searcher over in-memory storage seeded with
// testCorpus, embedded by the hashing provider.
func setupTestSearcher(t *testing.T) (*Searcher, *storage.SQLiteStorage, int64) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	provider := embedder.NewLocalProvider(testDim)
	pool := workerpool.New(workerpool.Config{Size: 2}, chunker.New(), provider)
	t.Cleanup(func() { _ = pool.Destroy(context.Background()) })

	store := &storage.Store{Name: "test"}
	require.NoError(t, db.CreateStore(ctx, store))
	for path, content := range testCorpus {
		seedFile(t, db, provider, store.ID, path, content)
	}

	return NewSearcher(db, pool), db, store.ID
}

func seedFile(t *testing.T, db storage.Storage, provider embedder.Embedder, storeID int64, path, content string) {
	t.Helper()
	ctx := context.Background()

	vectors, err := provider.Embed(ctx, []string{content})
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	file := &storage.File{StoreID: storeID, ExternalID: path, Path: path, ContentHash: "h-" + path, ChunkCount: 1}
	require.NoError(t, tx.UpsertFile(ctx, file))
	chunk := &storage.Chunk{FileID: file.ID, Content: content, ContentHash: "c", StartLine: 1, EndLine: 2, Kind: "window"}
	require.NoError(t, tx.InsertChunk(ctx, chunk))
	require.NoError(t, tx.UpsertEmbedding(ctx, &storage.Embedding{
		ChunkID:   chunk.ID,
		Vector:    storage.SerializeVector(vectors[0]),
		Dimension: testDim,
		Provider:  provider.Provider(),
		Model:     provider.Model(),
	}))
	require.NoError(t, tx.Commit())
}

func resultPaths(resp *SearchResponse) []string {
	paths := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		paths[i] = r.File.Path
	}
	return paths
}

func TestValidateRequest(t *testing.T) {
	s := NewSearcher(nil, nil)

	tests := []struct {
		name    string
		req     SearchRequest
		wantErr bool
		check   func(t *testing.T, req SearchRequest)
	}{
		{
			name:    "empty query",
			req:     SearchRequest{Query: "   "},
			wantErr: true,
		},
		{
			name: "defaults applied",
			req:  SearchRequest{Query: " retry "},
			check: func(t *testing.T, req SearchRequest) {
				assert.Equal(t, "retry", req.Query)
				assert.Equal(t, DefaultLimit, req.Limit)
				assert.Equal(t, SearchModeHybrid, req.Mode)
				assert.Equal(t, float64(DefaultRRFConstant), req.RRFConstant)
				assert.Equal(t, time.Hour, req.CacheTTL)
			},
		},
		{
			name: "limit capped",
			req:  SearchRequest{Query: "q", Limit: 1000},
			check: func(t *testing.T, req SearchRequest) {
				assert.Equal(t, MaxLimit, req.Limit)
			},
		},
		{
			name: "explicit values kept",
			req:  SearchRequest{Query: "q", Limit: 5, Mode: SearchModeKeyword, RRFConstant: 10},
			check: func(t *testing.T, req SearchRequest) {
				assert.Equal(t, 5, req.Limit)
				assert.Equal(t, SearchModeKeyword, req.Mode)
				assert.Equal(t, 10.0, req.RRFConstant)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := s.validateRequest(&req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, req)
		})
	}
}

func TestApplyRRF(t *testing.T) {
	vector := []storage.VectorResult{{ChunkID: 1}, {ChunkID: 2}, {ChunkID: 3}}
	text := []storage.TextResult{{ChunkID: 3}, {ChunkID: 1}}

	got := applyRRF(vector, text, 60)
	require.Len(t, got, 3)

	assert.Equal(t, int64(1), got[0].chunkID)
	assert.InDelta(t, 1.0/61+1.0/62, got[0].score, 1e-12)
	assert.Equal(t, int64(3), got[1].chunkID)
	assert.InDelta(t, 1.0/63+1.0/61, got[1].score, 1e-12)
	assert.Equal(t, int64(2), got[2].chunkID)
	assert.InDelta(t, 1.0/62, got[2].score, 1e-12)
}

func TestApplyRRF_DefaultConstantAndEmpty(t *testing.T) {
	got := applyRRF([]storage.VectorResult{{ChunkID: 7}}, nil, 0)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0/61, got[0].score, 1e-12)

	assert.Empty(t, applyRRF(nil, nil, 60))
}

func TestSortRankedResults(t *testing.T) {
	results := []rankedResult{{chunkID: 4, score: 0.2}, {chunkID: 2, score: 0.9}, {chunkID: 1, score: 0.2}}
	sortRankedResults(results)
	assert.Equal(t, []rankedResult{{2, 0.9}, {1, 0.2}, {4, 0.2}}, results)
}

func TestComputeQueryHash(t *testing.T) {
	base := SearchRequest{Query: "retry", Mode: SearchModeHybrid, StoreID: 1, Limit: 10}
	assert.Equal(t, computeQueryHash(base), computeQueryHash(base))

	variants := map[string]func(r *SearchRequest){
		"query":   func(r *SearchRequest) { r.Query = "backoff" },
		"mode":    func(r *SearchRequest) { r.Mode = SearchModeVector },
		"store":   func(r *SearchRequest) { r.StoreID = 2 },
		"gen":     func(r *SearchRequest) { r.Generation = 7 },
		"limit":   func(r *SearchRequest) { r.Limit = 5 },
		"rerank":  func(r *SearchRequest) { r.Rerank = true },
		"prefix":  func(r *SearchRequest) { r.Filters = &storage.SearchFilters{PathPrefix: "internal/"} },
		"glob":    func(r *SearchRequest) { r.Filters = &storage.SearchFilters{PathGlob: "**/*.go"} },
		"minimum": func(r *SearchRequest) { r.Filters = &storage.SearchFilters{MinRelevance: 0.5} },
	}
	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			req := base
			mutate(&req)
			assert.NotEqual(t, computeQueryHash(base), computeQueryHash(req))
		})
	}
}

func TestSearch_Modes(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)
	ctx := context.Background()

	for _, mode := range []SearchMode{SearchModeHybrid, SearchModeVector, SearchModeKeyword} {
		t.Run(string(mode), func(t *testing.T) {
			resp, err := s.Search(ctx, SearchRequest{Query: "retry with backoff", StoreID: storeID, Mode: mode, Limit: 2})
			require.NoError(t, err)
			require.NotEmpty(t, resp.Results)

			assert.Equal(t, mode, resp.SearchMode)
			assert.Equal(t, "internal/net/retry.go", resp.Results[0].File.Path)
			assert.LessOrEqual(t, len(resp.Results), 2)
			assert.Equal(t, len(resp.Results), resp.TotalResults)
			for i, r := range resp.Results {
				assert.Equal(t, i+1, r.Rank)
				assert.NoError(t, r.Validate())
			}
		})
	}
}

func TestSearch_HybridCountsBothSides(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)

	resp, err := s.Search(context.Background(), SearchRequest{Query: "retry", StoreID: storeID})
	require.NoError(t, err)
	assert.Equal(t, len(testCorpus), resp.VectorResults)
	assert.Equal(t, 2, resp.TextResults)
	assert.ElementsMatch(t, []string{"internal/net/retry.go", "docs/retry.md"}, resultPaths(resp)[:2])
}

func TestSearch_HybridSurvivesTextFailure(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)

	// punctuation only: no FTS terms, but the vector side still runs
	resp, err := s.Search(context.Background(), SearchRequest{Query: "??", StoreID: storeID})
	require.NoError(t, err)
	assert.Zero(t, resp.TextResults)
	assert.Equal(t, len(testCorpus), resp.VectorResults)
}

func TestSearch_Filters(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)
	ctx := context.Background()

	resp, err := s.Search(ctx, SearchRequest{
		Query:   "retry",
		StoreID: storeID,
		Filters: &storage.SearchFilters{PathPrefix: "docs/"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/retry.md"}, resultPaths(resp))

	resp, err = s.Search(ctx, SearchRequest{
		Query:   "retry",
		StoreID: storeID,
		Mode:    SearchModeKeyword,
		Filters: &storage.SearchFilters{PathGlob: "**/*.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"internal/net/retry.go"}, resultPaths(resp))
}

func TestSearch_OtherStoreIsEmpty(t *testing.T) {
	s, db, _ := setupTestSearcher(t)
	other := &storage.Store{Name: "other"}
	require.NoError(t, db.CreateStore(context.Background(), other))

	resp, err := s.Search(context.Background(), SearchRequest{Query: "retry", StoreID: other.ID})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearch_Rerank(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)

	resp, err := s.Search(context.Background(), SearchRequest{
		Query:           "exponential backoff",
		StoreID:         storeID,
		Limit:           2,
		Rerank:          true,
		RerankDimension: 32,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.True(t, resp.Reranked)
	assert.Equal(t, "internal/net/retry.go", resp.Results[0].File.Path)
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.Equal(t, 2, resp.Results[1].Rank)
}

func TestSearch_UnsupportedMode(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)

	_, err := s.Search(context.Background(), SearchRequest{Query: "retry", StoreID: storeID, Mode: "fuzzy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported search mode")
}

func TestSearch_EncoderError(t *testing.T) {
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("model offline")
	s := NewSearcher(db, failingEncoder{err: boom})

	_, err = s.Search(context.Background(), SearchRequest{Query: "retry", StoreID: 1})
	assert.ErrorIs(t, err, boom)

	// keyword mode never encodes
	_, err = s.Search(context.Background(), SearchRequest{Query: "retry", StoreID: 1, Mode: SearchModeKeyword})
	assert.NoError(t, err)
}

func TestSearch_NoEncoder(t *testing.T) {
	s := NewSearcher(nil, nil)
	_, err := s.Search(context.Background(), SearchRequest{Query: "retry"})
	assert.Error(t, err)
}

func TestSearch_ContextCancelled(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Search(ctx, SearchRequest{Query: "retry", StoreID: storeID})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearch_Cache(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)
	ctx := context.Background()
	req := SearchRequest{Query: "login password", StoreID: storeID, UseCache: true}

	first, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, 1, s.CacheLen())

	// callers own the returned slice
	first.Results[0].Content = "mutated"

	second, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.NotEqual(t, "mutated", second.Results[0].Content)

	s.InvalidateCache()
	assert.Zero(t, s.CacheLen())

	third, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
}

func TestSearch_CacheKeyedByGeneration(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)
	ctx := context.Background()
	req := SearchRequest{Query: "login password", StoreID: storeID, UseCache: true, Generation: 1}

	_, err := s.Search(ctx, req)
	require.NoError(t, err)

	same, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.True(t, same.CacheHit)

	req.Generation = 2
	next, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, next.CacheHit, "a newer generation must not reuse older results")
}

func TestParseSearchMode(t *testing.T) {
	tests := []struct {
		in      string
		want    SearchMode
		wantErr bool
	}{
		{"", SearchModeHybrid, false},
		{"hybrid", SearchModeHybrid, false},
		{"Vector", SearchModeVector, false},
		{" keyword ", SearchModeKeyword, false},
		{"fuzzy", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSearchMode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearch_CacheExpires(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)
	ctx := context.Background()
	req := SearchRequest{Query: "config", StoreID: storeID, UseCache: true, CacheTTL: time.Millisecond}

	_, err := s.Search(ctx, req)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	resp, err := s.Search(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
}

func TestFetchResults_SkipsMissingChunks(t *testing.T) {
	s, _, storeID := setupTestSearcher(t)
	ctx := context.Background()

	resp, err := s.Search(ctx, SearchRequest{Query: "login", StoreID: storeID, Mode: SearchModeKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	id := resp.Results[0].ChunkID

	results, err := s.fetchResults(ctx, []rankedResult{{chunkID: 9999, score: 1}, {chunkID: id, score: 0.5}}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ChunkID)
	assert.Equal(t, 0.5, results[0].Score)
}
