package searcher

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/chunker"
	"github.com/dshills/osgrep/internal/embedder"
	"github.com/dshills/osgrep/internal/storage"
	"github.com/dshills/osgrep/internal/workerpool"
)

var benchWords = []string{"parse", "config", "retry", "backoff", "login", "session", "index", "walker", "chunk", "vector"}

func setupSearchBenchmark(b *testing.B) (*Searcher, int64) {
	b.Helper()
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(b, err)
	b.Cleanup(func() { _ = db.Close() })

	provider := embedder.NewLocalProvider(128)
	pool := workerpool.New(workerpool.Config{Size: 4}, chunker.New(), provider)
	b.Cleanup(func() { _ = pool.Destroy(context.Background()) })

	store := &storage.Store{Name: "bench"}
	require.NoError(b, db.CreateStore(ctx, store))

	tx, err := db.BeginTx(ctx)
	require.NoError(b, err)
	for i := 0; i < 200; i++ {
		path := fmt.Sprintf("pkg/f%03d.go", i)
		file := &storage.File{StoreID: store.ID, ExternalID: path, Path: path, ContentHash: path}
		require.NoError(b, tx.UpsertFile(ctx, file))

		content := fmt.Sprintf("func %s%s() { %s }", benchWords[i%10], benchWords[(i/10)%10], benchWords[(i*7)%10])
		vectors, err := provider.Embed(ctx, []string{content})
		require.NoError(b, err)

		chunk := &storage.Chunk{FileID: file.ID, Content: content, ContentHash: path, StartLine: 1, EndLine: 1, Kind: "window"}
		require.NoError(b, tx.InsertChunk(ctx, chunk))
		require.NoError(b, tx.UpsertEmbedding(ctx, &storage.Embedding{
			ChunkID: chunk.ID, Vector: storage.SerializeVector(vectors[0]), Dimension: 128, Provider: "local", Model: "bench",
		}))
	}
	require.NoError(b, tx.Commit())

	return NewSearcher(db, pool), store.ID
}

func BenchmarkSearchModes(b *testing.B) {
	s, storeID := setupSearchBenchmark(b)
	ctx := context.Background()

	for _, mode := range []SearchMode{SearchModeHybrid, SearchModeVector, SearchModeKeyword} {
		b.Run(string(mode), func(b *testing.B) {
			req := SearchRequest{Query: "parse config", StoreID: storeID, Mode: mode}
			for i := 0; i < b.N; i++ {
				if _, err := s.Search(ctx, req); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkSearchRerank(b *testing.B) {
	s, storeID := setupSearchBenchmark(b)
	ctx := context.Background()
	req := SearchRequest{Query: "retry backoff", StoreID: storeID, Rerank: true, RerankDimension: 64}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Search(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkRRF(b *testing.B) {
	vector := make([]storage.VectorResult, 100)
	text := make([]storage.TextResult, 100)
	for i := range vector {
		vector[i] = storage.VectorResult{ChunkID: int64(i)}
		text[i] = storage.TextResult{ChunkID: int64(99 - i)}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = applyRRF(vector, text, DefaultRRFConstant)
	}
}

func BenchmarkSearchCached(b *testing.B) {
	s, storeID := setupSearchBenchmark(b)
	ctx := context.Background()
	req := SearchRequest{Query: "login session", StoreID: storeID, UseCache: true}

	_, err := s.Search(ctx, req)
	require.NoError(b, err)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Search(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}
