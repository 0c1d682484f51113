// Package searcher implements hybrid code search over one local store,
// combining vector similarity and BM25 keyword matching.
//
// The searcher provides three search modes:
//   - Hybrid: vector + BM25 fused with Reciprocal Rank Fusion (default)
//   - Vector: pure semantic search using embeddings
//   - Keyword: BM25 full-text search only, no query encoding
//
// # Basic Usage
//
//	s := searcher.NewSearcher(db, pool)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    StoreID: store.ID,
//	    Query:   "retry with backoff",
//	    Limit:   10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s:%d (score: %.3f)\n",
//	        r.Rank, r.File.Path, r.File.StartLine, r.Score)
//	}
//
// The query is encoded once through the worker pool. The dense vector drives
// vector retrieval and the per-term vectors feed the optional rerank step.
//
// # Reciprocal Rank Fusion (RRF)
//
// Hybrid mode runs both retrievals concurrently and merges them:
//
//	For each result r in vector_results:
//	    rrf_score[r.chunk_id] += 1 / (k + r.rank)
//
//	For each result r in keyword_results:
//	    rrf_score[r.chunk_id] += 1 / (k + r.rank)
//
// Where k = 60. Either side may fail (for example a query made only of
// punctuation has no keyword terms); the search fails only when both do.
//
// # Rerank
//
// With Rerank set, a wider candidate list is fused first and then rescored
// by late interaction: each query term vector is matched against the best
// line of the candidate, and the per-term maxima are summed. RerankDimension
// truncates vectors before scoring.
//
// # Filtering
//
//	resp, _ := s.Search(ctx, searcher.SearchRequest{
//	    StoreID: store.ID,
//	    Query:   "validation",
//	    Filters: &storage.SearchFilters{
//	        PathPrefix:   "internal/",
//	        PathGlob:     "**/*.go",
//	        MinRelevance: 0.2,
//	    },
//	})
//
// # Caching
//
// Responses are cached in an LRU keyed on every request field that changes
// the result. Entries expire after CacheTTL (default one hour) and the whole
// cache is dropped by InvalidateCache whenever the store is written.
package searcher
