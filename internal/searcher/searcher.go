package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/osgrep/internal/storage"
	"github.com/dshills/osgrep/internal/workerpool"
	"github.com/dshills/osgrep/pkg/types"
)

// SearchMode defines how search is performed
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // Vector + BM25 with RRF
	SearchModeVector  SearchMode = "vector"  // Vector similarity only
	SearchModeKeyword SearchMode = "keyword" // BM25 text search only
)

// ErrInvalidMode is returned for an unknown mode name
var ErrInvalidMode = errors.New("invalid search mode")

// ParseSearchMode maps a user supplied mode name to a SearchMode. An empty
// name selects hybrid.
func ParseSearchMode(name string) (SearchMode, error) {
	switch m := SearchMode(strings.ToLower(strings.TrimSpace(name))); m {
	case "":
		return SearchModeHybrid, nil
	case SearchModeHybrid, SearchModeVector, SearchModeKeyword:
		return m, nil
	}
	return "", fmt.Errorf("%w %q: want hybrid, vector or keyword", ErrInvalidMode, name)
}

const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultRRFConstant = 60
	DefaultCacheSize   = 1000

	// maxRerankCandidates bounds the fused list handed to the reranker
	maxRerankCandidates = 50
)

// QueryEncoder is the query side of the worker pool
type QueryEncoder interface {
	EncodeQuery(ctx context.Context, text string) (*workerpool.QueryEncoding, error)
	Rerank(ctx context.Context, in workerpool.RerankInput) ([]workerpool.RerankResult, error)
}

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query   string
	Limit   int
	Mode    SearchMode
	Filters *storage.SearchFilters
	StoreID int64
	// Generation of the store when the request was made. Cached responses
	// from another generation are never returned.
	Generation  int64
	UseCache    bool
	CacheTTL    time.Duration
	RRFConstant float64 // k value for Reciprocal Rank Fusion (default 60)

	// Rerank rescored the fused candidates by late interaction
	Rerank          bool
	RerankDimension int
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results       []types.SearchResult
	TotalResults  int
	SearchMode    SearchMode
	Duration      time.Duration
	CacheHit      bool
	Reranked      bool
	VectorResults int
	TextResults   int
}

type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Searcher runs encode, retrieve, fuse and optional rerank for one store
type Searcher struct {
	storage storage.Storage
	encoder QueryEncoder
	cache   *lru.Cache[[32]byte, *cacheEntry]
	cacheMu sync.RWMutex
}

// NewSearcher creates a new Searcher instance
func NewSearcher(storage storage.Storage, encoder QueryEncoder) *Searcher {
	cache, err := lru.New[[32]byte, *cacheEntry](DefaultCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return &Searcher{
		storage: storage,
		encoder: encoder,
		cache:   cache,
	}
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()

	if s.encoder == nil {
		return nil, errors.New("query encoder not initialized")
	}
	if err := s.validateRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	if req.UseCache {
		if cached := s.checkCache(req); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	var enc *workerpool.QueryEncoding
	if req.Mode != SearchModeKeyword || req.Rerank {
		var err error
		enc, err = s.encoder.EncodeQuery(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to encode query: %w", err)
		}
	}

	candidates := req.Limit
	if req.Rerank {
		candidates = min(max(req.Limit*3, 2*DefaultLimit), maxRerankCandidates)
	}

	var response *SearchResponse
	var err error
	switch req.Mode {
	case SearchModeHybrid:
		response, err = s.hybridSearch(ctx, req, enc, candidates)
	case SearchModeVector:
		response, err = s.vectorSearch(ctx, req, enc, candidates)
	case SearchModeKeyword:
		response, err = s.keywordSearch(ctx, req, candidates)
	default:
		return nil, fmt.Errorf("unsupported search mode: %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	if req.Rerank && len(response.Results) > 0 {
		response.Results, err = s.rerank(ctx, req, enc, response.Results)
		if err != nil {
			return nil, fmt.Errorf("failed to rerank: %w", err)
		}
		response.Reranked = true
	}
	if len(response.Results) > req.Limit {
		response.Results = response.Results[:req.Limit]
	}
	for i := range response.Results {
		response.Results[i].Rank = i + 1
	}
	response.TotalResults = len(response.Results)
	response.Duration = time.Since(startTime)
	response.SearchMode = req.Mode

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(req, response)
	}
	return response, nil
}

// hybridSearch runs vector and BM25 retrieval concurrently and fuses them
// with Reciprocal Rank Fusion. One side may fail.
func (s *Searcher) hybridSearch(ctx context.Context, req SearchRequest, enc *workerpool.QueryEncoding, limit int) (*SearchResponse, error) {
	var (
		g                 errgroup.Group
		vectorResults     []storage.VectorResult
		textResults       []storage.TextResult
		vectorErr, txtErr error
	)
	g.Go(func() error {
		vectorResults, vectorErr = s.storage.SearchVector(ctx, req.StoreID, enc.Dense, limit*2, req.Filters)
		return nil
	})
	g.Go(func() error {
		textResults, txtErr = s.storage.SearchText(ctx, req.StoreID, req.Query, limit*2, req.Filters)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if vectorErr != nil && txtErr != nil {
		return nil, fmt.Errorf("both searches failed: vector=%w, text=%v", vectorErr, txtErr)
	}

	fused := applyRRF(vectorResults, textResults, req.RRFConstant)
	results, err := s.fetchResults(ctx, fused, limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Results:       results,
		VectorResults: len(vectorResults),
		TextResults:   len(textResults),
	}, nil
}

// vectorSearch performs only vector similarity search
func (s *Searcher) vectorSearch(ctx context.Context, req SearchRequest, enc *workerpool.QueryEncoding, limit int) (*SearchResponse, error) {
	vectorResults, err := s.storage.SearchVector(ctx, req.StoreID, enc.Dense, limit, req.Filters)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedResult, len(vectorResults))
	for i, vr := range vectorResults {
		ranked[i] = rankedResult{chunkID: vr.ChunkID, score: vr.SimilarityScore}
	}
	results, err := s.fetchResults(ctx, ranked, limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Results: results, VectorResults: len(vectorResults)}, nil
}

// keywordSearch performs only BM25 text search
func (s *Searcher) keywordSearch(ctx context.Context, req SearchRequest, limit int) (*SearchResponse, error) {
	textResults, err := s.storage.SearchText(ctx, req.StoreID, req.Query, limit, req.Filters)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedResult, len(textResults))
	for i, tr := range textResults {
		ranked[i] = rankedResult{chunkID: tr.ChunkID, score: tr.BM25Score}
	}
	results, err := s.fetchResults(ctx, ranked, limit)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{Results: results, TextResults: len(textResults)}, nil
}

// rerank reorders results by late interaction against the query terms
func (s *Searcher) rerank(ctx context.Context, req SearchRequest, enc *workerpool.QueryEncoding, results []types.SearchResult) ([]types.SearchResult, error) {
	docs := make([]workerpool.RerankDoc, len(results))
	for i, r := range results {
		docs[i] = workerpool.RerankDoc{ID: strconv.FormatInt(r.ChunkID, 10), Content: r.Content}
	}
	scored, err := s.encoder.Rerank(ctx, workerpool.RerankInput{
		QueryVectors: enc.TermVectors(),
		Docs:         docs,
		Dimension:    req.RerankDimension,
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.SearchResult, 0, len(scored))
	for _, sc := range scored {
		r := results[sc.Index]
		r.Score = sc.Score
		out = append(out, r)
	}
	return out, nil
}

// rankedResult represents a chunk with its relevance score
type rankedResult struct {
	chunkID int64
	score   float64
}

// applyRRF fuses vector and text rankings: RRF(d) = sum of 1/(k + rank(d))
func applyRRF(vectorResults []storage.VectorResult, textResults []storage.TextResult, k float64) []rankedResult {
	if k == 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[int64]float64)
	for rank, vr := range vectorResults {
		scores[vr.ChunkID] += 1.0 / (k + float64(rank+1))
	}
	for rank, tr := range textResults {
		scores[tr.ChunkID] += 1.0 / (k + float64(rank+1))
	}

	results := make([]rankedResult, 0, len(scores))
	for chunkID, score := range scores {
		results = append(results, rankedResult{chunkID: chunkID, score: score})
	}
	sortRankedResults(results)
	return results
}

// fetchResults loads the top ranked chunks in one query
func (s *Searcher) fetchResults(ctx context.Context, ranked []rankedResult, limit int) ([]types.SearchResult, error) {
	if limit > len(ranked) {
		limit = len(ranked)
	}
	ids := make([]int64, limit)
	scores := make(map[int64]float64, limit)
	for i := 0; i < limit; i++ {
		ids[i] = ranked[i].chunkID
		scores[ranked[i].chunkID] = ranked[i].score
	}

	hits, err := s.storage.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hit.ToSearchResult(scores[hit.ID]))
	}
	return results, nil
}

// validateRequest ensures search request is valid
func (s *Searcher) validateRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return errors.New("query cannot be empty")
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	if req.RRFConstant == 0 {
		req.RRFConstant = DefaultRRFConstant
	}
	if req.CacheTTL == 0 {
		req.CacheTTL = time.Hour
	}
	return nil
}

// checkCache returns a copy of a live cached response, or nil
func (s *Searcher) checkCache(req SearchRequest) *SearchResponse {
	hash := computeQueryHash(req)

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.RUnlock()
		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil
	}
	response := copySearchResponse(entry.response)
	s.cacheMu.RUnlock()
	return response
}

func (s *Searcher) storeInCache(req SearchRequest, response *SearchResponse) {
	entry := &cacheEntry{
		response:  copySearchResponse(response),
		expiresAt: time.Now().Add(req.CacheTTL),
	}
	s.cacheMu.Lock()
	s.cache.Add(computeQueryHash(req), entry)
	s.cacheMu.Unlock()
}

// copySearchResponse copies the result slice so cached entries stay private
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = append([]types.SearchResult(nil), src.Results...)
	return &dst
}

// computeQueryHash computes a unique hash for a search request
func computeQueryHash(req SearchRequest) [32]byte {
	var data strings.Builder
	fmt.Fprintf(&data, "%s|%s|%d|%d|%d|%t|%d", req.Query, req.Mode, req.StoreID, req.Generation, req.Limit, req.Rerank, req.RerankDimension)
	if req.Filters != nil {
		fmt.Fprintf(&data, "|filters:%s|%s|%.2f", req.Filters.PathPrefix, req.Filters.PathGlob, req.Filters.MinRelevance)
	}
	return sha256.Sum256([]byte(data.String()))
}

// sortRankedResults sorts by descending score, ties by chunk id
func sortRankedResults(results []rankedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunkID < results[j].chunkID
	})
}

// InvalidateCache drops every cached response. Called after the store
// changes.
func (s *Searcher) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen reports the number of cached responses
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}
