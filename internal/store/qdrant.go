package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/workerpool"
	"github.com/dshills/osgrep/pkg/types"
)

const (
	// storesCollection holds one payload point per store
	storesCollection = "osgrep_stores"

	// filterOverfetch widens the vector query when results are filtered
	// client side
	filterOverfetch = 5
)

// pointNamespace seeds the UUIDv5 point ids
var pointNamespace = uuid.MustParse("6f1c8a0e-3d5b-4f7e-9a2c-8b4d1e0f7a63")

// QdrantOptions configures a QdrantStore
type QdrantOptions struct {
	URL             string // http://host:port, the gRPC port is derived
	APIKey          string
	Dimension       int
	RerankDimension int
	Logger          *slog.Logger
}

// QdrantStore keeps one collection per store with one point per chunk
type QdrantStore struct {
	client *qdrant.Client
	pool   Processor
	opts   QdrantOptions
	logger *slog.Logger
}

var _ Store = (*QdrantStore)(nil)

// NewQdrantStore connects to Qdrant over gRPC
func NewQdrantStore(pool Processor, opts QdrantOptions) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantURL(opts.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: opts.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant client: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantStore{client: client, pool: pool, opts: opts, logger: logger}, nil
}

// parseQdrantURL maps the HTTP URL users configure to the gRPC endpoint.
// The gRPC port is the HTTP port plus one (6333 -> 6334).
func parseQdrantURL(urlStr string) (host string, port int, useTLS bool, err error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", 0, false, fmt.Errorf("invalid Qdrant URL: %w", err)
	}

	host = parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port = 6334
	if parsed.Port() != "" {
		httpPort, err := strconv.Atoi(parsed.Port())
		if err == nil {
			port = httpPort + 1
		}
	}
	return host, port, parsed.Scheme == "https", nil
}

// PointID is the deterministic point id of chunk index of a file
func PointID(externalID string, index int) string {
	return uuid.NewSHA1(pointNamespace, []byte(externalID+"#"+strconv.Itoa(index))).String()
}

func storePointID(storeID string) string {
	return uuid.NewSHA1(pointNamespace, []byte("store:"+storeID)).String()
}

func (s *QdrantStore) ensureStoresCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, storesCollection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}
	// payload only; the single dimension vector is a placeholder
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: storesCollection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     1,
			Distance: qdrant.Distance_Dot,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

// ensureCollection creates the store collection or checks its vector size
func (s *QdrantStore) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !exists {
		s.logger.InfoContext(ctx, "creating collection", "collection", collection, "vector_size", vectorSize)
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(vectorSize),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
		return nil
	}

	info, err := s.client.GetCollectionInfo(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get collection info: %w", err)
	}
	var actual uint64
	if cfg := info.GetConfig(); cfg != nil && cfg.GetParams() != nil {
		if vc := cfg.GetParams().GetVectorsConfig(); vc != nil && vc.GetParams() != nil {
			actual = vc.GetParams().GetSize()
		}
	}
	if actual != 0 && int(actual) != vectorSize {
		return fmt.Errorf("collection vector size mismatch: expected %d, got %d", vectorSize, actual)
	}
	return nil
}

func (s *QdrantStore) collectionExists(ctx context.Context, collection string) (bool, error) {
	exists, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection existence: %w", err)
	}
	return exists, nil
}

// ListFiles scrolls the first chunk of every file
func (s *QdrantStore) ListFiles(ctx context.Context, storeID string) iter.Seq2[StoreFile, error] {
	return func(yield func(StoreFile, error) bool) {
		if _, err := s.Retrieve(ctx, storeID); err != nil {
			yield(StoreFile{}, err)
			return
		}
		exists, err := s.collectionExists(ctx, storeID)
		if err != nil {
			yield(StoreFile{}, err)
			return
		}
		if !exists {
			return
		}

		// one extra point per page carries the next offset
		var offset *qdrant.PointId
		for {
			points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: storeID,
				Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchInt("chunk_index", 0)}},
				Offset:         offset,
				Limit:          qdrant.PtrOf(uint32(ListPageSize + 1)),
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				yield(StoreFile{}, fmt.Errorf("failed to scroll points: %w", err))
				return
			}
			page := points[:min(len(points), ListPageSize)]
			for _, p := range page {
				if !yield(storeFileFromPayload(p.GetPayload()), nil) {
					return
				}
			}
			if len(points) <= ListPageSize {
				return
			}
			offset = points[ListPageSize].GetId()
		}
	}
}

func storeFileFromPayload(payload map[string]*qdrant.Value) StoreFile {
	return StoreFile{
		ExternalID: payload["external_id"].GetStringValue(),
		Metadata: Metadata{
			Path: payload["path"].GetStringValue(),
			Hash: payload["hash"].GetStringValue(),
		},
		Chunks: int(payload["chunks"].GetIntegerValue()),
	}
}

func fileFilter(externalID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch("external_id", externalID)}}
}

// UploadFile upserts the new chunks, then deletes any chunk index past the
// new count, so readers never see the file missing.
func (s *QdrantStore) UploadFile(ctx context.Context, storeID string, content io.Reader, opts UploadOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if _, err := s.Retrieve(ctx, storeID); err != nil {
		return err
	}

	if !opts.Overwrite {
		exists, err := s.collectionExists(ctx, storeID)
		if err != nil {
			return err
		}
		if exists {
			n, err := s.client.Count(ctx, &qdrant.CountPoints{
				CollectionName: storeID,
				Filter:         fileFilter(opts.ExternalID),
				Exact:          qdrant.PtrOf(true),
			})
			if err != nil {
				return fmt.Errorf("failed to count points: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%w: %s", ErrFileExists, opts.ExternalID)
			}
		}
	}

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("read %s: %w", opts.ExternalID, err)
	}
	path := opts.Metadata.Path
	if path == "" {
		path = opts.ExternalID
	}
	hash := opts.Metadata.Hash
	if hash == "" {
		hash = types.HashContent(data)
	}

	res, err := s.pool.ProcessFile(ctx, workerpool.ProcessFileInput{Path: path, Content: data, Hash: hash}, opts.OnProgress)
	if err != nil {
		return err
	}
	if err := s.ensureCollection(ctx, storeID, s.opts.Dimension); err != nil {
		return err
	}

	points := chunkPoints(opts.ExternalID, path, hash, res.Chunks)
	if len(points) > 0 {
		if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: storeID,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		}); err != nil {
			s.logger.ErrorContext(ctx, "failed to upsert points", "collection", storeID, "count", len(points), "error", err)
			return fmt.Errorf("failed to upsert points: %w", err)
		}
	}

	stale := fileFilter(opts.ExternalID)
	stale.Must = append(stale.Must, qdrant.NewRange("chunk_index", &qdrant.Range{Gte: qdrant.PtrOf(float64(len(res.Chunks)))}))
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: storeID,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(stale),
	}); err != nil {
		return fmt.Errorf("failed to delete stale points: %w", err)
	}

	s.logger.DebugContext(ctx, "uploaded file", "collection", storeID, "file", opts.ExternalID, "points", len(points))
	return s.touch(ctx, storeID)
}

func chunkPoints(externalID, path, hash string, chunks []types.Chunk) []*qdrant.PointStruct {
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Vector) == 0 {
			continue
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(PointID(externalID, c.Index)),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"external_id":  externalID,
				"path":         path,
				"hash":         hash,
				"chunk_index":  c.Index,
				"chunks":       len(chunks),
				"start_line":   c.StartLine,
				"end_line":     c.EndLine,
				"start_offset": c.StartOffset,
				"end_offset":   c.EndOffset,
				"text":         c.Content,
			}),
		})
	}
	return points
}

// DeleteFile removes every point of a file
func (s *QdrantStore) DeleteFile(ctx context.Context, storeID, externalID string) error {
	exists, err := s.collectionExists(ctx, storeID)
	if err != nil || !exists {
		return err
	}
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: storeID,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(fileFilter(externalID)),
	}); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return s.touch(ctx, storeID)
}

// Search queries by the dense query vector; hybrid and vector modes are the
// same here. Path filters are applied client side on an over-fetched result
// set.
func (s *QdrantStore) Search(ctx context.Context, storeID, query string, topK int, opts SearchOptions, filters *Filters) ([]types.SearchResult, error) {
	if opts.Mode == searcher.SearchModeKeyword {
		return nil, fmt.Errorf("%w: keyword search needs the local backend", searcher.ErrInvalidMode)
	}
	if topK <= 0 {
		topK = 10
	}
	if _, err := s.Retrieve(ctx, storeID); err != nil {
		return nil, err
	}
	exists, err := s.collectionExists(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []types.SearchResult{}, nil
	}

	enc, err := s.pool.EncodeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	limit := uint64(topK)
	if opts.Rerank {
		limit = uint64(max(topK*3, 20))
	}
	if filters != nil && (filters.PathPrefix != "" || filters.PathGlob != "") {
		limit *= filterOverfetch
	}

	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: storeID,
		Query:          qdrant.NewQuery(enc.Dense...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to search points", "collection", storeID, "error", err)
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	results := make([]types.SearchResult, 0, len(scored))
	for _, p := range scored {
		r := resultFromPayload(p.GetPayload(), float64(p.GetScore()))
		if !matchesFilters(filters, r.File.Path) {
			continue
		}
		results = append(results, r)
	}

	if opts.Rerank && len(results) > 0 {
		results, err = s.rerank(ctx, enc, results)
		if err != nil {
			return nil, fmt.Errorf("failed to rerank: %w", err)
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	for i := range results {
		results[i].Rank = i + 1
	}
	return results, nil
}

func (s *QdrantStore) rerank(ctx context.Context, enc *workerpool.QueryEncoding, results []types.SearchResult) ([]types.SearchResult, error) {
	docs := make([]workerpool.RerankDoc, len(results))
	for i, r := range results {
		docs[i] = workerpool.RerankDoc{ID: strconv.Itoa(i), Content: r.Content}
	}
	scored, err := s.pool.Rerank(ctx, workerpool.RerankInput{
		QueryVectors: enc.TermVectors(),
		Docs:         docs,
		Dimension:    s.opts.RerankDimension,
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

func resultFromPayload(payload map[string]*qdrant.Value, score float64) types.SearchResult {
	return types.SearchResult{
		ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
		Score:      score,
		Content:    payload["text"].GetStringValue(),
		File: types.FileInfo{
			Path:        payload["path"].GetStringValue(),
			ExternalID:  payload["external_id"].GetStringValue(),
			Hash:        payload["hash"].GetStringValue(),
			StartLine:   int(payload["start_line"].GetIntegerValue()),
			EndLine:     int(payload["end_line"].GetIntegerValue()),
			StartOffset: int(payload["start_offset"].GetIntegerValue()),
			EndOffset:   int(payload["end_offset"].GetIntegerValue()),
		},
	}
}

// matchesFilters applies the path filters. An invalid glob matches nothing.
func matchesFilters(filters *Filters, path string) bool {
	if filters == nil {
		return true
	}
	if filters.PathPrefix != "" && !hasPathPrefix(path, filters.PathPrefix) {
		return false
	}
	if filters.PathGlob != "" {
		ok, err := doublestar.Match(filters.PathGlob, path)
		return err == nil && ok
	}
	return true
}

func hasPathPrefix(path, prefix string) bool {
	return strings.HasPrefix(path, strings.TrimPrefix(prefix, "./"))
}

// Ask answers from the best matching chunks
func (s *QdrantStore) Ask(ctx context.Context, storeID, question string, topK int, opts SearchOptions, filters *Filters) (*AskResponse, error) {
	results, err := s.Search(ctx, storeID, question, topK, opts, filters)
	if err != nil {
		return nil, err
	}
	return &AskResponse{Answer: composeAnswer(question, results), Sources: results}, nil
}

// Retrieve reads the store's payload point
func (s *QdrantStore) Retrieve(ctx context.Context, storeID string) (*Info, error) {
	exists, err := s.collectionExists(ctx, storesCollection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}

	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: storesCollection,
		Ids:            []*qdrant.PointId{qdrant.NewID(storePointID(storeID))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}
	return infoFromPayload(points[0].GetPayload()), nil
}

func infoFromPayload(payload map[string]*qdrant.Value) *Info {
	info := &Info{
		Name:        payload["name"].GetStringValue(),
		Description: payload["description"].GetStringValue(),
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, payload["created_at"].GetStringValue())
	info.UpdatedAt, _ = time.Parse(time.RFC3339Nano, payload["updated_at"].GetStringValue())
	return info
}

// Create writes the store's payload point. The chunk collection is created
// on first upload, once the vector size is known.
func (s *QdrantStore) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	if opts.Name == "" {
		return nil, errors.New("store name is required")
	}
	if err := s.ensureStoresCollection(ctx); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	info := &Info{Name: opts.Name, Description: opts.Description, CreatedAt: now, UpdatedAt: now}
	if err := s.writeInfo(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *QdrantStore) writeInfo(ctx context.Context, info *Info) error {
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: storesCollection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(storePointID(info.Name)),
			Vectors: qdrant.NewVectors(1),
			Payload: qdrant.NewValueMap(map[string]any{
				"name":        info.Name,
				"description": info.Description,
				"created_at":  info.CreatedAt.Format(time.RFC3339Nano),
				"updated_at":  info.UpdatedAt.Format(time.RFC3339Nano),
			}),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to write store %s: %w", info.Name, err)
	}
	return nil
}

func (s *QdrantStore) touch(ctx context.Context, storeID string) error {
	info, err := s.Retrieve(ctx, storeID)
	if err != nil {
		return err
	}
	info.UpdatedAt = time.Now().UTC()
	return s.writeInfo(ctx, info)
}

// GetInfo adds file and chunk counts from the collection
func (s *QdrantStore) GetInfo(ctx context.Context, storeID string) (*Info, error) {
	info, err := s.Retrieve(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		info.Counts = Counts{Pending: stats.Queued, InProgress: stats.Active}
	}

	exists, err := s.collectionExists(ctx, storeID)
	if err != nil || !exists {
		return info, err
	}
	chunks, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: storeID, Exact: qdrant.PtrOf(true)})
	if err != nil {
		return nil, fmt.Errorf("failed to count points: %w", err)
	}
	files, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: storeID,
		Filter:         &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchInt("chunk_index", 0)}},
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count points: %w", err)
	}
	info.Chunks = int(chunks)
	info.Files = int(files)
	return info, nil
}

// Close closes the gRPC connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}
