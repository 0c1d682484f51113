package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/dshills/osgrep/internal/searcher"
	"github.com/dshills/osgrep/internal/storage"
	"github.com/dshills/osgrep/internal/workerpool"
	"github.com/dshills/osgrep/pkg/types"
)

// Processor is the part of the worker pool a backend needs: file
// processing for uploads, query encoding and rerank for reads.
type Processor interface {
	searcher.QueryEncoder
	ProcessFile(ctx context.Context, in workerpool.ProcessFileInput, onProgress workerpool.ProgressFunc) (*workerpool.ProcessFileResult, error)
	Stats() workerpool.Stats
}

// LocalOptions configures a LocalStore
type LocalOptions struct {
	// Provider, Model and Dimension describe the vectors the pool produces
	Provider  string
	Model     string
	Dimension int

	// RerankDimension truncates vectors during rerank; 0 keeps them whole
	RerankDimension int

	Logger *slog.Logger
}

// LocalStore keeps the index in a SQLite database next to the project
type LocalStore struct {
	db       storage.Storage
	pool     Processor
	searcher *searcher.Searcher
	opts     LocalOptions
	logger   *slog.Logger
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore wraps an open database
func NewLocalStore(db storage.Storage, pool Processor, opts LocalOptions) *LocalStore {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalStore{
		db:       db,
		pool:     pool,
		searcher: searcher.NewSearcher(db, pool),
		opts:     opts,
		logger:   logger,
	}
}

// OpenLocalStore opens (and migrates) the database at path
func OpenLocalStore(path string, pool Processor, opts LocalOptions) (*LocalStore, error) {
	db, err := storage.NewSQLiteStorage(path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	return NewLocalStore(db, pool, opts), nil
}

func (s *LocalStore) resolve(ctx context.Context, storeID string) (*storage.Store, error) {
	st, err := s.db.GetStore(ctx, storeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, storeID)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListFiles pages through the files table by row id
func (s *LocalStore) ListFiles(ctx context.Context, storeID string) iter.Seq2[StoreFile, error] {
	return func(yield func(StoreFile, error) bool) {
		st, err := s.resolve(ctx, storeID)
		if err != nil {
			yield(StoreFile{}, err)
			return
		}

		var after int64
		for {
			files, err := s.db.ListFiles(ctx, st.ID, after, ListPageSize)
			if err != nil {
				yield(StoreFile{}, fmt.Errorf("list files: %w", err))
				return
			}
			for _, f := range files {
				sf := StoreFile{
					ExternalID: f.ExternalID,
					Metadata:   Metadata{Path: f.Path, Hash: f.ContentHash},
					Chunks:     f.ChunkCount,
				}
				if !yield(sf, nil) {
					return
				}
				after = f.ID
			}
			if len(files) < ListPageSize {
				return
			}
		}
	}
}

// UploadFile embeds content on the pool, then replaces the file row, its
// chunks and their embeddings in one transaction. A failure leaves the
// previous version intact.
func (s *LocalStore) UploadFile(ctx context.Context, storeID string, content io.Reader, opts UploadOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	st, err := s.resolve(ctx, storeID)
	if err != nil {
		return err
	}

	if !opts.Overwrite {
		_, err := s.db.GetFile(ctx, st.ID, opts.ExternalID)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, opts.ExternalID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
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

	if err := s.replaceFile(ctx, st, opts.ExternalID, path, hash, int64(len(data)), res.Chunks); err != nil {
		return err
	}
	s.searcher.InvalidateCache()
	return nil
}

func (s *LocalStore) replaceFile(ctx context.Context, st *storage.Store, externalID, path, hash string, size int64, chunks []types.Chunk) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if st.EmbeddingModel != s.opts.Model || st.EmbeddingDimension != s.opts.Dimension {
		if st.EmbeddingModel != "" {
			s.logger.Warn("store embedding model changed",
				"store", st.Name,
				"from", st.EmbeddingModel, "to", s.opts.Model,
				"dimension", s.opts.Dimension)
		}
		st.EmbeddingModel = s.opts.Model
		st.EmbeddingDimension = s.opts.Dimension
		if err := tx.UpdateStore(ctx, st); err != nil {
			return fmt.Errorf("update store: %w", err)
		}
	}

	file := &storage.File{
		StoreID:     st.ID,
		ExternalID:  externalID,
		Path:        path,
		ContentHash: hash,
		SizeBytes:   size,
		ChunkCount:  len(chunks),
	}
	if err := tx.UpsertFile(ctx, file); err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	if err := tx.DeleteChunksByFile(ctx, file.ID); err != nil {
		return err
	}

	for _, c := range chunks {
		row := storage.FromTypesChunk(c, file.ID)
		if err := tx.InsertChunk(ctx, row); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
		if len(c.Vector) == 0 {
			continue
		}
		if err := tx.UpsertEmbedding(ctx, &storage.Embedding{
			ChunkID:   row.ID,
			Vector:    storage.SerializeVector(c.Vector),
			Dimension: len(c.Vector),
			Provider:  s.opts.Provider,
			Model:     s.opts.Model,
		}); err != nil {
			return fmt.Errorf("store embedding for chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", externalID, err)
	}
	return nil
}

// DeleteFile removes a file and everything derived from it
func (s *LocalStore) DeleteFile(ctx context.Context, storeID, externalID string) error {
	st, err := s.resolve(ctx, storeID)
	if err != nil {
		return err
	}
	f, err := s.db.GetFile(ctx, st.ID, externalID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.DeleteFile(ctx, f.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", externalID, err)
	}
	s.searcher.InvalidateCache()
	return nil
}

// Search runs a hybrid search over the store unless opts picks another
// mode. Cached responses are keyed on the store generation, so writes from
// other processes are seen on the next query.
func (s *LocalStore) Search(ctx context.Context, storeID, query string, topK int, opts SearchOptions, filters *Filters) ([]types.SearchResult, error) {
	st, err := s.resolve(ctx, storeID)
	if err != nil {
		return nil, err
	}

	req := searcher.SearchRequest{
		Query:           query,
		Limit:           topK,
		Mode:            opts.Mode,
		StoreID:         st.ID,
		Generation:      st.Generation,
		UseCache:        true,
		Rerank:          opts.Rerank,
		RerankDimension: s.opts.RerankDimension,
	}
	if filters != nil {
		req.Filters = &storage.SearchFilters{PathPrefix: filters.PathPrefix, PathGlob: filters.PathGlob}
	}

	resp, err := s.searcher.Search(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("search complete",
		"store", storeID,
		"results", resp.TotalResults,
		"cache_hit", resp.CacheHit,
		"duration", resp.Duration)
	return resp.Results, nil
}

// Ask answers a question from the best matching chunks
func (s *LocalStore) Ask(ctx context.Context, storeID, question string, topK int, opts SearchOptions, filters *Filters) (*AskResponse, error) {
	results, err := s.Search(ctx, storeID, question, topK, opts, filters)
	if err != nil {
		return nil, err
	}
	return &AskResponse{Answer: composeAnswer(question, results), Sources: results}, nil
}

// Retrieve returns the store's metadata without counts
func (s *LocalStore) Retrieve(ctx context.Context, storeID string) (*Info, error) {
	st, err := s.resolve(ctx, storeID)
	if err != nil {
		return nil, err
	}
	return infoFromStore(st), nil
}

// Create adds a new, empty store
func (s *LocalStore) Create(ctx context.Context, opts CreateOptions) (*Info, error) {
	if opts.Name == "" {
		return nil, errors.New("store name is required")
	}
	st := &storage.Store{Name: opts.Name, Description: opts.Description}
	if err := s.db.CreateStore(ctx, st); err != nil {
		return nil, fmt.Errorf("create store %s: %w", opts.Name, err)
	}
	return infoFromStore(st), nil
}

// GetInfo returns metadata plus file, chunk and pool counts
func (s *LocalStore) GetInfo(ctx context.Context, storeID string) (*Info, error) {
	st, err := s.resolve(ctx, storeID)
	if err != nil {
		return nil, err
	}
	status, err := s.db.GetStatus(ctx, st.ID)
	if err != nil {
		return nil, fmt.Errorf("store status: %w", err)
	}

	info := infoFromStore(st)
	info.Files = status.FilesCount
	info.Chunks = status.ChunksCount
	if s.pool != nil {
		stats := s.pool.Stats()
		info.Counts = Counts{Pending: stats.Queued, InProgress: stats.Active}
	}
	return info, nil
}

// Close closes the database. The pool belongs to the caller.
func (s *LocalStore) Close() error {
	return s.db.Close()
}

func infoFromStore(st *storage.Store) *Info {
	return &Info{
		Name:        st.Name,
		Description: st.Description,
		CreatedAt:   st.CreatedAt,
		UpdatedAt:   st.UpdatedAt,
	}
}
