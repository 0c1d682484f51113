package storage

import (
	"context"
	"time"

	"github.com/dshills/osgrep/pkg/types"
)

// Storage defines the interface for persisting and querying indexed files
type Storage interface {
	// Store operations
	CreateStore(ctx context.Context, store *Store) error
	GetStore(ctx context.Context, name string) (*Store, error)
	UpdateStore(ctx context.Context, store *Store) error

	// File operations
	UpsertFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, storeID int64, externalID string) (*File, error)
	ListFiles(ctx context.Context, storeID int64, afterID int64, limit int) ([]*File, error)
	DeleteFile(ctx context.Context, fileID int64) error

	// Chunk operations
	InsertChunk(ctx context.Context, chunk *Chunk) error
	GetChunks(ctx context.Context, chunkIDs []int64) ([]*ChunkHit, error)
	DeleteChunksByFile(ctx context.Context, fileID int64) error

	// Embedding operations
	UpsertEmbedding(ctx context.Context, embedding *Embedding) error
	GetEmbedding(ctx context.Context, chunkID int64) (*Embedding, error)

	// Search operations
	SearchVector(ctx context.Context, storeID int64, vector []float32, limit int, filters *SearchFilters) ([]VectorResult, error)
	SearchText(ctx context.Context, storeID int64, query string, limit int, filters *SearchFilters) ([]TextResult, error)

	// Status operations
	GetStatus(ctx context.Context, storeID int64) (*StoreStatus, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Storage
}

// Store is a named collection of indexed files
type Store struct {
	ID          int64
	Name        string
	Description string

	// Model and width of every vector in the store; empty until first upload
	EmbeddingModel     string
	EmbeddingDimension int

	// Generation advances on every file insert, update or delete
	Generation int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// File is one uploaded file, keyed by its external id within a store
type File struct {
	ID          int64
	StoreID     int64
	ExternalID  string
	Path        string // relative, slash separated
	ContentHash string // hex SHA-256
	SizeBytes   int64
	ChunkCount  int
	IndexedAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is a stored section of a file
type Chunk struct {
	ID          int64
	FileID      int64
	ChunkIndex  int
	Content     string
	ContentHash string
	TokenCount  int
	StartLine   int
	EndLine     int
	StartOffset int
	EndOffset   int
	Kind        string
	CreatedAt   time.Time
}

// ChunkHit is a chunk joined with the file it belongs to
type ChunkHit struct {
	Chunk
	Path       string
	ExternalID string
	FileHash   string
}

// Embedding represents a vector embedding for a chunk
type Embedding struct {
	ID        int64
	ChunkID   int64
	Vector    []byte // little-endian float32 array
	Dimension int
	Provider  string
	Model     string
	CreatedAt time.Time
}

// SearchFilters narrows search results by file path
type SearchFilters struct {
	PathPrefix   string  // applied in SQL
	PathGlob     string  // doublestar pattern, applied after the query
	MinRelevance float64 // minimum relevance score
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	ChunkID         int64
	SimilarityScore float64
}

// TextResult represents a result from full-text search
type TextResult struct {
	ChunkID   int64
	BM25Score float64
}

// StoreStatus contains statistics about a store
type StoreStatus struct {
	Store           *Store
	FilesCount      int
	ChunksCount     int
	EmbeddingsCount int
	IndexSizeMB     float64
	LastIndexedAt   time.Time
	Health          HealthStatus
}

// HealthStatus represents the health of the index
type HealthStatus struct {
	DatabaseAccessible  bool
	EmbeddingsAvailable bool
	FTSIndexesBuilt     bool
	VectorExtension     bool
}

// FromTypesChunk converts a chunker chunk to its storage row
func FromTypesChunk(c types.Chunk, fileID int64) *Chunk {
	return &Chunk{
		FileID:      fileID,
		ChunkIndex:  c.Index,
		Content:     c.Content,
		ContentHash: c.ContentHash,
		TokenCount:  c.TokenCount,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		StartOffset: c.StartOffset,
		EndOffset:   c.EndOffset,
		Kind:        string(c.Kind),
	}
}

// ToSearchResult converts a hit to the public result type. Rank is left to
// the caller.
func (h *ChunkHit) ToSearchResult(score float64) types.SearchResult {
	return types.SearchResult{
		ChunkID:    h.ID,
		ChunkIndex: h.ChunkIndex,
		Score:      score,
		Content:    h.Content,
		File: types.FileInfo{
			Path:        h.Path,
			ExternalID:  h.ExternalID,
			Hash:        h.FileHash,
			StartLine:   h.StartLine,
			EndLine:     h.EndLine,
			StartOffset: h.StartOffset,
			EndOffset:   h.EndOffset,
		},
	}
}
