package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets readers run while an index run writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) the database at dbPath and migrates it
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) querier() querier {
	return t.tx
}

func (s *SQLiteStorage) querier() querier {
	return s.db
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Store operations

func (s *SQLiteStorage) createStoreWithQuerier(ctx context.Context, q querier, store *Store) error {
	query := `
		INSERT INTO stores (name, description, embedding_model, embedding_dimension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := q.ExecContext(ctx, query,
		store.Name, store.Description, store.EmbeddingModel, store.EmbeddingDimension, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("store %q: %w", store.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	store.ID = id
	store.CreatedAt = now
	store.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) CreateStore(ctx context.Context, store *Store) error {
	return s.createStoreWithQuerier(ctx, s.querier(), store)
}

func (s *SQLiteStorage) getStoreWithQuerier(ctx context.Context, q querier, name string) (*Store, error) {
	query := `
		SELECT id, name, description, embedding_model, embedding_dimension, generation, created_at, updated_at
		FROM stores
		WHERE name = ?
	`
	return scanStore(q.QueryRowContext(ctx, query, name))
}

func (s *SQLiteStorage) GetStore(ctx context.Context, name string) (*Store, error) {
	return s.getStoreWithQuerier(ctx, s.querier(), name)
}

func (s *SQLiteStorage) getStoreByID(ctx context.Context, q querier, id int64) (*Store, error) {
	query := `
		SELECT id, name, description, embedding_model, embedding_dimension, generation, created_at, updated_at
		FROM stores
		WHERE id = ?
	`
	return scanStore(q.QueryRowContext(ctx, query, id))
}

func scanStore(row *sql.Row) (*Store, error) {
	var store Store
	var description sql.NullString
	err := row.Scan(&store.ID, &store.Name, &description, &store.EmbeddingModel,
		&store.EmbeddingDimension, &store.Generation, &store.CreatedAt, &store.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	store.Description = description.String
	return &store, nil
}

func (s *SQLiteStorage) updateStoreWithQuerier(ctx context.Context, q querier, store *Store) error {
	query := `
		UPDATE stores
		SET description = ?, embedding_model = ?, embedding_dimension = ?, updated_at = ?
		WHERE id = ?
	`
	now := time.Now()
	result, err := q.ExecContext(ctx, query,
		store.Description, store.EmbeddingModel, store.EmbeddingDimension, now, store.ID)
	if err != nil {
		return fmt.Errorf("failed to update store: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	store.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) UpdateStore(ctx context.Context, store *Store) error {
	return s.updateStoreWithQuerier(ctx, s.querier(), store)
}

// File operations

func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *File) error {
	query := `
		INSERT INTO files (
			store_id, external_id, path, content_hash, size_bytes, chunk_count,
			indexed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_id, external_id)
		DO UPDATE SET
			path = excluded.path,
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at
	`
	now := time.Now()
	if file.IndexedAt.IsZero() {
		file.IndexedAt = now
	}
	err := q.QueryRowContext(ctx, query,
		file.StoreID, file.ExternalID, file.Path, file.ContentHash, file.SizeBytes,
		file.ChunkCount, file.IndexedAt, now, now,
	).Scan(&file.ID, &file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertFile(ctx context.Context, file *File) error {
	return s.upsertFileWithQuerier(ctx, s.querier(), file)
}

const fileColumns = `id, store_id, external_id, path, content_hash, size_bytes, chunk_count,
		       indexed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*File, error) {
	var file File
	var size sql.NullInt64
	var indexedAt sql.NullTime
	err := row.Scan(&file.ID, &file.StoreID, &file.ExternalID, &file.Path, &file.ContentHash,
		&size, &file.ChunkCount, &indexedAt, &file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		return nil, err
	}
	file.SizeBytes = size.Int64
	if indexedAt.Valid {
		file.IndexedAt = indexedAt.Time
	}
	return &file, nil
}

func (s *SQLiteStorage) getFileWithQuerier(ctx context.Context, q querier, storeID int64, externalID string) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE store_id = ? AND external_id = ?`
	file, err := scanFile(q.QueryRowContext(ctx, query, storeID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return file, err
}

func (s *SQLiteStorage) GetFile(ctx context.Context, storeID int64, externalID string) (*File, error) {
	return s.getFileWithQuerier(ctx, s.querier(), storeID, externalID)
}

// listFilesWithQuerier returns up to limit files with id > afterID, in id order
func (s *SQLiteStorage) listFilesWithQuerier(ctx context.Context, q querier, storeID, afterID int64, limit int) ([]*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE store_id = ? AND id > ? ORDER BY id LIMIT ?`
	rows, err := q.QueryContext(ctx, query, storeID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var files []*File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (s *SQLiteStorage) ListFiles(ctx context.Context, storeID, afterID int64, limit int) ([]*File, error) {
	return s.listFilesWithQuerier(ctx, s.querier(), storeID, afterID, limit)
}

func (s *SQLiteStorage) deleteFileWithQuerier(ctx context.Context, q querier, fileID int64) error {
	// chunks go first so the FTS delete trigger sees every row
	if err := s.deleteChunksByFileWithQuerier(ctx, q, fileID); err != nil {
		return err
	}
	result, err := q.ExecContext(ctx, "DELETE FROM files WHERE id = ?", fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteFile(ctx context.Context, fileID int64) error {
	return s.deleteFileWithQuerier(ctx, s.querier(), fileID)
}

// Chunk operations

func (s *SQLiteStorage) insertChunkWithQuerier(ctx context.Context, q querier, chunk *Chunk) error {
	query := `
		INSERT INTO chunks (
			file_id, chunk_index, content, content_hash, token_count,
			start_line, end_line, start_offset, end_offset, kind, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := q.ExecContext(ctx, query,
		chunk.FileID, chunk.ChunkIndex, chunk.Content, chunk.ContentHash, chunk.TokenCount,
		chunk.StartLine, chunk.EndLine, chunk.StartOffset, chunk.EndOffset, chunk.Kind, now)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	chunk.ID = id
	chunk.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) InsertChunk(ctx context.Context, chunk *Chunk) error {
	return s.insertChunkWithQuerier(ctx, s.querier(), chunk)
}

func (s *SQLiteStorage) getChunksWithQuerier(ctx context.Context, q querier, chunkIDs []int64) ([]*ChunkHit, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunkIDs)), ",")
	query := `
		SELECT c.id, c.file_id, c.chunk_index, c.content, c.content_hash, c.token_count,
		       c.start_line, c.end_line, c.start_offset, c.end_offset, c.kind, c.created_at,
		       f.path, f.external_id, f.content_hash
		FROM chunks c
		INNER JOIN files f ON c.file_id = f.id
		WHERE c.id IN (` + placeholders + `)
	`
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[int64]*ChunkHit, len(chunkIDs))
	for rows.Next() {
		var hit ChunkHit
		var tokens sql.NullInt64
		if err := rows.Scan(&hit.ID, &hit.FileID, &hit.ChunkIndex, &hit.Content, &hit.ContentHash,
			&tokens, &hit.StartLine, &hit.EndLine, &hit.StartOffset, &hit.EndOffset, &hit.Kind,
			&hit.CreatedAt, &hit.Path, &hit.ExternalID, &hit.FileHash); err != nil {
			return nil, err
		}
		hit.TokenCount = int(tokens.Int64)
		byID[hit.ID] = &hit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// keep the caller's order; ids that vanished are dropped
	hits := make([]*ChunkHit, 0, len(byID))
	for _, id := range chunkIDs {
		if hit, ok := byID[id]; ok {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

func (s *SQLiteStorage) GetChunks(ctx context.Context, chunkIDs []int64) ([]*ChunkHit, error) {
	return s.getChunksWithQuerier(ctx, s.querier(), chunkIDs)
}

func (s *SQLiteStorage) deleteChunksByFileWithQuerier(ctx context.Context, q querier, fileID int64) error {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE file_id = ?)", fileID); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM chunks WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteChunksByFile(ctx context.Context, fileID int64) error {
	return s.deleteChunksByFileWithQuerier(ctx, s.querier(), fileID)
}

// Embedding operations

func (s *SQLiteStorage) upsertEmbeddingWithQuerier(ctx context.Context, q querier, embedding *Embedding) error {
	query := `
		INSERT INTO embeddings (chunk_id, vector, dimension, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id)
		DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			provider = excluded.provider,
			model = excluded.model
		RETURNING id, created_at
	`
	now := time.Now()
	err := q.QueryRowContext(ctx, query,
		embedding.ChunkID, embedding.Vector, embedding.Dimension,
		embedding.Provider, embedding.Model, now,
	).Scan(&embedding.ID, &embedding.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertEmbedding(ctx context.Context, embedding *Embedding) error {
	return s.upsertEmbeddingWithQuerier(ctx, s.querier(), embedding)
}

func (s *SQLiteStorage) getEmbeddingWithQuerier(ctx context.Context, q querier, chunkID int64) (*Embedding, error) {
	query := `
		SELECT id, chunk_id, vector, dimension, provider, model, created_at
		FROM embeddings
		WHERE chunk_id = ?
	`
	var e Embedding
	err := q.QueryRowContext(ctx, query, chunkID).Scan(
		&e.ID, &e.ChunkID, &e.Vector, &e.Dimension, &e.Provider, &e.Model, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStorage) GetEmbedding(ctx context.Context, chunkID int64) (*Embedding, error) {
	return s.getEmbeddingWithQuerier(ctx, s.querier(), chunkID)
}

// Search operations

func (s *SQLiteStorage) SearchVector(ctx context.Context, storeID int64, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	return searchVector(ctx, s.querier(), storeID, queryVector, limit, filters)
}

func (s *SQLiteStorage) SearchText(ctx context.Context, storeID int64, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	return searchText(ctx, s.querier(), storeID, query, limit, filters)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier, storeID int64) (*StoreStatus, error) {
	store, err := s.getStoreByID(ctx, q, storeID)
	if err != nil {
		return nil, err
	}
	status := &StoreStatus{Store: store}

	err = q.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE store_id = ?", storeID).Scan(&status.FilesCount)
	if err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chunks c
		JOIN files f ON c.file_id = f.id
		WHERE f.store_id = ?
	`, storeID).Scan(&status.ChunksCount)
	if err != nil {
		return nil, err
	}

	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings e
		JOIN chunks c ON e.chunk_id = c.id
		JOIN files f ON c.file_id = f.id
		WHERE f.store_id = ?
	`, storeID).Scan(&status.EmbeddingsCount)
	if err != nil {
		return nil, err
	}

	var last sql.NullTime
	err = q.QueryRowContext(ctx,
		"SELECT indexed_at FROM files WHERE store_id = ? ORDER BY indexed_at DESC LIMIT 1", storeID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if last.Valid {
		status.LastIndexedAt = last.Time
	}

	var pageCount, pageSize int
	if err := q.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = q.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	status.Health = HealthStatus{
		DatabaseAccessible:  true,
		EmbeddingsAvailable: status.EmbeddingsCount > 0,
		FTSIndexesBuilt:     true,
		VectorExtension:     VectorExtensionAvailable,
	}
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context, storeID int64) (*StoreStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier(), storeID)
}

// Transaction implementations route every call through the transaction

func (t *sqliteTx) CreateStore(ctx context.Context, store *Store) error {
	return t.storage.createStoreWithQuerier(ctx, t.querier(), store)
}

func (t *sqliteTx) GetStore(ctx context.Context, name string) (*Store, error) {
	return t.storage.getStoreWithQuerier(ctx, t.querier(), name)
}

func (t *sqliteTx) UpdateStore(ctx context.Context, store *Store) error {
	return t.storage.updateStoreWithQuerier(ctx, t.querier(), store)
}

func (t *sqliteTx) UpsertFile(ctx context.Context, file *File) error {
	return t.storage.upsertFileWithQuerier(ctx, t.querier(), file)
}

func (t *sqliteTx) GetFile(ctx context.Context, storeID int64, externalID string) (*File, error) {
	return t.storage.getFileWithQuerier(ctx, t.querier(), storeID, externalID)
}

func (t *sqliteTx) ListFiles(ctx context.Context, storeID, afterID int64, limit int) ([]*File, error) {
	return t.storage.listFilesWithQuerier(ctx, t.querier(), storeID, afterID, limit)
}

func (t *sqliteTx) DeleteFile(ctx context.Context, fileID int64) error {
	return t.storage.deleteFileWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) InsertChunk(ctx context.Context, chunk *Chunk) error {
	return t.storage.insertChunkWithQuerier(ctx, t.querier(), chunk)
}

func (t *sqliteTx) GetChunks(ctx context.Context, chunkIDs []int64) ([]*ChunkHit, error) {
	return t.storage.getChunksWithQuerier(ctx, t.querier(), chunkIDs)
}

func (t *sqliteTx) DeleteChunksByFile(ctx context.Context, fileID int64) error {
	return t.storage.deleteChunksByFileWithQuerier(ctx, t.querier(), fileID)
}

func (t *sqliteTx) UpsertEmbedding(ctx context.Context, embedding *Embedding) error {
	return t.storage.upsertEmbeddingWithQuerier(ctx, t.querier(), embedding)
}

func (t *sqliteTx) GetEmbedding(ctx context.Context, chunkID int64) (*Embedding, error) {
	return t.storage.getEmbeddingWithQuerier(ctx, t.querier(), chunkID)
}

func (t *sqliteTx) SearchVector(ctx context.Context, storeID int64, vector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	return searchVector(ctx, t.querier(), storeID, vector, limit, filters)
}

func (t *sqliteTx) SearchText(ctx context.Context, storeID int64, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	return searchText(ctx, t.querier(), storeID, query, limit, filters)
}

func (t *sqliteTx) GetStatus(ctx context.Context, storeID int64) (*StoreStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier(), storeID)
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, errors.New("nested transactions not supported")
}
