// Package storage provides SQLite-based persistence for the local index.
//
// # Database Schema
//
// Tables:
//   - stores: named stores and the embedding model their vectors came from
//   - files: one row per uploaded file, unique on (store_id, external_id)
//   - chunks: file sections, with line range and byte offsets
//   - chunks_fts: FTS5 index over chunk content, kept in sync by triggers
//   - embeddings: little-endian float32 vectors, one per chunk
//   - schema_version: applied migrations, compared with semver
//
// # Replacing a file
//
// A re-uploaded file replaces its chunks and embeddings in one transaction,
// so readers see either the old or the new version:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	if err := tx.UpsertFile(ctx, file); err != nil {
//	    return err
//	}
//	if err := tx.DeleteChunksByFile(ctx, file.ID); err != nil {
//	    return err
//	}
//	// InsertChunk + UpsertEmbedding per chunk
//	return tx.Commit()
//
// # Build modes
//
// The default build uses modernc.org/sqlite and ranks vectors in Go. Building
// with -tags sqlite_vec switches to mattn/go-sqlite3 with the sqlite-vec
// extension and ranks inside SQL. Both support FTS5.
//
// # Search
//
// SearchVector ranks by cosine similarity, SearchText by BM25 normalized to
// (0, 1]. Both accept SearchFilters: PathPrefix becomes a LIKE clause,
// PathGlob is a doublestar pattern checked against each candidate path.
package storage
