package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// searchVector performs vector similarity search using cosine similarity
func searchVector(ctx context.Context, q querier, storeID int64, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	if limit <= 0 || len(queryVector) == 0 {
		return []VectorResult{}, nil
	}
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, q, storeID, queryVector, limit, filters)
	}
	return searchVectorFallback(ctx, q, storeID, queryVector, limit, filters)
}

// searchVectorOptimized lets sqlite-vec compute distances inside the query
func searchVectorOptimized(ctx context.Context, q querier, storeID int64, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	blob := serializeVector(queryVector)

	// vec_distance_cosine returns a distance, lower is better
	query := `
		SELECT
			c.id as chunk_id,
			f.path,
			1.0 - vec_distance_cosine(e.vector, ?) as similarity
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN files f ON c.file_id = f.id
		WHERE f.store_id = ? AND e.dimension = ?
	`
	args := []any{blob, storeID, len(queryVector)}
	query, args = applyFilters(query, args, filters)

	if filters != nil && filters.MinRelevance > 0 {
		query += " AND (1.0 - vec_distance_cosine(e.vector, ?)) >= ?"
		args = append(args, blob, filters.MinRelevance)
	}

	query += " ORDER BY similarity DESC"
	// a glob is checked after the query, so the limit has to wait for it
	if !hasGlob(filters) {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0, limit)
	for rows.Next() && len(results) < limit {
		var r VectorResult
		var path string
		if err := rows.Scan(&r.ChunkID, &path, &r.SimilarityScore); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if !matchGlob(filters, path) {
			continue
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchVectorFallback computes cosine similarity in Go for builds without
// the vector extension
func searchVectorFallback(ctx context.Context, q querier, storeID int64, queryVector []float32, limit int, filters *SearchFilters) ([]VectorResult, error) {
	query := `
		SELECT
			c.id as chunk_id,
			f.path,
			e.vector
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN files f ON c.file_id = f.id
		WHERE f.store_id = ? AND e.dimension = ?
	`
	args := []any{storeID, len(queryVector)}
	query, args = applyFilters(query, args, filters)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, queryVector, filters)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)
	return buildVectorResults(candidates, limit), nil
}

// searchText performs BM25 full-text search using FTS5
func searchText(ctx context.Context, q querier, storeID int64, query string, limit int, filters *SearchFilters) ([]TextResult, error) {
	match := buildFTSQuery(query)
	if match == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		return []TextResult{}, nil
	}

	sqlQuery := `
		SELECT
			c.id as chunk_id,
			f.path,
			bm25(chunks_fts) as score
		FROM chunks_fts
		INNER JOIN chunks c ON chunks_fts.rowid = c.id
		INNER JOIN files f ON c.file_id = f.id
		WHERE chunks_fts MATCH ?
		AND f.store_id = ?
	`
	args := []any{match, storeID}
	sqlQuery, args = applyFilters(sqlQuery, args, filters)

	// BM25 is negative, lower is better
	sqlQuery += " ORDER BY score"
	if !hasGlob(filters) {
		sqlQuery += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTextResults(rows, limit, filters)
}

// Helper functions

// applyFilters adds the SQL side path filters
func applyFilters(query string, args []any, filters *SearchFilters) (string, []any) {
	if filters == nil || filters.PathPrefix == "" {
		return query, args
	}
	query += ` AND f.path LIKE ? ESCAPE '\'`
	args = append(args, escapeLike(strings.TrimPrefix(filters.PathPrefix, "./"))+"%")
	return query, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func hasGlob(filters *SearchFilters) bool {
	return filters != nil && filters.PathGlob != ""
}

// matchGlob reports whether path passes the glob filter. An invalid pattern
// matches nothing.
func matchGlob(filters *SearchFilters, path string) bool {
	if !hasGlob(filters) {
		return true
	}
	ok, err := doublestar.Match(filters.PathGlob, path)
	return err == nil && ok
}

// computeSimilarityScores processes rows and computes cosine similarity
func computeSimilarityScores(rows *sql.Rows, queryVector []float32, filters *SearchFilters) ([]candidate, error) {
	candidates := make([]candidate, 0, 256)

	for rows.Next() {
		var chunkID int64
		var path string
		var vectorBlob []byte
		if err := rows.Scan(&chunkID, &path, &vectorBlob); err != nil {
			return nil, err
		}
		if !matchGlob(filters, path) {
			continue
		}

		vector := deserializeVector(vectorBlob)
		if len(vector) != len(queryVector) {
			continue
		}

		similarity := cosineSimilarity(queryVector, vector)
		if filters != nil && filters.MinRelevance > 0 && similarity < filters.MinRelevance {
			continue
		}

		candidates = append(candidates, candidate{chunkID: chunkID, score: similarity})
	}

	return candidates, rows.Err()
}

// buildVectorResults creates VectorResult slice from candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{
			ChunkID:         candidates[i].chunkID,
			SimilarityScore: candidates[i].score,
		}
	}
	return results
}

// collectTextResults normalizes BM25 scores into (0, 1]
func collectTextResults(rows *sql.Rows, limit int, filters *SearchFilters) ([]TextResult, error) {
	results := make([]TextResult, 0)

	for rows.Next() && len(results) < limit {
		var result TextResult
		var path string
		if err := rows.Scan(&result.ChunkID, &path, &result.BM25Score); err != nil {
			return nil, err
		}
		if !matchGlob(filters, path) {
			continue
		}

		// BM25 scores are typically in range [-50, 0]
		result.BM25Score = 1.0 / (1.0 + math.Abs(result.BM25Score)/50.0)

		if filters != nil && filters.MinRelevance > 0 && result.BM25Score < filters.MinRelevance {
			continue
		}

		results = append(results, result)
	}

	return results, rows.Err()
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// candidate represents a chunk with its similarity score
type candidate struct {
	chunkID int64
	score   float64
}

// sortCandidates sorts by descending score, ties by chunk id
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})
}

var ftsTermPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// buildFTSQuery turns free text into an FTS5 expression. Each word becomes a
// quoted string so operators and punctuation in the input are never parsed
// as query syntax. Words are OR'ed and BM25 does the ranking.
func buildFTSQuery(query string) string {
	terms := ftsTermPattern.FindAllString(query, -1)
	if len(terms) == 0 {
		return ""
	}
	seen := make(map[string]struct{}, len(terms))
	quoted := make([]string, 0, len(terms))
	for _, term := range terms {
		key := strings.ToLower(term)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		quoted = append(quoted, `"`+term+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// SerializeVector encodes a vector the way embeddings are stored
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector decodes a stored embedding
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
