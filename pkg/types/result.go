package types

// SearchResult represents a single search hit with relevance information
type SearchResult struct {
	ChunkID    int64 `json:"chunk_id,omitempty"`
	ChunkIndex int   `json:"chunk_index"`
	Rank       int   `json:"rank"` // Position in result set (1-based)

	// Score is backend specific: RRF, cosine similarity or rerank MaxSim
	Score float64 `json:"score"`

	File    FileInfo `json:"file"`
	Content string   `json:"content"`
}

// FileInfo locates a search hit inside the project
type FileInfo struct {
	Path        string `json:"path"` // Relative to project root, slash separated
	ExternalID  string `json:"external_id"`
	Hash        string `json:"hash,omitempty"`
	StartLine   int    `json:"start_line"`
	EndLine     int    `json:"end_line"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.Rank < 1 {
		return ErrInvalidRank
	}

	if sr.File.Path == "" {
		return ErrMissingFileInfo
	}

	if sr.Content == "" {
		return ErrEmptyContent
	}

	return nil
}
