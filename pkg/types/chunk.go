package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ChunkKind describes the boundary a chunk was cut on
type ChunkKind string

const (
	ChunkDeclaration ChunkKind = "declaration"
	ChunkWindow      ChunkKind = "window"
	ChunkFile        ChunkKind = "file"
)

// Chunk is a contiguous section of a file that is embedded and searched as a unit
type Chunk struct {
	// Position inside the owning file, 0-based
	Index int

	Content     string
	ContentHash string // hex SHA-256 of Content
	TokenCount  int

	// 1-based inclusive line range
	StartLine int
	EndLine   int

	// Byte offsets into the file, end exclusive
	StartOffset int
	EndOffset   int

	Kind ChunkKind

	// Set once the chunk has been embedded
	Vector []float32
}

// ValidateContent checks if the chunk content is valid
func (c *Chunk) ValidateContent() error {
	if c.Content == "" {
		return ErrEmptyContent
	}

	if c.StartLine <= 0 || c.EndLine <= 0 {
		return errors.New("line numbers must be positive")
	}

	if c.StartLine > c.EndLine {
		return errors.New("start line must be before or equal to end line")
	}

	if c.StartOffset < 0 || c.EndOffset < c.StartOffset {
		return errors.New("invalid byte offsets")
	}

	return nil
}

// ComputeTokenCount estimates the number of tokens in the chunk.
// Uses the chars/4 heuristic.
func (c *Chunk) ComputeTokenCount() int {
	c.TokenCount = len(c.Content) / 4
	return c.TokenCount
}

// ComputeContentHash fills ContentHash from Content
func (c *Chunk) ComputeContentHash() {
	h := sha256.Sum256([]byte(c.Content))
	c.ContentHash = hex.EncodeToString(h[:])
}

// Validate performs comprehensive validation of the chunk
func (c *Chunk) Validate() error {
	if err := c.ValidateContent(); err != nil {
		return err
	}

	switch c.Kind {
	case ChunkDeclaration, ChunkWindow, ChunkFile:
	default:
		return errors.New("invalid chunk kind")
	}

	if c.ContentHash == "" {
		return errors.New("content hash must be computed")
	}

	return nil
}

// HashContent returns the hex SHA-256 of b. It is the change signal for files.
func HashContent(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
