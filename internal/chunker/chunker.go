package chunker

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"path/filepath"
	"strings"

	"github.com/dshills/osgrep/pkg/types"
)

const (
	// DefaultMaxLines is the window height for line based chunks
	DefaultMaxLines = 60

	// DefaultOverlapLines is how many lines consecutive windows share
	DefaultOverlapLines = 10

	// MaxTokensPerChunk is the target maximum token count per chunk
	MaxTokensPerChunk = 1000

	// TokensPerChar is the heuristic for estimating tokens (chars/4)
	TokensPerChar = 4

	// binarySniffLen is how much of a file is checked for NUL bytes
	binarySniffLen = 8000
)

// Config tunes chunk sizes. Zero values take the defaults.
type Config struct {
	MaxLines     int
	OverlapLines int
	MaxTokens    int
}

// Chunker splits file content into line aligned chunks
type Chunker struct {
	maxLines  int
	overlap   int
	maxTokens int
}

// New creates a Chunker with default sizes
func New() *Chunker {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a Chunker with explicit sizes
func NewWithConfig(cfg Config) *Chunker {
	c := &Chunker{
		maxLines:  cfg.MaxLines,
		overlap:   cfg.OverlapLines,
		maxTokens: cfg.MaxTokens,
	}
	if c.maxLines <= 0 {
		c.maxLines = DefaultMaxLines
	}
	if cfg.MaxLines == 0 && cfg.OverlapLines == 0 {
		c.overlap = DefaultOverlapLines
	}
	if c.overlap < 0 || c.overlap >= c.maxLines {
		c.overlap = 0
	}
	if c.maxTokens <= 0 {
		c.maxTokens = MaxTokensPerChunk
	}
	return c
}

// ChunkFile splits content into chunks. Go files are cut on top level
// declarations, everything else on fixed line windows. Binary and blank
// files produce no chunks.
func (c *Chunker) ChunkFile(path string, content []byte) ([]types.Chunk, error) {
	if len(bytes.TrimSpace(content)) == 0 || IsBinary(content) {
		return nil, nil
	}

	doc := newDocument(content)

	var spans []span
	if strings.EqualFold(filepath.Ext(path), ".go") {
		spans = c.goSpans(path, content, doc)
	}
	if spans == nil {
		spans = []span{{start: 0, end: doc.lineCount(), kind: types.ChunkWindow}}
	}

	var chunks []types.Chunk
	for _, s := range spans {
		for _, w := range c.split(doc, s) {
			chunk := doc.chunk(w)
			if strings.TrimSpace(chunk.Content) == "" {
				continue
			}
			chunk.Index = len(chunks)
			chunks = append(chunks, chunk)
		}
	}

	if len(chunks) == 1 && chunks[0].StartLine == 1 && chunks[0].EndLine == doc.lineCount() {
		chunks[0].Kind = types.ChunkFile
	}

	return chunks, nil
}

// span is a half open, 0-based line range
type span struct {
	start int
	end   int
	kind  types.ChunkKind
}

// goSpans returns declaration spans for Go source, or nil when the file does
// not parse. Lines between declarations become window spans.
func (c *Chunker) goSpans(path string, content []byte, doc *document) []span {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, content, parser.ParseComments|parser.SkipObjectResolution)
	if err != nil {
		return nil
	}

	var decls []span
	for _, decl := range f.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			continue
		}
		pos := decl.Pos()
		if cg := declDoc(decl); cg != nil {
			pos = cg.Pos()
		}
		start := fset.Position(pos).Line - 1
		end := fset.Position(decl.End()).Line
		decls = append(decls, span{start: start, end: end, kind: types.ChunkDeclaration})
	}

	var spans []span
	cursor := 0
	for _, d := range decls {
		if d.start < cursor {
			d.start = cursor
		}
		if d.start > cursor {
			spans = append(spans, span{start: cursor, end: d.start, kind: types.ChunkWindow})
		}
		if d.end > d.start {
			spans = append(spans, d)
			cursor = d.end
		}
	}
	if cursor < doc.lineCount() {
		spans = append(spans, span{start: cursor, end: doc.lineCount(), kind: types.ChunkWindow})
	}
	return spans
}

func declDoc(decl ast.Decl) *ast.CommentGroup {
	switch d := decl.(type) {
	case *ast.FuncDecl:
		return d.Doc
	case *ast.GenDecl:
		return d.Doc
	}
	return nil
}

// split breaks a span into windows bounded by line count and token budget
func (c *Chunker) split(doc *document, s span) []span {
	if s.end-s.start <= c.maxLines && doc.byteLen(s.start, s.end)/TokensPerChar <= c.maxTokens {
		return []span{s}
	}

	maxBytes := c.maxTokens * TokensPerChar
	var out []span
	start := s.start
	for start < s.end {
		end := start + 1
		for end < s.end && end-start < c.maxLines && doc.byteLen(start, end+1) <= maxBytes {
			end++
		}
		out = append(out, span{start: start, end: end, kind: s.kind})
		if end >= s.end {
			break
		}
		next := end - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}

// IsBinary reports whether content looks like a binary file
func IsBinary(content []byte) bool {
	n := len(content)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// EstimateTokenCount estimates the number of tokens in a string
func EstimateTokenCount(text string) int {
	return len(text) / TokensPerChar
}
