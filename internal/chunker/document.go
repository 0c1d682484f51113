package chunker

import (
	"bytes"

	"github.com/dshills/osgrep/pkg/types"
)

// document indexes line start offsets of a file
type document struct {
	content    []byte
	lineStarts []int
}

func newDocument(content []byte) *document {
	starts := []int{0}
	for i, b := range content {
		if b == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return &document{content: content, lineStarts: starts}
}

func (d *document) lineCount() int {
	return len(d.lineStarts)
}

// offsets returns the byte range of lines [start, end), excluding the final
// line break.
func (d *document) offsets(start, end int) (int, int) {
	from := d.lineStarts[start]
	to := len(d.content)
	if end < len(d.lineStarts) {
		to = d.lineStarts[end]
	}
	if to > from && d.content[to-1] == '\n' {
		to--
	}
	if to > from && d.content[to-1] == '\r' {
		to--
	}
	return from, to
}

func (d *document) byteLen(start, end int) int {
	from, to := d.offsets(start, end)
	return to - from
}

func (d *document) chunk(s span) types.Chunk {
	from, to := d.offsets(s.start, s.end)
	text := string(bytes.ToValidUTF8(d.content[from:to], []byte("�")))
	c := types.Chunk{
		Content:     text,
		StartLine:   s.start + 1,
		EndLine:     s.end,
		StartOffset: from,
		EndOffset:   to,
		Kind:        s.kind,
	}
	c.ComputeTokenCount()
	c.ComputeContentHash()
	return c
}
