// Package chunker divides file content into chunks for embedding and search.
//
// Go sources are cut at top level declarations (functions, methods, types,
// const and var groups) with their doc comments attached. Package clauses,
// imports and any other text between declarations, as well as every non-Go
// file, are cut into fixed line windows that overlap by a few lines.
//
// # Basic Usage
//
//	c := chunker.New()
//	chunks, err := c.ChunkFile("internal/server/server.go", content)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for _, chunk := range chunks {
//	    fmt.Printf("chunk %d: lines %d-%d, bytes %d-%d\n",
//	        chunk.Index, chunk.StartLine, chunk.EndLine,
//	        chunk.StartOffset, chunk.EndOffset)
//	}
//
// # Chunk Sizing
//
// A chunk never exceeds the configured line count (default 60) nor the token
// budget (default 1000, estimated as chars/4). Oversized declarations are
// split into windows. Token estimation uses the chars/4 heuristic.
//
// Offsets are byte offsets into the original content, end exclusive, so
// content[StartOffset:EndOffset] is the chunk text for valid UTF-8 input.
package chunker
