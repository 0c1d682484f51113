// Package types provides shared type definitions for osgrep.
//
// Chunk is the unit of embedding: a contiguous, line-aligned section of a
// file with its byte offsets and (once embedded) its vector. SearchResult is
// what every store backend returns from a search, regardless of whether the
// hit came from the local SQLite index or a remote vector store.
package types
