// Package mcp exposes one project to AI coding assistants over the Model
// Context Protocol.
//
// The server registers four tools:
//   - index_codebase: bring the index up to date with the working tree
//   - search_code: semantic search over indexed chunks
//   - ask_codebase: an answer assembled from the best chunks, with citations
//   - get_status: index location, embedding model and counts
//
// # Protocol Overview
//
// MCP is JSON-RPC 2.0 over stdio:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol messages only, so all logging goes to stderr.
//
// # Basic Usage
//
// The server is started from the project directory:
//
//	osgrep mcp
//
// # Tool: search_code
//
//	Request:
//	{
//	  "name": "search_code",
//	  "arguments": {
//	    "query": "where do we retry failed requests",
//	    "limit": 5,
//	    "path_prefix": "internal/"
//	  }
//	}
//
//	Response:
//	{
//	  "query": "where do we retry failed requests",
//	  "count": 1,
//	  "results": [
//	    {
//	      "rank": 1,
//	      "score": 0.83,
//	      "file": {"path": "internal/net/retry.go", "start_line": 12, "end_line": 40},
//	      "content": "func retryWithBackoff(...) error { ... }"
//	    }
//	  ]
//	}
//
// # Errors
//
// Invalid arguments are reported as MCPError with ErrorCodeInvalidParams or
// ErrorCodeEmptyQuery. index_codebase returns ErrorCodeIndexingInProgress
// when another process holds the writer lock.
package mcp
