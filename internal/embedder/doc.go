// Package embedder generates vector embeddings for chunks and queries.
//
// Three providers are available:
//
//   - local: a deterministic hashing encoder that needs no model or network.
//     It is the default and what tests use.
//   - openai: any OpenAI compatible /embeddings endpoint, including local
//     servers that speak the same protocol (set BaseURL).
//   - ollama: the Ollama /api/embed endpoint.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "local", CacheSize: 10000})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	vectors, err := emb.Embed(ctx, []string{
//	    "func ParseFile(path string) error { ... }",
//	    "type Server struct { ... }",
//	})
//
// # Caching
//
// NewCached wraps any provider in an LRU cache keyed by the SHA-256 of the
// text, so re-embedding identical chunks (common when a file changes by a
// few lines) does not hit the provider again.
//
// # Error Handling
//
// HTTP providers retry transient failures with exponential backoff. Client
// errors (4xx other than 429) and undecodable responses fail immediately.
// All provider failures wrap ErrProviderFailed.
package embedder
