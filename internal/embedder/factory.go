package embedder

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables consulted when a Config field is empty
const (
	EnvProvider     = "OSGREP_EMBEDDING_PROVIDER"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	CacheSize int
}

// New creates an embedder with explicit configuration. An empty provider
// is detected from the environment. A positive CacheSize wraps the result
// in an LRU cache.
func New(cfg Config) (Embedder, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = DetectProvider()
	}

	var (
		e   Embedder
		err error
	)
	switch provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			cfg.APIKey = os.Getenv(EnvOpenAIAPIKey)
		}
		e, err = NewOpenAIProvider(cfg)
	case ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = os.Getenv(EnvOllamaHost)
		}
		e, err = NewOllamaProvider(cfg)
	case ProviderLocal:
		e = NewLocalProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheSize > 0 {
		return NewCached(e, cfg.CacheSize), nil
	}
	return e, nil
}

// DetectProvider returns the provider that would be used based on current
// environment. Priority: explicit OSGREP_EMBEDDING_PROVIDER, then an OpenAI
// key, then the local encoder.
func DetectProvider() string {
	if provider := os.Getenv(EnvProvider); provider != "" {
		return strings.ToLower(provider)
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}
	return ProviderLocal
}
