package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Provider configuration
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Default models
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultLocalModel  = "hashing-v1"

	// Default endpoints
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOllamaBaseURL = "http://localhost:11434"

	// Dimensions
	OpenAIDimension = 1536
	OllamaDimension = 768
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 32
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0
)

// httpEmbedder holds what the HTTP backed providers share
type httpEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
	retry      RetryConfig
}

func (h *httpEmbedder) post(ctx context.Context, url string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("api error %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return permanent(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return throttled(err, resp.Header)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (h *httpEmbedder) checkDimension(vectors [][]float32) error {
	for i, v := range vectors {
		if h.dimension > 0 && len(v) != h.dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrDimensionMismatch, i, len(v), h.dimension)
		}
	}
	return nil
}

// OpenAIProvider implements Embedder against any OpenAI compatible
// /embeddings endpoint.
type OpenAIProvider struct {
	httpEmbedder
}

// NewOpenAIProvider creates a new OpenAI embedder
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && (cfg.BaseURL == "" || cfg.BaseURL == DefaultOpenAIBaseURL) {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	p := &OpenAIProvider{httpEmbedder{
		baseURL:    strings.TrimRight(valueOr(cfg.BaseURL, DefaultOpenAIBaseURL), "/"),
		apiKey:     cfg.APIKey,
		model:      valueOr(cfg.Model, DefaultOpenAIModel),
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryConfig(),
	}}
	if p.dimension == 0 && p.model == DefaultOpenAIModel {
		p.dimension = OpenAIDimension
	}
	return p, nil
}

func (o *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts, MaxBatchSize); err != nil {
		return nil, err
	}

	vectors, err := retryWithBackoff(ctx, o.retry, func() ([][]float32, error) {
		var apiResp struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			} `json:"data"`
		}
		req := map[string]any{"input": texts, "model": o.model}
		if err := o.post(ctx, o.baseURL+"/embeddings", req, &apiResp); err != nil {
			return nil, err
		}
		if len(apiResp.Data) != len(texts) {
			return nil, permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(apiResp.Data)))
		}
		sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })
		out := make([][]float32, len(apiResp.Data))
		for i, d := range apiResp.Data {
			out[i] = d.Embedding
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if err := o.checkDimension(vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (o *OpenAIProvider) Dimension() int   { return o.dimension }
func (o *OpenAIProvider) Provider() string { return ProviderOpenAI }
func (o *OpenAIProvider) Model() string    { return o.model }

func (o *OpenAIProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// OllamaProvider calls the Ollama /api/embed endpoint
type OllamaProvider struct {
	httpEmbedder
}

// NewOllamaProvider creates an embedder targeting an Ollama instance
func NewOllamaProvider(cfg Config) (*OllamaProvider, error) {
	p := &OllamaProvider{httpEmbedder{
		baseURL:    strings.TrimRight(valueOr(cfg.BaseURL, DefaultOllamaBaseURL), "/"),
		model:      valueOr(cfg.Model, DefaultOllamaModel),
		dimension:  cfg.Dimension,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		retry:      DefaultRetryConfig(),
	}}
	if p.dimension == 0 && p.model == DefaultOllamaModel {
		p.dimension = OllamaDimension
	}
	return p, nil
}

func (o *OllamaProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts, MaxBatchSize); err != nil {
		return nil, err
	}

	vectors, err := retryWithBackoff(ctx, o.retry, func() ([][]float32, error) {
		var result struct {
			Embeddings [][]float32 `json:"embeddings"`
		}
		req := map[string]any{"model": o.model, "input": texts}
		if err := o.post(ctx, o.baseURL+"/api/embed", req, &result); err != nil {
			return nil, err
		}
		if len(result.Embeddings) != len(texts) {
			return nil, permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)))
		}
		return result.Embeddings, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailed, err)
	}
	if err := o.checkDimension(vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (o *OllamaProvider) Dimension() int   { return o.dimension }
func (o *OllamaProvider) Provider() string { return ProviderOllama }
func (o *OllamaProvider) Model() string    { return o.model }

func (o *OllamaProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider is a deterministic, dependency free encoder. It hashes
// identifier tokens into a fixed number of signed buckets, so texts sharing
// vocabulary land close together. It needs no model download and works
// offline.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a hashing embedder
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{dimension: dimension}
}

func (l *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts, 0); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.encode(text)
	}
	return out, nil
}

func (l *LocalProvider) encode(text string) []float32 {
	vector := make([]float32, l.dimension)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		l.add(vector, tok, 1)
		if i > 0 {
			l.add(vector, tokens[i-1]+" "+tok, 0.5)
		}
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) add(vector []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(l.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vector[idx] += weight
}

func (l *LocalProvider) Dimension() int   { return l.dimension }
func (l *LocalProvider) Provider() string { return ProviderLocal }
func (l *LocalProvider) Model() string    { return DefaultLocalModel }
func (l *LocalProvider) Close() error     { return nil }

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
