package embedder

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingEmbedder records how many texts reach the provider
type countingEmbedder struct {
	*LocalProvider
	texts atomic.Int64
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.fail {
		return nil, errors.New("provider down")
	}
	c.texts.Add(int64(len(texts)))
	return c.LocalProvider.Embed(ctx, texts)
}

func TestComputeHash(t *testing.T) {
	a := ComputeHash("hello")
	assert.Len(t, a, 64)
	assert.Equal(t, a, ComputeHash("hello"))
	assert.NotEqual(t, a, ComputeHash("hello!"))
}

func TestValidateTexts(t *testing.T) {
	tests := []struct {
		name    string
		texts   []string
		max     int
		wantErr error
	}{
		{"ok", []string{"a", "b"}, 10, nil},
		{"empty batch", nil, 10, ErrInvalidInput},
		{"empty text", []string{"a", ""}, 10, ErrEmptyText},
		{"too large", []string{"a", "b", "c"}, 2, ErrBatchTooLarge},
		{"unbounded", []string{"a", "b", "c"}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTexts(tt.texts, tt.max)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCached_ServesHitsFromCache(t *testing.T) {
	inner := &countingEmbedder{LocalProvider: NewLocalProvider(64)}
	c := NewCached(inner, 100)
	ctx := context.Background()

	first, err := c.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.texts.Load())

	second, err := c.Embed(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), inner.texts.Load(), "only gamma should miss")
	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, 3, c.Len())

	// mutating a returned vector must not poison the cache
	second[0][0] = 99
	third, err := c.Embed(ctx, []string{"beta"})
	require.NoError(t, err)
	assert.NotEqual(t, float32(99), third[0][0])

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestCached_PropagatesErrors(t *testing.T) {
	c := NewCached(&countingEmbedder{LocalProvider: NewLocalProvider(8), fail: true}, 10)
	_, err := c.Embed(context.Background(), []string{"x"})
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestLocalProvider_Deterministic(t *testing.T) {
	p := NewLocalProvider(0)
	assert.Equal(t, LocalDimension, p.Dimension())
	assert.Equal(t, ProviderLocal, p.Provider())
	assert.Equal(t, DefaultLocalModel, p.Model())

	ctx := context.Background()
	a, err := EmbedOne(ctx, p, "func parseConfig(path string) error")
	require.NoError(t, err)
	b, err := EmbedOne(ctx, p, "func parseConfig(path string) error")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, LocalDimension)

	var norm float64
	for _, v := range a {
		norm += float64(v * v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestLocalProvider_SharedVocabularyIsCloser(t *testing.T) {
	p := NewLocalProvider(384)
	ctx := context.Background()

	query, _ := EmbedOne(ctx, p, "load configuration file")
	related, _ := EmbedOne(ctx, p, "func LoadConfiguration(file string) (*Config, error)")
	unrelated, _ := EmbedOne(ctx, p, "render the triangle mesh with shaders")

	assert.Greater(t, CosineSimilarity(query, related), CosineSimilarity(query, unrelated))
}

func TestLocalProvider_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLocalProvider(8).Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"parse", "http", "request", "parsehttprequest", "max", "retries", "maxretries", "42"},
		Tokenize("parseHTTPRequest(max_retries, 42)"))
	assert.Empty(t, Tokenize("  {} () ;"))
	assert.Equal(t, []string{"config"}, Tokenize("Config"))
}

func TestNormalizeVector(t *testing.T) {
	assert.Equal(t, []float32{0, 0}, NormalizeVector([]float32{0, 0}))
	got := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, got[0], 1e-6)
	assert.InDelta(t, 0.8, got[1], 1e-6)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
