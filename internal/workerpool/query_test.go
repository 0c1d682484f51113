package workerpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/osgrep/internal/embedder"
)

func TestEncodeQuery(t *testing.T) {
	emb := newMockEmbedder()
	p := newPool(t, Config{Size: 1}, emb)

	enc, err := p.EncodeQuery(context.Background(), "  parseConfig parse config ")
	require.NoError(t, err)

	assert.Equal(t, "parseConfig parse config", enc.Text)
	assert.Len(t, enc.Dense, 64)

	var terms []string
	for _, tv := range enc.Terms {
		terms = append(terms, tv.Term)
		assert.Len(t, tv.Vector, 64)
	}
	assert.Equal(t, []string{"parse", "config", "parseconfig"}, terms)
	assert.Len(t, enc.TermVectors(), 3)
	assert.EqualValues(t, 1, emb.calls.Load(), "query and terms share one embedding call")
}

func TestEncodeQuery_Empty(t *testing.T) {
	p := newPool(t, Config{Size: 1}, newMockEmbedder())
	_, err := p.EncodeQuery(context.Background(), "   ")
	assert.ErrorIs(t, err, embedder.ErrEmptyText)
}

func TestQueryEncoding_TermVectorsFallsBackToDense(t *testing.T) {
	enc := &QueryEncoding{Dense: []float32{1, 0}}
	assert.Equal(t, [][]float32{{1, 0}}, enc.TermVectors())
}

func TestRerank_OrdersByLateInteraction(t *testing.T) {
	p := newPool(t, Config{Size: 2}, newMockEmbedder())
	ctx := context.Background()

	enc, err := p.EncodeQuery(ctx, "retry backoff delay")
	require.NoError(t, err)

	docs := []RerankDoc{
		{ID: "render", Content: "func drawTriangle(mesh Mesh) {\n\tgpu.Submit(mesh)\n}"},
		{ID: "retry", Content: "// retry with exponential backoff\nfunc retry(delay time.Duration) {\n\tbackoff := delay * 2\n}"},
		{ID: "blank", Content: "\n\n"},
	}
	results, err := p.Rerank(ctx, RerankInput{QueryVectors: enc.TermVectors(), Docs: docs})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "retry", results[0].ID)
	assert.Equal(t, 1, results[0].Index)
	assert.Greater(t, results[0].Score, results[1].Score)
	for _, r := range results {
		if r.ID == "blank" {
			assert.Zero(t, r.Score)
		}
	}
}

func TestRerank_TruncatesDimension(t *testing.T) {
	p := newPool(t, Config{Size: 1}, newMockEmbedder())
	ctx := context.Background()

	enc, err := p.EncodeQuery(ctx, "open database")
	require.NoError(t, err)

	docs := []RerankDoc{{ID: "a", Content: "open the database"}}
	full, err := p.Rerank(ctx, RerankInput{QueryVectors: enc.TermVectors(), Docs: docs})
	require.NoError(t, err)
	cut, err := p.Rerank(ctx, RerankInput{QueryVectors: enc.TermVectors(), Docs: docs, Dimension: 16})
	require.NoError(t, err)

	assert.Len(t, cut, 1)
	assert.NotEqual(t, full[0].Score, cut[0].Score)
}

func TestRerank_Validation(t *testing.T) {
	p := newPool(t, Config{Size: 1}, newMockEmbedder())

	_, err := p.Rerank(context.Background(), RerankInput{Docs: []RerankDoc{{ID: "a", Content: "x"}}})
	assert.Error(t, err)

	out, err := p.Rerank(context.Background(), RerankInput{QueryVectors: [][]float32{{1}}})
	assert.NoError(t, err)
	assert.Empty(t, out)
}

func TestTruncate(t *testing.T) {
	v := []float32{3, 4, 12}
	assert.Equal(t, v, truncate(v, 0))
	assert.Equal(t, v, truncate(v, 5))

	cut := truncate(v, 2)
	assert.InDelta(t, 0.6, cut[0], 1e-6)
	assert.InDelta(t, 0.8, cut[1], 1e-6)
	assert.Equal(t, float32(3), v[0], "input is not modified")
}

func TestMaxSim(t *testing.T) {
	query := [][]float32{{1, 0}, {0, 1}}
	doc := [][]float32{{1, 0}, {0.5, 0.5}}
	assert.InDelta(t, 1.5, maxSim(query, doc), 1e-9)
	assert.Zero(t, maxSim(query, nil))
}
