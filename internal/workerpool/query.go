package workerpool

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dshills/osgrep/internal/embedder"
)

const (
	// maxQueryTerms caps the per-term vectors of a query encoding
	maxQueryTerms = 32

	// maxDocLines caps how many lines of a candidate are scored by Rerank
	maxDocLines = 64
)

// TermVector is the embedding of one query token
type TermVector struct {
	Term   string
	Vector []float32
}

// QueryEncoding holds the dense query vector used for retrieval and the
// per-term vectors used for late interaction reranking.
type QueryEncoding struct {
	Text  string
	Dense []float32
	Terms []TermVector
}

// TermVectors returns just the vectors of Terms, or Dense if there are none.
func (q *QueryEncoding) TermVectors() [][]float32 {
	if len(q.Terms) == 0 {
		return [][]float32{q.Dense}
	}
	out := make([][]float32, len(q.Terms))
	for i, t := range q.Terms {
		out[i] = t.Vector
	}
	return out
}

// EncodeQuery embeds text and its distinct tokens in one embedding call.
func (p *Pool) EncodeQuery(ctx context.Context, text string) (*QueryEncoding, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty query", embedder.ErrEmptyText)
	}

	v, err := p.submit(ctx, func(ctx context.Context) (any, error) {
		terms := queryTerms(text)
		inputs := append([]string{text}, terms...)
		vectors, err := p.embedder.Embed(ctx, inputs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: encode query: %w", ErrProcessing, err)
		}
		if len(vectors) != len(inputs) {
			return nil, fmt.Errorf("%w: encode query: got %d vectors for %d inputs", ErrProcessing, len(vectors), len(inputs))
		}

		enc := &QueryEncoding{Text: text, Dense: vectors[0]}
		for i, term := range terms {
			enc.Terms = append(enc.Terms, TermVector{Term: term, Vector: vectors[i+1]})
		}
		return enc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*QueryEncoding), nil
}

func queryTerms(text string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, tok := range embedder.Tokenize(text) {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
		if len(terms) == maxQueryTerms || len(terms) == embedder.MaxBatchSize-1 {
			break
		}
	}
	return terms
}

// RerankDoc is one candidate to rescore
type RerankDoc struct {
	ID      string
	Content string
}

// RerankInput is a rerank request. Dimension truncates every vector to its
// leading components before scoring; zero keeps the full width.
type RerankInput struct {
	QueryVectors [][]float32
	Docs         []RerankDoc
	Dimension    int
}

// RerankResult is a rescored candidate. Index points into RerankInput.Docs.
type RerankResult struct {
	ID    string
	Index int
	Score float64
}

// Rerank scores each document by late interaction: every query vector is
// matched against the best line of the document and the maxima are summed.
// Results are sorted by descending score, ties keep input order.
func (p *Pool) Rerank(ctx context.Context, in RerankInput) ([]RerankResult, error) {
	if len(in.QueryVectors) == 0 {
		return nil, errors.New("rerank: no query vectors")
	}
	if len(in.Docs) == 0 {
		return nil, nil
	}

	v, err := p.submit(ctx, func(ctx context.Context) (any, error) {
		query := make([][]float32, len(in.QueryVectors))
		for i, q := range in.QueryVectors {
			query[i] = truncate(q, in.Dimension)
		}

		results := make([]RerankResult, len(in.Docs))
		for i, doc := range in.Docs {
			lines := docLines(doc.Content)
			score := 0.0
			if len(lines) > 0 {
				vectors, err := p.embedLines(ctx, lines)
				if err != nil {
					return nil, err
				}
				for j := range vectors {
					vectors[j] = truncate(vectors[j], in.Dimension)
				}
				score = maxSim(query, vectors)
			}
			results[i] = RerankResult{ID: doc.ID, Index: i, Score: score}
		}

		sort.SliceStable(results, func(a, b int) bool {
			return results[a].Score > results[b].Score
		})
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]RerankResult), nil
}

func (p *Pool) embedLines(ctx context.Context, lines []string) ([][]float32, error) {
	out := make([][]float32, 0, len(lines))
	for start := 0; start < len(lines); start += p.batchSize {
		end := min(start+p.batchSize, len(lines))
		vectors, err := p.embedder.Embed(ctx, lines[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: rerank: %w", ErrProcessing, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func docLines(content string) []string {
	var lines []string
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == maxDocLines {
			break
		}
	}
	return lines
}

// truncate keeps the leading dim components and renormalizes
func truncate(v []float32, dim int) []float32 {
	if dim <= 0 || dim >= len(v) {
		return v
	}
	return embedder.NormalizeVector(v[:dim])
}

func maxSim(query, doc [][]float32) float64 {
	total := 0.0
	for _, q := range query {
		best := math.Inf(-1)
		for _, d := range doc {
			if s := dot(q, d); s > best {
				best = s
			}
		}
		if !math.IsInf(best, -1) {
			total += best
		}
	}
	return total
}

func dot(a, b []float32) float64 {
	n := min(len(a), len(b))
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
