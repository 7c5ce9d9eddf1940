package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/mailmule/mailmule/internal/config"
)

// Embedder turns free text into a normalized vector. All vectors of one
// embedder share a single dimension, so inner product equals cosine
// similarity downstream.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Rewriter rephrases a raw search query into its essential topics before
// embedding. Failing or slow rewrites are the caller's problem; a Rewriter
// never falls back on its own.
type Rewriter interface {
	RewriteQuery(ctx context.Context, text string) (string, error)
}

// NewEmbedder builds the embedder selected by the configuration.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.Model, cfg.Dimension, cfg.MaxInputChars), nil
	case "mock":
		return NewMockEmbedder(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidArgument, cfg.Provider)
	}
}

// NewRewriter builds the query rewriter selected by the configuration, or
// nil when rewriting is disabled.
func NewRewriter(cfg config.RewriteConfig) (Rewriter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicRewriter(cfg.APIKey, cfg.Model), nil
	case "openai":
		return NewOpenAIRewriter(cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("%w: unknown rewrite provider %q", ErrInvalidArgument, cfg.Provider)
	}
}

// AggregateConversation computes a conversation vector as the elementwise
// mean of its member vectors. The result is normalized like any other
// embedding.
func AggregateConversation(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no vectors to aggregate", ErrInvalidArgument)
	}

	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-dimensional vector", ErrInvalidArgument)
	}

	sum := make([]float64, dim)
	for i, vec := range vectors {
		if len(vec) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrInvalidArgument, i, len(vec), dim)
		}
		for j, v := range vec {
			sum[j] += float64(v)
		}
	}

	mean := make([]float32, dim)
	n := float64(len(vectors))
	for j := range sum {
		mean[j] = float32(sum[j] / n)
	}
	return Normalize(mean), nil
}

// Normalize scales a vector to unit length. Zero vectors pass through
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// EmbedInput is the canonical text fed to the embedder for a mail message:
// subject and body joined by a single space, mirroring how stored vectors
// were produced so queries and records live in the same space.
func EmbedInput(subject, body string) string {
	if subject == "" {
		return body
	}
	if body == "" {
		return subject
	}
	return subject + " " + body
}
