package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// MockEmbedder is a deterministic, offline embedder. Each token hashes into a
// bucket of the vector, so texts sharing words land near each other under
// inner product. Good enough for tests and air-gapped runs, useless for real
// semantics.
type MockEmbedder struct {
	dimension int
}

// NewMockEmbedder creates a mock embedder with the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 32
	}
	return &MockEmbedder{dimension: dimension}
}

func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

func (m *MockEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrEmbeddingFailure)
	}

	vec := make([]float32, m.dimension)
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%m.dimension]++
	}
	return Normalize(vec), nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
