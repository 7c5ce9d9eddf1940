package embed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestEmbedder(t *testing.T, handler http.HandlerFunc) *OpenAIEmbedder {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p := NewOpenAIEmbedder("sk-test", "text-embedding-3-small", 2, 100)
	p.baseURL = server.URL
	return p
}

func TestOpenAIEmbedderSuccess(t *testing.T) {
	p := createTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"data":[{"embedding":[3,4]}]}`))
	})

	vec, err := p.EmbedText(context.Background(), "hello world")
	require.NoError(t, err)
	// Provider output is normalized to unit length.
	assert.InDelta(t, 0.6, vec[0], 1e-6)
	assert.InDelta(t, 0.8, vec[1], 1e-6)
}

func TestOpenAIEmbedderAPIError(t *testing.T) {
	p := createTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	})

	_, err := p.EmbedText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestOpenAIEmbedderEmptyResponse(t *testing.T) {
	p := createTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	})

	_, err := p.EmbedText(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestOpenAIEmbedderInputValidation(t *testing.T) {
	p := NewOpenAIEmbedder("sk-test", "text-embedding-3-small", 2, 10)

	_, err := p.EmbedText(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmbeddingFailure)

	_, err = p.EmbedText(context.Background(), "this input is longer than ten characters")
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
}

func TestOpenAIEmbedderTimeout(t *testing.T) {
	p := createTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"data":[{"embedding":[1,0]}]}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.EmbedText(ctx, "hello")
	assert.ErrorIs(t, err, ErrEmbeddingTimeout)
}
