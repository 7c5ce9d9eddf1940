package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mailmule/mailmule/internal/observability"
)

const openaiEmbeddingsURL = "https://api.openai.com/v1/embeddings"

// OpenAIEmbedder generates embeddings via the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	apiKey        string
	model         string
	dimension     int
	maxInputChars int
	httpClient    *http.Client
	baseURL       string
}

// NewOpenAIEmbedder creates a new OpenAI embedding provider.
func NewOpenAIEmbedder(apiKey, model string, dimension, maxInputChars int) *OpenAIEmbedder {
	if dimension <= 0 {
		dimension = 1536 // text-embedding-3-small default
		if model == "text-embedding-3-large" {
			dimension = 3072
		}
	}

	return &OpenAIEmbedder{
		apiKey:        apiKey,
		model:         model,
		dimension:     dimension,
		maxInputChars: maxInputChars,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: openaiEmbeddingsURL,
	}
}

func (p *OpenAIEmbedder) Dimension() int {
	return p.dimension
}

func (p *OpenAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty input", ErrEmbeddingFailure)
	}
	if p.maxInputChars > 0 && len(text) > p.maxInputChars {
		return nil, fmt.Errorf("%w: input of %d chars exceeds limit %d", ErrEmbeddingFailure, len(text), p.maxInputChars)
	}

	start := time.Now()

	reqBody := map[string]interface{}{
		"input": text,
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailure, resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrEmbeddingFailure, err)
	}

	if len(result.Data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrEmbeddingFailure)
	}

	observability.RecordEmbed(time.Since(start))

	return Normalize(result.Data[0].Embedding), nil
}
