package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mailmule/mailmule/internal/observability"
	"github.com/mailmule/mailmule/internal/tracing"
	"github.com/mailmule/mailmule/pkg/embed"
	"github.com/mailmule/mailmule/pkg/index"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTopK is used when the caller does not ask for a specific count.
	DefaultTopK = 10

	// joinSlack is how many extra candidates each index is asked for, so ids
	// dropped by the metadata join (deleted between snapshot and join) still
	// leave enough hits to fill topK.
	joinSlack = 8

	snippetRunes = 160
)

// Result is one search hit joined with display metadata.
type Result struct {
	ID             string      `json:"id"`
	Kind           record.Kind `json:"kind"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Subject        string      `json:"subject"`
	Sender         string      `json:"sender"`
	Date           int64       `json:"date"`
	Snippet        string      `json:"snippet"`
	Score          float32     `json:"score"`
	MessageCount   int         `json:"message_count,omitempty"`
}

// Searcher is the index surface the engine queries.
type Searcher interface {
	Kind() record.Kind
	Search(query []float32, k int) ([]index.Hit, error)
}

// MetadataSource joins hit ids back to display metadata.
type MetadataSource interface {
	GetMetadata(ctx context.Context, kind record.Kind, ids []string) ([]record.Metadata, error)
}

// Engine answers free-text searches: rewrite, embed, index scan, metadata
// join. Rewriting is best-effort; everything after the embed is read-only.
type Engine struct {
	source         MetadataSource
	embedder       embed.Embedder
	rewriter       embed.Rewriter // nil disables rewriting
	searchers      []Searcher
	rewriteTimeout time.Duration
	embedTimeout   time.Duration
	logger         zerolog.Logger
}

// NewEngine creates a search engine over the given indexes.
func NewEngine(source MetadataSource, embedder embed.Embedder, rewriter embed.Rewriter,
	searchers []Searcher, rewriteTimeout, embedTimeout time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		source:         source,
		embedder:       embedder,
		rewriter:       rewriter,
		searchers:      searchers,
		rewriteTimeout: rewriteTimeout,
		embedTimeout:   embedTimeout,
		logger:         logger,
	}
}

// Search answers a free-text query with up to topK results, best match
// first. topK <= 0 selects the default.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	start := time.Now()
	results, err := e.search(ctx, query, topK)
	observability.RecordSearch(time.Since(start), err == nil)
	return results, err
}

func (e *Engine) search(ctx context.Context, query string, topK int) ([]Result, error) {
	ctx, span := tracing.StartSpan(ctx, "mailmule.query", "query.search",
		attribute.Int("top_k", topK))
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: blank query", ErrInvalidQuery)
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	logger := tracing.LoggerFromContext(ctx, e.logger)

	embedText := e.rewrite(ctx, query, logger)

	embedCtx, cancel := context.WithTimeout(ctx, e.embedTimeout)
	defer cancel()
	vector, err := e.embedder.EmbedText(embedCtx, embedText)
	if err != nil {
		return nil, err
	}

	hits, err := e.scan(vector, topK+joinSlack)
	if err != nil {
		return nil, err
	}

	return e.join(ctx, hits, topK)
}

// rewrite condenses the query to its topics. Any failure falls back to the
// original text; a search must never die on the rewriter's account.
func (e *Engine) rewrite(ctx context.Context, query string, logger zerolog.Logger) string {
	if e.rewriter == nil {
		return query
	}

	ctx, cancel := context.WithTimeout(ctx, e.rewriteTimeout)
	defer cancel()

	rewritten, err := e.rewriter.RewriteQuery(ctx, query)
	if err != nil {
		logger.Warn().Err(err).Msg("Query rewrite failed, using original text")
		return query
	}

	logger.Debug().Str("rewritten", rewritten).Msg("Query rewritten")
	return rewritten
}

type taggedHit struct {
	index.Hit
	kind record.Kind
}

// scan queries every configured index and merges hits by score.
func (e *Engine) scan(vector []float32, k int) ([]taggedHit, error) {
	var merged []taggedHit
	for _, s := range e.searchers {
		hits, err := s.Search(vector, k)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			merged = append(merged, taggedHit{Hit: h, kind: s.Kind()})
		}
	}

	sort.Slice(merged, func(a, b int) bool {
		if merged[a].Score != merged[b].Score {
			return merged[a].Score > merged[b].Score
		}
		if merged[a].Date != merged[b].Date {
			return merged[a].Date > merged[b].Date
		}
		return merged[a].ID < merged[b].ID
	})
	return merged, nil
}

// join attaches metadata to hits, preserving hit order. Ids the store no
// longer knows are dropped; the slack fetched by scan backfills the gaps.
func (e *Engine) join(ctx context.Context, hits []taggedHit, topK int) ([]Result, error) {
	if len(hits) == 0 {
		return nil, nil
	}

	idsByKind := make(map[record.Kind][]string)
	for _, h := range hits {
		idsByKind[h.kind] = append(idsByKind[h.kind], h.ID)
	}

	meta := make(map[record.Kind]map[string]record.Metadata)
	for kind, ids := range idsByKind {
		rows, err := e.source.GetMetadata(ctx, kind, ids)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]record.Metadata, len(rows))
		for _, m := range rows {
			byID[m.ID] = m
		}
		meta[kind] = byID
	}

	results := make([]Result, 0, topK)
	for _, h := range hits {
		m, ok := meta[h.kind][h.ID]
		if !ok {
			continue
		}
		results = append(results, Result{
			ID:             m.ID,
			Kind:           h.kind,
			ConversationID: m.ConversationID,
			Subject:        m.Subject,
			Sender:         m.Sender,
			Date:           m.Date,
			Snippet:        snippet(m.Body),
			Score:          h.Score,
			MessageCount:   m.MessageCount,
		})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	runes := []rune(body)
	if len(runes) <= snippetRunes {
		return body
	}
	return string(runes[:snippetRunes]) + "..."
}
