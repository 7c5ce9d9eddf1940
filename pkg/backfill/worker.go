package backfill

import (
	"context"
	"time"

	"github.com/mailmule/mailmule/internal/observability"
	"github.com/mailmule/mailmule/pkg/embed"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
)

// Store is the record store surface the worker drives.
type Store interface {
	ListUnembeddedMessages(ctx context.Context, limit int) ([]record.Message, error)
	ListStaleConversations(ctx context.Context, limit int) ([]string, error)
	MessageVectors(ctx context.Context, convID string) ([][]float32, error)
	AttachEmbedding(ctx context.Context, kind record.Kind, id string, vector []float32) error
}

// Worker embeds the backlog: messages without vectors first, then aggregate
// vectors for conversations whose members are all embedded. Each pass is
// bounded by the batch size; whatever is left waits for the next tick. No
// store or index locks are held across embedding calls.
type Worker struct {
	store        Store
	embedder     embed.Embedder
	batchSize    int
	embedTimeout time.Duration
	logger       zerolog.Logger
}

// NewWorker creates a backfill worker.
func NewWorker(store Store, embedder embed.Embedder, batchSize int, embedTimeout time.Duration, logger zerolog.Logger) *Worker {
	if batchSize <= 0 {
		batchSize = 64
	}
	if embedTimeout <= 0 {
		embedTimeout = 30 * time.Second
	}
	return &Worker{
		store:        store,
		embedder:     embedder,
		batchSize:    batchSize,
		embedTimeout: embedTimeout,
		logger:       logger,
	}
}

// Run executes one backfill pass and returns how many entities got vectors.
// Individual embedding failures are logged and skipped; the entity stays in
// the backlog and is retried next pass.
func (w *Worker) Run(ctx context.Context) (int, error) {
	messages, err := w.embedMessages(ctx)
	if err != nil {
		return messages, err
	}

	conversations, err := w.aggregateConversations(ctx)
	total := messages + conversations
	if total > 0 {
		w.logger.Info().
			Int("messages", messages).
			Int("conversations", conversations).
			Msg("Backfill pass completed")
	}
	return total, err
}

func (w *Worker) embedMessages(ctx context.Context) (int, error) {
	pending, err := w.store.ListUnembeddedMessages(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for _, m := range pending {
		if ctx.Err() != nil {
			return embedded, ctx.Err()
		}

		vec, err := w.embedText(ctx, embed.EmbedInput(m.Subject, m.Body))
		if err != nil {
			w.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Message embedding skipped")
			continue
		}
		if err := w.store.AttachEmbedding(ctx, record.KindMessage, m.ID, vec); err != nil {
			w.logger.Warn().Err(err).Str("message_id", m.ID).Msg("Failed to attach message embedding")
			continue
		}
		embedded++
	}

	observability.RecordBackfill(string(record.KindMessage), embedded)
	return embedded, nil
}

func (w *Worker) aggregateConversations(ctx context.Context) (int, error) {
	stale, err := w.store.ListStaleConversations(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	aggregated := 0
	for _, convID := range stale {
		if ctx.Err() != nil {
			return aggregated, ctx.Err()
		}

		vectors, err := w.store.MessageVectors(ctx, convID)
		if err != nil {
			w.logger.Warn().Err(err).Str("conversation_id", convID).Msg("Aggregate skipped")
			continue
		}
		agg, err := embed.AggregateConversation(vectors)
		if err != nil {
			w.logger.Warn().Err(err).Str("conversation_id", convID).Msg("Aggregate skipped")
			continue
		}
		if err := w.store.AttachEmbedding(ctx, record.KindConversation, convID, agg); err != nil {
			w.logger.Warn().Err(err).Str("conversation_id", convID).Msg("Failed to attach aggregate")
			continue
		}
		aggregated++
	}

	observability.RecordBackfill(string(record.KindConversation), aggregated)
	return aggregated, nil
}

func (w *Worker) embedText(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, w.embedTimeout)
	defer cancel()
	return w.embedder.EmbedText(ctx, text)
}
