package backfill

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailmule/mailmule/pkg/embed"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestWorker(t *testing.T, batchSize int) (*Worker, *record.Store) {
	t.Helper()
	store, err := record.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	worker := NewWorker(store, embed.NewMockEmbedder(32), batchSize, time.Second, zerolog.Nop())
	return worker, store
}

func seedMessages(t *testing.T, store *record.Store, messages []record.Message) {
	t.Helper()
	_, err := store.UpsertMessages(context.Background(), messages)
	require.NoError(t, err)
}

func TestRunEmbedsBacklog(t *testing.T) {
	worker, store := createTestWorker(t, 64)
	ctx := context.Background()

	seedMessages(t, store, []record.Message{
		{ID: "m1", ConversationID: "c1", Subject: "plan", Date: 100, Ordinal: 0, Body: "quarterly plan draft"},
		{ID: "m2", ConversationID: "c1", Subject: "re: plan", Date: 200, Ordinal: 1, Body: "looks fine"},
		{ID: "m3", ConversationID: "c2", Subject: "invoice", Date: 300, Ordinal: 0, Body: "invoice attached"},
	})

	total, err := worker.Run(ctx)
	require.NoError(t, err)
	// 3 messages plus 2 conversation aggregates.
	assert.Equal(t, 5, total)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.EmbeddedMessages)
	assert.Equal(t, 2, counts.EmbeddedConversations)

	// The stored aggregate is the normalized mean of the member vectors.
	vectors, err := store.MessageVectors(ctx, "c1")
	require.NoError(t, err)
	want, err := embed.AggregateConversation(vectors)
	require.NoError(t, err)

	embedded, err := store.GetEmbedded(ctx, record.KindConversation, []string{"c1"})
	require.NoError(t, err)
	require.Len(t, embedded, 1)
	assert.Equal(t, want, embedded[0].Vector)

	// A clean second pass does nothing.
	total, err = worker.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestRunSkipsUnembeddableMessages(t *testing.T) {
	worker, store := createTestWorker(t, 64)
	ctx := context.Background()

	seedMessages(t, store, []record.Message{
		{ID: "m1", ConversationID: "c1", Date: 100, Ordinal: 0, Body: ""},
		{ID: "m2", ConversationID: "c2", Subject: "real", Date: 200, Ordinal: 0, Body: "real content"},
	})

	total, err := worker.Run(ctx)
	require.NoError(t, err)
	// m2 plus c2's aggregate; m1 has nothing to embed and c1 stays pending.
	assert.Equal(t, 2, total)

	pending, err := store.ListUnembeddedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m1", pending[0].ID)
}

func TestRunRespectsBatchSize(t *testing.T) {
	worker, store := createTestWorker(t, 2)
	ctx := context.Background()

	seedMessages(t, store, []record.Message{
		{ID: "m1", ConversationID: "c1", Date: 1, Ordinal: 0, Body: "one"},
		{ID: "m2", ConversationID: "c2", Date: 2, Ordinal: 0, Body: "two"},
		{ID: "m3", ConversationID: "c3", Date: 3, Ordinal: 0, Body: "three"},
	})

	_, err := worker.Run(ctx)
	require.NoError(t, err)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.EmbeddedMessages)

	// The remainder drains on subsequent passes.
	_, err = worker.Run(ctx)
	require.NoError(t, err)
	counts, err = store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.EmbeddedMessages)
	assert.Equal(t, 3, counts.EmbeddedConversations)
}

func TestAggregateRecomputedOnReattach(t *testing.T) {
	worker, store := createTestWorker(t, 64)
	ctx := context.Background()

	seedMessages(t, store, []record.Message{
		{ID: "m1", ConversationID: "c1", Subject: "a", Date: 100, Ordinal: 0, Body: "first body"},
	})

	_, err := worker.Run(ctx)
	require.NoError(t, err)

	versions, err := store.ListEmbeddedVersions(ctx, record.KindConversation)
	require.NoError(t, err)
	require.Equal(t, int64(1), versions["c1"].Version)

	// Re-embedding a member flags the aggregate stale; the next pass
	// recomputes it.
	require.NoError(t, store.AttachEmbedding(ctx, record.KindMessage, "m1", []float32{1, 0}))

	total, err := worker.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	versions, err = store.ListEmbeddedVersions(ctx, record.KindConversation)
	require.NoError(t, err)
	assert.Equal(t, int64(2), versions["c1"].Version)

	embedded, err := store.GetEmbedded(ctx, record.KindConversation, []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, embedded[0].Vector)
}
