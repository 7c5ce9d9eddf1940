package ingest

import (
	"testing"

	"github.com/mailmule/mailmule/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	require.NoError(t, err)
	return p
}

func TestParseFlatBatch(t *testing.T) {
	p := createTestParser(t)

	records, err := p.ParseBatch([]byte(`[
		{"id": "m1", "conversation_id": "c1", "subject": "hi", "sender": "a@example.com",
		 "date": 100, "ordinal": 0, "body": "hello"},
		{"id": "m2", "conversation_id": "c1", "date": 200, "ordinal": 1, "body": "reply"}
	]`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, record.Message{
		ID: "m1", ConversationID: "c1", Subject: "hi", Sender: "a@example.com",
		Date: 100, Ordinal: 0, Body: "hello",
	}, records[0])
}

func TestParseGroupedBatch(t *testing.T) {
	p := createTestParser(t)

	records, err := p.ParseBatch([]byte(`[
		{"conversation_id": "c1", "emails": [
			{"id": "m1", "subject": "hi", "from": "a@example.com",
			 "date": "Mon, 02 Jan 2006 15:04:05 -0700", "order": 0, "content": "hello"},
			{"id": "m2", "sender": "b@example.com", "date": 1136239445, "content": "reply"}
		]},
		{"conversation_id": "c2", "emails": [
			{"id": "m3", "content": "other thread"}
		]}
	]`))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "m1", records[0].ID)
	assert.Equal(t, "c1", records[0].ConversationID)
	assert.Equal(t, "a@example.com", records[0].Sender)
	assert.Equal(t, int64(1136239445), records[0].Date) // RFC 5322 string parsed
	assert.Equal(t, "hello", records[0].Body)
	assert.NotEmpty(t, records[0].Raw)

	// Missing order falls back to list position; sender field accepted too.
	assert.Equal(t, 1, records[1].Ordinal)
	assert.Equal(t, "b@example.com", records[1].Sender)
	assert.Equal(t, int64(1136239445), records[1].Date)

	assert.Equal(t, "c2", records[2].ConversationID)
	assert.Equal(t, int64(0), records[2].Date)
}

func TestParseBatchInvalid(t *testing.T) {
	p := createTestParser(t)

	tests := []struct {
		name string
		data string
	}{
		{"not an array", `{"id": "m1"}`},
		{"not json", `garbage`},
		{"missing id", `[{"conversation_id": "c1", "date": 1, "ordinal": 0, "body": "x"}]`},
		{"empty id", `[{"id": "", "conversation_id": "c1", "date": 1, "ordinal": 0, "body": "x"}]`},
		{"missing body", `[{"id": "m1", "conversation_id": "c1", "date": 1, "ordinal": 0}]`},
		{"negative ordinal", `[{"id": "m1", "conversation_id": "c1", "date": 1, "ordinal": -1, "body": "x"}]`},
		{"wrong date type", `[{"id": "m1", "conversation_id": "c1", "date": "yesterday", "ordinal": 0, "body": "x"}]`},
		{"grouped missing conversation", `[{"emails": [{"id": "m1"}]}]`},
		{"grouped email without id", `[{"conversation_id": "c1", "emails": [{"content": "x"}]}]`},
		{"grouped bad date string", `[{"conversation_id": "c1", "emails": [{"id": "m1", "date": "not a date"}]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.ParseBatch([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestParseBatchEmpty(t *testing.T) {
	p := createTestParser(t)

	records, err := p.ParseBatch([]byte(`[]`))
	require.NoError(t, err)
	assert.Empty(t, records)
}
