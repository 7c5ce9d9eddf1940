package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mailmule/mailmule/internal/tracing"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Store is the durable record store for messages, conversations and their
// embedding vectors. It is the single source of truth; the similarity index
// is always rebuildable from it.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if necessary) the sqlite-backed store at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			message_count INTEGER NOT NULL DEFAULT 0,
			embedding     BLOB,
			embed_version INTEGER NOT NULL DEFAULT 0,
			agg_stale     INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			subject         TEXT NOT NULL DEFAULT '',
			sender          TEXT NOT NULL DEFAULT '',
			date            INTEGER NOT NULL,
			ordinal         INTEGER NOT NULL,
			body            TEXT NOT NULL,
			raw             TEXT,
			embedding       BLOB,
			embed_version   INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			UNIQUE(conversation_id, ordinal)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_messages_unembedded ON messages(created_at) WHERE embedding IS NULL;
	`

	_, err := s.db.Exec(schema)
	return classify(err)
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity. Used by the health gate.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// UpsertMessages inserts a batch of messages, creating conversations
// implicitly on first contact. Matching by id: records already present are
// left untouched (stored content is immutable). The batch is transactional;
// on error nothing from the batch is visible. Returns the ids of
// conversations touched by the batch.
func (s *Store) UpsertMessages(ctx context.Context, records []Message) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "mailmule.record", "record.upsert_messages",
		attribute.Int("batch_size", len(records)))
	defer span.End()

	if len(records) == 0 {
		return nil, nil
	}

	for _, r := range records {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: message with empty id", ErrIntegrity)
		}
		if r.ConversationID == "" {
			return nil, fmt.Errorf("%w: message %s has no conversation id", ErrIntegrity, r.ID)
		}
		if r.Ordinal < 0 {
			return nil, fmt.Errorf("%w: message %s has negative ordinal", ErrIntegrity, r.ID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	touched := make(map[string]struct{})

	for _, r := range records {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
			r.ConversationID, now,
		); err != nil {
			return nil, classify(err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, subject, sender, date, ordinal, body, raw, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			r.ID, r.ConversationID, r.Subject, r.Sender, r.Date, r.Ordinal, r.Body, nullable(r.Raw), now,
		); err != nil {
			return nil, classify(err)
		}

		touched[r.ConversationID] = struct{}{}
	}

	// Keep the derived message_count in step with actual membership.
	for convID := range touched {
		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = ?) WHERE id = ?",
			convID, convID,
		); err != nil {
			return nil, classify(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	return ids, nil
}

// AttachEmbedding stores (or overwrites) the embedding vector of an entity
// and bumps its embed_version. Attaching to a message flags its conversation
// aggregate as stale.
func (s *Store) AttachEmbedding(ctx context.Context, kind Kind, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector for %s %s", ErrIntegrity, kind, id)
	}
	blob, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	switch kind {
	case KindMessage:
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET embedding = ?, embed_version = embed_version + 1 WHERE id = ?",
			blob, id,
		)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: message %s", ErrNotFound, id)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE conversations SET agg_stale = 1 WHERE id = (SELECT conversation_id FROM messages WHERE id = ?)",
			id,
		); err != nil {
			return classify(err)
		}

		return classify(tx.Commit())

	case KindConversation:
		res, err := s.db.ExecContext(ctx,
			"UPDATE conversations SET embedding = ?, embed_version = embed_version + 1, agg_stale = 0 WHERE id = ?",
			blob, id,
		)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, id)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown entity kind %q", ErrIntegrity, kind)
	}
}

// ListUnembeddedMessages returns up to limit messages lacking an embedding,
// oldest created first. The sequence is restartable: embedded messages drop
// out, so repeated calls walk the backlog.
func (s *Store) ListUnembeddedMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, subject, sender, date, ordinal, body
		 FROM messages WHERE embedding IS NULL
		 ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Subject, &m.Sender, &m.Date, &m.Ordinal, &m.Body); err != nil {
			return nil, classify(err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListStaleConversations returns up to limit conversation ids whose aggregate
// vector is missing or stale and whose member messages are all embedded,
// oldest created first.
func (s *Store) ListStaleConversations(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM conversations c
		 WHERE (c.embedding IS NULL OR c.agg_stale = 1)
		   AND c.message_count > 0
		   AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id AND m.embedding IS NULL)
		 ORDER BY c.created_at ASC, c.id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListAllEmbedded returns every entity of the given kind that has an
// embedding, with vector, version and timestamp. Used for full index
// rebuilds.
func (s *Store) ListAllEmbedded(ctx context.Context, kind Kind) ([]Embedded, error) {
	ctx, span := tracing.StartSpan(ctx, "mailmule.record", "record.list_all_embedded",
		attribute.String("kind", string(kind)))
	defer span.End()

	query, err := embeddedQuery(kind, "")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanEmbedded(rows)
}

// GetEmbedded returns vectors for a specific id set. Missing or unembedded
// ids are silently absent from the result. Used by the incremental append
// path so appends only pay for new entities.
func (s *Store) GetEmbedded(ctx context.Context, kind Kind, ids []string) ([]Embedded, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, err := embeddedQuery(kind, " AND id IN ("+placeholders(len(ids))+")")
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args(ids)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanEmbedded(rows)
}

// ListEmbeddedVersions returns the id -> (version, date) mapping of embedded
// entities without reading vectors. Reconciliation diffs run on this.
func (s *Store) ListEmbeddedVersions(ctx context.Context, kind Kind) (map[string]VersionInfo, error) {
	table, dateExpr, err := kindTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, embed_version, "+dateExpr+" FROM "+table+" WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make(map[string]VersionInfo)
	for rows.Next() {
		var id string
		var info VersionInfo
		if err := rows.Scan(&id, &info.Version, &info.Date); err != nil {
			return nil, classify(err)
		}
		out[id] = info
	}
	return out, rows.Err()
}

// MessageVectors returns the member vectors of a conversation in ordinal
// order. Errors if the conversation is unknown or any member lacks an
// embedding, since the aggregate is only defined over fully embedded
// membership.
func (s *Store) MessageVectors(ctx context.Context, convID string) ([][]float32, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT embedding FROM messages WHERE conversation_id = ? ORDER BY ordinal ASC", convID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var vectors [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, classify(err)
		}
		if blob == nil {
			return nil, fmt.Errorf("%w: conversation %s has unembedded messages", ErrIntegrity, convID)
		}
		var vec []float32
		if err := json.Unmarshal(blob, &vec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding: %w", err)
		}
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, convID)
	}
	return vectors, nil
}

// GetMetadata batch-fetches display metadata for a set of ids. Ids that no
// longer exist are dropped silently, never surfaced as errors.
func (s *Store) GetMetadata(ctx context.Context, kind Kind, ids []string) ([]Metadata, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, span := tracing.StartSpan(ctx, "mailmule.record", "record.get_metadata",
		attribute.String("kind", string(kind)), attribute.Int("ids", len(ids)))
	defer span.End()

	var query string
	switch kind {
	case KindMessage:
		query = `SELECT id, conversation_id, subject, sender, date, body
			 FROM messages WHERE id IN (` + placeholders(len(ids)) + `)`
	case KindConversation:
		// A conversation presents as its most recent member message.
		query = `SELECT c.id, c.id, m.subject, m.sender, m.date, m.body, c.message_count
			 FROM conversations c
			 JOIN messages m ON m.conversation_id = c.id
			 WHERE c.id IN (` + placeholders(len(ids)) + `)
			   AND m.ordinal = (SELECT MAX(ordinal) FROM messages WHERE conversation_id = c.id)`
	default:
		return nil, fmt.Errorf("%w: unknown entity kind %q", ErrIntegrity, kind)
	}

	rows, err := s.db.QueryContext(ctx, query, args(ids)...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []Metadata
	for rows.Next() {
		m := Metadata{Kind: kind}
		if kind == KindConversation {
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.Subject, &m.Sender, &m.Date, &m.Body, &m.MessageCount); err != nil {
				return nil, classify(err)
			}
		} else {
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.Subject, &m.Sender, &m.Date, &m.Body); err != nil {
				return nil, classify(err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Counts reports store totals for health and status output.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM messages", &c.Messages},
		{"SELECT COUNT(*) FROM conversations", &c.Conversations},
		{"SELECT COUNT(*) FROM messages WHERE embedding IS NOT NULL", &c.EmbeddedMessages},
		{"SELECT COUNT(*) FROM conversations WHERE embedding IS NOT NULL", &c.EmbeddedConversations},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return Counts{}, classify(err)
		}
	}
	return c, nil
}

func embeddedQuery(kind Kind, extra string) (string, error) {
	table, dateExpr, err := kindTable(kind)
	if err != nil {
		return "", err
	}
	return "SELECT id, embedding, embed_version, " + dateExpr +
		" FROM " + table + " WHERE embedding IS NOT NULL" + extra +
		" ORDER BY created_at ASC, id ASC", nil
}

func kindTable(kind Kind) (table, dateExpr string, err error) {
	switch kind {
	case KindMessage:
		return "messages", "date", nil
	case KindConversation:
		// Conversations have no mail date of their own; use creation time for
		// tie-breaking.
		return "conversations", "created_at", nil
	default:
		return "", "", fmt.Errorf("%w: unknown entity kind %q", ErrIntegrity, kind)
	}
}

func scanEmbedded(rows *sql.Rows) ([]Embedded, error) {
	var out []Embedded
	for rows.Next() {
		var e Embedded
		var blob []byte
		if err := rows.Scan(&e.ID, &blob, &e.Version, &e.Date); err != nil {
			return nil, classify(err)
		}
		if err := json.Unmarshal(blob, &e.Vector); err != nil {
			return nil, fmt.Errorf("failed to unmarshal embedding for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func args(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// classify maps driver errors onto the store's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		case sqlite3.ErrCantOpen, sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return err
}
