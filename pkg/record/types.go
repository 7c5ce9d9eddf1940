package record

// Kind identifies which entity family an operation targets.
type Kind string

const (
	// KindMessage targets individual mail messages.
	KindMessage Kind = "message"
	// KindConversation targets whole conversations.
	KindConversation Kind = "conversation"
)

// Message is a cleaned mail record as accepted at the ingestion boundary.
// Content fields are immutable once stored; only the embedding may be
// attached later.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Subject        string `json:"subject"`
	Sender         string `json:"sender"`
	Date           int64  `json:"date"` // unix seconds
	Ordinal        int    `json:"ordinal"`
	Body           string `json:"body"`
	Raw            string `json:"raw,omitempty"`
}

// Metadata is the display-ready projection joined onto search hits.
type Metadata struct {
	ID             string `json:"id"`
	Kind           Kind   `json:"kind"`
	ConversationID string `json:"conversation_id,omitempty"`
	Subject        string `json:"subject"`
	Sender         string `json:"sender"`
	Date           int64  `json:"date"`
	Body           string `json:"body"`
	MessageCount   int    `json:"message_count,omitempty"`
}

// Embedded carries an entity's stored vector together with the fields the
// index synchronizer needs.
type Embedded struct {
	ID      string
	Vector  []float32
	Version int64
	Date    int64
}

// VersionInfo is the vector-free half of Embedded, used for reconciliation
// diffs so diffing never pays vector I/O.
type VersionInfo struct {
	Version int64
	Date    int64
}

// Counts summarizes store contents for health and status reporting.
type Counts struct {
	Messages              int `json:"messages"`
	Conversations         int `json:"conversations"`
	EmbeddedMessages      int `json:"embedded_messages"`
	EmbeddedConversations int `json:"embedded_conversations"`
}
