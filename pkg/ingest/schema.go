package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/mailmule/mailmule/pkg/record"
	"github.com/xeipuuv/gojsonschema"
)

// ErrInvalidRecord indicates a batch that fails schema validation. The whole
// batch is rejected; nothing from it reaches the store.
var ErrInvalidRecord = errors.New("invalid record")

// flatSchema validates an array of cleaned message records.
const flatSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["id", "conversation_id", "date", "ordinal", "body"],
		"properties": {
			"id":              {"type": "string", "minLength": 1},
			"conversation_id": {"type": "string", "minLength": 1},
			"subject":         {"type": "string"},
			"sender":          {"type": "string"},
			"date":            {"type": "integer", "minimum": 0},
			"ordinal":         {"type": "integer", "minimum": 0},
			"body":            {"type": "string"},
			"raw":             {"type": "string"}
		}
	}
}`

// groupedSchema validates the conversation-grouped mailbox export format.
const groupedSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["conversation_id", "emails"],
		"properties": {
			"conversation_id": {"type": "string", "minLength": 1},
			"emails": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id"],
					"properties": {
						"id":      {"type": "string", "minLength": 1},
						"subject": {"type": "string"},
						"from":    {"type": "string"},
						"sender":  {"type": "string"},
						"date":    {"type": ["integer", "string"]},
						"order":   {"type": "integer", "minimum": 0},
						"content": {"type": "string"}
					}
				}
			}
		}
	}
}`

// Parser validates and flattens ingestion batches. It accepts two formats:
// a flat array of message records, and the conversation-grouped export
// produced by mailbox extractors.
type Parser struct {
	flat    *gojsonschema.Schema
	grouped *gojsonschema.Schema
}

// NewParser compiles the batch schemas.
func NewParser() (*Parser, error) {
	flat, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(flatSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile flat schema: %w", err)
	}
	grouped, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(groupedSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile grouped schema: %w", err)
	}
	return &Parser{flat: flat, grouped: grouped}, nil
}

// ParseBatch validates a JSON batch and returns it as flat message records.
func (p *Parser) ParseBatch(data []byte) ([]record.Message, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, fmt.Errorf("%w: batch must be a JSON array: %v", ErrInvalidRecord, err)
	}
	if len(elements) == 0 {
		return nil, nil
	}

	if isGrouped(elements[0]) {
		return p.parseGrouped(data)
	}
	return p.parseFlat(data)
}

func isGrouped(element json.RawMessage) bool {
	var probe struct {
		Emails json.RawMessage `json:"emails"`
	}
	if err := json.Unmarshal(element, &probe); err != nil {
		return false
	}
	return probe.Emails != nil
}

func (p *Parser) parseFlat(data []byte) ([]record.Message, error) {
	if err := validate(p.flat, data); err != nil {
		return nil, err
	}

	var records []record.Message
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return records, nil
}

type groupedConversation struct {
	ConversationID string            `json:"conversation_id"`
	Emails         []json.RawMessage `json:"emails"`
}

type groupedEmail struct {
	ID      string          `json:"id"`
	Subject string          `json:"subject"`
	From    string          `json:"from"`
	Sender  string          `json:"sender"`
	Date    json.RawMessage `json:"date"`
	Order   *int            `json:"order"`
	Content string          `json:"content"`
}

func (p *Parser) parseGrouped(data []byte) ([]record.Message, error) {
	if err := validate(p.grouped, data); err != nil {
		return nil, err
	}

	var groups []groupedConversation
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	var records []record.Message
	for _, g := range groups {
		for i, raw := range g.Emails {
			var e groupedEmail
			if err := json.Unmarshal(raw, &e); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}

			date, err := parseDate(e.Date)
			if err != nil {
				return nil, fmt.Errorf("%w: message %s: %v", ErrInvalidRecord, e.ID, err)
			}

			ordinal := i
			if e.Order != nil {
				ordinal = *e.Order
			}
			sender := e.From
			if sender == "" {
				sender = e.Sender
			}

			records = append(records, record.Message{
				ID:             e.ID,
				ConversationID: g.ConversationID,
				Subject:        e.Subject,
				Sender:         sender,
				Date:           date,
				Ordinal:        ordinal,
				Body:           e.Content,
				Raw:            string(raw),
			})
		}
	}
	return records, nil
}

// parseDate accepts unix seconds or an RFC 5322 date string, the two forms
// mailbox exports use.
func parseDate(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}

	var unix int64
	if err := json.Unmarshal(raw, &unix); err == nil {
		return unix, nil
	}

	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("unsupported date value %s", string(raw))
	}
	t, err := mail.ParseDate(str)
	if err != nil {
		return 0, fmt.Errorf("unparseable date %q", str)
	}
	return t.Unix(), nil
}

func validate(schema *gojsonschema.Schema, data []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(details, "; "))
	}
	return nil
}
