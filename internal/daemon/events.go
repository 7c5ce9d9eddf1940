package daemon

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const eventWriteTimeout = 5 * time.Second

// Event is one message on the websocket stream: index state transitions and
// ingest activity, consumed by the GUI front-end.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// eventClient wraps a connection with its write lock; the websocket protocol
// allows at most one concurrent writer per connection.
type eventClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// EventHub fans events out to connected websocket clients. Writes happen
// outside the registry lock and under a deadline, so a client that stops
// reading is dropped instead of holding up the publisher.
type EventHub struct {
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[*websocket.Conn]*eventClient
	closed  bool
}

// NewEventHub creates an event hub.
func NewEventHub(logger zerolog.Logger) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local GUI front-end; same-host access only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:       logger,
		writeTimeout: eventWriteTimeout,
		clients:      make(map[*websocket.Conn]*eventClient),
	}
}

// HandleWS upgrades the request and registers the client until it hangs up.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = &eventClient{conn: conn}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", total).Msg("Event stream client connected")

	// The stream is one-way; reading only detects the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.remove(conn)
				return
			}
		}
	}()
}

// Broadcast sends an event to every connected client. Clients whose write
// misses the deadline are dropped.
func (h *EventHub) Broadcast(eventType string, data map[string]interface{}) {
	event := Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	h.mu.Lock()
	targets := make([]*eventClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		err := c.conn.WriteJSON(event)
		c.mu.Unlock()

		if err != nil {
			h.logger.Debug().Err(err).Msg("Dropping unresponsive event stream client")
			h.remove(c.conn)
		}
	}
}

// Close disconnects all clients and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*eventClient)
}

func (h *EventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
}
