package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mailmule/mailmule/internal/config"
	"github.com/mailmule/mailmule/internal/observability"
	"github.com/mailmule/mailmule/internal/tracing"
	"github.com/mailmule/mailmule/pkg/embed"
	"github.com/mailmule/mailmule/pkg/health"
	"github.com/mailmule/mailmule/pkg/index"
	"github.com/mailmule/mailmule/pkg/query"
	"github.com/mailmule/mailmule/pkg/record"
	"github.com/rs/zerolog"
)

// Server is the HTTP API: search, health, metrics and the event stream.
type Server struct {
	options config.ServerConfig
	engine  *query.Engine
	gate    *health.Gate
	hub     *EventHub
	logger  zerolog.Logger

	server  *http.Server
	handler http.Handler

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates the HTTP server.
func NewServer(options config.ServerConfig, engine *query.Engine, gate *health.Gate, hub *EventHub, logger zerolog.Logger) *Server {
	if options.Port == 0 {
		options.Port = 8484
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.RequestTimeoutSec == 0 {
		options.RequestTimeoutSec = 30
	}

	s := &Server{
		options: options,
		engine:  engine,
		gate:    gate,
		hub:     hub,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/ws", s.handleWS)
	s.handler = mux

	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the server until Stop or a listen error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.options.Host, s.options.Port),
		Handler: s.handler,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting HTTP server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Stop gracefully stops the server, draining in-flight requests.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down HTTP server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	startTime := time.Now()

	requestID, err := gonanoid.New()
	if err != nil {
		requestID = "unknown"
	}
	ctx := tracing.WithRequestID(tracing.NewRequestContext(r.Context()), requestID)
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.options.RequestTimeoutSec)*time.Second)
	defer cancel()

	logger := tracing.LoggerFromContext(ctx, s.logger)

	q := r.URL.Query().Get("q")
	topK := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		topK, err = strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, logger, fmt.Errorf("%w: k must be an integer", query.ErrInvalidQuery))
			return
		}
	}

	results, err := s.engine.Search(ctx, q, topK)
	if err != nil {
		s.writeError(w, logger, err)
		return
	}

	logger.Info().
		Str("query", q).
		Int("results", len(results)).
		Int64("duration_ms", time.Since(startTime).Milliseconds()).
		Msg("Search request completed")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.gate.Check(r.Context())

	code := http.StatusOK
	if !status.StoreReachable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.hub.HandleWS(w, r)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var code int
	switch {
	case errors.Is(err, query.ErrInvalidQuery), errors.Is(err, embed.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, index.ErrIndexNotReady):
		code = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "5")
	case errors.Is(err, embed.ErrEmbeddingTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, record.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
	default:
		code = http.StatusInternalServerError
	}

	if code >= http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Search request failed")
	} else {
		logger.Warn().Err(err).Msg("Search request rejected")
	}

	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
