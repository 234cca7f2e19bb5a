// Package http adapts the synchronization engine to HTTP: a chi server
// ingesting envelopes from peer nodes and a client-side postoffice
// fanning envelopes out to them.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"pssync/pkg/message"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
)

// Receiver is the container surface the server delivers inbound
// envelopes to. One process may host several containers, keyed by app
// name.
type Receiver interface {
	Name() string
	Accept(env *message.Envelope)
}

// Server accepts envelopes from peer nodes and routes them to the local
// container registered under the envelope's app name.
type Server struct {
	httpServer *http.Server
	URL        string
	addr       string

	mu   sync.RWMutex
	apps map[string]Receiver
}

func NewServer(port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		URL:  "http://localhost:" + port,
		addr: ":" + port,
		apps: make(map[string]Receiver),
	}
}

// Register makes a local container reachable under its app name.
func (s *Server) Register(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps[r.Name()] = r
}

// Start starts the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds the chi router.
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Post("/v1/envelope", s.handleEnvelope)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	var env message.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("malformed envelope"))
		return
	}
	if env.Kind < message.KindPush || env.Kind > message.KindReplyPull {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("unknown envelope kind"))
		return
	}

	s.mu.RLock()
	rcv := s.apps[env.App]
	s.mu.RUnlock()
	if rcv == nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("no container for app "+env.App))
		return
	}

	rcv.Accept(&env)
	s.writeJSON(w, http.StatusOK, NewAcceptedResponse())
}
