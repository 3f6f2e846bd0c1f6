// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kestrel Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the bundled SSE transport: a thin consumer of the
// dispatcher demonstrating the event stream contract over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelhq/kestrel/pkg/agent"
	"github.com/kestrelhq/kestrel/pkg/config"
	"github.com/kestrelhq/kestrel/pkg/dispatch"
	"github.com/kestrelhq/kestrel/pkg/mcp"
)

// Streamer is the dispatcher slice the transport consumes.
type Streamer interface {
	Stream(ctx context.Context, req dispatch.StreamRequest) (<-chan agent.Event, error)
}

// PoolInspector exposes MCP connection diagnostics.
type PoolInspector interface {
	Snapshot() []mcp.ServerStatus
}

// ChatRequest is the POST /v1/chat body.
type ChatRequest struct {
	SessionID string            `json:"session_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Server serves the SSE chat endpoint plus health, metrics and MCP
// diagnostics.
type Server struct {
	cfg        config.ServerConfig
	dispatcher Streamer
	pool       PoolInspector
	registry   *promclient.Registry

	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithMetricsRegistry mounts /metrics over the given registry.
func WithMetricsRegistry(registry *promclient.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithPoolInspector mounts /v1/mcp/status over the given pool.
func WithPoolInspector(pool PoolInspector) Option {
	return func(s *Server) { s.pool = pool }
}

func New(cfg config.ServerConfig, dispatcher Streamer, opts ...Option) *Server {
	s := &Server{cfg: cfg, dispatcher: dispatcher}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/v1/chat", s.handleChat)

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	if s.pool != nil {
		r.Get("/v1/mcp/status", s.handleMCPStatus)
	}

	return r
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams outlive any fixed deadline and
		// are bounded by the per-request agent timeout instead.
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("HTTP server starting", "addr", s.cfg.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	slog.Info("HTTP server shutting down")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleChat streams dispatcher events as SSE frames. Each event is
// one `data:` line of JSON; the stream closes after the terminal done
// or error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if body.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := s.dispatcher.Stream(r.Context(), dispatch.StreamRequest{
		SessionID:  body.SessionID,
		Message:    body.Message,
		Platform:   "http",
		PlatformID: body.SessionID,
		Metadata:   body.Metadata,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("Event marshal failed", "type", ev.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
			// Client went away; the orchestrator notices through the
			// request context.
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleMCPStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.pool.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"servers": snapshot,
		"total":   len(snapshot),
	})
}
