// Package admin serves the HTTP admin interface: health, Prometheus metrics
// and a JSON view of cluster state.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StatusFunc returns a JSON-encodable snapshot of cluster state.
type StatusFunc func() any

// SweepFunc runs an on-demand health sweep and returns its result.
type SweepFunc func(ctx context.Context) any

// AdminServer provides the admin interface.
type AdminServer struct {
	mux    *http.ServeMux
	logger zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an admin server. sweep may be nil, in which case
// POST /api/heartbeat is not registered.
func NewAdminServer(metricsHandler http.Handler, status StatusFunc, sweep SweepFunc, logger zerolog.Logger) *AdminServer {
	s := &AdminServer{
		mux:    http.NewServeMux(),
		logger: logger.With().Str("component", "admin").Logger(),
	}

	s.mux.HandleFunc("GET /healthz", healthHandler)
	s.mux.Handle("GET /metrics", metricsHandler)
	s.mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status())
	})
	if sweep != nil {
		s.mux.HandleFunc("POST /api/heartbeat", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sweep(r.Context()))
		})
	}
	return s
}

// HandleTrace serves GET /debug/trace from src. Call before Start.
func (s *AdminServer) HandleTrace(src io.WriterTo) {
	s.mux.HandleFunc("GET /debug/trace", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if _, err := src.WriteTo(&buf); err != nil {
			s.logger.Warn().Err(err).Msg("trace snapshot failed")
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="trace.out"`)
		_, _ = w.Write(buf.Bytes())
	})
}

// Handler returns the admin routes, for embedding or tests.
func (s *AdminServer) Handler() http.Handler {
	return s.mux
}

// Start listens on addr and serves in the background.
func (s *AdminServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server error")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *AdminServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the admin server.
func (s *AdminServer) Stop() error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return server.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
