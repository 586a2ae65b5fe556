// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentflow/agentd/internal/api/handlers"
	"github.com/agentflow/agentd/internal/api/middleware"
	"github.com/agentflow/agentd/internal/api/version"
	"github.com/agentflow/agentd/internal/events"
	"github.com/agentflow/agentd/internal/worktree"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host    string
	Port    int
	TLSCert string // Path to TLS certificate file
	TLSKey  string // Path to TLS private key file
}

// Dependencies holds all dependencies for the daemon's local API.
type Dependencies struct {
	WorktreeManager worktree.Manager
	EventBus        events.EventBus
	TunnelHandler   http.Handler // serves C9's WebSocket frame transport at /tunnel
	Version         string
}

// NewRouter creates a new API router for the daemon's local control
// surface: worktree CRUD, operational event history, and the tunnel
// WebSocket endpoint a directly-attached client or agentctl speaks.
func NewRouter(deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)
	r.Use(version.Middleware)

	if deps.TunnelHandler != nil {
		r.Handle("/tunnel", deps.TunnelHandler)
	}

	apiRouter := r.PathPrefix("/api/v1").Subrouter()

	if deps.WorktreeManager != nil {
		worktreeHandler := handlers.NewWorktreeHandler(deps.WorktreeManager)
		apiRouter.HandleFunc("/worktrees", worktreeHandler.List).Methods("GET")
		apiRouter.HandleFunc("/worktrees", worktreeHandler.Create).Methods("POST")
		apiRouter.HandleFunc("/worktrees/info", worktreeHandler.Info).Methods("GET")
		apiRouter.HandleFunc("/worktrees/{name}", worktreeHandler.Get).Methods("GET")
		apiRouter.HandleFunc("/worktrees/{name}", worktreeHandler.Remove).Methods("DELETE")
		apiRouter.HandleFunc("/worktrees/{name}/activate", worktreeHandler.Activate).Methods("POST")
	}

	if deps.EventBus != nil {
		eventHandler := handlers.NewEventHandler(deps.EventBus)
		apiRouter.HandleFunc("/events", eventHandler.History).Methods("GET")
		apiRouter.HandleFunc("/events/ws", eventHandler.WebSocket).Methods("GET")
	}

	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// Server represents the daemon's local HTTP/WS API server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server. If TLS is configured (tls_cert and
// tls_key), uses HTTPS; a configured cert or key file that does not exist
// is returned as a configuration error.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}

	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("API server listening on https://%s (TLS enabled)", addr)
		return s.server.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
