// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relayserver implements C10: the optional public relay that lets
// a client reach a daemon machine that isn't directly network-reachable.
// It never participates in the tunnel protocol itself — it forwards
// opaque TunnelFrame bytes between a daemon's long-lived registration
// connection and a client's attach connection, keyed by machine ID and
// request ID, the same way internal/proxy forwards plain HTTP/WS traffic
// to an upstream.
package relayserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/tailscale/tscert"

	"github.com/agentflow/agentd/internal/catalog"
	"github.com/agentflow/agentd/internal/tunnel"
)

const (
	registerPingPeriod = 30 * time.Second
	registerPongWait    = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config configures the relay's public listener and its forwarding
// policy, mirroring config.RelayConfig.
type Config struct {
	ListenAddr     string
	TLSTailscale   bool
	TLSCert        string
	TLSKey         string
	UnaryTimeout   time.Duration
	BufferTTL      time.Duration
	BufferPriority int
}

// Server is the relay's public HTTP/WS listener: a machine registry
// (C10) plus the durable store it reads bearer tokens and machine
// ownership from. Requests buffered for an offline machine are held only
// in the registry's memory; Server does not use the store's fingerprint
// or buffered-message tables.
type Server struct {
	cfg      Config
	registry *tunnel.Registry
	store    *catalog.RelayStore

	router *mux.Router
	server *http.Server
}

// NewServer builds a relay server. registry is the in-memory connection
// table (C10); store is the relay's own durable sqlite file.
func NewServer(cfg Config, registry *tunnel.Registry, store *catalog.RelayStore) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    store,
	}

	r := mux.NewRouter()
	r.HandleFunc("/register", s.handleRegister).Methods("GET")
	r.HandleFunc("/attach", s.handleAttach).Methods("GET")
	s.router = r

	return s
}

// ListenAndServe starts the relay's public listener.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.router,
	}

	if s.cfg.TLSTailscale {
		s.server.TLSConfig = &tls.Config{GetCertificate: tscert.GetCertificate}
		log.Printf("relay: listening on %s (tailscale TLS)", s.cfg.ListenAddr)
		return s.server.ListenAndServeTLS("", "")
	}
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		log.Printf("relay: listening on %s (TLS)", s.cfg.ListenAddr)
		return s.server.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	}

	log.Printf("relay: listening on %s", s.cfg.ListenAddr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// authenticate extracts a bearer token and resolves it to an owner id.
func (s *Server) authenticate(r *http.Request) (ownerID string, err error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return "", fmt.Errorf("missing bearer token")
	}
	return s.store.UserIDForToken(r.Context(), token)
}

// wsOutbound adapts a *websocket.Conn to tunnel.Outbound, serializing
// writes the way the daemon's own TunnelHandler does — a connection here
// is written to both by its own read loop's replies and by forwarding
// goroutines pumping frames from the registry.
type wsOutbound struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsOutbound) Send(frame tunnel.TunnelFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(frame)
}

func pingLoop(out *wsOutbound, done <-chan struct{}) {
	ticker := time.NewTicker(registerPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			out.mu.Lock()
			err := out.conn.WriteMessage(websocket.PingMessage, nil)
			out.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleRegister is the daemon-facing endpoint: a daemon holds this
// connection open for as long as it wants to be reachable, identified by
// its machine_id query parameter. Incoming frames are dispatched into
// the registry, which keeps its own request_id-keyed bookkeeping.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ownerID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		http.Error(w, "missing machine_id", http.StatusBadRequest)
		return
	}

	if err := s.store.RegisterMachine(r.Context(), machineID, ownerID, r.URL.Query().Get("display_name")); err != nil {
		log.Printf("relay: register machine %s: %v", machineID, err)
		http.Error(w, "registration failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: register upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	out := &wsOutbound{conn: conn}
	s.registry.Register(machineID, ownerID, out)
	defer s.registry.Unregister(machineID)
	log.Printf("relay: machine %s connected (owner %s)", machineID, ownerID)

	conn.SetReadDeadline(time.Now().Add(registerPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(registerPongWait))
		return nil
	})

	done := make(chan struct{})
	go pingLoop(out, done)
	defer close(done)

	for {
		var frame tunnel.TunnelFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay: machine %s: read error: %v", machineID, err)
			}
			log.Printf("relay: machine %s disconnected", machineID)
			return
		}
		s.routeFromDaemon(machineID, frame)
	}
}

// routeFromDaemon dispatches one frame a registered daemon sent back
// toward whichever side is waiting on it: the registry's own unary/stream
// bookkeeping for a direct ForwardUnary/ForwardStream caller, or a client
// connection parked on /attach.
func (s *Server) routeFromDaemon(machineID string, frame tunnel.TunnelFrame) {
	switch frame.Type {
	case tunnel.FrameResponse, tunnel.FrameError:
		s.registry.DispatchResponse(machineID, frame)
	case tunnel.FrameStreamData:
		s.registry.DispatchStreamData(machineID, frame)
	case tunnel.FrameStreamEnd:
		s.registry.DispatchStreamEnd(machineID, frame.RequestID)
	default:
		log.Printf("relay: machine %s: unexpected frame type %d for %s", machineID, frame.Type, frame.RequestID)
	}
}

// handleAttach is the client-facing endpoint: a client (agentctl, or any
// future client that prefers going through a relay over dialing a
// daemon directly) opens one connection per attach session, naming its
// target machine_id. The relay has no application-layer visibility into
// the frames it forwards — the frame type, request_id and Method are the
// only fields it reads, to decide unary-vs-streaming routing.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	ownerID, err := s.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	machineID := r.URL.Query().Get("machine_id")
	if machineID == "" {
		http.Error(w, "missing machine_id", http.StatusBadRequest)
		return
	}
	machine, err := s.store.GetMachine(r.Context(), machineID)
	if err != nil || machine.OwnerID != ownerID {
		http.Error(w, "machine not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: attach upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	out := &wsOutbound{conn: conn}
	ctx := r.Context()

	for {
		var frame tunnel.TunnelFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay: attach %s: read error: %v", machineID, err)
			}
			return
		}
		s.routeFromClient(ctx, machineID, out, frame)
	}
}

// routeFromClient forwards one client-originated frame toward its target
// machine, choosing unary or streaming registry delivery for the first
// frame of a request and direct connection delivery for every follow-on
// frame sharing that request_id.
func (s *Server) routeFromClient(ctx context.Context, machineID string, out *wsOutbound, frame tunnel.TunnelFrame) {
	if frame.Type != tunnel.FrameRequest {
		// Follow-on frame (e.g. Converse's UserMessage) for an already
		// established stream — send straight to the daemon connection.
		conn, ok := s.registry.Get(machineID)
		if !ok {
			out.Send(errorFrame(frame.RequestID, "machine not connected"))
			return
		}
		if err := conn.Send(frame); err != nil {
			out.Send(errorFrame(frame.RequestID, err.Error()))
		}
		return
	}

	method := ""
	if frame.Payload != nil {
		method = frame.Payload.Method
	}

	switch method {
	case tunnel.MethodConverse, tunnel.MethodResumeSession:
		s.forwardStreamingRequest(machineID, out, frame)
	default:
		s.forwardUnaryRequest(ctx, machineID, out, frame)
	}
}

func (s *Server) forwardUnaryRequest(ctx context.Context, machineID string, out *wsOutbound, frame tunnel.TunnelFrame) {
	reply, err := s.registry.ForwardUnary(ctx, machineID, frame, s.cfg.UnaryTimeout, s.cfg.BufferPriority, s.cfg.BufferTTL)
	if err != nil {
		out.Send(errorFrame(frame.RequestID, err.Error()))
		return
	}
	out.Send(reply)
}

func (s *Server) forwardStreamingRequest(machineID string, out *wsOutbound, frame tunnel.TunnelFrame) {
	ch, err := s.registry.ForwardStream(machineID, frame)
	if err != nil {
		out.Send(errorFrame(frame.RequestID, err.Error()))
		return
	}

	go func() {
		for reply := range ch {
			if err := out.Send(reply); err != nil {
				return
			}
		}
	}()
}

func errorFrame(requestID, message string) tunnel.TunnelFrame {
	return tunnel.TunnelFrame{
		RequestID:    requestID,
		Type:         tunnel.FrameError,
		ErrorCode:    tunnel.ErrorInternal,
		ErrorMessage: message,
	}
}
