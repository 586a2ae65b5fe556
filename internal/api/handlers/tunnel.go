// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentflow/agentd/internal/tunnel"
)

const (
	tunnelPingPeriod = 30 * time.Second
	tunnelPongWait   = 90 * time.Second
)

// wsOutbound adapts a *websocket.Conn to tunnel.Outbound, serializing
// writes the way claude.go's serveSession guarded its write side — the
// handler's forwardEvents goroutines and the read loop's synchronous
// replies both call Send concurrently.
type wsOutbound struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsOutbound) Send(frame tunnel.TunnelFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(frame)
}

// TunnelHandler upgrades an HTTP connection to a WebSocket carrying
// TunnelFrame messages, and drives one internal/tunnel.Handler per
// connection (C9's transport, matching the teacher's only WS idiom).
type TunnelHandler struct {
	machineID string
	newFrame  func(outbound tunnel.Outbound) *tunnel.Handler
}

// NewTunnelHandler builds a TunnelHandler. newFrame constructs a fresh
// *tunnel.Handler per connection, bound to that connection's Outbound.
func NewTunnelHandler(machineID string, newFrame func(outbound tunnel.Outbound) *tunnel.Handler) *TunnelHandler {
	return &TunnelHandler{machineID: machineID, newFrame: newFrame}
}

// ServeHTTP upgrades the request and reads TunnelFrame messages until the
// client disconnects, dispatching each to the per-connection Handler.
func (t *TunnelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("tunnel: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	out := &wsOutbound{conn: conn}
	h := t.newFrame(out)

	conn.SetReadDeadline(time.Now().Add(tunnelPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(tunnelPongWait))
		return nil
	})

	done := make(chan struct{})
	go t.pingLoop(out, done)
	defer close(done)

	ctx := r.Context()
	for {
		var frame tunnel.TunnelFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("tunnel: read error: %v", err)
			}
			return
		}
		for _, reply := range h.HandleFrame(ctx, frame) {
			if err := out.Send(reply); err != nil {
				log.Printf("tunnel: write reply: %v", err)
				return
			}
		}
	}
}

func (t *TunnelHandler) pingLoop(out *wsOutbound, done <-chan struct{}) {
	ticker := time.NewTicker(tunnelPingPeriod)
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
