// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrOffline is returned by ForwardUnary/ForwardStream when no connection
// is registered for the target machine and the request is not eligible to
// be buffered.
var ErrOffline = errors.New("tunnel: machine not connected")

// ErrBuffered is returned by ForwardUnary when the target machine is
// offline but the request was queued for replay on reconnect.
var ErrBuffered = errors.New("tunnel: machine offline, request buffered")

// ErrUnaryTimeout is returned by ForwardUnary when no response arrives
// before the deadline.
var ErrUnaryTimeout = errors.New("tunnel: unary request timed out")

const streamPendingCapacity = 128

// Connection is one registered daemon's tunnel session: an outbound frame
// sink plus the request_id-keyed bookkeeping for replies in flight.
type Connection struct {
	MachineID string
	OwnerID   string
	outbound  Outbound

	mu               sync.Mutex
	pending          map[string]chan TunnelFrame
	streamPending    map[string]chan TunnelFrame
	cancelledStreams map[string]bool
}

func newConnection(machineID, ownerID string, outbound Outbound) *Connection {
	return &Connection{
		MachineID:        machineID,
		OwnerID:          ownerID,
		outbound:         outbound,
		pending:          make(map[string]chan TunnelFrame),
		streamPending:    make(map[string]chan TunnelFrame),
		cancelledStreams: make(map[string]bool),
	}
}

// Send pushes a frame to the daemon through this connection's transport.
func (c *Connection) Send(frame TunnelFrame) error {
	return c.outbound.Send(frame)
}

// registerPending reserves a single-shot reply slot for request_id.
func (c *Connection) registerPending(requestID string) <-chan TunnelFrame {
	ch := make(chan TunnelFrame, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	return ch
}

// completePending delivers frame to request_id's reply slot, if any.
// Returns false if there was no pending slot (already completed, timed
// out, or never registered).
func (c *Connection) completePending(requestID string, frame TunnelFrame) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	ch <- frame
	return true
}

func (c *Connection) abandonPending(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// registerStreamPending reserves a multi-frame channel for request_id.
func (c *Connection) registerStreamPending(requestID string) <-chan TunnelFrame {
	ch := make(chan TunnelFrame, streamPendingCapacity)
	c.mu.Lock()
	c.streamPending[requestID] = ch
	delete(c.cancelledStreams, requestID)
	c.mu.Unlock()
	return ch
}

// sendStreamFrame dispatches frame into request_id's stream channel.
// Returns false if there is no such channel (never registered, already
// completed, or its receiver was dropped) — in the last case the stream
// is marked cancelled so later frames are silently dropped without one
// warning per frame.
func (c *Connection) sendStreamFrame(requestID string, frame TunnelFrame) bool {
	c.mu.Lock()
	ch, ok := c.streamPending[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- frame:
		return true
	default:
	}

	// Buffered channel is full or (far more likely, since it's sized
	// generously) its receiver was dropped. Try a blocking send with the
	// lock released, then fall back to marking the stream cancelled.
	select {
	case ch <- frame:
		return true
	case <-time.After(time.Second):
		c.mu.Lock()
		delete(c.streamPending, requestID)
		c.cancelledStreams[requestID] = true
		c.mu.Unlock()
		log.Printf("tunnel: %s: stream receiver unresponsive, marking cancelled", requestID)
		return false
	}
}

// completeStream removes request_id's stream channel and closes it,
// closing off any further delivery. Returns false if there was no such
// channel.
func (c *Connection) completeStream(requestID string) bool {
	c.mu.Lock()
	ch, ok := c.streamPending[requestID]
	if ok {
		delete(c.streamPending, requestID)
	}
	c.mu.Unlock()
	if ok {
		close(ch)
	}
	return ok
}

func (c *Connection) isCancelledStream(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelledStreams[requestID]
}

// cancelAllPending clears every unary and stream slot, e.g. when the
// connection itself is torn down.
func (c *Connection) cancelAllPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.pending {
		close(ch)
	}
	for _, ch := range c.streamPending {
		close(ch)
	}
	c.pending = make(map[string]chan TunnelFrame)
	c.streamPending = make(map[string]chan TunnelFrame)
	c.cancelledStreams = make(map[string]bool)
}

func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) streamPendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streamPending)
}

// bufferedRequest is one unary request queued for replay once its
// machine reconnects.
type bufferedRequest struct {
	frame    TunnelFrame
	priority int
	queuedAt time.Time
	expires  time.Time
}

// Registry maps machine_id to its active Connection, and holds a buffer
// of unary requests for machines that are currently offline.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	buffers     map[string][]bufferedRequest
}

// NewRegistry returns an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		buffers:     make(map[string][]bufferedRequest),
	}
}

// Register installs a connection for machineID, replacing any prior one,
// and drains that machine's buffered requests (highest priority first,
// oldest first within a priority) through it. Expired entries are dropped
// without being forwarded.
func (r *Registry) Register(machineID, ownerID string, outbound Outbound) *Connection {
	conn := newConnection(machineID, ownerID, outbound)

	r.mu.Lock()
	r.connections[machineID] = conn
	buffered := r.buffers[machineID]
	delete(r.buffers, machineID)
	r.mu.Unlock()

	if len(buffered) > 0 {
		sort.SliceStable(buffered, func(i, j int) bool {
			if buffered[i].priority != buffered[j].priority {
				return buffered[i].priority > buffered[j].priority
			}
			return buffered[i].queuedAt.Before(buffered[j].queuedAt)
		})
		now := time.Now()
		for _, req := range buffered {
			if now.After(req.expires) {
				continue
			}
			if err := conn.Send(req.frame); err != nil {
				log.Printf("tunnel: %s: replay buffered request %s: %v", machineID, req.frame.RequestID, err)
			}
		}
	}

	return conn
}

// Unregister removes machineID's connection (if any) and cancels all of
// its pending requests.
func (r *Registry) Unregister(machineID string) {
	r.mu.Lock()
	conn, ok := r.connections[machineID]
	if ok {
		delete(r.connections, machineID)
	}
	r.mu.Unlock()
	if ok {
		conn.cancelAllPending()
	}
}

// Get returns machineID's connection, if connected.
func (r *Registry) Get(machineID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[machineID]
	return conn, ok
}

// IsConnected reports whether machineID currently has a registered
// connection.
func (r *Registry) IsConnected(machineID string) bool {
	_, ok := r.Get(machineID)
	return ok
}

// ConnectedMachines lists every currently-registered machine id.
func (r *Registry) ConnectedMachines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.connections))
	for id := range r.connections {
		out = append(out, id)
	}
	return out
}

// ConnectionCount reports how many machines are currently connected.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// BufferRequest queues frame for machineID, to be replayed (if not
// expired by then) the next time that machine registers a connection.
// priority breaks ties in favor of higher values; ttl bounds how long the
// entry survives before Register silently drops it.
func (r *Registry) BufferRequest(machineID string, frame TunnelFrame, priority int, ttl time.Duration) {
	now := time.Now()
	r.mu.Lock()
	r.buffers[machineID] = append(r.buffers[machineID], bufferedRequest{
		frame:    frame,
		priority: priority,
		queuedAt: now,
		expires:  now.Add(ttl),
	})
	r.mu.Unlock()
}

// ForwardUnary sends frame to machineID and waits for its single reply.
// If the machine is offline, the request is buffered (with the given
// priority/ttl) for replay on reconnect and ErrBuffered is returned
// instead of attempting delivery.
func (r *Registry) ForwardUnary(ctx context.Context, machineID string, frame TunnelFrame, timeout time.Duration, bufferPriority int, bufferTTL time.Duration) (TunnelFrame, error) {
	conn, ok := r.Get(machineID)
	if !ok {
		r.BufferRequest(machineID, frame, bufferPriority, bufferTTL)
		return TunnelFrame{}, ErrBuffered
	}

	replyCh := conn.registerPending(frame.RequestID)
	if err := conn.Send(frame); err != nil {
		conn.abandonPending(frame.RequestID)
		return TunnelFrame{}, fmt.Errorf("tunnel: %s: send unary request: %w", machineID, err)
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		conn.abandonPending(frame.RequestID)
		return TunnelFrame{}, ErrUnaryTimeout
	case <-ctx.Done():
		conn.abandonPending(frame.RequestID)
		return TunnelFrame{}, ctx.Err()
	}
}

// ForwardStream sends frame to machineID and returns a channel of every
// subsequent frame dispatched to frame.RequestID, until the daemon
// completes it (DispatchStreamEnd) or the connection is torn down.
func (r *Registry) ForwardStream(machineID string, frame TunnelFrame) (<-chan TunnelFrame, error) {
	conn, ok := r.Get(machineID)
	if !ok {
		return nil, ErrOffline
	}

	ch := conn.registerStreamPending(frame.RequestID)
	if err := conn.Send(frame); err != nil {
		conn.completeStream(frame.RequestID)
		return nil, fmt.Errorf("tunnel: %s: send stream request: %w", machineID, err)
	}
	return ch, nil
}

// DispatchResponse routes a unary Response/Error frame from machineID back
// to its waiter.
func (r *Registry) DispatchResponse(machineID string, frame TunnelFrame) {
	conn, ok := r.Get(machineID)
	if !ok {
		return
	}
	if !conn.completePending(frame.RequestID, frame) {
		log.Printf("tunnel: %s: response for unknown/expired request %s", machineID, frame.RequestID)
	}
}

// DispatchStreamData routes one streamed frame from machineID into its
// request_id's channel, unless that stream was already cancelled (in
// which case it's silently dropped — one warning per stream, logged the
// moment the receiver is first found to be gone, not per frame).
func (r *Registry) DispatchStreamData(machineID string, frame TunnelFrame) {
	conn, ok := r.Get(machineID)
	if !ok {
		return
	}
	if conn.isCancelledStream(frame.RequestID) {
		return
	}
	conn.sendStreamFrame(frame.RequestID, frame)
}

// DispatchStreamEnd closes out request_id's stream channel for machineID.
func (r *Registry) DispatchStreamEnd(machineID string, requestID string) {
	conn, ok := r.Get(machineID)
	if !ok {
		return
	}
	conn.completeStream(requestID)
}

// CancelAllPending clears machineID's pending unary and stream tables
// without removing its connection, e.g. on an explicit client cancel.
func (r *Registry) CancelAllPending(machineID string) {
	conn, ok := r.Get(machineID)
	if !ok {
		return
	}
	conn.cancelAllPending()
}
