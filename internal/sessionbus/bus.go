// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessionbus fans a single session's event stream out to any
// number of live subscribers (websocket clients, CLI attach sessions,
// tunnel forwarders) with bounded per-subscriber buffering. The event
// store is the durable source of truth; this bus exists purely for
// real-time delivery, so a slow subscriber is dropped rather than allowed
// to back-pressure the whole session.
package sessionbus

import (
	"errors"
	"sync"

	"github.com/agentflow/agentd/internal/bridge"
)

// DefaultCapacity is the default per-subscriber buffer size.
const DefaultCapacity = 128

// ErrClosed is returned by operations on a session bus that has been torn
// down.
var ErrClosed = errors.New("sessionbus: session closed")

// Event is the unit of broadcast — one structured event produced by a
// session's bridge.
type Event = bridge.Event

// Subscription is a live subscriber's view of a session bus.
type Subscription struct {
	ClientID string
	Kind     string

	events chan Event
	lag    chan int
	bus    *sessionBus
}

// Events returns the channel this subscriber receives events on.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Lag returns a channel that receives the number of events dropped each
// time this subscriber falls behind.
func (s *Subscription) Lag() <-chan int {
	return s.lag
}

// Forwarder is the single producer handle for a session bus.
type Forwarder struct {
	bus *sessionBus
}

// Send broadcasts ev to every current subscriber of the session. Returns
// ErrClosed if the session has been torn down.
func (f *Forwarder) Send(ev Event) error {
	return f.bus.publish(ev)
}

type subscriberState struct {
	sub     *Subscription
	dropped int
}

type sessionBus struct {
	mu          sync.Mutex
	capacity    int
	subscribers map[string]*subscriberState
	closed      bool
}

// Hub owns one sessionBus per session id, created lazily and retained
// until explicit teardown.
type Hub struct {
	mu       sync.Mutex
	buses    map[string]*sessionBus
	capacity int
}

// NewHub returns a Hub whose buses use capacity as the per-subscriber
// buffer size (DefaultCapacity if capacity <= 0).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{buses: make(map[string]*sessionBus), capacity: capacity}
}

func (h *Hub) busFor(session string) *sessionBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buses[session]
	if !ok {
		b = &sessionBus{capacity: h.capacity, subscribers: make(map[string]*subscriberState)}
		h.buses[session] = b
	}
	return b
}

// CreateForwarder returns the single-producer handle for session, creating
// its bus if this is the first use.
func (h *Hub) CreateForwarder(session string) *Forwarder {
	return &Forwarder{bus: h.busFor(session)}
}

// Subscribe registers a new subscriber for session under clientID/kind,
// creating the session's bus if needed. Subscribing the same clientID
// twice replaces the prior subscription (and its buffered, not-yet-read
// events are discarded).
func (h *Hub) Subscribe(session, clientID, kind string) *Subscription {
	bus := h.busFor(session)
	sub := &Subscription{
		ClientID: clientID,
		Kind:     kind,
		events:   make(chan Event, bus.capacity),
		lag:      make(chan int, 1),
		bus:      bus,
	}

	bus.mu.Lock()
	bus.subscribers[clientID] = &subscriberState{sub: sub}
	bus.mu.Unlock()

	return sub
}

// Unsubscribe removes clientID's subscription from session's bus. The bus
// itself is retained — it is only removed by Close.
func (h *Hub) Unsubscribe(session, clientID string) {
	h.mu.Lock()
	bus, ok := h.buses[session]
	h.mu.Unlock()
	if !ok {
		return
	}

	bus.mu.Lock()
	delete(bus.subscribers, clientID)
	bus.mu.Unlock()
}

// Close tears down session's bus entirely, removing every subscriber and
// closing each subscriber's event channel. Call
// this only when the session itself is gone for good; replay subscribers
// arriving after Close get a fresh bus with no history of their own (the
// event store remains the source of truth for anything durable).
func (h *Hub) Close(session string) {
	h.mu.Lock()
	bus, ok := h.buses[session]
	delete(h.buses, session)
	h.mu.Unlock()
	if !ok {
		return
	}

	bus.mu.Lock()
	bus.closed = true
	for _, state := range bus.subscribers {
		close(state.sub.events)
	}
	bus.subscribers = make(map[string]*subscriberState)
	bus.mu.Unlock()
}

// SubscriberCount returns how many live subscribers session currently has.
func (h *Hub) SubscriberCount(session string) int {
	h.mu.Lock()
	bus, ok := h.buses[session]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return len(bus.subscribers)
}

func (b *sessionBus) publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, state := range b.subscribers {
		select {
		case state.sub.events <- ev:
		default:
			state.dropped++
			select {
			case state.sub.lag <- state.dropped:
			default:
				// Lag channel already has an unread count; next read sees
				// the latest drop count is not reflected, which is fine —
				// it is advisory, not authoritative.
			}
		}
	}
	return nil
}
