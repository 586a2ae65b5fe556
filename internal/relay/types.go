// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package relay wires a session's subprocess to its durable event store and
// its live subscribers: NDJSON stdout → bridge → (store, broadcast bus),
// user input and control decisions → subprocess stdin.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/agentflow/agentd/internal/subprocess"
)

// Decision is a client's response to a pending permission request.
type Decision string

const (
	AllowOnce     Decision = "AllowOnce"
	AllowSession  Decision = "AllowSession"
	AllowWithEdit Decision = "AllowWithEdit"
	Deny          Decision = "Deny"
)

// ErrSessionNotActive is returned by operations targeting a session with no
// running relay.
var ErrSessionNotActive = errors.New("relay: session not active")

// ErrUnknownRequest is returned when a permission or question response
// targets a request_id the relay has no pending entry for (already
// answered, or never seen).
var ErrUnknownRequest = errors.New("relay: unknown request id")

// Catalog is the subset of durable session-entity storage the relay
// depends on. It is a narrow interface so the relay can be exercised
// without a full catalog implementation wired in.
type Catalog interface {
	UpdateUsage(ctx context.Context, sessionID string, inputTokens, outputTokens int64, costUSD float64) error
	SetUpstreamSessionID(ctx context.Context, sessionID, upstreamID string) error
	ClearUpstreamSessionID(ctx context.Context, sessionID string) error
	SetIdle(ctx context.Context, sessionID string) error
}

// Store is the subset of the durable event log the relay depends on.
type Store interface {
	Insert(ctx context.Context, session string, seq int64, kind string, payload []byte) error
	MaxSeq(ctx context.Context, session string) (int64, error)
}

// Config describes one session's subprocess, as passed to Start.
type Config struct {
	SessionID string
	Command   string
	WorkDir   string
	Prompt    string
	ResumeID  string
	Model     string

	Permission       subprocess.PermissionStrategy
	CredentialEnvVar string
}

type pendingPermission struct {
	Input    json.RawMessage
	ToolName string
}

// activeSession is the relay's private bookkeeping for one running
// session. The three maps mirror the shared state spec'd for transferring
// bridge-local pending inputs across the request/response boundary.
type activeSession struct {
	processID string

	mu       sync.Mutex
	sequence int64

	pendingQuestion   map[string]json.RawMessage
	pendingPermission map[string]pendingPermission
	sessionGrants     map[string]bool

	sessionErrorSeen bool
}

func newActiveSession(processID string, startSeq int64) *activeSession {
	return &activeSession{
		processID:         processID,
		sequence:          startSeq,
		pendingQuestion:   make(map[string]json.RawMessage),
		pendingPermission: make(map[string]pendingPermission),
		sessionGrants:     make(map[string]bool),
	}
}

func (a *activeSession) nextSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sequence++
	return a.sequence
}

func (a *activeSession) loadSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sequence
}

func (a *activeSession) storeSeq(seq int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq > a.sequence {
		a.sequence = seq
	}
}

func (a *activeSession) grant(tool string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	granted, ok := a.sessionGrants[tool]
	return ok && granted
}

func (a *activeSession) setGrant(tool string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionGrants[tool] = true
}

func (a *activeSession) stashQuestion(requestID string, input json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingQuestion[requestID] = input
}

func (a *activeSession) takeQuestion(requestID string) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	input, ok := a.pendingQuestion[requestID]
	if ok {
		delete(a.pendingQuestion, requestID)
	}
	return input, ok
}

func (a *activeSession) stashPermission(requestID, toolName string, input json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingPermission[requestID] = pendingPermission{Input: input, ToolName: toolName}
}

func (a *activeSession) takePermission(requestID string) (pendingPermission, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pendingPermission[requestID]
	if ok {
		delete(a.pendingPermission, requestID)
	}
	return p, ok
}

func (a *activeSession) markSessionError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionErrorSeen = true
}

func (a *activeSession) hadSessionError() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionErrorSeen
}
