// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentflow/agentd/internal/bridge"
	"github.com/agentflow/agentd/internal/sessionbus"
	"github.com/agentflow/agentd/internal/subprocess"
)

// Relay owns the subprocess ↔ store ↔ bus pipeline for every active
// session. One Relay serves every session on a daemon; each session's
// pipeline is independent of every other's.
type Relay struct {
	procs *subprocess.Manager
	hub   *sessionbus.Hub
	store Store
	cat   Catalog

	mu       sync.Mutex
	sessions map[string]*activeSession
}

// New constructs a Relay. cat may be nil, in which case derived catalog
// updates (usage counters, upstream identity, status transitions) are
// skipped — useful for tests that only exercise the wire protocol.
func New(procs *subprocess.Manager, hub *sessionbus.Hub, store Store, cat Catalog) *Relay {
	return &Relay{
		procs:    procs,
		hub:      hub,
		store:    store,
		cat:      cat,
		sessions: make(map[string]*activeSession),
	}
}

// Start spawns cfg's subprocess and wires its stdout into the
// parse→convert→persist→fan-out pipeline. Calling Start again for a
// session that is already active is a no-op that returns the existing
// process id.
func (r *Relay) Start(ctx context.Context, cfg Config) (string, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[cfg.SessionID]; ok {
		r.mu.Unlock()
		return existing.processID, nil
	}
	r.mu.Unlock()

	startSeq, err := r.store.MaxSeq(ctx, cfg.SessionID)
	if err != nil {
		return "", fmt.Errorf("relay: read max seq for %s: %w", cfg.SessionID, err)
	}

	lines := make(chan []byte, 256)
	sink := func(_ string, stream subprocess.Stream, line []byte) {
		if stream == subprocess.Stderr {
			log.Printf("relay: %s: subprocess stderr: %s", cfg.SessionID, line)
			return
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines <- cp
	}

	handle, err := r.procs.Spawn(ctx, subprocess.Config{
		Command:          cfg.Command,
		WorkDir:          cfg.WorkDir,
		Prompt:           cfg.Prompt,
		ResumeID:         cfg.ResumeID,
		Model:            cfg.Model,
		Permission:       cfg.Permission,
		CredentialEnvVar: cfg.CredentialEnvVar,
	}, sink)
	if err != nil {
		return "", fmt.Errorf("relay: spawn %s: %w", cfg.SessionID, err)
	}

	active := newActiveSession(handle.ID, startSeq)

	r.mu.Lock()
	r.sessions[cfg.SessionID] = active
	r.mu.Unlock()

	go func() {
		<-handle.Done()
		close(lines)
	}()

	forwarder := r.hub.CreateForwarder(cfg.SessionID)
	go r.runPipeline(cfg.SessionID, active, lines, forwarder, handle)

	return handle.ID, nil
}

// runPipeline drains lines (one NDJSON record per line) through a Bridge,
// performing the transfer/classify/persist/fan-out sequence for every
// event it produces, until the subprocess exits.
func (r *Relay) runPipeline(sessionID string, active *activeSession, lines <-chan []byte, forwarder *sessionbus.Forwarder, handle *subprocess.Handle) {
	ctx := context.Background()
	br := bridge.New(active.loadSeq())
	eventCount := 0

	for raw := range lines {
		if latest := active.loadSeq(); latest > br.Sequence() {
			br.Resync(latest)
		}

		var rec bridge.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("relay: %s: malformed NDJSON line: %v", sessionID, err)
			continue
		}

		events := br.Consume(rec)
		autoResponded := make(map[string]bool, len(events))

		for _, ev := range events {
			r.transfer(sessionID, active, br, ev, autoResponded)
		}

		for _, ev := range events {
			eventCount++
			r.applyDerivedUpdates(ctx, sessionID, active, ev)

			if err := r.store.Insert(ctx, sessionID, ev.Seq, classify(ev.Kind), mustMarshal(ev)); err != nil {
				log.Printf("relay: %s: persist event seq=%d: %v", sessionID, ev.Seq, err)
			}

			if autoResponded[ev.RequestID] && ev.Kind == bridge.KindPermissionRequest {
				continue
			}
			if err := forwarder.Send(ev); err != nil {
				// Bus closed: nothing more to deliver, but keep draining so
				// the subprocess's stdin/stdout pipes don't back up.
				continue
			}
		}

		active.storeSeq(br.Sequence())

		if sid, ok := br.SessionInfo(); ok && r.cat != nil {
			if active.hadSessionError() {
				_ = r.cat.ClearUpstreamSessionID(ctx, sessionID)
			} else {
				_ = r.procs.SetSessionID(handle.ID, sid)
				_ = r.cat.SetUpstreamSessionID(ctx, sessionID, sid)
			}
		}
	}

	if eventCount == 0 {
		fallback := bridge.Event{
			Kind:         bridge.KindErrorEvent,
			Code:         bridge.CodeSubprocessFailed,
			ErrorMessage: "agent subprocess exited without producing output",
			IsFatal:      true,
		}
		_ = forwarder.Send(fallback)
	}

	r.mu.Lock()
	_, stillActive := r.sessions[sessionID]
	if stillActive {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if stillActive && r.cat != nil {
		_ = r.cat.SetIdle(ctx, sessionID)
	}
}

// transfer moves a just-emitted UserQuestion's or PermissionRequest's
// original input out of the bridge's own pending maps and into the
// session's shared maps, auto-responding permission requests that already
// have a session grant. Must run before persist/fan-out for ev, per the
// ordering guarantee that auto-responded requests are never observed by
// subscribers.
func (r *Relay) transfer(sessionID string, active *activeSession, br *bridge.Bridge, ev bridge.Event, autoResponded map[string]bool) {
	switch ev.Kind {
	case bridge.KindUserQuestion:
		if input, ok := br.TakePendingQuestion(ev.RequestID); ok {
			active.stashQuestion(ev.RequestID, input)
		}

	case bridge.KindPermissionRequest:
		input, ok := br.TakePendingPermission(ev.RequestID)
		if !ok {
			return
		}
		if active.grant(ev.ToolName) {
			line, err := buildPermissionResponseLine(ev.RequestID, true, input)
			if err != nil {
				log.Printf("relay: %s: build auto-grant response: %v", sessionID, err)
				return
			}
			if err := r.procs.Send(active.processID, line); err != nil {
				log.Printf("relay: %s: send auto-grant response: %v", sessionID, err)
				return
			}
			autoResponded[ev.RequestID] = true
			return
		}
		active.stashPermission(ev.RequestID, ev.ToolName, input)
	}
}

// applyDerivedUpdates performs the catalog-facing side effects spec'd for
// certain event kinds: cumulative usage counters, and the sticky
// session-error flag that blocks persisting a fresh upstream identity.
func (r *Relay) applyDerivedUpdates(ctx context.Context, sessionID string, active *activeSession, ev bridge.Event) {
	switch {
	case ev.Kind == bridge.KindUsageReport && r.cat != nil:
		if err := r.cat.UpdateUsage(ctx, sessionID, ev.InputTokens, ev.OutputTokens, ev.CostUSD); err != nil {
			log.Printf("relay: %s: update usage: %v", sessionID, err)
		}
	case ev.Kind == bridge.KindErrorEvent && ev.Code == bridge.CodeSessionError:
		active.markSessionError()
	}
}

// SendUserMessage atomically allocates the next sequence number for
// session, persists a synthetic UserInput event at that sequence, and
// writes the framed turn to the subprocess's stdin.
func (r *Relay) SendUserMessage(ctx context.Context, sessionID, content string) error {
	active, err := r.activeFor(sessionID)
	if err != nil {
		return err
	}

	seq := active.nextSeq()
	userInput := bridge.Event{Seq: seq, Kind: bridge.KindUserInput, Text: content}
	if err := r.store.Insert(ctx, sessionID, seq, "user", mustMarshal(userInput)); err != nil {
		log.Printf("relay: %s: persist user input: %v", sessionID, err)
	}

	line, err := buildUserMessageLine(content)
	if err != nil {
		return fmt.Errorf("relay: %s: build user message: %w", sessionID, err)
	}
	return r.procs.Send(active.processID, line)
}

// SendPermissionResponse resolves a pending permission request, writing the
// corresponding control_response to the subprocess's stdin. An
// AllowSession decision additionally records a standing grant for the
// tool, so future requests for the same tool in this session auto-resolve.
func (r *Relay) SendPermissionResponse(ctx context.Context, sessionID, requestID string, decision Decision) error {
	active, err := r.activeFor(sessionID)
	if err != nil {
		return err
	}

	pending, ok := active.takePermission(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	granted := decision == AllowOnce || decision == AllowSession || decision == AllowWithEdit
	line, err := buildPermissionResponseLine(requestID, granted, pending.Input)
	if err != nil {
		return fmt.Errorf("relay: %s: build permission response: %w", sessionID, err)
	}

	if decision == AllowSession {
		active.setGrant(pending.ToolName)
	}

	return r.procs.Send(active.processID, line)
}

// SendQuestionResponse resolves a pending AskUserQuestion by merging
// answers into the original input and writing an allow control_response.
func (r *Relay) SendQuestionResponse(ctx context.Context, sessionID, requestID string, answers map[string]string) error {
	active, err := r.activeFor(sessionID)
	if err != nil {
		return err
	}

	input, ok := active.takeQuestion(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	line, err := buildQuestionResponseLine(requestID, answers, input)
	if err != nil {
		return fmt.Errorf("relay: %s: build question response: %w", sessionID, err)
	}
	return r.procs.Send(active.processID, line)
}

// Cancel terminates session's subprocess via SIGINT (escalating to
// SIGKILL after a 5-second grace period) and transitions the catalog
// to Idle if the session is still active afterward. Returns false, not an
// error, if the session had no active relay.
func (r *Relay) Cancel(ctx context.Context, sessionID string) (bool, error) {
	active, err := r.activeFor(sessionID)
	if err != nil {
		return false, nil
	}

	if err := r.procs.Terminate(active.processID, 5*time.Second); err != nil {
		return false, fmt.Errorf("relay: %s: terminate: %w", sessionID, err)
	}

	r.mu.Lock()
	_, stillActive := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if stillActive && r.cat != nil {
		if err := r.cat.SetIdle(ctx, sessionID); err != nil {
			log.Printf("relay: %s: set idle after cancel: %v", sessionID, err)
		}
	}
	return true, nil
}

// IsActive reports whether session currently has a running relay pipeline.
func (r *Relay) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

func (r *Relay) activeFor(sessionID string) (*activeSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotActive, sessionID)
	}
	return active, nil
}

// classify determines the persistence kind an event is stored under: the
// store's kind column groups events by these coarse categories rather
// than by the finer bridge.Kind, mirroring how the wire protocol itself
// distinguishes result-like, control-request, system, user, and stream
// records.
func classify(kind bridge.Kind) string {
	switch kind {
	case bridge.KindSessionInfo:
		return "system"
	case bridge.KindUserQuestion, bridge.KindPermissionRequest:
		return "control_request"
	case bridge.KindUsageReport, bridge.KindErrorEvent:
		return "result"
	case bridge.KindToolCallResult:
		return "user"
	default:
		return "stream"
	}
}

func mustMarshal(ev bridge.Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		// Event is a flat struct of JSON-safe field types; marshal failure
		// would indicate a programming error, not a runtime condition.
		panic(fmt.Sprintf("relay: marshal event: %v", err))
	}
	return b
}
